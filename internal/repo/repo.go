// Package repo defines the persistence contract the pipeline consumes.
// Implementations provide their own concurrency control; the pipeline
// relies only on the idempotent upsert by property id.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/desertmls/harvester/internal/domain"
)

var (
	// ErrAlreadyExists is returned by Create on a duplicate property id.
	ErrAlreadyExists = errors.New("property already exists")
	// ErrNotFound is returned when a property id is unknown.
	ErrNotFound = errors.New("property not found")
)

// ZipPriceStats summarizes current prices within one zipcode.
type ZipPriceStats struct {
	Min   float64 `json:"min" db:"min"`
	Max   float64 `json:"max" db:"max"`
	Avg   float64 `json:"avg" db:"avg"`
	Count int     `json:"count" db:"count"`
}

// Repository is the document-store contract.
type Repository interface {
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Create inserts a new property; ErrAlreadyExists on duplicate id.
	Create(ctx context.Context, p *domain.Property) (string, error)

	// Upsert merges p into the stored document by property id. The
	// created flag reports whether a new document was written.
	Upsert(ctx context.Context, p *domain.Property) (id string, created bool, err error)

	// GetByID fetches one property; ErrNotFound when absent.
	GetByID(ctx context.Context, propertyID string) (*domain.Property, error)

	// SearchByZipcode lists properties in a zip, newest update first.
	SearchByZipcode(ctx context.Context, zip string, limit int, includeInactive bool) ([]*domain.Property, error)

	// RecentUpdates lists properties updated within the window.
	RecentUpdates(ctx context.Context, within time.Duration, limit int) ([]*domain.Property, error)

	// AppendPrice appends one observation; false when the id is unknown.
	AppendPrice(ctx context.Context, propertyID string, obs domain.PriceObservation) (bool, error)

	// PriceStats aggregates current prices for a zipcode.
	PriceStats(ctx context.Context, zip string) (ZipPriceStats, error)

	// UpsertDailyReport writes the per-day report, replacing any
	// previous report for the same date.
	UpsertDailyReport(ctx context.Context, r *domain.DailyReport) (string, error)

	// GetDailyReport fetches the report for a YYYY-MM-DD date;
	// ErrNotFound when absent.
	GetDailyReport(ctx context.Context, date string) (*domain.DailyReport, error)
}

// Merge folds an incoming observation of a property into the stored
// document. Provenance and price history stay append-only; an entry whose
// raw payload hash is already present is not appended again, which keeps
// identical upserts idempotent.
func Merge(existing, incoming *domain.Property) *domain.Property {
	out := *existing

	for _, prov := range incoming.Provenance {
		if !out.HasProvenanceHash(prov.RawPayloadHash) {
			out.Provenance = append(out.Provenance, prov)
		}
	}

	for _, obs := range incoming.PriceHistory {
		if !hasPrice(out.PriceHistory, obs) {
			out.AddPrice(obs)
		}
	}

	out.Features = mergeFeatures(out.Features, incoming.Features)
	if incoming.PropertyType != domain.PropertyTypeUnknown {
		out.PropertyType = incoming.PropertyType
	}
	if incoming.Listing != nil {
		out.Listing = incoming.Listing
	}
	if incoming.TaxInfo != nil {
		out.TaxInfo = incoming.TaxInfo
	}
	out.SaleHistory = append(out.SaleHistory, newSales(out.SaleHistory, incoming.SaleHistory)...)

	if out.RawData == nil {
		out.RawData = make(map[string]interface{})
	}
	for k, v := range incoming.RawData {
		out.RawData[k] = v
	}

	out.IsActive = incoming.IsActive
	out.LastUpdated = time.Now().UTC()
	if out.LastUpdated.Before(out.FirstSeen) {
		out.LastUpdated = out.FirstSeen
	}
	return &out
}

func hasPrice(history []domain.PriceObservation, obs domain.PriceObservation) bool {
	for _, h := range history {
		if h.Amount == obs.Amount && h.Date.Equal(obs.Date) && h.PriceType == obs.PriceType && h.Source == obs.Source {
			return true
		}
	}
	return false
}

func newSales(existing, incoming []domain.SaleRecord) []domain.SaleRecord {
	var out []domain.SaleRecord
	for _, s := range incoming {
		dup := false
		for _, e := range existing {
			if e.SaleDate.Equal(s.SaleDate) && e.SalePrice == s.SalePrice {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, s)
		}
	}
	return out
}

// mergeFeatures prefers fresh non-nil values, keeping stored values where
// the new observation is silent.
func mergeFeatures(old, new domain.PropertyFeatures) domain.PropertyFeatures {
	out := old
	if new.Bedrooms != nil {
		out.Bedrooms = new.Bedrooms
	}
	if new.Bathrooms != nil {
		out.Bathrooms = new.Bathrooms
	}
	if new.HalfBathrooms != nil {
		out.HalfBathrooms = new.HalfBathrooms
	}
	if new.SquareFeet != nil {
		out.SquareFeet = new.SquareFeet
	}
	if new.LotSizeSqft != nil {
		out.LotSizeSqft = new.LotSizeSqft
	}
	if new.YearBuilt != nil {
		out.YearBuilt = new.YearBuilt
	}
	if new.Floors != nil {
		out.Floors = new.Floors
	}
	if new.GarageSpaces != nil {
		out.GarageSpaces = new.GarageSpaces
	}
	if new.Pool != nil {
		out.Pool = new.Pool
	}
	if new.Fireplace != nil {
		out.Fireplace = new.Fireplace
	}
	if new.ACType != "" {
		out.ACType = new.ACType
	}
	if new.HeatingType != "" {
		out.HeatingType = new.HeatingType
	}
	return out
}
