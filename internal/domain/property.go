package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PropertyType classifies the physical kind of a property.
type PropertyType string

const (
	PropertyTypeSingleFamily PropertyType = "single_family"
	PropertyTypeCondo        PropertyType = "condo"
	PropertyTypeTownhouse    PropertyType = "townhouse"
	PropertyTypeMultiFamily  PropertyType = "multi_family"
	PropertyTypeLand         PropertyType = "land"
	PropertyTypeUnknown      PropertyType = "unknown"
)

// PriceType distinguishes where a price observation came from.
type PriceType string

const (
	PriceTypeListing  PriceType = "listing"
	PriceTypeSale     PriceType = "sale"
	PriceTypeEstimate PriceType = "estimate"
)

// ListingStatus follows the observed MLS lifecycle. Transitions are
// observed from the source, never inferred locally.
type ListingStatus string

const (
	ListingStatusActive    ListingStatus = "active"
	ListingStatusPending   ListingStatus = "pending"
	ListingStatusSold      ListingStatus = "sold"
	ListingStatusWithdrawn ListingStatus = "withdrawn"
	ListingStatusExpired   ListingStatus = "expired"
	ListingStatusUnknown   ListingStatus = "unknown"
)

// MaxPriceAmount is the hard cap on any single price observation.
const MaxPriceAmount = 50_000_000

// PropertyAddress is a normalized Phoenix-metro street address.
type PropertyAddress struct {
	Street  string `json:"street" db:"street"`
	City    string `json:"city" db:"city"`
	State   string `json:"state" db:"state"`
	Zipcode string `json:"zipcode" db:"zipcode"`
	County  string `json:"county" db:"county"`
}

// NewPropertyAddress fills metro defaults for fields the source omitted.
func NewPropertyAddress(street, city, state, zipcode string) PropertyAddress {
	if city == "" {
		city = "Phoenix"
	}
	if state == "" {
		state = "AZ"
	}
	return PropertyAddress{
		Street:  street,
		City:    city,
		State:   state,
		Zipcode: zipcode,
		County:  "Maricopa",
	}
}

// FullAddress renders the single-line postal form.
func (a PropertyAddress) FullAddress() string {
	return fmt.Sprintf("%s, %s, %s %s", a.Street, a.City, a.State, a.Zipcode)
}

// PropertyFeatures holds the physical attributes of a property. All fields
// are optional; nil means the source did not report the value.
type PropertyFeatures struct {
	Bedrooms      *int     `json:"bedrooms,omitempty"`
	Bathrooms     *float64 `json:"bathrooms,omitempty"`
	HalfBathrooms *int     `json:"half_bathrooms,omitempty"`
	SquareFeet    *int     `json:"square_feet,omitempty"`
	LotSizeSqft   *int     `json:"lot_size_sqft,omitempty"`
	YearBuilt     *int     `json:"year_built,omitempty"`
	Floors        *int     `json:"floors,omitempty"`
	GarageSpaces  *int     `json:"garage_spaces,omitempty"`
	Pool          *bool    `json:"pool,omitempty"`
	Fireplace     *bool    `json:"fireplace,omitempty"`
	ACType        string   `json:"ac_type,omitempty"`
	HeatingType   string   `json:"heating_type,omitempty"`
}

// PriceObservation is one dated price point for a property.
type PriceObservation struct {
	Amount     float64   `json:"amount"`
	Date       time.Time `json:"date"`
	PriceType  PriceType `json:"price_type"`
	Source     Source    `json:"source"`
	Confidence float64   `json:"confidence"`
}

// ListingInfo captures the MLS-facing view of a property.
type ListingInfo struct {
	MLSID          string        `json:"mls_id,omitempty"`
	ListingDate    *time.Time    `json:"listing_date,omitempty"`
	ExpirationDate *time.Time    `json:"expiration_date,omitempty"`
	Status         ListingStatus `json:"status"`
	AgentName      string        `json:"agent_name,omitempty"`
	Brokerage      string        `json:"brokerage,omitempty"`
	ListingURL     string        `json:"listing_url,omitempty"`
	Description    string        `json:"description,omitempty"`
	PhotoURLs      []string      `json:"photo_urls,omitempty"`
}

// TaxInfo carries assessor-sourced tax attributes.
type TaxInfo struct {
	APN           string   `json:"apn,omitempty"`
	AssessedValue *float64 `json:"assessed_value,omitempty"`
	AnnualTax     *float64 `json:"annual_tax,omitempty"`
	TaxYear       *int     `json:"tax_year,omitempty"`
	Homestead     *bool    `json:"homestead,omitempty"`
}

// SaleRecord is one recorded sale transaction.
type SaleRecord struct {
	SaleDate       time.Time `json:"sale_date"`
	SalePrice      float64   `json:"sale_price"`
	Buyer          string    `json:"buyer,omitempty"`
	Seller         string    `json:"seller,omitempty"`
	FinancingType  string    `json:"financing_type,omitempty"`
	DeedType       string    `json:"deed_type,omitempty"`
	DocumentNumber string    `json:"document_number,omitempty"`
}

// CollectionProvenance records which collector produced which version of a
// property. Entries are append-only and never mutated after write.
type CollectionProvenance struct {
	Source           Source    `json:"source"`
	CollectedAt      time.Time `json:"collected_at"`
	CollectorVersion string    `json:"collector_version"`
	RawPayloadHash   string    `json:"raw_payload_hash"`
	ProcessingNotes  string    `json:"processing_notes,omitempty"`
	QualityScore     float64   `json:"quality_score"`
}

// Property is the canonical aggregate. Identity is PropertyID, derived
// deterministically from the normalized street address and zipcode, so two
// collectors observing the same property converge on the same record.
type Property struct {
	PropertyID   string                 `json:"property_id" db:"property_id"`
	Address      PropertyAddress        `json:"address"`
	PropertyType PropertyType           `json:"property_type"`
	Features     PropertyFeatures       `json:"features"`
	CurrentPrice *float64               `json:"current_price,omitempty"`
	PriceHistory []PriceObservation     `json:"price_history"`
	Listing      *ListingInfo           `json:"listing,omitempty"`
	TaxInfo      *TaxInfo               `json:"tax_info,omitempty"`
	SaleHistory  []SaleRecord           `json:"sale_history,omitempty"`
	Provenance   []CollectionProvenance `json:"provenance"`
	FirstSeen    time.Time              `json:"first_seen"`
	LastUpdated  time.Time              `json:"last_updated"`
	IsActive     bool                   `json:"is_active"`
	RawData      map[string]interface{} `json:"raw_data,omitempty"`
}

// NewProperty builds a property with identity derived from the address.
func NewProperty(addr PropertyAddress) *Property {
	now := time.Now().UTC()
	return &Property{
		PropertyID:   DerivePropertyID(addr.Street, addr.Zipcode),
		Address:      addr,
		PropertyType: PropertyTypeUnknown,
		FirstSeen:    now,
		LastUpdated:  now,
		IsActive:     true,
		RawData:      make(map[string]interface{}),
	}
}

// AddPrice appends an observation and refreshes CurrentPrice to the
// most recent entry by date. On equal dates the later-collected
// observation wins.
func (p *Property) AddPrice(obs PriceObservation) {
	p.PriceHistory = append(p.PriceHistory, obs)
	latest := p.PriceHistory[0]
	for _, h := range p.PriceHistory[1:] {
		if !h.Date.Before(latest.Date) {
			latest = h
		}
	}
	amount := latest.Amount
	p.CurrentPrice = &amount
}

// AddProvenance appends an entry. Provenance is append-only.
func (p *Property) AddProvenance(prov CollectionProvenance) {
	p.Provenance = append(p.Provenance, prov)
}

// HasProvenanceHash reports whether any provenance entry already carries
// the given raw payload hash. Used to keep identical upserts idempotent.
func (p *Property) HasProvenanceHash(hash string) bool {
	for _, prov := range p.Provenance {
		if prov.RawPayloadHash == hash {
			return true
		}
	}
	return false
}

// LatestPriceDate returns the date of the newest price observation.
func (p *Property) LatestPriceDate() *time.Time {
	if len(p.PriceHistory) == 0 {
		return nil
	}
	latest := p.PriceHistory[0].Date
	for _, h := range p.PriceHistory[1:] {
		if h.Date.After(latest) {
			latest = h.Date
		}
	}
	return &latest
}

// DaysOnMarket computes days since the listing date, when known.
func (p *Property) DaysOnMarket() *int {
	if p.Listing == nil || p.Listing.ListingDate == nil {
		return nil
	}
	days := int(time.Now().UTC().Sub(*p.Listing.ListingDate).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return &days
}

// SortedPriceHistory returns the history ordered by date ascending.
// The stored order is arrival order; reads sort.
func (p *Property) SortedPriceHistory() []PriceObservation {
	out := make([]PriceObservation, len(p.PriceHistory))
	copy(out, p.PriceHistory)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// ValidZipcode reports whether z is a bare 5-digit ZIP.
func ValidZipcode(z string) bool {
	if len(z) != 5 {
		return false
	}
	for _, r := range z {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizeZipcode strips a ZIP+4 suffix and returns the 5-digit base,
// or "" when the input is not a usable ZIP.
func NormalizeZipcode(z string) string {
	z = strings.TrimSpace(z)
	if i := strings.IndexByte(z, '-'); i >= 0 {
		z = z[:i]
	}
	if !ValidZipcode(z) {
		return ""
	}
	return z
}
