// Package pipeline turns raw collected records into persisted properties:
// extraction, validation, domain assembly, then an idempotent upsert.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/errs"
	"github.com/desertmls/harvester/internal/extract"
	"github.com/desertmls/harvester/internal/metrics"
	"github.com/desertmls/harvester/internal/repo"
	"github.com/desertmls/harvester/internal/report"
	"github.com/desertmls/harvester/internal/validate"
)

// collectorVersion tags provenance entries written by this build.
const collectorVersion = "harvester/1.0"

// interChunkDelay paces consecutive processing chunks.
const interChunkDelay = 500 * time.Millisecond

// maxBatchErrors caps how many item errors a batch result retains.
const maxBatchErrors = 10

// Config is the pipeline tuning.
type Config struct {
	BatchSize     int
	MaxConcurrent int
	EnableStorage bool
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	return c
}

// Pipeline processes raw records end to end. builder and mets may be nil.
type Pipeline struct {
	extractor *extract.Extractor
	validator *validate.Validator
	store     repo.Repository
	builder   *report.Builder
	mets      *metrics.Registry
	cfg       Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a pipeline.
func New(extractor *extract.Extractor, validator *validate.Validator, store repo.Repository, builder *report.Builder, mets *metrics.Registry, cfg Config) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		validator: validator,
		store:     store,
		builder:   builder,
		mets:      mets,
		cfg:       cfg.withDefaults(),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// ItemResult is the outcome of processing one record. StorageErr is set
// when the item processed fine but could not be persisted; the item still
// counts as processed.
type ItemResult struct {
	PropertyID string
	Created    bool
	Method     string
	Confidence float64
	Err        error
	StorageErr error
}

// Process handles one record. A storage failure surfaces as a warning,
// not an item failure: the extraction already happened, the per-run
// report still counts the item, and the next run's upsert catches up.
func (p *Pipeline) Process(ctx context.Context, rec domain.RawRecord) ItemResult {
	start := time.Now()
	res := p.process(ctx, rec)
	if p.mets != nil {
		method := res.Method
		if method == "" {
			method = "none"
		}
		p.mets.ExtractDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if res.Err != nil {
			p.mets.Failed.WithLabelValues(string(rec.Source), string(errs.KindOf(res.Err))).Inc()
		} else {
			p.mets.Processed.WithLabelValues(string(rec.Source)).Inc()
		}
	}
	return res
}

func (p *Pipeline) process(ctx context.Context, rec domain.RawRecord) ItemResult {
	extracted := p.extractor.Extract(ctx, rec)
	if extracted.Fields == nil {
		return ItemResult{Err: errs.New(errs.KindLLMParse, "no fields extractable from record").
			WithContext(string(rec.Source), rec.Context["zip"], rec.SourceKey, 0)}
	}

	vres := p.validator.Validate(extracted.Fields)
	if p.builder != nil {
		p.builder.RecordWarnings(len(vres.Warnings))
	}
	if !vres.IsValid {
		return ItemResult{Method: extracted.Method, Err: errs.New(errs.KindValidation,
			"rejected: "+strings.Join(vres.Errors, "; ")).
			WithContext(string(rec.Source), rec.Context["zip"], rec.SourceKey, 0)}
	}

	prop := p.assemble(rec, extracted, vres)
	result := ItemResult{
		PropertyID: prop.PropertyID,
		Method:     extracted.Method,
		Confidence: vres.ConfidenceScore,
	}

	if p.cfg.EnableStorage && p.store != nil {
		id, created, err := p.store.Upsert(ctx, prop)
		if err != nil {
			log.Warn().Err(err).Str("property_id", prop.PropertyID).Msg("storage failed, item kept")
			result.StorageErr = errs.Wrap(errs.KindRepository, "upsert property", err)
			if p.builder != nil {
				p.builder.RecordWarnings(1)
			}
		} else {
			result.PropertyID = id
			result.Created = created
		}
	}

	if p.builder != nil {
		p.builder.RecordItem(string(rec.Source), prop.Address.Zipcode, result.Created, vres.ConfidenceScore, prop.CurrentPrice)
	}
	return result
}

// assemble builds the canonical property from cleaned fields plus
// source-specific enrichment carried on the raw record.
func (p *Pipeline) assemble(rec domain.RawRecord, extracted extract.Result, vres validate.Result) *domain.Property {
	fields := extracted.Fields

	addr := domain.NewPropertyAddress(
		fieldString(fields, "address"),
		fieldString(fields, "city"),
		fieldString(fields, "state"),
		fieldString(fields, "zipcode"),
	)
	if addr.Zipcode == "" {
		addr.Zipcode = rec.Context["zip"]
	}
	prop := domain.NewProperty(addr)
	prop.PropertyType = parsePropertyType(fieldString(fields, "property_type"))
	prop.Features = assembleFeatures(fields)

	if price, ok := fieldFloat(fields, "price"); ok && price > 0 && price <= domain.MaxPriceAmount {
		prop.AddPrice(domain.PriceObservation{
			Amount:     price,
			Date:       rec.FetchedAt,
			PriceType:  priceTypeFor(rec.Source),
			Source:     rec.Source,
			Confidence: vres.ConfidenceScore,
		})
	}

	prop.AddProvenance(domain.CollectionProvenance{
		Source:           rec.Source,
		CollectedAt:      rec.FetchedAt,
		CollectorVersion: collectorVersion,
		RawPayloadHash:   rec.PayloadHash(),
		ProcessingNotes:  "extraction_method=" + extracted.Method,
		QualityScore:     vres.ConfidenceScore,
	})

	switch rec.Source {
	case domain.SourceMLSScrape:
		prop.Listing = assembleListing(rec, fields)
	case domain.SourceAssessorAPI:
		prop.TaxInfo = assembleTaxInfo(rec)
	}
	return prop
}

func assembleFeatures(fields map[string]interface{}) domain.PropertyFeatures {
	var f domain.PropertyFeatures
	if v, ok := fieldInt(fields, "bedrooms"); ok {
		f.Bedrooms = &v
	}
	if v, ok := fieldFloat(fields, "bathrooms"); ok {
		f.Bathrooms = &v
	}
	if v, ok := fieldInt(fields, "half_bathrooms"); ok {
		f.HalfBathrooms = &v
	}
	if v, ok := fieldInt(fields, "square_feet"); ok {
		f.SquareFeet = &v
	}
	if v, ok := fieldInt(fields, "lot_size_sqft"); ok {
		f.LotSizeSqft = &v
	}
	if v, ok := fieldInt(fields, "year_built"); ok {
		f.YearBuilt = &v
	}
	if v, ok := fieldInt(fields, "garage_spaces"); ok {
		f.GarageSpaces = &v
	}
	if feats, ok := fields["features"].([]string); ok {
		for _, feat := range feats {
			switch strings.ToLower(feat) {
			case "pool":
				t := true
				f.Pool = &t
			case "fireplace":
				t := true
				f.Fireplace = &t
			}
		}
	}
	return f
}

func assembleListing(rec domain.RawRecord, fields map[string]interface{}) *domain.ListingInfo {
	listing := &domain.ListingInfo{
		Status:      parseListingStatus(fieldString(fields, "status")),
		Description: fieldString(fields, "description"),
	}
	if s, ok := rec.Structured["mls_id"].(string); ok {
		listing.MLSID = s
	}
	if s, ok := rec.Structured["detail_url"].(string); ok {
		listing.ListingURL = s
	}
	return listing
}

func assembleTaxInfo(rec domain.RawRecord) *domain.TaxInfo {
	if rec.Structured == nil {
		return nil
	}
	info := &domain.TaxInfo{}
	if s, ok := rec.Structured["apn"].(string); ok {
		info.APN = s
	}
	if v, ok := toFloat(rec.Structured["assessed_value"]); ok {
		info.AssessedValue = &v
	}
	if v, ok := toFloat(rec.Structured["tax_year"]); ok {
		year := int(v)
		info.TaxYear = &year
	}
	if v, ok := toFloat(rec.Structured["annual_tax"]); ok {
		info.AnnualTax = &v
	}
	return info
}

func priceTypeFor(source domain.Source) domain.PriceType {
	if source == domain.SourceAssessorAPI {
		return domain.PriceTypeEstimate
	}
	return domain.PriceTypeListing
}

func parsePropertyType(s string) domain.PropertyType {
	t := domain.PropertyType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case domain.PropertyTypeSingleFamily, domain.PropertyTypeCondo, domain.PropertyTypeTownhouse,
		domain.PropertyTypeMultiFamily, domain.PropertyTypeLand:
		return t
	}
	return domain.PropertyTypeUnknown
}

func parseListingStatus(s string) domain.ListingStatus {
	t := domain.ListingStatus(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case domain.ListingStatusActive, domain.ListingStatusPending, domain.ListingStatusSold,
		domain.ListingStatusWithdrawn, domain.ListingStatusExpired:
		return t
	}
	return domain.ListingStatusUnknown
}

func fieldString(fields map[string]interface{}, name string) string {
	s, _ := fields[name].(string)
	return s
}

func fieldFloat(fields map[string]interface{}, name string) (float64, bool) {
	return toFloat(fields[name])
}

func fieldInt(fields map[string]interface{}, name string) (int, bool) {
	v, ok := toFloat(fields[name])
	return int(v), ok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Processed int
	Failed    int
	Errors    []error
}

// Success reports whether the batch achieved anything: at least one item
// processed.
func (r BatchResult) Success() bool { return r.Processed > 0 }

// ProcessBatch runs records through the pipeline in chunks of the
// configured batch size with bounded concurrency inside each chunk and a
// pacing delay between chunks. It keeps at most maxBatchErrors item
// errors; further failures are counted only.
func (p *Pipeline) ProcessBatch(ctx context.Context, records []domain.RawRecord) BatchResult {
	var (
		mu  sync.Mutex
		out BatchResult
	)
	record := func(res ItemResult) {
		mu.Lock()
		defer mu.Unlock()
		if res.Err != nil {
			out.Failed++
			if len(out.Errors) < maxBatchErrors {
				out.Errors = append(out.Errors, res.Err)
			}
			if p.builder != nil {
				p.builder.RecordError()
			}
			return
		}
		out.Processed++
	}

	sem := make(chan struct{}, p.cfg.MaxConcurrent)
	for start := 0; start < len(records); start += p.cfg.BatchSize {
		if start > 0 {
			if err := p.sleep(ctx, interChunkDelay); err != nil {
				return out
			}
		}
		end := start + p.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}

		var wg sync.WaitGroup
		for _, rec := range records[start:end] {
			if ctx.Err() != nil {
				wg.Wait()
				mu.Lock()
				out.Errors = append(out.Errors, fmt.Errorf("batch cancelled: %w", ctx.Err()))
				mu.Unlock()
				return out
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(rec domain.RawRecord) {
				defer wg.Done()
				defer func() { <-sem }()
				record(p.Process(ctx, rec))
			}(rec)
		}
		wg.Wait()

		log.Debug().
			Int("chunk_end", end).
			Int("total", len(records)).
			Int("processed", out.Processed).
			Int("failed", out.Failed).
			Msg("chunk complete")
	}
	return out
}

// ClassifyFailure maps an item error to the report bucket name.
func ClassifyFailure(err error) string {
	if kind := errs.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "unknown"
}
