package extract

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/llm"
	"github.com/desertmls/harvester/internal/metrics"
	"github.com/desertmls/harvester/internal/validate"
)

// Extraction methods recorded in provenance. Structured records skip the
// LLM entirely: their fields arrive pre-parsed from the source API.
const (
	MethodLLM        = "llm"
	MethodFallback   = "fallback"
	MethodStructured = "structured"
)

// PropertySchema is the canonical extraction schema sent to the LLM.
var PropertySchema = llm.Schema{
	"address":        {Type: "string", Description: "street address including house number"},
	"city":           {Type: "string", Description: "city name"},
	"state":          {Type: "string", Description: "two-letter state code"},
	"zipcode":        {Type: "string", Description: "5-digit ZIP code"},
	"price":          {Type: "number", Description: "listing or sale price in USD"},
	"bedrooms":       {Type: "integer", Description: "number of bedrooms"},
	"bathrooms":      {Type: "number", Description: "number of bathrooms, halves allowed"},
	"half_bathrooms": {Type: "integer", Description: "number of half bathrooms"},
	"square_feet":    {Type: "integer", Description: "interior living area in square feet"},
	"lot_size_sqft":  {Type: "integer", Description: "lot size in square feet"},
	"year_built":     {Type: "integer", Description: "four-digit construction year"},
	"property_type":  {Type: "string", Description: "single_family, condo, townhouse, multi_family or land"},
	"description":    {Type: "string", Description: "listing description text"},
	"features":       {Type: "array", Description: "notable features such as pool or fireplace"},
}

// healthCheckTTL bounds how often the LLM health endpoint is re-probed.
const healthCheckTTL = 60 * time.Second

// interBatchDelay paces consecutive extraction batches against the local
// LLM server.
const interBatchDelay = 500 * time.Millisecond

// LLM is the completion surface the extractor needs.
type LLM interface {
	Health(ctx context.Context) bool
	Extract(ctx context.Context, content string, schema llm.Schema, contentType string) (map[string]interface{}, error)
}

// Result is one extraction outcome. Fields is nil when nothing usable
// could be extracted.
type Result struct {
	Fields map[string]interface{}
	Method string
}

// Extractor runs LLM-first extraction with deterministic rule fallback
// and cleaning.
type Extractor struct {
	llm             LLM
	cache           *llm.ExtractionCache
	validator       *validate.Validator
	mets            *metrics.Registry
	fallbackEnabled bool
	batchSize       int

	mu            sync.Mutex
	healthOK      bool
	healthChecked time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExtractor wires the extractor. cache and mets may be nil; validator
// gates whether an LLM extraction is good enough to skip the fallback.
func NewExtractor(client LLM, cache *llm.ExtractionCache, validator *validate.Validator, mets *metrics.Registry, fallbackEnabled bool, batchSize int) *Extractor {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Extractor{
		llm:             client,
		cache:           cache,
		validator:       validator,
		mets:            mets,
		fallbackEnabled: fallbackEnabled,
		batchSize:       batchSize,
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

// Extract produces cleaned fields for one raw record. It never returns an
// error to the caller: an unusable record yields a nil-fields result.
func (e *Extractor) Extract(ctx context.Context, rec domain.RawRecord) Result {
	if rec.Structured != nil {
		if fields := Clean(rec.Structured); fields != nil {
			return Result{Fields: fields, Method: MethodStructured}
		}
	}

	content, contentType := rec.ContentAndType()
	if content == "" {
		return Result{}
	}
	hash := rec.PayloadHash()

	if e.cache.Enabled() {
		if fields, ok := e.cache.Get(ctx, hash); ok {
			if e.mets != nil {
				e.mets.CacheHits.Inc()
			}
			return Result{Fields: fields, Method: MethodLLM}
		}
		if e.mets != nil {
			e.mets.CacheMisses.Inc()
		}
	}

	if fields := e.tryLLM(ctx, content, contentType); fields != nil {
		if e.cache.Enabled() {
			if err := e.cache.Set(ctx, hash, fields); err != nil {
				log.Debug().Err(err).Msg("extraction cache write failed")
			}
		}
		return Result{Fields: fields, Method: MethodLLM}
	}

	if e.fallbackEnabled {
		if fields := Clean(Rules(content, contentType)); fields != nil {
			return Result{Fields: fields, Method: MethodFallback}
		}
	}
	return Result{}
}

// tryLLM returns cleaned, validator-approved LLM fields or nil.
func (e *Extractor) tryLLM(ctx context.Context, content, contentType string) map[string]interface{} {
	if e.llm == nil || !e.llmHealthy(ctx) {
		return nil
	}

	raw, err := e.llm.Extract(ctx, content, PropertySchema, contentType)
	if err != nil {
		log.Warn().Err(err).Msg("llm extraction failed, considering fallback")
		return nil
	}
	cleaned := Clean(raw)
	if cleaned == nil {
		return nil
	}
	if e.validator != nil && !e.validator.Validate(cleaned).IsValid {
		return nil
	}
	return cleaned
}

// llmHealthy caches the health probe for healthCheckTTL.
func (e *Extractor) llmHealthy(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.healthChecked) < healthCheckTTL {
		return e.healthOK
	}
	e.healthOK = e.llm.Health(ctx)
	e.healthChecked = time.Now()
	if !e.healthOK {
		log.Warn().Msg("llm server unhealthy, rule fallback active")
	}
	return e.healthOK
}

// ExtractBatch processes records in chunks of the configured batch size,
// pausing between chunks to pace the LLM. Results align with the input
// by index.
func (e *Extractor) ExtractBatch(ctx context.Context, records []domain.RawRecord) []Result {
	out := make([]Result, len(records))
	for start := 0; start < len(records); start += e.batchSize {
		if start > 0 {
			if err := e.sleep(ctx, interBatchDelay); err != nil {
				return out
			}
		}
		end := start + e.batchSize
		if end > len(records) {
			end = len(records)
		}
		for i := start; i < end; i++ {
			if ctx.Err() != nil {
				return out
			}
			out[i] = e.Extract(ctx, records[i])
		}
	}
	return out
}
