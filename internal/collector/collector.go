// Package collector defines the collection surface shared by the assessor
// API and MLS scrape sources, plus the retry policy both use.
package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/errs"
)

// Collector gathers raw records for one region. Implementations classify
// their failures with the errs taxonomy so the orchestrator can decide
// retry vs. skip vs. disable.
type Collector interface {
	// Name is the provenance source identifier.
	Name() string
	// Validate checks the collector's own configuration before a run.
	Validate() error
	// Collect fetches every available record for one region (ZIP code).
	// A partial slice may be returned alongside an error.
	Collect(ctx context.Context, region string) ([]domain.RawRecord, error)
	// CollectDetail fetches a single record by its source key: a parcel
	// number for the assessor, a detail-page path for the MLS site.
	CollectDetail(ctx context.Context, key string) (domain.RawRecord, error)
}

// Backoff is an exponential retry policy. Attempt n sleeps
// Base * Factor^n before retrying.
type Backoff struct {
	Base       time.Duration
	Factor     float64
	MaxRetries int

	// Sleep is replaceable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewBackoff builds a policy with sane fallbacks for zero values.
func NewBackoff(base time.Duration, factor float64, maxRetries int) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if factor <= 1 {
		factor = 2
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return Backoff{Base: base, Factor: factor, MaxRetries: maxRetries, Sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the pause before retry attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
	}
	return d
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// retry budget is spent. op receives the 1-based attempt number.
func (b Backoff) Retry(ctx context.Context, source, endpoint string, op func(attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.Delay(attempt - 1)
			log.Debug().
				Str("source", source).
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying after backoff")
			if err := b.Sleep(ctx, delay); err != nil {
				return err
			}
		}
		lastErr = op(attempt + 1)
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
