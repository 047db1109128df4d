package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertmls/harvester/internal/errs"
)

func stubbedBackoff(base time.Duration, factor float64, retries int) (Backoff, *[]time.Duration) {
	b := NewBackoff(base, factor, retries)
	slept := &[]time.Duration{}
	b.Sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return b, slept
}

func TestBackoff_DelayDoubles(t *testing.T) {
	b := NewBackoff(5*time.Second, 2, 3)
	assert.Equal(t, 5*time.Second, b.Delay(0))
	assert.Equal(t, 10*time.Second, b.Delay(1))
	assert.Equal(t, 20*time.Second, b.Delay(2))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	b, slept := stubbedBackoff(5*time.Second, 2, 3)

	calls := 0
	err := b.Retry(context.Background(), "assessor_api", "/parcels", func(attempt int) error {
		calls++
		if calls < 3 {
			return errs.New(errs.KindTransientNetwork, "flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, *slept)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	b, slept := stubbedBackoff(time.Second, 2, 3)

	calls := 0
	err := b.Retry(context.Background(), "assessor_api", "/parcels", func(attempt int) error {
		calls++
		return errs.New(errs.KindAuth, "bad key")
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindAuth, errs.KindOf(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetry_BudgetExhausted(t *testing.T) {
	b, _ := stubbedBackoff(time.Second, 2, 2)

	calls := 0
	err := b.Retry(context.Background(), "mls_scrape", "/search", func(attempt int) error {
		calls++
		return errs.New(errs.KindRateLimit, "throttled")
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimit, errs.KindOf(err))
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 2, 3)
	b.Sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	err := b.Retry(context.Background(), "assessor_api", "/parcels", func(attempt int) error {
		return errs.New(errs.KindTransientNetwork, "flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_AttemptNumbering(t *testing.T) {
	b, _ := stubbedBackoff(time.Second, 2, 2)

	var attempts []int
	_ = b.Retry(context.Background(), "assessor_api", "/parcels", func(attempt int) error {
		attempts = append(attempts, attempt)
		return errs.New(errs.KindTransientNetwork, "flaky")
	})
	assert.Equal(t, []int{1, 2, 3}, attempts)
}
