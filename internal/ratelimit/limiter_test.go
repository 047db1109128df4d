package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingObserver struct {
	requests  int64
	limitHits int64
	resets    int64
}

func (c *countingObserver) OnRequest(string)                   { atomic.AddInt64(&c.requests, 1) }
func (c *countingObserver) OnLimitHit(string, time.Duration)   { atomic.AddInt64(&c.limitHits, 1) }
func (c *countingObserver) OnReset(string)                     { atomic.AddInt64(&c.resets, 1) }

func TestPolicy_EffectiveCap(t *testing.T) {
	p := Policy{Limit: 1000, Window: time.Hour, SafetyMargin: 0.10}
	if got := p.EffectiveCap(); got != 900 {
		t.Errorf("effective cap = %d, want 900", got)
	}

	p = Policy{Limit: 10, Window: time.Hour, SafetyMargin: 0.10}
	if got := p.EffectiveCap(); got != 9 {
		t.Errorf("effective cap = %d, want 9", got)
	}

	// Margin never drives the cap to zero.
	p = Policy{Limit: 1, Window: time.Hour, SafetyMargin: 0.10}
	if got := p.EffectiveCap(); got != 1 {
		t.Errorf("effective cap = %d, want 1", got)
	}
}

func TestLimiter_ImmediateAdmission(t *testing.T) {
	l := NewLimiter(Policy{Limit: 10, Window: time.Second, SafetyMargin: 0.10})

	wait, err := l.Acquire(context.Background(), "assessor")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if wait != 0 {
		t.Errorf("first admission should not wait, waited %v", wait)
	}
}

func TestLimiter_CapEnforced(t *testing.T) {
	// Effective cap 9 over a short window; 9 admissions are immediate,
	// the 10th must wait for the window to slide.
	l := NewLimiter(Policy{Limit: 10, Window: 300 * time.Millisecond, SafetyMargin: 0.10})
	obs := &countingObserver{}
	l.AddObserver(obs)

	ctx := context.Background()
	for i := 0; i < 9; i++ {
		wait, err := l.Acquire(ctx, "s")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		if wait != 0 {
			t.Errorf("admission %d should be immediate, waited %v", i, wait)
		}
		l.Record("s", time.Now())
	}

	u := l.Usage("s")
	if u.Made != 9 || u.Remaining != 0 {
		t.Errorf("usage = %+v, want made=9 remaining=0", u)
	}

	start := time.Now()
	wait, err := l.Acquire(ctx, "s")
	if err != nil {
		t.Fatalf("acquire over cap: %v", err)
	}
	if wait == 0 || time.Since(start) < 100*time.Millisecond {
		t.Errorf("over-cap admission should have waited, wait=%v elapsed=%v", wait, time.Since(start))
	}
	if atomic.LoadInt64(&obs.limitHits) == 0 {
		t.Error("observer should have seen a limit hit")
	}
}

func TestLimiter_CancelWhileWaiting(t *testing.T) {
	l := NewLimiter(Policy{Limit: 1, Window: time.Hour, SafetyMargin: 0})

	if _, err := l.Acquire(context.Background(), "s"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(ctx, "s")
	if err == nil {
		t.Fatal("expected context error while waiting for an hour window")
	}
}

func TestLimiter_SourcesIndependent(t *testing.T) {
	l := NewLimiter(Policy{Limit: 1, Window: time.Hour, SafetyMargin: 0})

	if _, err := l.Acquire(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	wait, err := l.Acquire(context.Background(), "b")
	if err != nil || wait != 0 {
		t.Errorf("source b should admit immediately, wait=%v err=%v", wait, err)
	}
}

func TestLimiter_ConcurrentNeverExceedsCap(t *testing.T) {
	window := 250 * time.Millisecond
	l := NewLimiter(Policy{Limit: 5, Window: window, SafetyMargin: 0})

	ctx, cancel := context.WithTimeout(context.Background(), window/2)
	defer cancel()

	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(ctx, "s"); err == nil {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	// Within half a window at most one window's worth can be admitted.
	if n := atomic.LoadInt64(&admitted); n > 5 {
		t.Errorf("admitted %d within one window, cap is 5", n)
	}
}

func TestLimiter_ResetNotifiesObservers(t *testing.T) {
	l := NewLimiter(Policy{Limit: 5, Window: time.Hour, SafetyMargin: 0})
	obs := &countingObserver{}
	l.AddObserver(obs)

	if _, err := l.Acquire(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}
	l.Reset("s")

	if atomic.LoadInt64(&obs.resets) != 1 {
		t.Error("expected one reset event")
	}
	if u := l.Usage("s"); u.Made != 0 {
		t.Errorf("usage after reset = %+v", u)
	}
}
