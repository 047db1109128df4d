// Package ratelimit provides per-source sliding-window admission control
// with a configurable safety margin. Exceeding the limit is expressed as a
// wait, never as an error.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Observer receives limiter lifecycle events. Implementations must not
// block; dispatch happens outside the limiter's critical section.
type Observer interface {
	OnRequest(source string)
	OnLimitHit(source string, wait time.Duration)
	OnReset(source string)
}

// Policy is the admission policy for one source.
type Policy struct {
	Limit        int           // events per window, before margin
	Window       time.Duration // sliding window size
	SafetyMargin float64       // fraction held back, default 0.10
}

// EffectiveCap is the admission cap after the safety margin.
func (p Policy) EffectiveCap() int {
	margin := p.SafetyMargin
	if margin < 0 || margin >= 1 {
		margin = 0.10
	}
	cap := int(float64(p.Limit) * (1 - margin))
	if cap < 1 {
		cap = 1
	}
	return cap
}

// Usage is a point-in-time snapshot of one source's window.
type Usage struct {
	Made      int       `json:"made"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

type sourceState struct {
	policy Policy
	turn   chan struct{} // FIFO turnstile: one acquirer at a time
	mu     sync.Mutex    // protects events
	events []time.Time   // admission times within the window
}

// Limiter enforces per-source sliding-window rate limits. Safe for
// concurrent use; waiters for the same source are admitted in FIFO order.
type Limiter struct {
	mu        sync.RWMutex
	sources   map[string]*sourceState
	defaults  Policy
	obsMu     sync.RWMutex
	observers []Observer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimiter creates a limiter with the given default policy for sources
// that were not configured explicitly.
func NewLimiter(defaults Policy) *Limiter {
	return &Limiter{
		sources:  make(map[string]*sourceState),
		defaults: defaults,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetPolicy installs a per-source policy, replacing the default.
func (l *Limiter) SetPolicy(source string, p Policy) {
	st := l.state(source)
	st.mu.Lock()
	st.policy = p
	st.mu.Unlock()
}

// AddObserver registers an observer for all sources.
func (l *Limiter) AddObserver(o Observer) {
	l.obsMu.Lock()
	l.observers = append(l.observers, o)
	l.obsMu.Unlock()
}

func (l *Limiter) state(source string) *sourceState {
	l.mu.RLock()
	st, ok := l.sources[source]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.sources[source]; ok {
		return st
	}
	st = &sourceState{
		policy: l.defaults,
		turn:   make(chan struct{}, 1),
	}
	l.sources[source] = st
	return st
}

// Acquire blocks until the source admits one more event, returning the
// total time spent waiting (0 when admitted immediately). The only error
// is context cancellation.
func (l *Limiter) Acquire(ctx context.Context, source string) (time.Duration, error) {
	st := l.state(source)

	// Take the turnstile so waiters are served in arrival order.
	select {
	case st.turn <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-st.turn }()

	var waited time.Duration
	for {
		st.mu.Lock()
		now := l.now()
		st.prune(now)
		if len(st.events) < st.policy.EffectiveCap() {
			st.events = append(st.events, now)
			st.mu.Unlock()
			return waited, nil
		}
		wait := st.events[0].Add(st.policy.Window).Sub(now)
		st.mu.Unlock()

		if wait <= 0 {
			continue
		}
		l.notifyLimitHit(source, wait)
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// Record marks that the caller proceeded with the admitted event.
func (l *Limiter) Record(source string, ts time.Time) {
	// Admission already reserved the slot in Acquire; Record exists for
	// observer accounting and keeps the last-request time honest.
	l.notifyRequest(source)
	_ = ts
}

// Usage reports the current window for a source.
func (l *Limiter) Usage(source string) Usage {
	st := l.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := l.now()
	st.prune(now)
	cap := st.policy.EffectiveCap()
	u := Usage{Made: len(st.events), Remaining: cap - len(st.events)}
	if u.Remaining < 0 {
		u.Remaining = 0
	}
	if len(st.events) > 0 {
		u.ResetAt = st.events[0].Add(st.policy.Window)
	} else {
		u.ResetAt = now
	}
	return u
}

// Reset clears a source's window and notifies observers.
func (l *Limiter) Reset(source string) {
	st := l.state(source)
	st.mu.Lock()
	st.events = nil
	st.mu.Unlock()
	l.notifyReset(source)
}

// prune drops events older than the window. Caller holds st.mu.
func (st *sourceState) prune(now time.Time) {
	cutoff := now.Add(-st.policy.Window)
	i := 0
	for i < len(st.events) && !st.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.events = append(st.events[:0], st.events[i:]...)
	}
}

func (l *Limiter) notifyRequest(source string) {
	l.obsMu.RLock()
	obs := l.observers
	l.obsMu.RUnlock()
	for _, o := range obs {
		o.OnRequest(source)
	}
}

func (l *Limiter) notifyLimitHit(source string, wait time.Duration) {
	l.obsMu.RLock()
	obs := l.observers
	l.obsMu.RUnlock()
	for _, o := range obs {
		o.OnLimitHit(source, wait)
	}
}

func (l *Limiter) notifyReset(source string) {
	l.obsMu.RLock()
	obs := l.observers
	l.obsMu.RUnlock()
	for _, o := range obs {
		o.OnReset(source)
	}
}
