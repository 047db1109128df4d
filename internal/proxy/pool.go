// Package proxy manages the rotating egress endpoints used by the scrape
// collector, tracking per-endpoint health through a small state machine:
//
//	TESTING ──success──► HEALTHY
//	TESTING ──max_failures──► FAILED
//	HEALTHY ──failure──► DEGRADED
//	DEGRADED ──success∧(succ>fail)──► HEALTHY
//	DEGRADED ──max_failures──► FAILED
//	FAILED ──recover──► TESTING
package proxy

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/desertmls/harvester/internal/errs"
)

// State is a proxy endpoint lifecycle state.
type State string

const (
	StateTesting  State = "testing"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateFailed   State = "failed"
)

// Endpoint is one credentialed egress endpoint.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr renders host:port. Credentials are deliberately excluded so the
// value is safe to log.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL renders the full proxy URL including credentials. Never log this.
func (e Endpoint) URL() string {
	if e.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s:%d", e.Username, e.Password, e.Host, e.Port)
	}
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// Handle is a leased proxy. Callers report the outcome of every use.
type Handle struct {
	Endpoint Endpoint
	idx      int
}

type entry struct {
	endpoint Endpoint
	state    State

	successCount  int
	failureCount  int
	consecFails   int
	ewmaRTTMillis float64
	lastUsed      time.Time
}

// Pool is a fixed set of proxy endpoints with health-weighted leasing.
type Pool struct {
	mu          sync.Mutex
	entries     []*entry
	maxFailures int
	rng         *rand.Rand
}

// ewmaAlpha weights new response-time samples.
const ewmaAlpha = 0.3

// mixRatio is the share of leases that pick uniformly at random instead of
// by success weight, to avoid deterministic egress patterns.
const mixRatio = 0.3

// NewPool creates a pool over the given endpoints. All entries start in
// TESTING until the first reported outcome.
func NewPool(endpoints []Endpoint, maxFailures int) *Pool {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	p := &Pool{
		maxFailures: maxFailures,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, ep := range endpoints {
		p.entries = append(p.entries, &entry{endpoint: ep, state: StateTesting})
	}
	return p
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Lease picks a non-FAILED endpoint, weighted by success ratio with a
// uniform-random mix. When every endpoint is FAILED it runs one recovery
// pass first and only errors if that still yields nothing.
func (p *Pool) Lease() (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := p.candidatesLocked()
	if len(candidates) == 0 {
		p.recoverLocked()
		candidates = p.candidatesLocked()
	}
	if len(candidates) == 0 {
		return nil, errs.New(errs.KindProxyUnavailable, "no healthy proxy after recovery")
	}

	var idx int
	if p.rng.Float64() < mixRatio || len(candidates) == 1 {
		idx = candidates[p.rng.Intn(len(candidates))]
	} else {
		idx = p.weightedPickLocked(candidates)
	}

	e := p.entries[idx]
	e.lastUsed = time.Now()
	return &Handle{Endpoint: e.endpoint, idx: idx}, nil
}

// Report records the outcome of a leased use and applies the state
// transitions.
func (p *Pool) Report(h *Handle, ok bool, rtt time.Duration, cause error) {
	if h == nil {
		return
	}

	p.mu.Lock()
	e := p.entries[h.idx]
	var from, to State
	if ok {
		e.successCount++
		e.consecFails = 0
		if e.ewmaRTTMillis == 0 {
			e.ewmaRTTMillis = float64(rtt.Milliseconds())
		} else {
			e.ewmaRTTMillis = ewmaAlpha*float64(rtt.Milliseconds()) + (1-ewmaAlpha)*e.ewmaRTTMillis
		}
		from = e.state
		if e.successCount > e.failureCount {
			e.state = StateHealthy
		} else if e.state == StateTesting {
			e.state = StateHealthy
		}
		to = e.state
	} else {
		e.failureCount++
		e.consecFails++
		from = e.state
		switch {
		case e.consecFails >= p.maxFailures:
			e.state = StateFailed
		case e.state == StateHealthy:
			e.state = StateDegraded
		}
		to = e.state
	}
	p.mu.Unlock()

	if from != to {
		log.Debug().
			Str("proxy", h.Endpoint.Addr()).
			Str("from", string(from)).
			Str("to", string(to)).
			Bool("ok", ok).
			Err(cause).
			Msg("proxy state transition")
	}
}

// Recover moves all FAILED endpoints back to TESTING with failure
// counters cleared.
func (p *Pool) Recover() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recoverLocked()
}

func (p *Pool) recoverLocked() {
	n := 0
	for _, e := range p.entries {
		if e.state == StateFailed {
			e.state = StateTesting
			e.failureCount = 0
			e.consecFails = 0
			n++
		}
	}
	if n > 0 {
		log.Info().Int("recovered", n).Msg("proxy pool recovery pass")
	}
}

// Stats is a point-in-time view of one endpoint's health.
type Stats struct {
	Addr         string        `json:"addr"`
	State        State         `json:"state"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	EWMARTT      time.Duration `json:"ewma_rtt"`
	LastUsed     time.Time     `json:"last_used"`
}

// Snapshot returns per-endpoint stats for reporting.
func (p *Pool) Snapshot() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Stats, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Stats{
			Addr:         e.endpoint.Addr(),
			State:        e.state,
			SuccessCount: e.successCount,
			FailureCount: e.failureCount,
			EWMARTT:      time.Duration(e.ewmaRTTMillis) * time.Millisecond,
			LastUsed:     e.lastUsed,
		})
	}
	return out
}

// HealthyCount counts endpoints currently in HEALTHY state.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.state == StateHealthy {
			n++
		}
	}
	return n
}

func (p *Pool) candidatesLocked() []int {
	var out []int
	for i, e := range p.entries {
		if e.state != StateFailed {
			out = append(out, i)
		}
	}
	return out
}

// weightedPickLocked picks among candidates proportionally to their
// success ratio, with a floor so untested entries still get traffic.
func (p *Pool) weightedPickLocked(candidates []int) int {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, idx := range candidates {
		e := p.entries[idx]
		attempts := e.successCount + e.failureCount
		w := 0.5
		if attempts > 0 {
			w = float64(e.successCount) / float64(attempts)
		}
		if w < 0.05 {
			w = 0.05
		}
		weights[i] = w
		total += w
	}

	r := p.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}
