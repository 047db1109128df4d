// Package metrics exposes the pipeline's Prometheus metrics and the small
// ops HTTP surface (/health, /metrics) served during a run.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds every metric the pipeline emits.
type Registry struct {
	reg *prometheus.Registry

	Requests      *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec
	Processed     *prometheus.CounterVec
	Failed        *prometheus.CounterVec
	ProxyLeases   prometheus.Counter
	ProxyFailures prometheus.Counter
	LLMCalls      *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter

	CollectDuration *prometheus.HistogramVec
	ExtractDuration *prometheus.HistogramVec
}

// NewRegistry creates the pipeline metric set on a private registry so
// tests can run in parallel without collisions.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Outbound requests by source and result",
	}, []string{"source", "result"})

	r.RateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_rate_limit_hits_total",
		Help: "Rate limiter deferrals by source",
	}, []string{"source"})

	r.Processed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_items_processed_total",
		Help: "Items fully processed by source",
	}, []string{"source"})

	r.Failed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_items_failed_total",
		Help: "Items dropped during processing by source and reason",
	}, []string{"source", "reason"})

	r.ProxyLeases = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_proxy_leases_total",
		Help: "Proxy leases taken by the scrape collector",
	})

	r.ProxyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_proxy_failures_total",
		Help: "Failed proxy uses reported to the pool",
	})

	r.LLMCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_llm_calls_total",
		Help: "LLM server calls by result",
	}, []string{"result"})

	r.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_extraction_cache_hits_total",
		Help: "Extraction cache hits",
	})

	r.CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "harvester_extraction_cache_misses_total",
		Help: "Extraction cache misses",
	})

	r.CollectDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_collect_duration_seconds",
		Help:    "Region collection duration by source",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"source"})

	r.ExtractDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvester_extract_duration_seconds",
		Help:    "Per-item extraction duration by method",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})

	r.reg.MustRegister(
		r.Requests, r.RateLimitHits, r.Processed, r.Failed,
		r.ProxyLeases, r.ProxyFailures, r.LLMCalls,
		r.CacheHits, r.CacheMisses,
		r.CollectDuration, r.ExtractDuration,
	)
	return r
}

// Gather exposes the underlying registry for tests and the ops handler.
func (r *Registry) Gather() prometheus.Gatherer { return r.reg }

// OnRequest implements ratelimit.Observer.
func (r *Registry) OnRequest(source string) {
	r.Requests.WithLabelValues(source, "ok").Inc()
}

// OnLimitHit implements ratelimit.Observer.
func (r *Registry) OnLimitHit(source string, wait time.Duration) {
	r.RateLimitHits.WithLabelValues(source).Inc()
}

// OnReset implements ratelimit.Observer.
func (r *Registry) OnReset(source string) {}

// HealthStatus is the /health payload.
type HealthStatus struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Server is the ops HTTP surface.
type Server struct {
	registry *Registry
	srv      *http.Server

	mu     sync.RWMutex
	checks map[string]string
}

// NewServer builds the ops server on addr. An empty addr disables it.
func NewServer(addr string, registry *Registry) *Server {
	s := &Server{registry: registry, checks: make(map[string]string)}
	if addr == "" {
		return s
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry.reg, promhttp.HandlerOpts{}))
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetCheck records a named health check result shown on /health.
func (s *Server) SetCheck(name, status string) {
	s.mu.Lock()
	s.checks[name] = status
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	checks := make(map[string]string, len(s.checks))
	status := "ok"
	for k, v := range s.checks {
		checks[k] = v
		if v != "ok" {
			status = "degraded"
		}
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthStatus{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	})
}

// Start serves in the background. Errors other than graceful shutdown are
// logged, not fatal; the pipeline runs fine without the ops surface.
func (s *Server) Start() {
	if s.srv == nil {
		return
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", s.srv.Addr).Msg("ops server stopped")
		}
	}()
	log.Info().Str("addr", s.srv.Addr).Msg("ops server listening")
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(shutdownCtx)
}
