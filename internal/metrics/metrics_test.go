package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, r *Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Gather().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestRegistry_ObserverCounters(t *testing.T) {
	r := NewRegistry()

	r.OnRequest("assessor_api")
	r.OnRequest("assessor_api")
	r.OnLimitHit("assessor_api", 2*time.Second)

	if got := counterValue(t, r, "harvester_requests_total", map[string]string{"source": "assessor_api"}); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	if got := counterValue(t, r, "harvester_rate_limit_hits_total", map[string]string{"source": "assessor_api"}); got != 1 {
		t.Errorf("rate limit hits = %v, want 1", got)
	}
}

func TestRegistry_ProcessedAndFailed(t *testing.T) {
	r := NewRegistry()
	r.Processed.WithLabelValues("mls_scrape").Inc()
	r.Failed.WithLabelValues("mls_scrape", "validation").Inc()

	if got := counterValue(t, r, "harvester_items_processed_total", map[string]string{"source": "mls_scrape"}); got != 1 {
		t.Errorf("processed = %v", got)
	}
	if got := counterValue(t, r, "harvester_items_failed_total", map[string]string{"reason": "validation"}); got != 1 {
		t.Errorf("failed = %v", got)
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	r := NewRegistry()
	s := NewServer("", r)
	s.SetCheck("repository", "ok")
	s.SetCheck("llm", "down")

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var hs HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&hs); err != nil {
		t.Fatal(err)
	}
	if hs.Status != "degraded" {
		t.Errorf("status = %s, want degraded when a check fails", hs.Status)
	}
	if hs.Checks["llm"] != "down" {
		t.Errorf("checks = %v", hs.Checks)
	}
}

func TestServer_DisabledAddr(t *testing.T) {
	s := NewServer("", NewRegistry())
	// Start and Stop must be no-ops without an address.
	s.Start()
	s.Stop(context.Background())
}
