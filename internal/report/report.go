// Package report accumulates per-run counters and produces the daily
// report document plus a JSON artifact on disk.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/desertmls/harvester/internal/domain"
)

// Builder collects run outcomes as they happen and finalizes them into a
// DailyReport. Safe for concurrent use by pipeline workers.
type Builder struct {
	mu      sync.Mutex
	runID   string
	started time.Time
	rep     *domain.DailyReport

	prices       []float64
	qualitySum   float64
	qualityCount int
}

// NewBuilder starts a report for the run beginning now.
func NewBuilder(now time.Time) *Builder {
	return &Builder{
		runID:   uuid.NewString(),
		started: now.UTC(),
		rep:     domain.NewDailyReport(now),
	}
}

// RunID is the unique identifier for this run.
func (b *Builder) RunID() string { return b.runID }

// RecordItem counts one successfully processed property.
func (b *Builder) RecordItem(source, zip string, created bool, confidence float64, price *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rep.TotalProcessed++
	if created {
		b.rep.NewProperties++
	} else {
		b.rep.UpdatedProperties++
	}
	if source != "" {
		b.rep.BySource[source]++
	}
	if zip != "" {
		b.rep.ByZipcode[zip]++
	}
	if price != nil {
		b.prices = append(b.prices, *price)
	}
	b.qualitySum += confidence
	b.qualityCount++
}

// RecordError counts one dropped or failed item.
func (b *Builder) RecordError() {
	b.mu.Lock()
	b.rep.ErrorCount++
	b.mu.Unlock()
}

// RecordWarnings adds validation warnings surfaced during processing.
func (b *Builder) RecordWarnings(n int) {
	b.mu.Lock()
	b.rep.WarningCount += n
	b.mu.Unlock()
}

// SetUsage records collector request accounting.
func (b *Builder) SetUsage(apiRequests, rateLimitHits int) {
	b.mu.Lock()
	b.rep.APIRequests = apiRequests
	b.rep.RateLimitHits = rateLimitHits
	b.mu.Unlock()
}

// SetRawMetric attaches an arbitrary named metric to the report.
func (b *Builder) SetRawMetric(name string, value interface{}) {
	b.mu.Lock()
	b.rep.RawMetrics[name] = value
	b.mu.Unlock()
}

// Finalize computes the derived fields and returns the report. It may be
// called once, at run end, regardless of run outcome.
func (b *Builder) Finalize(now time.Time) *domain.DailyReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rep.DurationSeconds = now.UTC().Sub(b.started).Seconds()
	if b.qualityCount > 0 {
		b.rep.DataQualityScore = b.qualitySum / float64(b.qualityCount)
	}
	if len(b.prices) > 0 {
		stats := &domain.PriceStats{Min: b.prices[0], Max: b.prices[0], Median: Median(b.prices)}
		sum := 0.0
		for _, p := range b.prices {
			if p < stats.Min {
				stats.Min = p
			}
			if p > stats.Max {
				stats.Max = p
			}
			sum += p
		}
		stats.Avg = sum / float64(len(b.prices))
		b.rep.PriceStats = stats
	}
	return b.rep
}

// Median returns the exact median: the middle value, or the mean of the
// two middle values for an even count.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// artifact is the on-disk report envelope.
type artifact struct {
	RunID       string              `json:"run_id"`
	GeneratedAt time.Time           `json:"generated_at"`
	Report      *domain.DailyReport `json:"report"`
}

// WriteArtifact writes the finalized report to dir as
// run_<id>_<timestamp>.json and returns the path.
func (b *Builder) WriteArtifact(dir string, rep *domain.DailyReport, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}

	name := fmt.Sprintf("run_%s_%s.json", b.runID, now.UTC().Format("2006-01-02T15-04-05Z"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(artifact{
		RunID:       b.runID,
		GeneratedAt: now.UTC(),
		Report:      rep,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report artifact: %w", err)
	}
	log.Info().Str("path", path).Msg("report artifact written")
	return path, nil
}
