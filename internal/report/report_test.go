package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertmls/harvester/internal/domain"
)

func fptr(v float64) *float64 { return &v }

func TestBuilder_Counters(t *testing.T) {
	start := time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC)
	b := NewBuilder(start)

	b.RecordItem("assessor_api", "85031", true, 0.9, fptr(200_000))
	b.RecordItem("assessor_api", "85031", false, 0.8, fptr(300_000))
	b.RecordItem("mls_scrape", "85032", false, 0.7, nil)
	b.RecordError()
	b.RecordWarnings(3)
	b.SetUsage(42, 2)

	rep := b.Finalize(start.Add(90 * time.Second))
	assert.Equal(t, "2026-08-24", rep.Date)
	assert.Equal(t, 3, rep.TotalProcessed)
	assert.Equal(t, 1, rep.NewProperties)
	assert.Equal(t, 2, rep.UpdatedProperties)
	assert.Equal(t, 2, rep.BySource["assessor_api"])
	assert.Equal(t, 1, rep.BySource["mls_scrape"])
	assert.Equal(t, 2, rep.ByZipcode["85031"])
	assert.Equal(t, 1, rep.ErrorCount)
	assert.Equal(t, 3, rep.WarningCount)
	assert.Equal(t, 42, rep.APIRequests)
	assert.Equal(t, 2, rep.RateLimitHits)
	assert.Equal(t, 90.0, rep.DurationSeconds)
	assert.InDelta(t, 0.8, rep.DataQualityScore, 1e-9)

	require.NotNil(t, rep.PriceStats)
	assert.Equal(t, 200_000.0, rep.PriceStats.Min)
	assert.Equal(t, 300_000.0, rep.PriceStats.Max)
	assert.Equal(t, 250_000.0, rep.PriceStats.Avg)
	assert.Equal(t, 250_000.0, rep.PriceStats.Median)
}

func TestBuilder_EmptyRun(t *testing.T) {
	b := NewBuilder(time.Now())
	rep := b.Finalize(time.Now())
	assert.Zero(t, rep.TotalProcessed)
	assert.Nil(t, rep.PriceStats)
	assert.Zero(t, rep.DataQualityScore)
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 5.0, Median([]float64{5}))
	assert.Equal(t, 2.0, Median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 3, 2}))

	// Input order is preserved.
	in := []float64{9, 1, 5}
	_ = Median(in)
	assert.Equal(t, []float64{9, 1, 5}, in)
}

func TestBuilder_ConcurrentRecording(t *testing.T) {
	b := NewBuilder(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordItem("assessor_api", "85031", true, 1.0, fptr(100))
			b.RecordError()
		}()
	}
	wg.Wait()

	rep := b.Finalize(time.Now())
	assert.Equal(t, 50, rep.TotalProcessed)
	assert.Equal(t, 50, rep.ErrorCount)
}

func TestWriteArtifact(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 24, 7, 30, 0, 0, time.UTC)

	b := NewBuilder(now)
	b.RecordItem("mls_scrape", "85031", true, 0.95, fptr(455_000))
	rep := b.Finalize(now.Add(time.Minute))

	path, err := b.WriteArtifact(dir, rep, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "run_"+b.RunID()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var art struct {
		RunID  string              `json:"run_id"`
		Report *domain.DailyReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(data, &art))
	assert.Equal(t, b.RunID(), art.RunID)
	assert.Equal(t, 1, art.Report.TotalProcessed)
}
