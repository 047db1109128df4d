package domain

import "time"

// PriceStats summarizes prices written during a run.
type PriceStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
}

// DailyReport is the per-calendar-day aggregate of a pipeline run. It is
// created at orchestrator start and finalized at orchestrator end; run
// failure does not prevent finalization.
type DailyReport struct {
	Date              string                 `json:"date" db:"date"` // YYYY-MM-DD
	TotalProcessed    int                    `json:"total_processed"`
	NewProperties     int                    `json:"new_properties"`
	UpdatedProperties int                    `json:"updated_properties"`
	BySource          map[string]int         `json:"by_source"`
	ByZipcode         map[string]int         `json:"by_zipcode"`
	PriceStats        *PriceStats            `json:"price_stats,omitempty"`
	DataQualityScore  float64                `json:"data_quality_score"`
	ErrorCount        int                    `json:"error_count"`
	WarningCount      int                    `json:"warning_count"`
	DurationSeconds   float64                `json:"duration_seconds"`
	APIRequests       int                    `json:"api_requests"`
	RateLimitHits     int                    `json:"rate_limit_hits"`
	RawMetrics        map[string]interface{} `json:"raw_metrics,omitempty"`
}

// NewDailyReport initializes an empty report for the given day.
func NewDailyReport(day time.Time) *DailyReport {
	return &DailyReport{
		Date:       day.UTC().Format("2006-01-02"),
		BySource:   make(map[string]int),
		ByZipcode:  make(map[string]int),
		RawMetrics: make(map[string]interface{}),
	}
}
