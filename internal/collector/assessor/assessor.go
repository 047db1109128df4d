// Package assessor collects parcel records from the county assessor's
// REST API, honoring the documented hourly quota with a safety margin.
package assessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/desertmls/harvester/internal/collector"
	"github.com/desertmls/harvester/internal/config"
	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/errs"
	"github.com/desertmls/harvester/internal/ratelimit"
)

const sourceName = string(domain.SourceAssessorAPI)

// maxPages is a hard stop against a server that never returns a short
// page.
const maxPages = 400

// retryBase is the first backoff delay for retryable API failures.
const retryBase = 5 * time.Second

// Client is the assessor API collector.
type Client struct {
	baseURL  string
	apiKey   string
	pageSize int

	limiter *ratelimit.Limiter
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	backoff collector.Backoff
}

// New builds the collector and installs its rate policy on the shared
// limiter: the provider's hourly quota reduced by the safety margin.
func New(cfg config.AssessorConfig, limiter *ratelimit.Limiter) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	limiter.SetPolicy(sourceName, ratelimit.Policy{
		Limit:        cfg.RateLimitPerHour,
		Window:       time.Hour,
		SafetyMargin: cfg.SafetyMargin,
	})

	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		pageSize: pageSize,
		limiter:  limiter,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "assessor-api",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		backoff: collector.NewBackoff(retryBase, 2, cfg.MaxRetries),
	}
}

// Name implements collector.Collector.
func (c *Client) Name() string { return sourceName }

// Validate implements collector.Collector.
func (c *Client) Validate() error {
	if c.baseURL == "" {
		return errs.New(errs.KindConfig, "assessor base url is empty")
	}
	if c.apiKey == "" {
		return errs.New(errs.KindConfig, "assessor api key is empty")
	}
	return nil
}

// pageResponse is the parcel search envelope.
type pageResponse struct {
	Results []map[string]interface{} `json:"results"`
	Total   int                      `json:"total"`
	Page    int                      `json:"page"`
}

// Collect walks the paginated parcel search for one ZIP code until the
// server returns a short or empty page. Quota admission happens before
// every request; retryable failures back off starting at retryBase.
func (c *Client) Collect(ctx context.Context, zip string) ([]domain.RawRecord, error) {
	var records []domain.RawRecord

	for page := 1; page <= maxPages; page++ {
		if waited, err := c.limiter.Acquire(ctx, sourceName); err != nil {
			return records, err
		} else if waited > 0 {
			log.Info().Str("zip", zip).Dur("waited", waited).Msg("assessor quota wait")
		}

		endpoint := fmt.Sprintf("/parcels?zip=%s&page=%d", zip, page)
		var resp pageResponse
		if err := c.fetchJSON(ctx, zip, endpoint, &resp); err != nil {
			return records, err
		}
		c.limiter.Record(sourceName, time.Now().UTC())

		for _, parcel := range resp.Results {
			records = append(records, c.Adapt(parcel, zip))
		}
		log.Debug().
			Str("zip", zip).
			Int("page", page).
			Int("parcels", len(resp.Results)).
			Msg("assessor page collected")

		if len(resp.Results) < c.pageSize {
			break
		}
	}
	return records, nil
}

// CollectDetail fetches a single parcel by its parcel number.
func (c *Client) CollectDetail(ctx context.Context, key string) (domain.RawRecord, error) {
	if waited, err := c.limiter.Acquire(ctx, sourceName); err != nil {
		return domain.RawRecord{}, err
	} else if waited > 0 {
		log.Info().Str("parcel", key).Dur("waited", waited).Msg("assessor quota wait")
	}

	endpoint := "/parcels/" + url.PathEscape(key)
	var parcel map[string]interface{}
	if err := c.fetchJSON(ctx, "", endpoint, &parcel); err != nil {
		return domain.RawRecord{}, err
	}
	c.limiter.Record(sourceName, time.Now().UTC())

	return c.Adapt(parcel, stringValue(parcel["zipcode"])), nil
}

// fetchJSON issues one API request through the breaker with backoff and
// decodes the response into out.
func (c *Client) fetchJSON(ctx context.Context, region, endpoint string, out interface{}) error {
	return c.backoff.Retry(ctx, sourceName, endpoint, func(attempt int) error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.doRequest(ctx, endpoint, out)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				err = errs.Wrap(errs.KindTransientNetwork, "assessor circuit open", err)
			}
			var e *errs.Error
			if errors.As(err, &e) {
				return e.WithContext(sourceName, region, endpoint, attempt)
			}
			return errs.Wrap(errs.KindTransientNetwork, "assessor request failed", err).
				WithContext(sourceName, region, endpoint, attempt)
		}
		return nil
	})
}

// doRequest performs the HTTP exchange, classifies the status code, and
// decodes the body into out.
func (c *Client) doRequest(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, "build request", err)
	}
	// The provider expects the key in a bare AUTHORIZATION header and
	// rejects browser user agents; it documents `user-agent: null`.
	req.Header.Set("AUTHORIZATION", c.apiKey)
	req.Header.Set("User-Agent", "null")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, "assessor unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.New(errs.KindAuth, "assessor rejected the api key: "+resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.New(errs.KindRateLimit, "assessor throttled the request")
	case resp.StatusCode >= 500:
		return errs.New(errs.KindTransientNetwork, "assessor server error: "+resp.Status)
	default:
		return errs.New(errs.KindScrapeStructure, "unexpected assessor status: "+resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, "read assessor response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.Wrap(errs.KindScrapeStructure, "decode assessor response", err)
	}
	return nil
}

// Adapt converts one parcel object into a structured raw record with
// extraction-friendly field names. Assessor-only attributes (APN,
// assessed value, tax year) ride along for the tax enrichment step.
func (c *Client) Adapt(parcel map[string]interface{}, zip string) domain.RawRecord {
	structured := make(map[string]interface{}, len(parcel)+2)
	for k, v := range parcel {
		structured[k] = v
	}
	if addr, ok := parcel["situs_address"].(string); ok && addr != "" {
		structured["address"] = addr
	}
	if v, ok := parcel["total_assessed_value"]; ok {
		structured["price"] = v
		structured["assessed_value"] = v
	}
	if v, ok := parcel["parcel_number"]; ok {
		structured["apn"] = v
	}
	if _, ok := structured["zipcode"]; !ok && zip != "" {
		structured["zipcode"] = zip
	}

	return domain.RawRecord{
		Source:     domain.SourceAssessorAPI,
		SourceKey:  stringValue(parcel["parcel_number"]),
		FetchedAt:  time.Now().UTC(),
		Structured: structured,
		Context:    map[string]string{"zip": zip},
	}
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	}
	return ""
}
