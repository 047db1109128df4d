// Package mls collects listing records by scraping the MLS search site
// through rotating proxies with a per-session browser fingerprint.
package mls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/desertmls/harvester/internal/antidetect"
	"github.com/desertmls/harvester/internal/collector"
	"github.com/desertmls/harvester/internal/config"
	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/errs"
	"github.com/desertmls/harvester/internal/metrics"
	"github.com/desertmls/harvester/internal/proxy"
)

const sourceName = string(domain.SourceMLSScrape)

// retryBase is the first backoff delay for a failed page fetch.
const retryBase = 2 * time.Second

// navigateFunc renders one page through the given proxy and returns its
// HTML. Injectable so tests never launch a browser.
type navigateFunc func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error)

// Scraper is the MLS scrape collector.
type Scraper struct {
	cfg       config.MLSConfig
	pool      *proxy.Pool
	selectors *Selectors
	backoff   collector.Backoff
	mets      *metrics.Registry

	navigate navigateFunc
	sleep    func(ctx context.Context, d time.Duration) error
	httpc    *http.Client
}

// New builds the scraper. Selectors are loaded from cfg.SelectorFile;
// mets may be nil.
func New(cfg config.MLSConfig, pool *proxy.Pool, mets *metrics.Registry) (*Scraper, error) {
	selectors, err := LoadSelectors(cfg.SelectorFile)
	if err != nil {
		return nil, err
	}
	return &Scraper{
		cfg:       cfg,
		pool:      pool,
		selectors: selectors,
		backoff:   collector.NewBackoff(retryBase, 2, cfg.MaxRetries),
		mets:      mets,
		navigate:  chromedpNavigator(cfg),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		httpc: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Name implements collector.Collector.
func (s *Scraper) Name() string { return sourceName }

// Validate implements collector.Collector.
func (s *Scraper) Validate() error {
	if s.cfg.BaseURL == "" {
		return errs.New(errs.KindConfig, "mls base url is empty")
	}
	if s.pool == nil || s.pool.Size() == 0 {
		return errs.New(errs.KindConfig, "mls collector needs at least one proxy endpoint")
	}
	return nil
}

// Collect walks the search result pages for one ZIP code with a fresh
// fingerprint. Each page goes through a leased proxy; a page failure
// reports the proxy and retries on a new lease. A CAPTCHA aborts the
// region immediately, returning whatever was gathered first.
func (s *Scraper) Collect(ctx context.Context, zip string) ([]domain.RawRecord, error) {
	if s.cfg.RespectRobots {
		if err := s.checkRobots(ctx, "/search"); err != nil {
			return nil, err
		}
	}

	profile := antidetect.NewProfile()
	log.Debug().Str("zip", zip).Str("user_agent", profile.UserAgent).Msg("mls session start")

	var records []domain.RawRecord
	for page := 1; page <= s.cfg.MaxPages; page++ {
		html, err := s.fetchPage(ctx, zip, page, profile)
		if err != nil {
			return records, err
		}

		listings, hasNext, err := ParsePage(html, s.selectors)
		if err != nil {
			if errs.KindOf(err) == errs.KindCaptchaRequired {
				log.Warn().Str("zip", zip).Int("page", page).Msg("captcha challenge, aborting region")
			}
			if e, ok := err.(*errs.Error); ok {
				err = e.WithContext(sourceName, zip, s.searchPath(zip, page), 0)
			}
			return records, err
		}

		fetched := time.Now().UTC()
		for _, l := range listings {
			records = append(records, adapt(l, zip, page, fetched))
		}
		log.Debug().Str("zip", zip).Int("page", page).Int("listings", len(listings)).Msg("mls page collected")

		if !hasNext {
			break
		}
		if err := s.sleep(ctx, profile.HumanizedDelay(2*time.Second, 5*time.Second)); err != nil {
			return records, err
		}
	}
	return records, nil
}

// CollectDetail renders a single listing detail page, identified by its
// site-relative path, with a fresh session fingerprint.
func (s *Scraper) CollectDetail(ctx context.Context, key string) (domain.RawRecord, error) {
	path := strings.TrimPrefix(key, s.cfg.BaseURL)
	if s.cfg.RespectRobots {
		if err := s.checkRobots(ctx, path); err != nil {
			return domain.RawRecord{}, err
		}
	}

	profile := antidetect.NewProfile()
	html, err := s.render(ctx, "", path, profile)
	if err != nil {
		return domain.RawRecord{}, err
	}

	l, err := ParseDetail(html, s.selectors)
	if err != nil {
		if e, ok := err.(*errs.Error); ok {
			err = e.WithContext(sourceName, "", path, 0)
		}
		return domain.RawRecord{}, err
	}

	rec := adapt(l, l.Fields["zipcode"], 0, time.Now().UTC())
	if l.Fields["mls_id"] == "" && l.Fields["detail_url"] == "" {
		rec.SourceKey = path
	}
	rec.Context = map[string]string{"detail": path}
	if zip := l.Fields["zipcode"]; zip != "" {
		rec.Context["zip"] = zip
	}
	return rec, nil
}

// fetchPage renders one search page for the region walk.
func (s *Scraper) fetchPage(ctx context.Context, zip string, page int, profile *antidetect.Profile) (string, error) {
	return s.render(ctx, zip, s.searchPath(zip, page), profile)
}

// render loads one page through the browser, rotating to a fresh proxy
// lease on every retry.
func (s *Scraper) render(ctx context.Context, region, endpoint string, profile *antidetect.Profile) (string, error) {
	pageURL := s.cfg.BaseURL + endpoint

	var html string
	err := s.backoff.Retry(ctx, sourceName, endpoint, func(attempt int) error {
		handle, err := s.pool.Lease()
		if err != nil {
			return err
		}
		if s.mets != nil {
			s.mets.ProxyLeases.Inc()
		}

		navCtx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
		start := time.Now()
		rendered, err := s.navigate(navCtx, pageURL, handle.Endpoint.URL(), profile)
		cancel()
		rtt := time.Since(start)

		if err != nil {
			s.pool.Report(handle, false, rtt, err)
			if s.mets != nil {
				s.mets.ProxyFailures.Inc()
			}
			return errs.Wrap(errs.KindTransientNetwork, "render page", err).
				WithContext(sourceName, region, endpoint, attempt)
		}
		s.pool.Report(handle, true, rtt, nil)
		html = rendered
		return nil
	})
	return html, err
}

func (s *Scraper) searchPath(zip string, page int) string {
	return fmt.Sprintf("/search?zip=%s&page=%d", zip, page)
}

// checkRobots fetches robots.txt and refuses to scrape a disallowed
// path.
func (s *Scraper) checkRobots(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.BaseURL+"/robots.txt", nil)
	if err != nil {
		return errs.Wrap(errs.KindTransientNetwork, "build robots request", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		// Unreachable robots.txt is not a prohibition.
		log.Debug().Err(err).Msg("robots.txt unreachable, proceeding")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil
	}
	if robotsDisallows(string(body), path) {
		return errs.New(errs.KindScrapeStructure, "robots.txt disallows "+path)
	}
	return nil
}

// robotsDisallows applies the wildcard agent group's Disallow rules to
// path. Deliberately minimal: exact-prefix rules only.
func robotsDisallows(body, path string) bool {
	inWildcard := false
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "user-agent:"):
			agent := strings.TrimSpace(line[len("user-agent:"):])
			inWildcard = agent == "*"
		case inWildcard && strings.HasPrefix(lower, "disallow:"):
			rule := strings.TrimSpace(line[len("disallow:"):])
			if rule != "" && strings.HasPrefix(path, rule) {
				return true
			}
		}
	}
	return false
}

// adapt converts one parsed card into a raw record. Cards whose selector
// fields resolved become structured records; otherwise the card HTML is
// kept for the extraction stage to work on.
func adapt(l Listing, zip string, page int, fetched time.Time) domain.RawRecord {
	rec := domain.RawRecord{
		Source:    domain.SourceMLSScrape,
		FetchedAt: fetched,
		Context:   map[string]string{"zip": zip, "page": fmt.Sprintf("%d", page)},
	}

	switch {
	case l.Fields["mls_id"] != "":
		rec.SourceKey = l.Fields["mls_id"]
	case l.Fields["detail_url"] != "":
		rec.SourceKey = l.Fields["detail_url"]
	default:
		rec.SourceKey = domain.HashPayload([]byte(l.HTML))
	}

	if l.Fields["address"] != "" {
		structured := make(map[string]interface{}, len(l.Fields)+1)
		for k, v := range l.Fields {
			structured[k] = v
		}
		if _, ok := structured["zipcode"]; !ok && zip != "" {
			structured["zipcode"] = zip
		}
		rec.Structured = structured
		return rec
	}

	rec.HTML = l.HTML
	return rec
}
