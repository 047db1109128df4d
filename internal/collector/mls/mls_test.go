package mls

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertmls/harvester/internal/antidetect"
	"github.com/desertmls/harvester/internal/collector"
	"github.com/desertmls/harvester/internal/config"
	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/errs"
	"github.com/desertmls/harvester/internal/proxy"
)

const selectorYAML = `
listing_container:
  primary: ".listing-card"
next_page:
  primary: "a.next-page"
captcha_markers:
  - "#captcha"
fields:
  mls_id:
    primary: "[data-mls-id]"
    attr: "data-mls-id"
  detail_url:
    primary: "a.listing-link"
    attr: "href"
  address:
    primary: ".listing-address"
    fallbacks:
      - ".address"
  price:
    primary: ".listing-price"
  bedrooms:
    primary: ".beds"
`

const searchPage1 = `<html><body>
<div class="listing-card" data-mls-id="MLS100">
  <a class="listing-link" href="/l/100">view</a>
  <div class="listing-address">123 Test St</div>
  <span class="listing-price">$299,900</span>
  <span class="beds">3</span>
</div>
<div class="listing-card"><p>teaser card, no structured fields</p></div>
<a class="next-page" href="?page=2">next</a>
</body></html>`

const searchPage2 = `<html><body>
<div class="listing-card" data-mls-id="MLS200">
  <div class="listing-address">77 E Palm Ln</div>
  <span class="listing-price">$455,000</span>
</div>
</body></html>`

func testSelectors(t *testing.T) *Selectors {
	t.Helper()
	s, err := ParseSelectors([]byte(selectorYAML))
	require.NoError(t, err)
	return s
}

func newTestScraper(t *testing.T, navigate navigateFunc, endpoints int) *Scraper {
	t.Helper()
	var eps []proxy.Endpoint
	for i := 0; i < endpoints; i++ {
		eps = append(eps, proxy.Endpoint{Host: fmt.Sprintf("p%d", i), Port: 8080, Username: "u", Password: "p"})
	}
	s := &Scraper{
		cfg: config.MLSConfig{
			BaseURL:     "http://mls.test",
			MaxRetries:  2,
			MaxPages:    10,
			PageTimeout: time.Second,
		},
		pool:      proxy.NewPool(eps, 3),
		selectors: testSelectors(t),
		backoff:   collector.NewBackoff(retryBase, 2, 2),
		navigate:  navigate,
		sleep:     func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		httpc:     &http.Client{Timeout: time.Second},
	}
	s.backoff.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func pageFor(raw string) int {
	u, _ := url.Parse(raw)
	var page int
	fmt.Sscanf(u.Query().Get("page"), "%d", &page)
	return page
}

func TestParseSelectors_RequiresShape(t *testing.T) {
	_, err := ParseSelectors([]byte(`fields: {address: {primary: ".a"}}`))
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))

	_, err = ParseSelectors([]byte(`listing_container: {primary: ".card"}`))
	require.Error(t, err)

	_, err = ParseSelectors([]byte(`{not yaml`))
	require.Error(t, err)
}

func TestFieldSelector_FallbackOrderAndAttr(t *testing.T) {
	s := testSelectors(t)
	listings, _, err := ParsePage(`<div class="listing-card">
		<a class="listing-link" href="/l/5">v</a>
		<div class="address">via fallback</div></div>`, s)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "via fallback", listings[0].Fields["address"])
	assert.Equal(t, "/l/5", listings[0].Fields["detail_url"])
}

func TestParsePage_ListingsAndNext(t *testing.T) {
	s := testSelectors(t)

	listings, hasNext, err := ParsePage(searchPage1, s)
	require.NoError(t, err)
	assert.True(t, hasNext)
	require.Len(t, listings, 2)
	assert.Equal(t, "MLS100", listings[0].Fields["mls_id"])
	assert.Equal(t, "$299,900", listings[0].Fields["price"])
	assert.Empty(t, listings[1].Fields["address"])

	_, hasNext, err = ParsePage(searchPage2, s)
	require.NoError(t, err)
	assert.False(t, hasNext)
}

func TestParsePage_Captcha(t *testing.T) {
	_, _, err := ParsePage(`<html><body><div id="captcha"></div></body></html>`, testSelectors(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindCaptchaRequired, errs.KindOf(err))
}

func TestParsePage_StructureDrift(t *testing.T) {
	_, _, err := ParsePage(`<html><body><div class="totally-new-layout"></div></body></html>`, testSelectors(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindScrapeStructure, errs.KindOf(err))
}

func TestAdapt_RecordShapes(t *testing.T) {
	now := time.Now().UTC()

	structured := adapt(Listing{Fields: map[string]string{
		"mls_id": "MLS9", "address": "9 Oak St", "price": "$200,000",
	}}, "85031", 1, now)
	assert.Equal(t, "MLS9", structured.SourceKey)
	assert.Equal(t, "9 Oak St", structured.Structured["address"])
	assert.Equal(t, "85031", structured.Structured["zipcode"])
	assert.Empty(t, structured.HTML)

	raw := adapt(Listing{HTML: "<div>card</div>"}, "85031", 2, now)
	assert.NotEmpty(t, raw.SourceKey)
	assert.Equal(t, "<div>card</div>", raw.HTML)
	assert.Nil(t, raw.Structured)
	assert.Equal(t, "2", raw.Context["page"])
}

const detailPage = `<html><body>
<div data-mls-id="MLS100">
  <div class="listing-address">123 Test St</div>
  <span class="listing-price">$299,900</span>
  <span class="beds">3</span>
</div>
</body></html>`

func TestParseDetail_WholeDocumentScope(t *testing.T) {
	l, err := ParseDetail(detailPage, testSelectors(t))
	require.NoError(t, err)
	assert.Equal(t, "MLS100", l.Fields["mls_id"])
	assert.Equal(t, "123 Test St", l.Fields["address"])
	assert.Equal(t, "$299,900", l.Fields["price"])
	assert.Equal(t, detailPage, l.HTML)
}

func TestParseDetail_Captcha(t *testing.T) {
	_, err := ParseDetail(`<html><body><div id="captcha"></div></body></html>`, testSelectors(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindCaptchaRequired, errs.KindOf(err))
}

func TestParseDetail_StructureDrift(t *testing.T) {
	_, err := ParseDetail(`<html><body><div class="totally-new-layout"></div></body></html>`, testSelectors(t))
	require.Error(t, err)
	assert.Equal(t, errs.KindScrapeStructure, errs.KindOf(err))
}

func TestCollectDetail_RendersDetailPath(t *testing.T) {
	var sawURL string
	navigate := func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		sawURL = pageURL
		return detailPage, nil
	}

	s := newTestScraper(t, navigate, 1)
	rec, err := s.CollectDetail(context.Background(), "/l/100")
	require.NoError(t, err)

	assert.Equal(t, "http://mls.test/l/100", sawURL)
	assert.Equal(t, domain.SourceMLSScrape, rec.Source)
	assert.Equal(t, "MLS100", rec.SourceKey)
	assert.Equal(t, "123 Test St", rec.Structured["address"])
	assert.Equal(t, "/l/100", rec.Context["detail"])
}

func TestCollectDetail_StripsBaseURL(t *testing.T) {
	navigate := func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		assert.Equal(t, "http://mls.test/l/200", pageURL)
		return `<html><body><div class="listing-address">9 Oak St</div></body></html>`, nil
	}

	s := newTestScraper(t, navigate, 1)
	rec, err := s.CollectDetail(context.Background(), "http://mls.test/l/200")
	require.NoError(t, err)
	assert.Equal(t, "/l/200", rec.SourceKey, "records without an mls id key on the detail path")
	assert.Equal(t, "/l/200", rec.Context["detail"])
}

func TestCollect_WalksPagesUntilNoNext(t *testing.T) {
	var proxiesSeen []string
	navigate := func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		proxiesSeen = append(proxiesSeen, proxyURL)
		if pageFor(pageURL) == 1 {
			return searchPage1, nil
		}
		return searchPage2, nil
	}

	s := newTestScraper(t, navigate, 2)
	records, err := s.Collect(context.Background(), "85031")
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, domain.SourceMLSScrape, records[0].Source)
	assert.Len(t, proxiesSeen, 2, "one proxy lease per page")
	assert.Greater(t, s.pool.HealthyCount(), 0, "successful pages promote the proxy")
}

func TestCollect_RetriesOnFreshLease(t *testing.T) {
	calls := 0
	navigate := func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		calls++
		if calls == 1 {
			return "", fmt.Errorf("proxy handshake failed")
		}
		return searchPage2, nil
	}

	s := newTestScraper(t, navigate, 3)
	records, err := s.Collect(context.Background(), "85031")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 2, calls)
}

func TestCollect_NavigationFailureExhaustsRetries(t *testing.T) {
	calls := 0
	navigate := func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		calls++
		return "", fmt.Errorf("tunnel reset")
	}

	s := newTestScraper(t, navigate, 3)
	_, err := s.Collect(context.Background(), "85031")
	require.Error(t, err)
	assert.Equal(t, errs.KindTransientNetwork, errs.KindOf(err))
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestCollect_CaptchaAbortsWithPartialResults(t *testing.T) {
	navigate := func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		if pageFor(pageURL) == 1 {
			return searchPage1, nil
		}
		return `<html><body><div id="captcha"></div></body></html>`, nil
	}

	s := newTestScraper(t, navigate, 1)
	records, err := s.Collect(context.Background(), "85031")
	require.Error(t, err)
	assert.Equal(t, errs.KindCaptchaRequired, errs.KindOf(err))
	assert.Len(t, records, 2, "page one results survive the abort")
}

func TestCollect_RespectsRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /search\n")
	}))
	defer srv.Close()

	s := newTestScraper(t, func(ctx context.Context, pageURL, proxyURL string, profile *antidetect.Profile) (string, error) {
		t.Fatal("must not navigate when robots disallows")
		return "", nil
	}, 1)
	s.cfg.BaseURL = srv.URL
	s.cfg.RespectRobots = true

	_, err := s.Collect(context.Background(), "85031")
	require.Error(t, err)
	assert.Equal(t, errs.KindScrapeStructure, errs.KindOf(err))
}

func TestRobotsDisallows(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{"User-agent: *\nDisallow: /search", true},
		{"User-agent: *\nDisallow: /admin", false},
		{"User-agent: googlebot\nDisallow: /search", false},
		{"User-agent: *\nDisallow:", false},
		{"", false},
		{"User-agent: *\nDisallow: /search # trailing comment", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, robotsDisallows(tc.body, "/search?zip=85031"), tc.body)
	}
}

func TestValidate_NeedsProxyPool(t *testing.T) {
	s := newTestScraper(t, nil, 0)
	err := s.Validate()
	require.Error(t, err)
	assert.Equal(t, errs.KindConfig, errs.KindOf(err))

	s = newTestScraper(t, nil, 1)
	assert.NoError(t, s.Validate())
}
