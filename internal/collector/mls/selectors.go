package mls

import (
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"

	"github.com/desertmls/harvester/internal/errs"
)

// FieldSelector is a CSS selector chain: the primary is tried first, then
// each fallback in order. Attr extracts an attribute instead of text.
type FieldSelector struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks,omitempty"`
	Attr      string   `yaml:"attr,omitempty"`
}

// chain returns every selector in try order.
func (f FieldSelector) chain() []string {
	if f.Primary == "" {
		return f.Fallbacks
	}
	return append([]string{f.Primary}, f.Fallbacks...)
}

// Extract resolves the chain against one node and returns the trimmed
// value, or "" when nothing matched.
func (f FieldSelector) Extract(sel *goquery.Selection) string {
	for _, css := range f.chain() {
		node := sel.Find(css).First()
		if node.Length() == 0 {
			continue
		}
		var v string
		if f.Attr != "" {
			v, _ = node.Attr(f.Attr)
		} else {
			v = node.Text()
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Selectors is the page structure contract for the MLS site, loaded from
// YAML so a site redesign is a config change, not a deploy.
type Selectors struct {
	ListingContainer FieldSelector            `yaml:"listing_container"`
	NextPage         FieldSelector            `yaml:"next_page"`
	CaptchaMarkers   []string                 `yaml:"captcha_markers"`
	Fields           map[string]FieldSelector `yaml:"fields"`
}

// LoadSelectors reads a selector file.
func LoadSelectors(path string) (*Selectors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "read selector file "+path, err)
	}
	return ParseSelectors(data)
}

// ParseSelectors decodes selector YAML and checks the minimum shape.
func ParseSelectors(data []byte) (*Selectors, error) {
	var s Selectors
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "parse selector yaml", err)
	}
	if len(s.ListingContainer.chain()) == 0 {
		return nil, errs.New(errs.KindConfig, "selector file missing listing_container")
	}
	if _, ok := s.Fields["address"]; !ok {
		return nil, errs.New(errs.KindConfig, "selector file missing fields.address")
	}
	return &s, nil
}

// Listing is one parsed search-result card.
type Listing struct {
	Fields map[string]string
	HTML   string
}

// ParsePage extracts every listing card from a rendered search page and
// reports whether a next page link is present. A CAPTCHA marker anywhere
// on the page aborts with a captcha_required error; a page with no
// recognizable listing container is a structure error.
func ParsePage(html string, s *Selectors) (listings []Listing, hasNext bool, err error) {
	doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html))
	if derr != nil {
		return nil, false, errs.Wrap(errs.KindScrapeStructure, "parse page html", derr)
	}

	for _, marker := range s.CaptchaMarkers {
		if doc.Find(marker).Length() > 0 {
			return nil, false, errs.New(errs.KindCaptchaRequired, "captcha marker matched: "+marker)
		}
	}

	var cards *goquery.Selection
	for _, css := range s.ListingContainer.chain() {
		if found := doc.Find(css); found.Length() > 0 {
			cards = found
			break
		}
	}
	if cards == nil {
		return nil, false, errs.New(errs.KindScrapeStructure, "no listing container matched; the site layout may have changed")
	}

	cards.Each(func(_ int, card *goquery.Selection) {
		fields := make(map[string]string)
		for name, fs := range s.Fields {
			if v := fs.Extract(card); v != "" {
				fields[name] = v
			}
		}
		outer, _ := goquery.OuterHtml(card)
		listings = append(listings, Listing{Fields: fields, HTML: outer})
	})

	// The next-page element counts by presence; pagination arrows often
	// have no text.
	for _, css := range s.NextPage.chain() {
		if doc.Find(css).Length() > 0 {
			hasNext = true
			break
		}
	}
	return listings, hasNext, nil
}

// ParseDetail extracts the selector fields from a rendered detail page.
// The whole document is the extraction scope; the page HTML is kept so
// unresolved fields can still go through the extraction stage.
func ParseDetail(html string, s *Selectors) (Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Listing{}, errs.Wrap(errs.KindScrapeStructure, "parse detail html", err)
	}

	for _, marker := range s.CaptchaMarkers {
		if doc.Find(marker).Length() > 0 {
			return Listing{}, errs.New(errs.KindCaptchaRequired, "captcha marker matched: "+marker)
		}
	}

	fields := make(map[string]string)
	for name, fs := range s.Fields {
		if v := fs.Extract(doc.Selection); v != "" {
			fields[name] = v
		}
	}
	if len(fields) == 0 {
		return Listing{}, errs.New(errs.KindScrapeStructure, "no detail fields matched; the site layout may have changed")
	}
	return Listing{Fields: fields, HTML: html}, nil
}
