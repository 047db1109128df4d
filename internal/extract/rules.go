// Package extract turns raw collected content into cleaned property field
// maps, preferring the LLM and falling back to deterministic rules.
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// priceFloor filters out currency amounts too small to be a property
// price (HOA dues, fees).
const priceFloor = 1000

var (
	rePrice    = regexp.MustCompile(`\$\s?([\d,]+)(?:\.\d{2})?`)
	reBedrooms = regexp.MustCompile(`(?i)\b(\d+)\s*(?:bed(?:room)?s?|br)\b`)
	reBaths    = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*(?:bath(?:room)?s?|ba)\b`)
	reSqft     = regexp.MustCompile(`(?i)\b([\d,]+)\s*(?:sq\.?\s?ft|sqft|sf)\b`)
	reYear     = regexp.MustCompile(`(?i)\bbuilt(?:\s+in)?\s+(\d{4})\b`)

	// "123 Test St, Phoenix, AZ 85031" with optional ZIP+4.
	reFullAddress = regexp.MustCompile(`(\d+\s+[A-Za-z0-9 .]+?),\s*([A-Za-z .]+?),\s*([A-Z]{2})\s+(\d{5})(?:-\d{4})?`)
)

// addressSelectors are CSS classes that commonly carry the street address
// on listing pages, tried in order.
var addressSelectors = []string{
	".address",
	".street-address",
	".listing-address",
	"[itemprop='address']",
	"h1.property-address",
}

// Rules extracts the fields with stable surface forms from content. It
// never fabricates a field it cannot find; an empty map means nothing was
// extractable.
func Rules(content, contentType string) map[string]interface{} {
	out := make(map[string]interface{})

	text := content
	if contentType == "html" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(content)); err == nil {
			for _, sel := range addressSelectors {
				if addr := strings.TrimSpace(doc.Find(sel).First().Text()); addr != "" {
					out["address"] = addr
					break
				}
			}
			text = doc.Text()
		}
	}

	if m := reFullAddress.FindStringSubmatch(text); m != nil {
		out["address"] = strings.TrimSpace(m[1])
		out["city"] = strings.TrimSpace(m[2])
		out["state"] = m[3]
		out["zipcode"] = m[4]
	}

	if price, ok := findPrice(text); ok {
		out["price"] = price
	}
	if m := reBedrooms.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			out["bedrooms"] = n
		}
	}
	if m := reBaths.FindStringSubmatch(text); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			out["bathrooms"] = f
		}
	}
	if m := reSqft.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			out["square_feet"] = n
		}
	}
	if m := reYear.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			out["year_built"] = n
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// findPrice returns the first currency amount above the plausibility
// floor.
func findPrice(text string) (float64, bool) {
	for _, m := range rePrice.FindAllStringSubmatch(text, -1) {
		raw := strings.ReplaceAll(m[1], ",", "")
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		if v >= priceFloor {
			return v, true
		}
	}
	return 0, false
}
