// Package validate scores extracted property fields across six dimensions
// and decides whether an item is good enough to persist.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Warning thresholds for unusual but not invalid prices.
const (
	unusuallyLowPrice  = 50_000
	unusuallyHighPrice = 5_000_000
)

// Config holds validator thresholds. Zero values take the defaults.
type Config struct {
	MinConfidence float64
	Strict        bool
	MinPrice      float64
	MaxPrice      float64
	MinSqft       int
	MaxSqft       int

	// MetroZipPrefixes are the 3-digit prefixes considered in-metro.
	MetroZipPrefixes []string
	// KnownCities are the metro city names considered expected.
	KnownCities []string
}

func (c Config) withDefaults() Config {
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.7
	}
	if c.MinPrice == 0 {
		c.MinPrice = 10_000
	}
	if c.MaxPrice == 0 {
		c.MaxPrice = 10_000_000
	}
	if c.MinSqft == 0 {
		c.MinSqft = 100
	}
	if c.MaxSqft == 0 {
		c.MaxSqft = 20_000
	}
	if len(c.MetroZipPrefixes) == 0 {
		c.MetroZipPrefixes = []string{"850", "851", "852", "853"}
	}
	if len(c.KnownCities) == 0 {
		c.KnownCities = []string{
			"Phoenix", "Scottsdale", "Tempe", "Mesa", "Chandler", "Gilbert",
			"Glendale", "Peoria", "Surprise", "Avondale", "Goodyear", "Buckeye",
		}
	}
	return c
}

// Result is the outcome of validating one extraction.
type Result struct {
	IsValid         bool     `json:"is_valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Validator applies the six-dimension checks.
type Validator struct {
	cfg Config
}

// New creates a validator with the given thresholds.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg.withDefaults()}
}

var (
	reHouseNumber = regexp.MustCompile(`^\d+`)
	streetTypes   = []string{
		"street", "st", "avenue", "ave", "boulevard", "blvd", "drive", "dr",
		"road", "rd", "lane", "ln", "court", "ct", "circle", "cir", "place",
		"pl", "way", "parkway", "pkwy", "terrace", "ter", "trail", "trl",
		"highway", "hwy", "loop",
	}
)

// Validate runs every dimension and combines them into the overall
// confidence: the arithmetic mean of the six sub-scores.
func (v *Validator) Validate(fields map[string]interface{}) Result {
	var res Result

	scores := []float64{
		v.checkBase(fields, &res),
		v.checkAddressFormat(fields, &res),
		v.checkPrice(fields, &res),
		v.checkFeatures(fields, &res),
		v.checkLocation(fields, &res),
		v.checkCompleteness(fields, &res),
	}

	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	res.ConfidenceScore = sum / float64(len(scores))

	res.IsValid = len(res.Errors) == 0 && res.ConfidenceScore >= v.cfg.MinConfidence
	if v.cfg.Strict && len(res.Warnings) > 2 {
		res.IsValid = false
	}
	return res
}

// checkBase requires a non-empty address.
func (v *Validator) checkBase(fields map[string]interface{}, res *Result) float64 {
	if addressOf(fields) == "" {
		res.Errors = append(res.Errors, "Address is required")
		return 0
	}
	return 1
}

func (v *Validator) checkAddressFormat(fields map[string]interface{}, res *Result) float64 {
	addr := addressOf(fields)
	if addr == "" {
		return 0
	}
	if len(addr) < 5 {
		res.Errors = append(res.Errors, fmt.Sprintf("Address %q is too short", addr))
		return 0
	}

	score := 1.0
	if !reHouseNumber.MatchString(strings.TrimSpace(addr)) {
		res.Warnings = append(res.Warnings, "Address is missing a house number")
		score -= 0.25
	}
	if !hasStreetType(addr) {
		res.Warnings = append(res.Warnings, "Address is missing a street type")
		score -= 0.25
	}
	return score
}

func (v *Validator) checkPrice(fields map[string]interface{}, res *Result) float64 {
	raw, ok := fields["price"]
	if !ok {
		return 0.5
	}
	price, ok := asFloat(raw)
	if !ok {
		res.Errors = append(res.Errors, "Price is not numeric")
		return 0
	}
	if price < v.cfg.MinPrice || price > v.cfg.MaxPrice {
		res.Errors = append(res.Errors, fmt.Sprintf("Price %.0f outside allowed range [%.0f, %.0f]", price, v.cfg.MinPrice, v.cfg.MaxPrice))
		return 0
	}
	if price < unusuallyLowPrice {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Price %.0f is unusually low", price))
		return 0.8
	}
	if price > unusuallyHighPrice {
		res.Warnings = append(res.Warnings, fmt.Sprintf("Price %.0f is unusually high", price))
		return 0.8
	}
	return 1
}

func (v *Validator) checkFeatures(fields map[string]interface{}, res *Result) float64 {
	currentYear := time.Now().UTC().Year()
	present := false
	score := 1.0

	check := func(name string, min, max float64) {
		raw, ok := fields[name]
		if !ok {
			return
		}
		present = true
		val, numeric := asFloat(raw)
		if !numeric {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s is not numeric", name))
			score -= 0.1
			return
		}
		if val < min || val > max {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %.1f outside plausible range [%.0f, %.0f]", name, val, min, max))
			score -= 0.25
		}
	}

	check("bedrooms", 0, 20)
	check("bathrooms", 0, 20)
	check("half_bathrooms", 0, 10)
	check("square_feet", float64(v.cfg.MinSqft), float64(v.cfg.MaxSqft))
	check("lot_size_sqft", 100, 10_000_000)
	check("year_built", 1800, float64(currentYear+5))

	if !present {
		return 0.5
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (v *Validator) checkLocation(fields map[string]interface{}, res *Result) float64 {
	score := 1.0

	zip, hasZip := stringOf(fields, "zipcode")
	if hasZip {
		if !validZip(zip) {
			res.Errors = append(res.Errors, fmt.Sprintf("Zipcode %q is invalid", zip))
			return 0
		}
		if !v.inMetro(zip) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Zipcode %s outside configured metro prefixes", zip))
			score -= 0.2
		}
	} else {
		score = 0.5
	}

	if city, ok := stringOf(fields, "city"); ok && !v.knownCity(city) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("City %q not in the known metro list", city))
		score -= 0.2
	}
	if state, ok := stringOf(fields, "state"); ok && strings.ToUpper(state) != "AZ" {
		res.Warnings = append(res.Warnings, fmt.Sprintf("State %q is not AZ", state))
		score -= 0.2
	}

	if score < 0 {
		score = 0
	}
	return score
}

// importantFields drive the completeness dimension.
var importantFields = []string{"price", "bedrooms", "bathrooms", "square_feet"}

func (v *Validator) checkCompleteness(fields map[string]interface{}, res *Result) float64 {
	if addressOf(fields) == "" {
		// The base dimension already recorded the error.
		return 0
	}
	presentCount := 1 // address
	for _, name := range importantFields {
		if _, ok := fields[name]; ok {
			presentCount++
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("Missing important field %s", name))
		}
	}
	return float64(presentCount) / float64(len(importantFields)+1)
}

func (v *Validator) inMetro(zip string) bool {
	for _, prefix := range v.cfg.MetroZipPrefixes {
		if strings.HasPrefix(zip, prefix) {
			return true
		}
	}
	return false
}

func (v *Validator) knownCity(city string) bool {
	for _, known := range v.cfg.KnownCities {
		if strings.EqualFold(known, strings.TrimSpace(city)) {
			return true
		}
	}
	return false
}

func addressOf(fields map[string]interface{}) string {
	addr, _ := stringOf(fields, "address")
	return strings.TrimSpace(addr)
}

func stringOf(fields map[string]interface{}, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), ",", "")
		var f float64
		_, err := fmt.Sscanf(s, "%f", &f)
		return f, err == nil
	}
	return 0, false
}

func hasStreetType(addr string) bool {
	for _, tok := range strings.Fields(strings.ToLower(addr)) {
		tok = strings.Trim(tok, ".,#")
		for _, st := range streetTypes {
			if tok == st {
				return true
			}
		}
	}
	return false
}

func validZip(zip string) bool {
	if len(zip) != 5 {
		return false
	}
	for _, r := range zip {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
