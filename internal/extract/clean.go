package extract

import (
	"strconv"
	"strings"

	"github.com/desertmls/harvester/internal/domain"
)

var stateNames = map[string]string{
	"ARIZONA": "AZ",
	"AZ":      "AZ",
}

// intFields are extraction fields parsed as integers.
var intFields = []string{"bedrooms", "half_bathrooms", "square_feet", "lot_size_sqft", "year_built", "garage_spaces", "floors"}

// Clean applies the normalization rules to a successful extraction.
// Invalid values drop the field rather than erroring.
func Clean(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))

	if addr, ok := stringField(fields, "address"); ok {
		if cleaned := cleanAddress(addr); cleaned != "" {
			out["address"] = cleaned
		}
	}
	if city, ok := stringField(fields, "city"); ok {
		if c := titleCase(strings.TrimSpace(city)); c != "" {
			out["city"] = c
		}
	}
	if state, ok := stringField(fields, "state"); ok {
		up := strings.ToUpper(strings.TrimSpace(state))
		if mapped, ok := stateNames[up]; ok {
			out["state"] = mapped
		} else if len(up) == 2 {
			out["state"] = up
		}
	}
	if zip, ok := stringField(fields, "zipcode"); ok {
		if z := domain.NormalizeZipcode(zip); z != "" {
			out["zipcode"] = z
		}
	}

	if v, ok := numericField(fields, "price"); ok {
		out["price"] = v
	}
	if v, ok := numericField(fields, "bathrooms"); ok {
		out["bathrooms"] = v
	}
	for _, name := range intFields {
		if v, ok := numericField(fields, name); ok {
			out[name] = int(v)
		}
	}

	if pt, ok := stringField(fields, "property_type"); ok && strings.TrimSpace(pt) != "" {
		out["property_type"] = strings.ToLower(strings.TrimSpace(pt))
	}
	if desc, ok := stringField(fields, "description"); ok && strings.TrimSpace(desc) != "" {
		out["description"] = strings.TrimSpace(desc)
	}

	if raw, ok := fields["features"]; ok {
		if feats := cleanFeatureList(raw); len(feats) > 0 {
			out["features"] = feats
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// cleanAddress collapses whitespace, title-cases and strips a duplicated
// trailing unit suffix ("... Apt 2 Apt 2").
func cleanAddress(addr string) string {
	parts := strings.Fields(addr)
	if len(parts) == 0 {
		return ""
	}
	// Drop a repeated two-token tail.
	for len(parts) >= 4 {
		n := len(parts)
		if strings.EqualFold(parts[n-2], parts[n-4]) && strings.EqualFold(parts[n-1], parts[n-3]) {
			parts = parts[:n-2]
			continue
		}
		break
	}
	return titleCase(strings.Join(parts, " "))
}

// titleCase uppercases the first letter of each word, preserving interior
// digits and short direction tokens.
func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if w == "" {
			continue
		}
		r := []rune(w)
		if r[0] >= 'a' && r[0] <= 'z' {
			r[0] = r[0] - 'a' + 'A'
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func stringField(fields map[string]interface{}, name string) (string, bool) {
	v, ok := fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// numericField parses ints, floats and comma-grouped strings; anything
// else is treated as absent.
func numericField(fields map[string]interface{}, name string) (float64, bool) {
	v, ok := fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(n, ",", ""))
		s = strings.TrimPrefix(s, "$")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func cleanFeatureList(raw interface{}) []string {
	var out []string
	switch list := raw.(type) {
	case []string:
		for _, f := range list {
			if t := strings.TrimSpace(f); t != "" {
				out = append(out, t)
			}
		}
	case []interface{}:
		for _, f := range list {
			if s, ok := f.(string); ok {
				if t := strings.TrimSpace(s); t != "" {
					out = append(out, t)
				}
			}
		}
	}
	return out
}
