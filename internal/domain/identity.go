package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	addressPunct  = regexp.MustCompile(`[^\w\s]`)
	addressSpaces = regexp.MustCompile(`\s+`)
)

// Common suffix and directional abbreviations, expanded so "123 Main St"
// and "123 MAIN STREET" derive the same identity.
var addressTokens = map[string]string{
	"st":     "street",
	"ave":    "avenue",
	"av":     "avenue",
	"blvd":   "boulevard",
	"dr":     "drive",
	"rd":     "road",
	"ln":     "lane",
	"ct":     "court",
	"cir":    "circle",
	"pl":     "place",
	"pkwy":   "parkway",
	"hwy":    "highway",
	"ter":    "terrace",
	"trl":    "trail",
	"way":    "way",
	"n":      "north",
	"s":      "south",
	"e":      "east",
	"w":      "west",
	"ne":     "northeast",
	"nw":     "northwest",
	"se":     "southeast",
	"sw":     "southwest",
	"apt":    "unit",
	"ste":    "unit",
	"suite":  "unit",
	"number": "unit",
	"no":     "unit",
}

// NormalizeStreet lowers, strips punctuation, collapses whitespace and
// expands standard abbreviations. Deterministic: equal normalized output
// means equal property identity.
func NormalizeStreet(street string) string {
	s := strings.ToLower(strings.TrimSpace(street))
	s = addressPunct.ReplaceAllString(s, " ")
	s = addressSpaces.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	parts := strings.Split(s, " ")
	for i, p := range parts {
		if full, ok := addressTokens[p]; ok {
			parts[i] = full
		}
	}
	return strings.Join(parts, " ")
}

// DerivePropertyID derives the stable aggregate identity from the
// normalized street plus zipcode.
func DerivePropertyID(street, zipcode string) string {
	key := NormalizeStreet(street) + "|" + NormalizeZipcode(zipcode)
	sum := sha256.Sum256([]byte(key))
	return "prop_" + hex.EncodeToString(sum[:])[:16]
}

// HashPayload fingerprints a raw payload for provenance dedup.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
