package validate

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func goodFields() map[string]interface{} {
	return map[string]interface{}{
		"address":     "123 Test St",
		"city":        "Phoenix",
		"state":       "AZ",
		"zipcode":     "85031",
		"price":       299900.0,
		"bedrooms":    3,
		"bathrooms":   2.0,
		"square_feet": 1450,
	}
}

func TestValidate_HappyPath(t *testing.T) {
	v := New(Config{})
	res := v.Validate(goodFields())

	if !res.IsValid {
		t.Fatalf("expected valid, errors=%v warnings=%v score=%f", res.Errors, res.Warnings, res.ConfidenceScore)
	}
	if res.ConfidenceScore < 0.7 {
		t.Errorf("confidence %f below threshold", res.ConfidenceScore)
	}
}

func TestValidate_MissingAddress(t *testing.T) {
	v := New(Config{})
	res := v.Validate(map[string]interface{}{"address": "", "price": 5000.0})

	if res.IsValid {
		t.Fatal("expected invalid")
	}
	if !hasMsg(res.Errors, "Address is required") {
		t.Errorf("missing address error, got %v", res.Errors)
	}
	if !hasMsg(res.Errors, "outside allowed range") {
		t.Errorf("missing price range error, got %v", res.Errors)
	}
}

func TestValidate_PriceBoundaries(t *testing.T) {
	v := New(Config{MinPrice: 10_000, MaxPrice: 10_000_000})

	// Exactly at the boundaries is accepted.
	for _, price := range []float64{10_000, 10_000_000} {
		f := goodFields()
		f["price"] = price
		res := v.Validate(f)
		if hasMsg(res.Errors, "outside allowed range") {
			t.Errorf("price %.0f at boundary should be accepted: %v", price, res.Errors)
		}
	}

	f := goodFields()
	f["price"] = 9_999.0
	if res := v.Validate(f); !hasMsg(res.Errors, "outside allowed range") {
		t.Error("price below min should error")
	}
}

func TestValidate_UnusualPriceWarns(t *testing.T) {
	v := New(Config{})

	f := goodFields()
	f["price"] = 30_000.0
	res := v.Validate(f)
	if !hasMsg(res.Warnings, "unusually low") {
		t.Errorf("expected low-price warning, got %v", res.Warnings)
	}
	if hasMsg(res.Errors, "Price") {
		t.Errorf("low price should warn, not error: %v", res.Errors)
	}

	f["price"] = 6_000_000.0
	res = v.Validate(f)
	if !hasMsg(res.Warnings, "unusually high") {
		t.Errorf("expected high-price warning, got %v", res.Warnings)
	}
}

func TestValidate_YearBuiltBoundary(t *testing.T) {
	v := New(Config{})
	year := time.Now().UTC().Year()

	f := goodFields()
	f["year_built"] = year + 5
	if res := v.Validate(f); hasMsg(res.Errors, "year_built") {
		t.Errorf("year_built = current+5 should be accepted: %v", res.Errors)
	}

	f["year_built"] = year + 6
	if res := v.Validate(f); !hasMsg(res.Errors, "year_built") {
		t.Error("year_built = current+6 should be rejected")
	}
}

func TestValidate_SqftBoundary(t *testing.T) {
	v := New(Config{MinSqft: 100, MaxSqft: 20_000})

	f := goodFields()
	f["square_feet"] = 100
	if res := v.Validate(f); hasMsg(res.Errors, "square_feet") {
		t.Errorf("sqft at min should be accepted: %v", res.Errors)
	}

	f["square_feet"] = 99
	if res := v.Validate(f); !hasMsg(res.Errors, "square_feet") {
		t.Error("sqft below min should be rejected")
	}
}

func TestValidate_LocationDimension(t *testing.T) {
	v := New(Config{})

	f := goodFields()
	f["zipcode"] = "8503x"
	res := v.Validate(f)
	if !hasMsg(res.Errors, "invalid") {
		t.Errorf("bad zip should error: %v", res.Errors)
	}

	f = goodFields()
	f["zipcode"] = "90210"
	res = v.Validate(f)
	if !hasMsg(res.Warnings, "metro") {
		t.Errorf("out-of-metro zip should warn: %v", res.Warnings)
	}

	f = goodFields()
	f["state"] = "CA"
	res = v.Validate(f)
	if !hasMsg(res.Warnings, "not AZ") {
		t.Errorf("non-AZ state should warn: %v", res.Warnings)
	}
}

func TestValidate_AddressFormatWarnings(t *testing.T) {
	v := New(Config{})

	f := goodFields()
	f["address"] = "Main Street Unnumbered"
	res := v.Validate(f)
	if !hasMsg(res.Warnings, "house number") {
		t.Errorf("expected house number warning, got %v", res.Warnings)
	}

	f["address"] = "123 Somewhere"
	res = v.Validate(f)
	if !hasMsg(res.Warnings, "street type") {
		t.Errorf("expected street type warning, got %v", res.Warnings)
	}

	f["address"] = "1 Ab"
	res = v.Validate(f)
	if !hasMsg(res.Errors, "too short") {
		t.Errorf("expected short address error, got %v", res.Errors)
	}
}

func TestValidate_StrictMode(t *testing.T) {
	// Build fields that are valid but accumulate three warnings.
	f := goodFields()
	f["zipcode"] = "90210" // out of metro
	f["city"] = "Flagstaff"
	f["state"] = "CA"
	delete(f, "price")
	delete(f, "bedrooms")

	relaxed := New(Config{MinConfidence: 0.3})
	if res := relaxed.Validate(f); !res.IsValid {
		t.Fatalf("non-strict should tolerate warnings, got errors=%v score=%f", res.Errors, res.ConfidenceScore)
	}

	strict := New(Config{MinConfidence: 0.3, Strict: true})
	if res := strict.Validate(f); res.IsValid {
		t.Errorf("strict mode should fail with %d warnings", len(res.Warnings))
	}
}

func TestValidate_Monotonicity(t *testing.T) {
	v := New(Config{})

	base := map[string]interface{}{
		"address": "123 Test St",
		"zipcode": "85031",
	}
	baseScore := v.Validate(base).ConfidenceScore

	additions := []struct {
		name  string
		value interface{}
	}{
		{"price", 250000.0},
		{"bedrooms", 3},
		{"bathrooms", 2.0},
		{"square_feet", 1500},
		{"city", "Phoenix"},
		{"state", "AZ"},
	}
	fields := base
	prev := baseScore
	for _, add := range additions {
		next := map[string]interface{}{}
		for k, val := range fields {
			next[k] = val
		}
		next[add.name] = add.value
		score := v.Validate(next).ConfidenceScore
		if score < prev-1e-9 {
			t.Errorf("adding well-formed %s decreased confidence %f -> %f", add.name, prev, score)
		}
		fields = next
		prev = score
	}
}

func TestValidate_NonNumericFeatureWarns(t *testing.T) {
	v := New(Config{})
	f := goodFields()
	f["bedrooms"] = "several"

	res := v.Validate(f)
	if !hasMsg(res.Warnings, "not numeric") {
		t.Errorf("expected non-numeric warning, got %v", res.Warnings)
	}
}

func hasMsg(list []string, sub string) bool {
	for _, m := range list {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func ExampleValidator_Validate() {
	v := New(Config{})
	res := v.Validate(map[string]interface{}{
		"address": "123 Test St",
		"zipcode": "85031",
		"price":   299900.0,
	})
	fmt.Println(res.IsValid)
	// Output: true
}
