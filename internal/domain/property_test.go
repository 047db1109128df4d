package domain

import (
	"testing"
	"time"
)

func TestDerivePropertyID_Deterministic(t *testing.T) {
	a := DerivePropertyID("123 Main St", "85031")
	b := DerivePropertyID("123 MAIN STREET", "85031")
	if a != b {
		t.Errorf("expected equal ids for equivalent addresses, got %s vs %s", a, b)
	}

	c := DerivePropertyID("124 Main St", "85031")
	if a == c {
		t.Error("different street numbers must not collide")
	}
}

func TestDerivePropertyID_ZipPlusFour(t *testing.T) {
	a := DerivePropertyID("456 E Oak Ave", "85032")
	b := DerivePropertyID("456 East Oak Avenue", "85032-1234")
	if a != b {
		t.Errorf("ZIP+4 should normalize to base zip: %s vs %s", a, b)
	}
}

func TestNormalizeStreet(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"123 Main St", "123 main street"},
		{"  123   MAIN  STREET ", "123 main street"},
		{"789 N. Central Ave", "789 north central avenue"},
		{"42 W Elm Dr, Apt 3", "42 west elm drive unit 3"},
	}
	for _, tt := range tests {
		if got := NormalizeStreet(tt.in); got != tt.want {
			t.Errorf("NormalizeStreet(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeZipcode(t *testing.T) {
	if got := NormalizeZipcode("85031-1234"); got != "85031" {
		t.Errorf("expected 85031, got %q", got)
	}
	if got := NormalizeZipcode("8503"); got != "" {
		t.Errorf("short zip should be rejected, got %q", got)
	}
	if got := NormalizeZipcode("8503a"); got != "" {
		t.Errorf("non-numeric zip should be rejected, got %q", got)
	}
}

func TestProperty_AddPrice_CurrentTracksLatest(t *testing.T) {
	p := NewProperty(NewPropertyAddress("123 Main St", "", "", "85031"))

	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	p.AddPrice(PriceObservation{Amount: 300000, Date: newer, PriceType: PriceTypeListing, Source: SourceMLSScrape})
	p.AddPrice(PriceObservation{Amount: 250000, Date: older, PriceType: PriceTypeSale, Source: SourceAssessorAPI})

	if p.CurrentPrice == nil || *p.CurrentPrice != 300000 {
		t.Fatalf("current price should track latest date, got %v", p.CurrentPrice)
	}

	hist := p.SortedPriceHistory()
	if hist[0].Amount != 250000 || hist[1].Amount != 300000 {
		t.Error("sorted history should be date-ascending")
	}

	if got := p.LatestPriceDate(); got == nil || !got.Equal(newer) {
		t.Errorf("latest price date = %v, want %v", got, newer)
	}
}

func TestProperty_AddPrice_SameDateLaterCollectionWins(t *testing.T) {
	p := NewProperty(NewPropertyAddress("123 Main St", "", "", "85031"))
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	p.AddPrice(PriceObservation{Amount: 300000, Date: day, PriceType: PriceTypeListing, Source: SourceMLSScrape})
	p.AddPrice(PriceObservation{Amount: 310000, Date: day, PriceType: PriceTypeListing, Source: SourceMLSScrape})

	if p.CurrentPrice == nil || *p.CurrentPrice != 310000 {
		t.Fatalf("equal dates should keep the later-collected price, got %v", p.CurrentPrice)
	}
}

func TestProperty_ProvenanceDedup(t *testing.T) {
	p := NewProperty(NewPropertyAddress("123 Main St", "", "", "85031"))
	p.AddProvenance(CollectionProvenance{Source: SourceAssessorAPI, RawPayloadHash: "abc"})

	if !p.HasProvenanceHash("abc") {
		t.Error("expected hash to be found")
	}
	if p.HasProvenanceHash("def") {
		t.Error("unexpected hash found")
	}
}

func TestPropertyAddress_Defaults(t *testing.T) {
	a := NewPropertyAddress("1 Test St", "", "", "85001")
	if a.City != "Phoenix" || a.State != "AZ" || a.County != "Maricopa" {
		t.Errorf("metro defaults not applied: %+v", a)
	}
	if a.FullAddress() != "1 Test St, Phoenix, AZ 85001" {
		t.Errorf("unexpected full address %q", a.FullAddress())
	}
}

func TestRawRecord_ContentAndType(t *testing.T) {
	r := RawRecord{HTML: "<html></html>", Text: "ignored"}
	c, ct := r.ContentAndType()
	if ct != "html" || c != "<html></html>" {
		t.Errorf("html should win: got (%q, %q)", c, ct)
	}

	r = RawRecord{Structured: map[string]interface{}{"situs_address": "123 Main St"}}
	c, ct = r.ContentAndType()
	if ct != "text" || c == "" {
		t.Errorf("structured payload should synthesize text, got (%q, %q)", c, ct)
	}
}

func TestRawRecord_PayloadHash_Stable(t *testing.T) {
	a := RawRecord{HTML: "<p>x</p>"}
	b := RawRecord{HTML: "<p>x</p>"}
	if a.PayloadHash() != b.PayloadHash() {
		t.Error("identical payloads must hash identically")
	}
}
