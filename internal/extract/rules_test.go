package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `
<html><body>
<div class="listing">
  <h2>123 Test St, Phoenix, AZ 85031</h2>
  <span class="price">$299,900</span>
  <p>3 beds | 2 baths | 1,450 sqft</p>
  <p>Built in 1998. Charming single family home.</p>
</div>
</body></html>`

func TestRules_ListingHTML(t *testing.T) {
	fields := Rules(listingHTML, "html")
	require.NotNil(t, fields)

	assert.Equal(t, "123 Test St", fields["address"])
	assert.Equal(t, "Phoenix", fields["city"])
	assert.Equal(t, "AZ", fields["state"])
	assert.Equal(t, "85031", fields["zipcode"])
	assert.Equal(t, 299900.0, fields["price"])
	assert.Equal(t, 3, fields["bedrooms"])
	assert.Equal(t, 2.0, fields["bathrooms"])
	assert.Equal(t, 1450, fields["square_feet"])
	assert.Equal(t, 1998, fields["year_built"])
}

func TestRules_PlainText(t *testing.T) {
	fields := Rules("Nice home at 456 W Oak Ave, Mesa, AZ 85201 for $410,000 with 4 bedrooms", "text")
	require.NotNil(t, fields)
	assert.Equal(t, "456 W Oak Ave", fields["address"])
	assert.Equal(t, 410000.0, fields["price"])
	assert.Equal(t, 4, fields["bedrooms"])
}

func TestRules_AddressFromCSSClass(t *testing.T) {
	html := `<div class="street-address">789 N Central Ave</div><span>$350,000</span>`
	fields := Rules(html, "html")
	require.NotNil(t, fields)
	assert.Equal(t, "789 N Central Ave", fields["address"])
}

func TestRules_PriceFloorFiltersFees(t *testing.T) {
	fields := Rules("HOA $150 monthly. Offered at $225,000.", "text")
	require.NotNil(t, fields)
	assert.Equal(t, 225000.0, fields["price"], "fee below the floor must be skipped")
}

func TestRules_NothingExtractable(t *testing.T) {
	assert.Nil(t, Rules("completely unrelated text about weather", "text"))
	assert.Nil(t, Rules("<html><body><p>nav nav nav</p></body></html>", "html"))
}

func TestRules_NeverFabricates(t *testing.T) {
	fields := Rules("$120,000 fixer-upper", "text")
	require.NotNil(t, fields)
	_, hasBeds := fields["bedrooms"]
	_, hasAddr := fields["address"]
	assert.False(t, hasBeds)
	assert.False(t, hasAddr)
}

func TestRules_ZipPlusFour(t *testing.T) {
	fields := Rules("Located at 12 E Elm St, Tempe, AZ 85281-6001", "text")
	require.NotNil(t, fields)
	assert.Equal(t, "85281", fields["zipcode"])
}
