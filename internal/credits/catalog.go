package credits

import "github.com/shopspring/decimal"

// Product is a static catalogue entry. The catalogue is seeded into the
// database at startup; price changes do not retroactively affect past
// transactions.
type Product struct {
	ID             string
	Name           string
	UnitName       string
	CreditsPerUnit decimal.Decimal // fractional allowed for sub-unit products
	Active         bool
}

// USDPerUnit derives the unit price in USD from the credit price.
func (p Product) USDPerUnit() decimal.Decimal {
	return p.CreditsPerUnit.Div(perUSDDec).RoundBank(usdScale)
}

// Catalog lists the products this gateway meters. Order is stable for
// display purposes.
var Catalog = []Product{
	{ID: "chart2csv", Name: "Chart2CSV", UnitName: "extraction", CreditsPerUnit: decimal.NewFromInt(50), Active: true},
	{ID: "masker", Name: "Masker", UnitName: "request", CreditsPerUnit: decimal.NewFromInt(1), Active: true},
	{ID: "patas", Name: "PATAS", UnitName: "100 messages", CreditsPerUnit: decimal.NewFromInt(5), Active: true},
	{ID: "reliapi", Name: "ReliAPI", UnitName: "request", CreditsPerUnit: decimal.RequireFromString("0.1"), Active: true},
}

// ProductByID looks up a catalogue entry.
func ProductByID(id string) (Product, bool) {
	for _, p := range Catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Product{}, false
}

// UnitPriceUSD returns the USD cost of one unit of the product, or zero for
// unknown products.
func UnitPriceUSD(id string) decimal.Decimal {
	p, ok := ProductByID(id)
	if !ok {
		return decimal.Zero
	}
	return p.USDPerUnit()
}
