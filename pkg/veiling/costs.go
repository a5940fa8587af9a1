package veiling

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Costs is the breakdown of what a buyer pays at the current bid.
type Costs struct {
	Bid         decimal.Decimal
	AuctionFee  decimal.Decimal
	HandlingFee decimal.Decimal
	Tax         decimal.Decimal
	Total       decimal.Decimal
}

// Costs derives the payable amounts from the current bid.
// Every step is rounded to cents before it feeds the next one.
func (s *Snapshot) Costs() Costs {
	bid := s.CurrentBid.Round(2)
	handling := s.HandlingFee.Round(2)
	fee := bid.Mul(s.FeePercentage).Div(hundred).Round(2)
	tax := bid.Add(fee).Add(handling).Mul(s.TaxPercentage).Div(hundred).Round(2)
	total := bid.Add(fee).Add(handling).Add(tax).Round(2)
	return Costs{
		Bid:         bid,
		AuctionFee:  fee,
		HandlingFee: handling,
		Tax:         tax,
		Total:       total,
	}
}

// FormatEuro renders an amount the way the auction sites print prices.
func FormatEuro(d decimal.Decimal) string {
	return "€ " + d.StringFixed(2)
}
