// Package veiling contains the core domain types for the auction-listing bot.
package veiling

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which remote site a snapshot was fetched from.
type Source string

const (
	SourceOVM Source = "ovm" // onlineveilingmeester.nl REST API
	SourceDRZ Source = "drz" // verkoop.domeinenrz.nl HTML catalogue
)

// Unknown is substituted for free-text fields the source did not provide.
const Unknown = "Unknown"

// Bidder is one entry of a lot's bid history.
type Bidder struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// Snapshot is the normalized, point-in-time state of a lot.
type Snapshot struct {
	ClosingTime   time.Time       `json:"closing_time"` // Zero when the source omitted or malformed it
	CurrentBid    decimal.Decimal `json:"current_bid"`  // Falls back to OpeningBid when nobody has bid yet
	OpeningBid    decimal.Decimal `json:"opening_bid"`
	FeePercentage decimal.Decimal `json:"fee_percentage"`
	TaxPercentage decimal.Decimal `json:"tax_percentage"`
	HandlingFee   decimal.Decimal `json:"handling_fee"`
	Source        Source          `json:"source"`
	AuctionID     string          `json:"auction_id"`
	LotID         string          `json:"lot_id"`
	URL           string          `json:"url"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Category      string          `json:"category"`
	Condition     string          `json:"condition"`
	Year          string          `json:"year"`
	Brand         string          `json:"brand"`
	ImageURLs     []string        `json:"image_urls"`
	TopBidders    []Bidder        `json:"top_bidders"` // At most three, highest first
	BidCount      int             `json:"bid_count"`
	Shippable     bool            `json:"shippable"`
	HasCosts      bool            `json:"has_costs"` // False for sources without a fee/tax breakdown
}

// Subscription is a subscriber's interest in bid changes of one lot.
type Subscription struct {
	AuctionID    string          `json:"auction_id"`
	LotID        string          `json:"lot_id"`
	SubscriberID string          `json:"subscriber_id"`
	LastBid      decimal.Decimal `json:"last_bid"`
}

// TrackedLot is a lot tracked by at least one subscriber, paired with the
// bid the poller compares against.
type TrackedLot struct {
	AuctionID string
	LotID     string
	LastBid   decimal.Decimal
}
