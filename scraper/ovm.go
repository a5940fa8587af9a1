package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"veilingmeester-bot/pkg/veiling"
)

// Defaults for optional cost fields the API may leave out.
var (
	DefaultFeePercentage = decimal.NewFromInt(17)
	DefaultTaxPercentage = decimal.NewFromInt(21)
)

const maxTopBidders = 3

// OVM fetches lots from the onlineveilingmeester.nl REST API.
type OVM struct {
	fetcher
	baseURL string
}

// NewOVM creates a fetcher for the OVM API rooted at baseURL.
func NewOVM(client *http.Client, baseURL string, timeout time.Duration, logger *slog.Logger) *OVM {
	return &OVM{
		fetcher: fetcher{client: client, logger: logger, timeout: timeout},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// ListingURL is the human-facing page of a lot.
func (o *OVM) ListingURL(auctionID, lotID string) string {
	return fmt.Sprintf("%s/nl/veilingen/%s/kavels/%s", o.baseURL, auctionID, lotID)
}

func (o *OVM) apiURL(auctionID, lotID string) string {
	return fmt.Sprintf("%s/rest/nl/v2/veilingen/%s/kavels/%s", o.baseURL, auctionID, lotID)
}

// Fetch retrieves the current state of a lot.
func (o *OVM) Fetch(ctx context.Context, auctionID, lotID string) (*veiling.Snapshot, error) {
	if !isDigits(auctionID) || !isDigits(lotID) {
		return nil, fmt.Errorf("invalid lot identifier %q/%q", auctionID, lotID)
	}

	body, err := o.get(ctx, o.apiURL(auctionID, lotID), "application/json", "fetch_ovm_lot")
	if err != nil {
		return nil, fmt.Errorf("fetch lot %s/%s: %w", auctionID, lotID, err)
	}

	snap, err := parseOVM(body, o.baseURL)
	if err != nil {
		o.logger.Warn("OVM payload rejected", "auction_id", auctionID, "lot_id", lotID, "error", err)
		return nil, fmt.Errorf("parse lot %s/%s: %w", auctionID, lotID, err)
	}
	snap.AuctionID = auctionID
	snap.LotID = lotID
	snap.URL = o.ListingURL(auctionID, lotID)

	o.logger.Info("OVM lot parsed",
		"auction_id", auctionID,
		"lot_id", lotID,
		"title", snap.Title,
		"current_bid", snap.CurrentBid.String(),
		"bid_count", snap.BidCount,
		"images", len(snap.ImageURLs))

	return snap, nil
}

// ovmLot is the subset of the lot payload the bot relies on. Optional fields
// are pointers or NullDecimal so absence is distinguishable from zero.
type ovmLot struct {
	KavelData         *ovmItem            `json:"kavelData"`
	Categorie         *ovmCategory        `json:"categorie"`
	IsShippable       *bool               `json:"isShippable"`
	AantalBiedingen   *int                `json:"aantalBiedingen"`
	SluitingsDatumISO text                `json:"sluitingsDatumISO"`
	HoogsteBod        decimal.NullDecimal `json:"hoogsteBod"`
	OpeningsBod       decimal.NullDecimal `json:"openingsBod"`
	OpgeldPercentage  decimal.NullDecimal `json:"opgeldPercentage"`
	BtwPercentage     decimal.NullDecimal `json:"btwPercentage"`
	Handelingskosten  decimal.NullDecimal `json:"handelingskosten"`
	ImageList         []string            `json:"imageList"`
	Biedingen         []ovmBid            `json:"biedingen"`
}

type ovmItem struct {
	Naam           *string `json:"naam"`
	Specificaties  text    `json:"specificaties"`
	Bijzonderheden text    `json:"bijzonderheden"`
	Product        text    `json:"product"`
	Conditie       text    `json:"conditie"`
	Bouwjaar       text    `json:"bouwjaar"`
	Merk           text    `json:"merk"`
}

type ovmCategory struct {
	Naam text `json:"naam"`
}

type ovmBid struct {
	Bieder text                `json:"bieder"`
	Bedrag decimal.NullDecimal `json:"bedrag"`
}

// text accepts JSON strings, numbers and null. The API is not consistent
// about which of those it sends for fields like bouwjaar.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*t = text(n.String())
	return nil
}

func (t text) orUnknown() string {
	if s := strings.TrimSpace(string(t)); s != "" {
		return s
	}
	return veiling.Unknown
}

func parseOVM(body []byte, baseURL string) (*veiling.Snapshot, error) {
	var lot ovmLot
	if err := json.Unmarshal(body, &lot); err != nil {
		return nil, fmt.Errorf("%w: %w", veiling.ErrMalformedResponse, err)
	}
	if err := lot.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", veiling.ErrMalformedResponse, err)
	}

	item := lot.KavelData
	snap := &veiling.Snapshot{
		Source:        veiling.SourceOVM,
		Title:         strings.TrimSpace(*item.Naam),
		Description:   describe(item),
		OpeningBid:    lot.OpeningsBod.Decimal,
		CurrentBid:    lot.OpeningsBod.Decimal,
		FeePercentage: orDefault(lot.OpgeldPercentage, DefaultFeePercentage),
		TaxPercentage: orDefault(lot.BtwPercentage, DefaultTaxPercentage),
		HandlingFee:   orDefault(lot.Handelingskosten, decimal.Zero),
		ClosingTime:   parseClosingTime(string(lot.SluitingsDatumISO)),
		Category:      veiling.Unknown,
		Condition:     item.Conditie.orUnknown(),
		Year:          item.Bouwjaar.orUnknown(),
		Brand:         item.Merk.orUnknown(),
		HasCosts:      true,
	}
	if lot.HoogsteBod.Valid && lot.HoogsteBod.Decimal.IsPositive() {
		snap.CurrentBid = lot.HoogsteBod.Decimal
	}
	if lot.AantalBiedingen != nil {
		snap.BidCount = *lot.AantalBiedingen
	}
	if lot.IsShippable != nil {
		snap.Shippable = *lot.IsShippable
	}
	if lot.Categorie != nil {
		snap.Category = lot.Categorie.Naam.orUnknown()
	}

	for _, path := range lot.ImageList {
		path = strings.TrimPrefix(strings.TrimSpace(path), "/")
		if path == "" {
			continue
		}
		snap.ImageURLs = append(snap.ImageURLs, baseURL+"/images/800x600/"+path)
	}

	for _, b := range lot.Biedingen {
		if len(snap.TopBidders) == maxTopBidders {
			break
		}
		name := strings.TrimSpace(string(b.Bieder))
		if name == "" {
			name = "?"
		}
		snap.TopBidders = append(snap.TopBidders, veiling.Bidder{Name: name, Amount: b.Bedrag.Decimal})
	}

	return snap, nil
}

func (l *ovmLot) validate() error {
	var errs []error
	switch {
	case l.KavelData == nil:
		errs = append(errs, errors.New("missing kavelData"))
	case l.KavelData.Naam == nil || strings.TrimSpace(*l.KavelData.Naam) == "":
		errs = append(errs, errors.New("missing kavelData.naam"))
	}
	if !l.OpeningsBod.Valid {
		errs = append(errs, errors.New("missing openingsBod"))
	} else if l.OpeningsBod.Decimal.IsNegative() {
		errs = append(errs, errors.New("negative openingsBod"))
	}
	if l.HoogsteBod.Valid && l.HoogsteBod.Decimal.IsNegative() {
		errs = append(errs, errors.New("negative hoogsteBod"))
	}
	return errors.Join(errs...)
}

func describe(item *ovmItem) string {
	for _, candidate := range []text{item.Specificaties, item.Bijzonderheden, item.Product} {
		if s := StripHTML(string(candidate)); s != "" {
			return s
		}
	}
	return "No description."
}

func orDefault(d decimal.NullDecimal, def decimal.Decimal) decimal.Decimal {
	if d.Valid {
		return d.Decimal
	}
	return def
}

// parseClosingTime returns the zero time for missing or malformed input.
func parseClosingTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func isDigits(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
