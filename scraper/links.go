package scraper

import (
	"regexp"

	"veilingmeester-bot/pkg/veiling"
)

var (
	ovmLinkRegex = regexp.MustCompile(`onlineveilingmeester\.nl/(?:nl/veilingen|en/auctions)/(\d+)/(?:kavels|lots)/(\d+)`)
	drzLinkRegex = regexp.MustCompile(`verkoop\.domeinenrz\.nl/[^\s]*?meerfotos=(K\d+)`)
)

// Link is a recognized listing reference found in a chat message.
type Link struct {
	Source    veiling.Source
	AuctionID string // OVM only
	LotID     string // OVM lot number, or the DRZ lot code
}

// ParseLink returns the first listing link in text. OVM links win when a
// message contains both kinds.
func ParseLink(text string) (Link, bool) {
	if m := ovmLinkRegex.FindStringSubmatch(text); m != nil {
		return Link{Source: veiling.SourceOVM, AuctionID: m[1], LotID: m[2]}, true
	}
	if m := drzLinkRegex.FindStringSubmatch(text); m != nil {
		return Link{Source: veiling.SourceDRZ, LotID: m[1]}, true
	}
	return Link{}, false
}
