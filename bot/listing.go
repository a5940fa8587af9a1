package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"

	"veilingmeester-bot/collage"
	"veilingmeester-bot/pkg/veiling"
	"veilingmeester-bot/summary"
)

// Embed colours per source.
const (
	ColorOVM = 0xE67E22
	ColorDRZ = 0x1ABC9C
)

const maxDescription = 2048

// ListingExtras is everything on a listing card that is not in the snapshot.
type ListingExtras struct {
	Summary    string
	HasPreview bool
	Elapsed    time.Duration
	Now        time.Time
}

// BuildListing renders the reply card for a snapshot. OVM cards carry
// follow and unfollow buttons.
func BuildListing(snap *veiling.Snapshot, extras ListingExtras) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       summary.Truncate(snap.Title, 256),
		URL:         snap.URL,
		Description: summary.Truncate(snap.Description, maxDescription),
		Color:       ColorDRZ,
	}

	if snap.Source == veiling.SourceOVM {
		embed.Color = ColorOVM
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "Details", Value: detailsField(snap, extras.Now)},
		)
		if snap.HasCosts {
			embed.Fields = append(embed.Fields,
				&discordgo.MessageEmbedField{Name: "Costs", Value: costsField(snap)},
			)
		}
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "Extra Info", Value: extraField(snap)},
			&discordgo.MessageEmbedField{Name: "Top Bidders", Value: biddersField(snap)},
		)
	}
	if extras.Summary != "" {
		embed.Fields = append(embed.Fields,
			&discordgo.MessageEmbedField{Name: "🤖 AI Summary", Value: summary.Truncate(extras.Summary, summary.MaxLength)},
		)
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name:  "⏱️ Processing Time",
		Value: fmt.Sprintf("%.2fs", extras.Elapsed.Seconds()),
	})

	if extras.HasPreview {
		embed.Image = &discordgo.MessageEmbedImage{URL: "attachment://" + collage.Filename}
	}

	send := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
	if snap.Source == veiling.SourceOVM {
		send.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "🔔 Follow",
					Style:    discordgo.SuccessButton,
					CustomID: FollowID(snap.AuctionID, snap.LotID, snap.CurrentBid),
				},
				discordgo.Button{
					Label:    "🔕 Unfollow",
					Style:    discordgo.SecondaryButton,
					CustomID: UnfollowID(snap.AuctionID, snap.LotID),
				},
			}},
		}
	}
	return send
}

func detailsField(snap *veiling.Snapshot, now time.Time) string {
	closesOn := veiling.Unknown
	if !snap.ClosingTime.IsZero() {
		closesOn = snap.ClosingTime.Format("02/01/2006 15:04")
	}
	return strings.Join([]string{
		"💰 **Current Bid:** " + formatBid(snap.CurrentBid),
		"📈 **Start Price:** " + formatBid(snap.OpeningBid),
		"🔨 **Bids:** " + humanize.Comma(int64(snap.BidCount)),
		"⏳ **Closes In:** " + ClosesIn(snap.ClosingTime, now),
		"📅 **Closes On:** " + closesOn,
	}, "\n")
}

func costsField(snap *veiling.Snapshot) string {
	c := snap.Costs()
	lines := []string{
		fmt.Sprintf("🧾 **Auction Fee (%s%%):** %s", snap.FeePercentage.String(), formatBid(c.AuctionFee)),
	}
	if !c.HandlingFee.IsZero() {
		lines = append(lines, "📦 **Handling:** "+formatBid(c.HandlingFee))
	}
	lines = append(lines,
		fmt.Sprintf("🏛️ **VAT (%s%%):** %s", snap.TaxPercentage.String(), formatBid(c.Tax)),
		"💶 **Total Payable:** "+formatBid(c.Total),
	)
	return strings.Join(lines, "\n")
}

func extraField(snap *veiling.Snapshot) string {
	shippable := "No"
	if snap.Shippable {
		shippable = "Yes"
	}
	return strings.Join([]string{
		"📦 **Category:** " + snap.Category,
		"🏷️ **Condition:** " + snap.Condition,
		"🚚 **Shippable:** " + shippable,
		"🛠️ **Year:** " + snap.Year,
		"🔧 **Brand:** " + snap.Brand,
	}, "\n")
}

func biddersField(snap *veiling.Snapshot) string {
	if len(snap.TopBidders) == 0 {
		return "No bids yet."
	}
	lines := make([]string, len(snap.TopBidders))
	for i, b := range snap.TopBidders {
		lines[i] = fmt.Sprintf("**%s**: %s", b.Name, formatBid(b.Amount))
	}
	return strings.Join(lines, "\n")
}

// ClosesIn describes how long until closing, "Closed" once it has passed.
func ClosesIn(closing, now time.Time) string {
	if closing.IsZero() {
		return veiling.Unknown
	}
	if !closing.After(now) {
		return "Closed"
	}
	return strings.TrimSpace(humanize.RelTime(now, closing, "", ""))
}
