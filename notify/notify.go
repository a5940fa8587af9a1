// Package notify delivers bid-increase notifications to a fixed channel
// through a pluggable provider.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"

	"veilingmeester-bot/pkg/veiling"
)

// ColorBidIncrease is the embed colour of bid notifications.
const ColorBidIncrease = 0xE67E22

// Message is a rendered notification ready for a provider.
type Message struct {
	Content  string
	Mentions []string // user IDs allowed to be pinged
	Embed    *discordgo.MessageEmbed
}

// Provider sends a rendered message to a channel.
type Provider interface {
	Send(ctx context.Context, channelID string, msg *Message) error
}

// Sender renders bid notifications and hands them to a provider.
type Sender struct {
	provider  Provider
	channelID string
	logger    *slog.Logger
}

// New creates a sender posting to channelID.
func New(provider Provider, channelID string, logger *slog.Logger) *Sender {
	return &Sender{
		provider:  provider,
		channelID: channelID,
		logger:    logger,
	}
}

// Notify tells subscribers that the bid on a lot went from previous to the
// snapshot's current bid. Failures are wrapped in veiling.ErrDelivery.
func (s *Sender) Notify(ctx context.Context, snap *veiling.Snapshot, previous decimal.Decimal, subscribers []string) error {
	if len(subscribers) == 0 {
		return nil
	}

	msg := Render(snap, previous, subscribers)

	s.logger.Info("Sending bid notification",
		"channel_id", s.channelID,
		"auction_id", snap.AuctionID,
		"lot_id", snap.LotID,
		"bid", snap.CurrentBid.StringFixed(2),
		"subscribers", len(subscribers))

	if err := s.provider.Send(ctx, s.channelID, msg); err != nil {
		return fmt.Errorf("%w: lot %s/%s: %w", veiling.ErrDelivery, snap.AuctionID, snap.LotID, err)
	}
	return nil
}

// Render builds the notification message for a bid change.
func Render(snap *veiling.Snapshot, previous decimal.Decimal, subscribers []string) *Message {
	mentions := make([]string, len(subscribers))
	for i, id := range subscribers {
		mentions[i] = "<@" + id + ">"
	}

	title := snap.Title
	if title == "" {
		title = fmt.Sprintf("Lot %s/%s", snap.AuctionID, snap.LotID)
	}

	costs := snap.Costs()
	embed := &discordgo.MessageEmbed{
		Title:       truncate(title, 256),
		URL:         snap.URL,
		Description: "📈 The bid on a lot you follow went up.",
		Color:       ColorBidIncrease,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "New bid", Value: veiling.FormatEuro(snap.CurrentBid), Inline: true},
			{Name: "Previous bid", Value: veiling.FormatEuro(previous), Inline: true},
			{Name: "Total payable", Value: veiling.FormatEuro(costs.Total), Inline: true},
		},
	}
	if len(snap.ImageURLs) > 0 {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: snap.ImageURLs[0]}
	}

	return &Message{
		Content:  strings.Join(mentions, " "),
		Mentions: subscribers,
		Embed:    embed,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
