package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"

	"veilingmeester-bot/pkg/veiling"
)

const (
	followPrefix   = "follow"
	unfollowPrefix = "unfollow"
)

var errUnknownButton = errors.New("unknown button")

// Action is a decoded button click.
type Action struct {
	Follow    bool
	AuctionID string
	LotID     string
	Bid       decimal.Decimal // bid printed on the card, follow only
}

// FollowID encodes the follow button of a lot. The bid is the fallback used
// when the lot cannot be re-fetched at click time.
func FollowID(auctionID, lotID string, bid decimal.Decimal) string {
	return strings.Join([]string{followPrefix, auctionID, lotID, bid.StringFixed(2)}, ":")
}

// UnfollowID encodes the unfollow button of a lot.
func UnfollowID(auctionID, lotID string) string {
	return strings.Join([]string{unfollowPrefix, auctionID, lotID}, ":")
}

// ParseAction decodes a button custom id.
func ParseAction(customID string) (Action, error) {
	parts := strings.Split(customID, ":")
	switch {
	case len(parts) == 4 && parts[0] == followPrefix:
		bid, err := decimal.NewFromString(parts[3])
		if err != nil || bid.IsNegative() {
			return Action{}, fmt.Errorf("%w: bad bid in %q", errUnknownButton, customID)
		}
		a := Action{Follow: true, AuctionID: parts[1], LotID: parts[2], Bid: bid}
		return a, validIDs(a, customID)
	case len(parts) == 3 && parts[0] == unfollowPrefix:
		a := Action{AuctionID: parts[1], LotID: parts[2]}
		return a, validIDs(a, customID)
	default:
		return Action{}, fmt.Errorf("%w: %q", errUnknownButton, customID)
	}
}

func validIDs(a Action, customID string) error {
	if !isDigits(a.AuctionID) || !isDigits(a.LotID) {
		return fmt.Errorf("%w: bad lot in %q", errUnknownButton, customID)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// HandleInteraction handles follow and unfollow clicks. Replies are only
// visible to the clicking user.
func (h *Handler) HandleInteraction(ctx context.Context, i *discordgo.Interaction) {
	if i == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	customID := i.MessageComponentData().CustomID
	user := interactionUser(i)
	logger := h.logger.With("custom_id", customID, "channel_id", i.ChannelID)

	action, err := ParseAction(customID)
	if err != nil || user == nil {
		logger.Warn("Ignoring button click", "error", err)
		h.respond(ctx, logger, i, "⚠️ This button is not recognised.")
		return
	}
	logger = logger.With("user_id", user.ID, "auction_id", action.AuctionID, "lot_id", action.LotID)

	// Acknowledge first: re-fetching the lot may take longer than Discord waits.
	err = h.Session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
	if err != nil {
		logger.Error("Failed to acknowledge interaction", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	var text string
	if action.Follow {
		text = h.follow(ctx, logger, user.ID, action)
	} else {
		text = h.unfollow(ctx, logger, user.ID, action)
	}

	if _, err := h.Session.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &text}, discordgo.WithContext(ctx)); err != nil {
		logger.Error("Failed to edit interaction response", "error", err)
	}
}

func (h *Handler) follow(ctx context.Context, logger *slog.Logger, userID string, a Action) string {
	bid := a.Bid
	if snap, err := h.LiveOVM.Fetch(ctx, a.AuctionID, a.LotID); err != nil {
		logger.Warn("Re-fetch on follow failed, using bid from card", "bid", bid.StringFixed(2), "error", err)
	} else {
		bid = snap.CurrentBid
	}

	sub := veiling.Subscription{
		AuctionID:    a.AuctionID,
		LotID:        a.LotID,
		SubscriberID: userID,
		LastBid:      bid.Round(2),
	}
	if err := h.Store.Upsert(ctx, sub); err != nil {
		logger.Error("Failed to save subscription", "error", err)
		return "⚠️ Could not save your subscription, please try again."
	}
	logger.Info("Lot followed", "bid", sub.LastBid.StringFixed(2))
	return fmt.Sprintf("🔔 You are now following lot %s of auction %s at %s. You will be pinged when the bid goes up.",
		a.LotID, a.AuctionID, formatBid(sub.LastBid))
}

func (h *Handler) unfollow(ctx context.Context, logger *slog.Logger, userID string, a Action) string {
	if err := h.Store.Remove(ctx, a.AuctionID, a.LotID, userID); err != nil {
		logger.Error("Failed to remove subscription", "error", err)
		return "⚠️ Could not remove your subscription, please try again."
	}
	logger.Info("Lot unfollowed")
	return fmt.Sprintf("🔕 You no longer follow lot %s of auction %s.", a.LotID, a.AuctionID)
}

func (h *Handler) respond(ctx context.Context, logger *slog.Logger, i *discordgo.Interaction, text string) {
	err := h.Session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text, Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
	if err != nil {
		logger.Warn("Failed to respond to interaction", "error", err)
	}
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}
