package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"

	"veilingmeester-bot/poll"
)

const (
	commandPrefix   = "!"
	maxTrackingRows = 25
)

const helpText = "**Veilingmeester bot**\n" +
	"Paste a link to an onlineveilingmeester.nl lot or a verkoop.domeinenrz.nl catalogue item and I will summarise it.\n" +
	"Use the 🔔 Follow button on an OVM card to get pinged when the bid goes up.\n\n" +
	"`!help` shows this message\n" +
	"`!tracking` lists the lots you follow\n" +
	"`!checknow` checks all followed lots right away (admins)"

func (h *Handler) handleCommand(ctx context.Context, m *discordgo.Message) {
	name, _, _ := strings.Cut(strings.TrimPrefix(strings.TrimSpace(m.Content), commandPrefix), " ")
	logger := h.logger.With("command", name, "author_id", m.Author.ID, "channel_id", m.ChannelID)

	var text string
	switch strings.ToLower(name) {
	case "help":
		text = helpText
	case "tracking":
		text = h.tracking(ctx, logger, m.Author.ID)
	case "checknow":
		text = h.checkNow(ctx, logger, m)
	default:
		return
	}
	logger.Info("Command handled")
	h.reply(ctx, logger, m, text)
}

func (h *Handler) tracking(ctx context.Context, logger *slog.Logger, userID string) string {
	subs, err := h.Store.BySubscriber(ctx, userID)
	if err != nil {
		logger.Error("Failed to list subscriptions", "error", err)
		return msgGeneric
	}
	if len(subs) == 0 {
		return "You are not following any lots."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**You follow %d lot(s):**\n", len(subs))
	for i, sub := range subs {
		if i == maxTrackingRows {
			fmt.Fprintf(&b, "…and %d more", len(subs)-maxTrackingRows)
			break
		}
		label := fmt.Sprintf("Auction %s, lot %s", sub.AuctionID, sub.LotID)
		if h.ListingURL != nil {
			label = fmt.Sprintf("[%s](<%s>)", label, h.ListingURL(sub.AuctionID, sub.LotID))
		}
		fmt.Fprintf(&b, "• %s, last seen bid %s\n", label, formatBid(sub.LastBid))
	}
	return strings.TrimSpace(b.String())
}

func (h *Handler) checkNow(ctx context.Context, logger *slog.Logger, m *discordgo.Message) string {
	if !h.isAdmin(m) {
		logger.Warn("Restricted command refused")
		return "⛔ This command is restricted to admins."
	}

	report, err := h.Poller.CheckAll(ctx)
	switch {
	case errors.Is(err, poll.ErrTickInProgress):
		return "⏳ A check is already running, try again in a moment."
	case err != nil:
		logger.Error("Manual check failed", "error", err)
		return "⚠️ The check failed, see the logs for details."
	}
	return fmt.Sprintf("✅ Checked %d of %d lots: %d changed, %d notified, %d failed.",
		report.Checked, report.Lots, report.Changed, report.Notified, report.Failed)
}

// isAdmin allows everyone when no admin role is configured.
func (h *Handler) isAdmin(m *discordgo.Message) bool {
	if h.AdminRoleID == "" {
		return true
	}
	return m.Member != nil && slices.Contains(m.Member.Roles, h.AdminRoleID)
}
