// Package bot routes Discord messages and button clicks to the listing
// fetchers, the subscription store and the poller.
package bot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"veilingmeester-bot/collage"
	"veilingmeester-bot/poll"
	"veilingmeester-bot/pkg/veiling"
	"veilingmeester-bot/scraper"
)

const (
	reactWorking = "⏳"
	reactDone    = "✅"
	reactFailed  = "❌"

	msgRemoteFailed = "❌ Failed to retrieve auction data."
	msgMalformed    = "⚠️ Error fetching auction details."
	msgGeneric      = "⚠️ Something went wrong while processing your message."
)

// Session is the part of a Discord session the handler talks to.
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// LotFetcher fetches OVM lots.
type LotFetcher interface {
	Fetch(ctx context.Context, auctionID, lotID string) (*veiling.Snapshot, error)
}

// CodeFetcher fetches DRZ lots by catalogue code.
type CodeFetcher interface {
	Fetch(ctx context.Context, code string) (*veiling.Snapshot, error)
}

// Store is the subscription persistence used by buttons and commands.
type Store interface {
	Upsert(ctx context.Context, sub veiling.Subscription) error
	Remove(ctx context.Context, auctionID, lotID, subscriberID string) error
	BySubscriber(ctx context.Context, subscriberID string) ([]veiling.Subscription, error)
}

// Poller runs a tick on demand.
type Poller interface {
	CheckAll(ctx context.Context) (poll.Report, error)
}

// Renderer composes listing photos into one image.
type Renderer interface {
	Render(ctx context.Context, urls []string) ([]byte, error)
}

// Summarizer writes a short summary of a listing.
type Summarizer interface {
	Summarize(ctx context.Context, snap *veiling.Snapshot) (string, error)
}

// Deps are the collaborators of a Handler. Renderer and Summarizer may be nil.
// OVM may serve cached snapshots; LiveOVM, when set, is used where the bid
// must be current.
type Deps struct {
	Session     Session
	OVM         LotFetcher
	LiveOVM     LotFetcher
	DRZ         CodeFetcher
	Store       Store
	Poller      Poller
	Renderer    Renderer
	Summarizer  Summarizer
	ListingURL  func(auctionID, lotID string) string
	AdminRoleID string
	Timeout     time.Duration // budget for handling one message
}

// Handler is the application context shared by all event handlers.
type Handler struct {
	Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates a handler.
func New(deps Deps, logger *slog.Logger) *Handler {
	if deps.Timeout <= 0 {
		deps.Timeout = time.Minute
	}
	if deps.LiveOVM == nil {
		deps.LiveOVM = deps.OVM
	}
	return &Handler{
		Deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// Register attaches the handler to a session. Events are handled under ctx.
func (h *Handler) Register(ctx context.Context, s *discordgo.Session) {
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		h.HandleMessage(ctx, m.Message)
	})
	s.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		h.HandleInteraction(ctx, i.Interaction)
	})
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		h.logger.Info("Connected to Discord", "user", r.User.Username, "guilds", len(r.Guilds))
	})
}

// HandleMessage dispatches a chat message to the link handlers or commands.
func (h *Handler) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if link, ok := scraper.ParseLink(m.Content); ok {
		h.handleLink(ctx, m, link)
		return
	}
	if strings.HasPrefix(m.Content, commandPrefix) {
		h.handleCommand(ctx, m)
	}
}

func (h *Handler) handleLink(parent context.Context, m *discordgo.Message, link scraper.Link) {
	start := h.now()
	logger := h.logger.With(
		"request_id", uuid.NewString(),
		"channel_id", m.ChannelID,
		"message_id", m.ID,
		"source", link.Source,
		"auction_id", link.AuctionID,
		"lot_id", link.LotID)
	logger.Info("Listing link received", "author_id", m.Author.ID)

	h.react(parent, logger, m, reactWorking)

	ctx, cancel := context.WithTimeout(parent, h.Timeout)
	err := h.postListing(ctx, logger, m, link, start)
	cancel()

	h.unreact(parent, logger, m, reactWorking)
	if err != nil {
		logger.Error("Listing request failed", "error", err, "duration_ms", h.now().Sub(start).Milliseconds())
		h.react(parent, logger, m, reactFailed)
		h.reply(parent, logger, m, userMessage(err))
		return
	}
	h.react(parent, logger, m, reactDone)
	logger.Info("Listing posted", "duration_ms", h.now().Sub(start).Milliseconds())
}

func (h *Handler) postListing(ctx context.Context, logger *slog.Logger, m *discordgo.Message, link scraper.Link, start time.Time) error {
	fetched, err := veiling.Time(func() (*veiling.Snapshot, error) {
		if link.Source == veiling.SourceDRZ {
			return h.DRZ.Fetch(ctx, link.LotID)
		}
		return h.OVM.Fetch(ctx, link.AuctionID, link.LotID)
	})
	if err != nil {
		return err
	}
	snap := fetched.Value
	logger.Info("Listing fetched", "title", snap.Title, "fetch_ms", fetched.Elapsed.Milliseconds())

	var preview []byte
	var aiSummary string
	var g errgroup.Group
	if h.Renderer != nil && len(snap.ImageURLs) > 0 {
		g.Go(func() error {
			png, err := h.Renderer.Render(ctx, snap.ImageURLs)
			if err != nil {
				logger.Warn("Collage unavailable", "error", err)
				return nil
			}
			preview = png
			return nil
		})
	}
	if h.Summarizer != nil {
		g.Go(func() error {
			text, err := h.Summarizer.Summarize(ctx, snap)
			if err != nil {
				logger.Warn("AI summary unavailable", "error", err)
				return nil
			}
			aiSummary = text
			return nil
		})
	}
	_ = g.Wait() // enrichment is best effort

	send := BuildListing(snap, ListingExtras{
		Summary:    aiSummary,
		HasPreview: preview != nil,
		Elapsed:    h.now().Sub(start),
		Now:        h.now(),
	})
	if preview != nil {
		send.Files = []*discordgo.File{{
			Name:        collage.Filename,
			ContentType: "image/png",
			Reader:      bytes.NewReader(preview),
		}}
	}
	send.Reference = m.SoftReference()
	send.AllowedMentions = &discordgo.MessageAllowedMentions{}

	if _, err := h.Session.ChannelMessageSendComplex(m.ChannelID, send, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send listing: %w", err)
	}
	return nil
}

// userMessage maps an error to the short text shown in the channel.
func userMessage(err error) string {
	switch {
	case veiling.IsRemoteUnavailable(err):
		return msgRemoteFailed
	case veiling.IsMalformed(err):
		return msgMalformed
	default:
		return msgGeneric
	}
}

func (h *Handler) react(ctx context.Context, logger *slog.Logger, m *discordgo.Message, emoji string) {
	if err := h.Session.MessageReactionAdd(m.ChannelID, m.ID, emoji, discordgo.WithContext(ctx)); err != nil {
		logger.Warn("Failed to add reaction", "emoji", emoji, "error", err)
	}
}

func (h *Handler) unreact(ctx context.Context, logger *slog.Logger, m *discordgo.Message, emoji string) {
	if err := h.Session.MessageReactionRemove(m.ChannelID, m.ID, emoji, "@me", discordgo.WithContext(ctx)); err != nil {
		logger.Warn("Failed to remove reaction", "emoji", emoji, "error", err)
	}
}

func (h *Handler) reply(ctx context.Context, logger *slog.Logger, m *discordgo.Message, text string) {
	_, err := h.Session.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
		Content:         text,
		Reference:       m.SoftReference(),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	if err != nil {
		logger.Warn("Failed to send reply", "error", err)
	}
}

func formatBid(d decimal.Decimal) string {
	return veiling.FormatEuro(d)
}
