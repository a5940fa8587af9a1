package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/codeGROOVE-dev/retry"
)

// Session is the part of a Discord session the provider uses.
type Session interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordProvider posts messages through a bot session.
type DiscordProvider struct {
	session Session
	logger  *slog.Logger
	delay   time.Duration
}

// NewDiscordProvider creates a provider on an open session.
func NewDiscordProvider(session Session, logger *slog.Logger) *DiscordProvider {
	return &DiscordProvider{
		session: session,
		logger:  logger,
		delay:   time.Second,
	}
}

// Send resolves the channel and posts msg, retrying transient failures.
func (d *DiscordProvider) Send(ctx context.Context, channelID string, msg *Message) error {
	ch, err := d.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("resolve channel %s: %w", channelID, err)
	}

	data := &discordgo.MessageSend{
		Content: msg.Content,
		Embeds:  []*discordgo.MessageEmbed{msg.Embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Users: msg.Mentions,
		},
	}

	err = retry.Do(
		func() error {
			d.logger.Info("Discord API request starting",
				"method", "POST",
				"endpoint", "channels.messages",
				"channel_id", ch.ID)

			startTime := time.Now()
			_, err := d.session.ChannelMessageSendComplex(ch.ID, data, discordgo.WithContext(ctx))
			duration := time.Since(startTime)

			if err != nil {
				d.logger.Warn("Discord API send failed",
					"channel_id", ch.ID,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				if permanent(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}

			d.logger.Info("Discord API request completed",
				"endpoint", "channels.messages",
				"channel_id", ch.ID,
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(d.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(d.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Info("Retrying Discord send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}

// permanent reports client errors that a retry cannot fix.
func permanent(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	code := restErr.Response.StatusCode
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
