package notify

import (
	"context"
	"log/slog"
)

// LogProvider logs notifications instead of sending them.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a dry-run provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (l *LogProvider) Send(ctx context.Context, channelID string, msg *Message) error {
	l.logger.Info("DRY RUN NOTIFICATION",
		"channel_id", channelID,
		"content", msg.Content,
		"title", msg.Embed.Title,
		"fields", len(msg.Embed.Fields))
	return nil
}
