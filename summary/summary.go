// Package summary asks an OpenAI-compatible chat completions API for a short
// plain-language summary of a listing.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"veilingmeester-bot/pkg/veiling"
)

// MaxLength is the longest summary returned, in runes. It matches the
// Discord embed field limit.
const MaxLength = 1024

const systemPrompt = "You summarise second-hand auction lots for bidders. " +
	"Answer in at most four short sentences in English. " +
	"Mention condition, notable defects and what the lot is useful for. Do not invent facts."

// Client talks to a chat completions endpoint.
type Client struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
	delay   time.Duration
}

// New creates a summary client. baseURL is the API root, for example
// https://api.openai.com/v1.
func New(apiKey, baseURL, model string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		delay:   time.Second,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Summarize returns a short summary of the snapshot.
func (c *Client) Summarize(ctx context.Context, snap *veiling.Snapshot) (string, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(snap)},
		},
		MaxTokens:   300,
		Temperature: 0.2,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL + "/chat/completions"
	var text string
	err = retry.Do(
		func() error {
			c.logger.Info("AI API request starting",
				"method", "POST",
				"endpoint", "chat/completions",
				"model", c.model,
				"lot_id", snap.LotID)

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+c.apiKey)

			resp, err := c.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("AI API request failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return fmt.Errorf("%w: %w", veiling.ErrRemoteUnavailable, err)
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				statusErr := &veiling.HTTPStatusError{URL: endpoint, StatusCode: resp.StatusCode}
				if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
					c.logger.Warn("AI API rejected request", "status_code", resp.StatusCode)
					return retry.Unrecoverable(statusErr)
				}
				c.logger.Warn("AI API returned non-2xx status, will retry", "status_code", resp.StatusCode)
				return statusErr
			}

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			var out chatResponse
			if err := json.Unmarshal(body, &out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("%w: %w", veiling.ErrMalformedResponse, err))
			}
			if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
				return retry.Unrecoverable(fmt.Errorf("%w: empty completion", veiling.ErrMalformedResponse))
			}
			text = out.Choices[0].Message.Content

			c.logger.Info("AI API request completed",
				"endpoint", "chat/completions",
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(c.delay),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying AI summary after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("summarize lot %s: %w", snap.LotID, err)
	}
	return Truncate(strings.TrimSpace(text), MaxLength), nil
}

// Prompt renders the listing facts the model is allowed to use.
func Prompt(snap *veiling.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", snap.Title)
	if snap.HasCosts {
		fmt.Fprintf(&b, "Current bid: %s (%d bids)\n", veiling.FormatEuro(snap.CurrentBid), snap.BidCount)
	}
	for _, kv := range [][2]string{
		{"Category", snap.Category},
		{"Condition", snap.Condition},
		{"Year", snap.Year},
		{"Brand", snap.Brand},
	} {
		if kv[1] != "" && kv[1] != veiling.Unknown {
			fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
		}
	}
	b.WriteString("Description:\n")
	b.WriteString(Truncate(snap.Description, 4000))
	return b.String()
}

// Truncate cuts s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
