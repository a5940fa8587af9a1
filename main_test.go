package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"veilingmeester-bot/config"
	"veilingmeester-bot/pkg/veiling"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
		check  func(t *testing.T, out string)
	}{
		{
			name:   "json",
			format: "json",
			check: func(t *testing.T, out string) {
				var entry map[string]any
				if err := json.Unmarshal([]byte(out), &entry); err != nil {
					t.Fatalf("output is not JSON: %v: %q", err, out)
				}
				if entry["msg"] != "hello" || entry["lot_id"] != "7" {
					t.Errorf("entry = %v", entry)
				}
			},
		},
		{
			name:   "text",
			format: "text",
			check: func(t *testing.T, out string) {
				if !strings.Contains(out, "msg=hello") || !strings.Contains(out, "lot_id=7") {
					t.Errorf("output = %q", out)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(&config.Config{LogFormat: tt.format, LogLevel: slog.LevelInfo}, &buf)
			logger.Debug("hidden")
			logger.Info("hello", "lot_id", "7")
			tt.check(t, strings.TrimSpace(buf.String()))
		})
	}
}

func TestOpenStoreLocal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "subs")
	cfg := &config.Config{StoreBackend: config.BackendLocal, LocalStorage: dir}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	store, closeStore, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	defer closeStore()

	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("storage directory not created: %v", err)
	}

	ctx := context.Background()
	sub := veiling.Subscription{AuctionID: "1", LotID: "2", SubscriberID: "42", LastBid: decimal.NewFromInt(10)}
	if err := store.Upsert(ctx, sub); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	lots, err := store.TrackedLots(ctx)
	if err != nil {
		t.Fatalf("TrackedLots() error = %v", err)
	}
	if len(lots) != 1 || lots[0].AuctionID != "1" || lots[0].LotID != "2" {
		t.Errorf("TrackedLots() = %+v", lots)
	}
}
