// Package main runs a Discord bot that summarises auction listings from
// onlineveilingmeester.nl and verkoop.domeinenrz.nl and notifies followers
// when the bid on a lot goes up.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"veilingmeester-bot/bot"
	"veilingmeester-bot/cache"
	"veilingmeester-bot/collage"
	"veilingmeester-bot/config"
	"veilingmeester-bot/notify"
	"veilingmeester-bot/poll"
	"veilingmeester-bot/scraper"
	"veilingmeester-bot/server"
	"veilingmeester-bot/storage"
	"veilingmeester-bot/summary"
)

// subscriptionStore is what the poller and the bot need from a backend.
type subscriptionStore interface {
	poll.Store
	bot.Store
}

func main() {
	cfg, err := config.LoadFromEnv(".env")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Bot stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("Bot stopped")
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	ovm := scraper.NewOVM(httpClient, cfg.OVMBaseURL, cfg.FetchTimeout, logger)
	drz, err := scraper.NewDRZ(httpClient, cfg.DRZCatalogURL, cfg.FetchTimeout, logger)
	if err != nil {
		return fmt.Errorf("create DRZ scraper: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// The interactive path may be served from cache; the poller never is.
	var lots bot.LotFetcher = ovm
	if cfg.RedisAddr != "" {
		rc, err := cache.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without listing cache", "error", err)
		} else {
			defer func() {
				if err := rc.Close(); err != nil {
					logger.Warn("Failed to close Redis client", "error", err)
				}
			}()
			lots = cache.New(ovm, rc, cfg.CacheTTL, logger)
			logger.Info("Listing cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL.String())
		}
	}

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent

	var provider notify.Provider = notify.NewDiscordProvider(session, logger)
	if cfg.NotifyDryRun {
		logger.Info("Dry-run notifications enabled, bid updates are only logged")
		provider = notify.NewLogProvider(logger)
	}
	monitor := poll.New(ovm, store, notify.New(provider, cfg.NotifyChannelID, logger), cfg.PollWorkers, logger)

	var summarizer bot.Summarizer
	if cfg.AIAPIKey != "" {
		summarizer = summary.New(cfg.AIAPIKey, cfg.AIBaseURL, cfg.AIModel, cfg.AITimeout, logger)
		logger.Info("AI summaries enabled", "model", cfg.AIModel)
	}

	handler := bot.New(bot.Deps{
		Session:     session,
		OVM:         lots,
		LiveOVM:     ovm,
		DRZ:         drz,
		Store:       store,
		Poller:      monitor,
		Renderer:    collage.New(&http.Client{}, cfg.ImageTimeout, cfg.ImageConcurrency, logger),
		Summarizer:  summarizer,
		ListingURL:  ovm.ListingURL,
		AdminRoleID: cfg.AdminRoleID,
	}, logger)
	handler.Register(ctx, session)

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("Failed to close discord session", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := monitor.Run(gctx, cfg.PollInterval); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.Port != "" {
		srv := server.New(monitor, logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Port)
		})
	}

	logger.Info("Bot running",
		"store", cfg.StoreBackend,
		"poll_interval", cfg.PollInterval.String(),
		"http_port", cfg.Port)
	return g.Wait()
}

// openStore builds the configured subscription backend. The returned func
// releases its resources.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (subscriptionStore, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := storage.OpenPool(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		pg := storage.NewPostgres(pool, cfg.PGSchema, logger)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("Using Postgres subscription store", "schema", cfg.PGSchema)
		return pg, pool.Close, nil

	case config.BackendGCS:
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("Using Cloud Storage subscription store", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local subscription store", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, logger), func() {}, nil
	}
}
