// Package config loads the bot configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"veilingmeester-bot/pkg/veiling"
)

// Storage backends.
const (
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Config holds all bot configuration.
type Config struct {
	// Discord
	DiscordToken    string
	NotifyChannelID string
	AdminRoleID     string
	NotifyDryRun    bool

	// Poller
	PollInterval time.Duration
	PollWorkers  int

	// Remote sources
	OVMBaseURL       string
	DRZCatalogURL    string
	FetchTimeout     time.Duration
	ImageTimeout     time.Duration
	ImageConcurrency int

	// Storage
	StoreBackend          string
	PGDSN                 string
	PGSchema              string
	PGMaxConns            int
	LocalStorage          string
	StorageBucket         string
	GoogleCredentialsJSON string

	// Redis cache, disabled when RedisAddr is empty
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// AI summary, disabled when AIAPIKey is empty
	AIAPIKey  string
	AIBaseURL string
	AIModel   string
	AITimeout time.Duration

	// Operations
	Port      string // HTTP server disabled when empty
	LogLevel  slog.Level
	LogFormat string
}

// LookupFunc reads one variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadFromEnv loads envFile into the process environment when it exists,
// without overriding variables already set, and then parses the environment.
func LoadFromEnv(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: load %s: %w", veiling.ErrConfiguration, envFile, err)
		}
	}
	return Load(os.LookupEnv)
}

// Load parses and validates configuration. All problems are reported
// together, wrapped in veiling.ErrConfiguration.
func Load(lookup LookupFunc) (*Config, error) {
	p := parser{lookup: lookup}

	cfg := &Config{
		DiscordToken:    p.str("DISCORD_TOKEN", ""),
		NotifyChannelID: p.str("NOTIFY_CHANNEL_ID", ""),
		AdminRoleID:     p.str("ADMIN_ROLE_ID", ""),
		NotifyDryRun:    p.boolean("NOTIFY_DRY_RUN", false),

		PollInterval: p.duration("POLL_INTERVAL", 5*time.Minute),
		PollWorkers:  p.integer("POLL_WORKERS", 4),

		OVMBaseURL:       p.str("OVM_BASE_URL", "https://www.onlineveilingmeester.nl"),
		DRZCatalogURL:    p.str("DRZ_CATALOG_URL", "https://verkoop.domeinenrz.nl/verkoop_bij_inschrijving_2025-0009"),
		FetchTimeout:     p.duration("FETCH_TIMEOUT", 10*time.Second),
		ImageTimeout:     p.duration("IMAGE_TIMEOUT", 10*time.Second),
		ImageConcurrency: p.integer("IMAGE_CONCURRENCY", 3),

		StoreBackend:          strings.ToLower(p.str("STORE_BACKEND", "")),
		PGDSN:                 p.str("PG_DSN", ""),
		PGSchema:              p.str("PG_SCHEMA", "public"),
		PGMaxConns:            p.integer("PG_MAX_CONNS", 4),
		LocalStorage:          p.str("LOCAL_STORAGE", "./data"),
		StorageBucket:         p.str("STORAGE_BUCKET", ""),
		GoogleCredentialsJSON: p.str("GOOGLE_CREDENTIALS_JSON", ""),

		RedisAddr:     p.str("REDIS_ADDR", ""),
		RedisPassword: p.str("REDIS_PASSWORD", ""),
		RedisDB:       p.integer("REDIS_DB", 0),
		CacheTTL:      p.duration("CACHE_TTL", time.Minute),

		AIAPIKey:  p.str("AI_API_KEY", ""),
		AIBaseURL: p.str("AI_BASE_URL", "https://api.openai.com/v1"),
		AIModel:   p.str("AI_MODEL", "gpt-4o-mini"),
		AITimeout: p.duration("AI_TIMEOUT", 20*time.Second),

		Port:      p.str("PORT", ""),
		LogLevel:  p.level("LOG_LEVEL", slog.LevelInfo),
		LogFormat: strings.ToLower(p.str("LOG_FORMAT", "json")),
	}

	if cfg.DiscordToken == "" {
		if path := p.str("DISCORD_TOKEN_FILE", ""); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				p.fail("DISCORD_TOKEN_FILE: %w", err)
			}
			cfg.DiscordToken = strings.TrimSpace(string(data))
		}
	}

	// Without an explicit backend a bucket means GCS, a DSN means Postgres,
	// and anything else falls back to local files.
	if cfg.StoreBackend == "" {
		switch {
		case cfg.StorageBucket != "":
			cfg.StoreBackend = BackendGCS
		case cfg.PGDSN != "":
			cfg.StoreBackend = BackendPostgres
		default:
			cfg.StoreBackend = BackendLocal
		}
	}

	p.errs = append(p.errs, cfg.validate()...)
	if len(p.errs) > 0 {
		return nil, fmt.Errorf("%w: %w", veiling.ErrConfiguration, errors.Join(p.errs...))
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if c.DiscordToken == "" {
		errs = append(errs, errors.New("DISCORD_TOKEN or DISCORD_TOKEN_FILE is required"))
	}
	if c.NotifyChannelID == "" && !c.NotifyDryRun {
		errs = append(errs, errors.New("NOTIFY_CHANNEL_ID is required unless NOTIFY_DRY_RUN is set"))
	}

	switch c.StoreBackend {
	case BackendLocal:
		if c.LocalStorage == "" {
			errs = append(errs, errors.New("LOCAL_STORAGE must not be empty"))
		}
	case BackendGCS:
		if c.StorageBucket == "" {
			errs = append(errs, errors.New("STORAGE_BUCKET is required for the gcs backend"))
		}
	case BackendPostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("PG_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q: want local, gcs or postgres", c.StoreBackend))
	}

	for key, v := range map[string]time.Duration{
		"POLL_INTERVAL": c.PollInterval,
		"FETCH_TIMEOUT": c.FetchTimeout,
		"IMAGE_TIMEOUT": c.ImageTimeout,
		"CACHE_TTL":     c.CacheTTL,
		"AI_TIMEOUT":    c.AITimeout,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, v))
		}
	}
	for key, v := range map[string]int{
		"POLL_WORKERS":      c.PollWorkers,
		"IMAGE_CONCURRENCY": c.ImageConcurrency,
		"PG_MAX_CONNS":      c.PGMaxConns,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", key, v))
		}
	}
	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.RedisDB))
	}

	for key, raw := range map[string]string{
		"OVM_BASE_URL":    c.OVMBaseURL,
		"DRZ_CATALOG_URL": c.DRZCatalogURL,
		"AI_BASE_URL":     c.AIBaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an http(s) URL", key, raw))
		}
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q: want json or text", c.LogFormat))
	}
	if c.Port != "" {
		if n, err := strconv.Atoi(c.Port); err != nil || n < 0 || n > 65535 {
			errs = append(errs, fmt.Errorf("PORT %q is not a valid port", c.Port))
		}
	}
	return errs
}

// parser collects errors while reading typed values.
type parser struct {
	lookup LookupFunc
	errs   []error
}

func (p *parser) fail(format string, args ...any) {
	p.errs = append(p.errs, fmt.Errorf(format, args...))
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail("invalid %s: %w", key, err)
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail("invalid %s: %w", key, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail("invalid %s: %w", key, err)
		return def
	}
	return v
}

func (p *parser) level(key string, def slog.Level) slog.Level {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		p.fail("invalid %s: %w", key, err)
		return def
	}
	return lvl
}
