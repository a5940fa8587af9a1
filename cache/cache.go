// Package cache keeps recently fetched OVM snapshots in Redis so repeated
// links to the same lot within a short window do not hit the remote API.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"veilingmeester-bot/pkg/veiling"
)

const keyPrefix = "listing:ovm:"

// Fetcher is the lookup being cached.
type Fetcher interface {
	Fetch(ctx context.Context, auctionID, lotID string) (*veiling.Snapshot, error)
}

// backend is the subset of Redis the cache needs.
type backend interface {
	get(ctx context.Context, key string) ([]byte, error) // nil, nil on miss
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type redisBackend struct {
	client redis.Cmdable
}

func (r redisBackend) get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return data, err
}

func (r redisBackend) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Cached is a read-through cache in front of a Fetcher. Errors from the
// underlying fetcher are never cached, and a broken cache only costs a
// remote round trip.
type Cached struct {
	next   Fetcher
	store  backend
	ttl    time.Duration
	logger *slog.Logger
}

// NewClient opens a Redis client and checks that it answers.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return client, nil
}

// New wraps next with a Redis cache whose entries live for ttl.
func New(next Fetcher, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *Cached {
	return newCached(next, redisBackend{client: client}, ttl, logger)
}

func newCached(next Fetcher, store backend, ttl time.Duration, logger *slog.Logger) *Cached {
	return &Cached{next: next, store: store, ttl: ttl, logger: logger}
}

// Key is the Redis key of a lot.
func Key(auctionID, lotID string) string {
	return keyPrefix + auctionID + ":" + lotID
}

// Fetch returns the cached snapshot when present, otherwise fetches and
// stores it.
func (c *Cached) Fetch(ctx context.Context, auctionID, lotID string) (*veiling.Snapshot, error) {
	key := Key(auctionID, lotID)

	data, err := c.store.get(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn("Cache read failed, fetching directly", "key", key, "error", err)
	case data != nil:
		var snap veiling.Snapshot
		if err := json.Unmarshal(data, &snap); err == nil {
			c.logger.Debug("Cache hit", "key", key)
			return &snap, nil
		}
		c.logger.Warn("Discarding undecodable cache entry", "key", key)
	}

	snap, err := c.next.Fetch(ctx, auctionID, lotID)
	if err != nil {
		return nil, err
	}

	data, err = json.Marshal(snap)
	if err != nil {
		c.logger.Warn("Failed to encode snapshot for cache", "key", key, "error", err)
		return snap, nil
	}
	if err := c.store.set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("Cache write failed", "key", key, "error", err)
	}
	return snap, nil
}
