package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"veilingmeester-bot/pkg/veiling"
)

// Postgres stores subscriptions in a single tracked_lots table. Each
// operation is one SQL statement.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	table  string
}

// OpenPool connects to Postgres with a bounded pool.
func OpenPool(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// NewPostgres creates a store on the tracked_lots table in schema.
func NewPostgres(pool *pgxpool.Pool, schema string, logger *slog.Logger) *Postgres {
	if schema == "" {
		schema = "public"
	}
	return &Postgres{
		pool:   pool,
		logger: logger,
		table:  pgx.Identifier{schema, "tracked_lots"}.Sanitize(),
	}
}

// Migrate creates the table if it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+p.table+` (
		auction_id    TEXT NOT NULL,
		lot_id        TEXT NOT NULL,
		last_bid      NUMERIC(14,2) NOT NULL CHECK (last_bid >= 0),
		subscriber_id TEXT NOT NULL,
		PRIMARY KEY (auction_id, lot_id, subscriber_id)
	)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", p.table, err)
	}
	return nil
}

// Upsert inserts or replaces a subscriber's row for a lot.
func (p *Postgres) Upsert(ctx context.Context, sub veiling.Subscription) error {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO `+p.table+` (auction_id, lot_id, last_bid, subscriber_id)
		VALUES ($1, $2, CAST($3::text AS NUMERIC), $4)
		ON CONFLICT (auction_id, lot_id, subscriber_id) DO UPDATE SET last_bid = EXCLUDED.last_bid`,
		sub.AuctionID, sub.LotID, sub.LastBid.StringFixed(2), sub.SubscriberID)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	p.logger.Debug("Subscription upserted",
		"auction_id", sub.AuctionID,
		"lot_id", sub.LotID,
		"subscriber_id", sub.SubscriberID,
		"rows", tag.RowsAffected())
	return nil
}

// Remove deletes a subscriber's row; absent rows are not an error.
func (p *Postgres) Remove(ctx context.Context, auctionID, lotID, subscriberID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM `+p.table+` WHERE auction_id = $1 AND lot_id = $2 AND subscriber_id = $3`,
		auctionID, lotID, subscriberID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	p.logger.Debug("Subscription removed",
		"auction_id", auctionID,
		"lot_id", lotID,
		"subscriber_id", subscriberID,
		"rows", tag.RowsAffected())
	return nil
}

// AdvanceBid sets last_bid on every row of the lot.
func (p *Postgres) AdvanceBid(ctx context.Context, auctionID, lotID string, bid decimal.Decimal) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE `+p.table+` SET last_bid = CAST($3::text AS NUMERIC) WHERE auction_id = $1 AND lot_id = $2`,
		auctionID, lotID, bid.StringFixed(2))
	if err != nil {
		return fmt.Errorf("advance bid: %w", err)
	}
	p.logger.Debug("Bid advanced", "auction_id", auctionID, "lot_id", lotID, "bid", bid.StringFixed(2), "rows", tag.RowsAffected())
	return nil
}

// Subscribers lists the subscriber IDs of a lot in stable order.
func (p *Postgres) Subscribers(ctx context.Context, auctionID, lotID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT subscriber_id FROM `+p.table+` WHERE auction_id = $1 AND lot_id = $2 ORDER BY subscriber_id`,
		auctionID, lotID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan subscribers: %w", err)
	}
	return ids, nil
}

// TrackedLots returns every distinct lot with the lowest bid any of its
// subscribers has seen.
func (p *Postgres) TrackedLots(ctx context.Context) ([]veiling.TrackedLot, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT auction_id, lot_id, MIN(last_bid)::text FROM `+p.table+`
		GROUP BY auction_id, lot_id ORDER BY auction_id, lot_id`)
	if err != nil {
		return nil, fmt.Errorf("query tracked lots: %w", err)
	}
	defer rows.Close()

	var lots []veiling.TrackedLot
	for rows.Next() {
		var lot veiling.TrackedLot
		var bid string
		if err := rows.Scan(&lot.AuctionID, &lot.LotID, &bid); err != nil {
			return nil, fmt.Errorf("scan tracked lot: %w", err)
		}
		if lot.LastBid, err = decimal.NewFromString(bid); err != nil {
			return nil, fmt.Errorf("parse bid %q: %w", bid, err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked lots: %w", err)
	}
	return lots, nil
}

// BySubscriber lists all subscriptions held by one subscriber.
func (p *Postgres) BySubscriber(ctx context.Context, subscriberID string) ([]veiling.Subscription, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT auction_id, lot_id, last_bid::text FROM `+p.table+`
		WHERE subscriber_id = $1 ORDER BY auction_id, lot_id`,
		subscriberID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []veiling.Subscription
	for rows.Next() {
		sub := veiling.Subscription{SubscriberID: subscriberID}
		var bid string
		if err := rows.Scan(&sub.AuctionID, &sub.LotID, &bid); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if sub.LastBid, err = decimal.NewFromString(bid); err != nil {
			return nil, fmt.Errorf("parse bid %q: %w", bid, err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}
