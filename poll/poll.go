// Package poll re-checks tracked lots and notifies subscribers of bid increases.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"veilingmeester-bot/pkg/veiling"
)

// ErrTickInProgress is returned when a tick is requested while another runs.
var ErrTickInProgress = errors.New("poll tick already in progress")

// Fetcher retrieves the current state of a lot.
type Fetcher interface {
	Fetch(ctx context.Context, auctionID, lotID string) (*veiling.Snapshot, error)
}

// Store is the subscription persistence the poller reads and advances.
type Store interface {
	TrackedLots(ctx context.Context) ([]veiling.TrackedLot, error)
	Subscribers(ctx context.Context, auctionID, lotID string) ([]string, error)
	AdvanceBid(ctx context.Context, auctionID, lotID string, bid decimal.Decimal) error
}

// Notifier delivers a bid-increase message.
type Notifier interface {
	Notify(ctx context.Context, snap *veiling.Snapshot, previous decimal.Decimal, subscribers []string) error
}

// Report summarises one tick.
type Report struct {
	TickID   string
	Lots     int // tracked lots at tick start
	Checked  int // fetched successfully
	Failed   int // fetch or store errors
	Changed  int // lots whose bid went up
	Notified int // change notifications delivered
	Duration time.Duration
}

// Monitor runs ticks over all tracked lots.
type Monitor struct {
	fetcher  Fetcher
	store    Store
	notifier Notifier
	logger   *slog.Logger
	workers  int
	running  sync.Mutex
}

// New creates a new poll monitor. workers bounds concurrent lot checks.
func New(fetcher Fetcher, store Store, notifier Notifier, workers int, logger *slog.Logger) *Monitor {
	if workers < 1 {
		workers = 1
	}
	return &Monitor{
		fetcher:  fetcher,
		store:    store,
		notifier: notifier,
		logger:   logger,
		workers:  workers,
	}
}

// Run ticks immediately and then again interval after each tick completes,
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	m.logger.Info("Poller started", "interval", interval.String(), "workers", m.workers)
	for {
		if _, err := m.CheckAll(ctx); err != nil {
			switch {
			case errors.Is(err, ErrTickInProgress):
				m.logger.Info("Scheduled tick skipped, manual tick running")
			case ctx.Err() != nil:
			default:
				m.logger.Error("Poll tick failed", "error", err)
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Poller stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CheckAll runs one tick. Per-lot failures are logged and counted; only a
// failure to list tracked lots fails the tick as a whole.
func (m *Monitor) CheckAll(ctx context.Context) (Report, error) {
	if !m.running.TryLock() {
		return Report{}, ErrTickInProgress
	}
	defer m.running.Unlock()

	start := time.Now()
	report := Report{TickID: uuid.NewString()}
	logger := m.logger.With("tick_id", report.TickID)

	lots, err := m.store.TrackedLots(ctx)
	if err != nil {
		return report, fmt.Errorf("list tracked lots: %w", err)
	}
	report.Lots = len(lots)
	logger.Info("Checking tracked lots", "count", len(lots), "timestamp", start.Format(time.RFC3339))

	var checked, failed, changed, notified atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.workers)
	for _, lot := range lots {
		if ctx.Err() != nil {
			logger.Info("Context cancelled, stopping poll check", "error", ctx.Err())
			break
		}
		g.Go(func() error {
			switch m.checkLot(ctx, logger, lot) {
			case outcomeFailed:
				failed.Add(1)
				return nil
			case outcomeUnchanged:
			case outcomeChanged:
				changed.Add(1)
			case outcomeNotified:
				changed.Add(1)
				notified.Add(1)
			}
			checked.Add(1)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	report.Checked = int(checked.Load())
	report.Failed = int(failed.Load())
	report.Changed = int(changed.Load())
	report.Notified = int(notified.Load())
	report.Duration = time.Since(start)

	logger.Info("Tracked lot check completed",
		"lots", report.Lots,
		"checked", report.Checked,
		"failed", report.Failed,
		"changed", report.Changed,
		"notified", report.Notified,
		"duration_ms", report.Duration.Milliseconds())

	return report, ctx.Err()
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeUnchanged
	outcomeChanged  // bid went up, notification not delivered
	outcomeNotified // bid went up and subscribers were told
)

func (m *Monitor) checkLot(ctx context.Context, logger *slog.Logger, lot veiling.TrackedLot) outcome {
	logger = logger.With("auction_id", lot.AuctionID, "lot_id", lot.LotID)

	snap, err := m.fetcher.Fetch(ctx, lot.AuctionID, lot.LotID)
	if err != nil {
		logger.Warn("Lot fetch failed", "error", err)
		return outcomeFailed
	}

	// Stored bids are kept in cents, so compare in cents too.
	bid := snap.CurrentBid.Round(2)
	if !bid.GreaterThan(lot.LastBid) {
		logger.Debug("No bid increase", "bid", bid.StringFixed(2), "last_bid", lot.LastBid.StringFixed(2))
		return outcomeUnchanged
	}
	snap.CurrentBid = bid

	logger.Info("Bid increase detected",
		"previous", lot.LastBid.StringFixed(2),
		"bid", bid.StringFixed(2))

	subs, err := m.store.Subscribers(ctx, lot.AuctionID, lot.LotID)
	if err != nil {
		logger.Warn("Failed to list subscribers", "error", err)
		return outcomeFailed
	}
	if len(subs) == 0 {
		logger.Info("Lot has no subscribers left, skipping")
		return outcomeChanged
	}

	result := outcomeNotified
	if err := m.notifier.Notify(ctx, snap, lot.LastBid, subs); err != nil {
		// The increment is still recorded below; this notification is lost.
		logger.Error("Failed to deliver bid notification", "subscribers", len(subs), "error", err)
		result = outcomeChanged
	}

	if err := m.store.AdvanceBid(ctx, lot.AuctionID, lot.LotID, bid); err != nil {
		logger.Error("Failed to advance stored bid", "bid", bid.StringFixed(2), "error", err)
		return outcomeFailed
	}
	return result
}
