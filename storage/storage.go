// Package storage handles persistence of lot subscriptions.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"veilingmeester-bot/pkg/veiling"
)

const keyPrefix = "lot-"

var idRegex = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)

// lotRecord is the document stored per tracked lot.
type lotRecord struct {
	UpdatedAt   time.Time                  `json:"updated_at"`
	AuctionID   string                     `json:"auction_id"`
	LotID       string                     `json:"lot_id"`
	Subscribers map[string]decimal.Decimal `json:"subscribers"` // subscriber ID -> last known bid
}

// Store keeps one JSON document per lot, either on the local filesystem or
// in a Cloud Storage bucket. Every operation is an atomic replace of that
// single document.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex // serialises local read-modify-write cycles
}

// New creates a new document store. A non-empty localPath selects local mode.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// LotKey generates the object name for a lot.
// Identifiers are validated to prevent path traversal; "" means invalid.
func LotKey(auctionID, lotID string) string {
	if !idRegex.MatchString(auctionID) || !idRegex.MatchString(lotID) {
		return ""
	}
	return fmt.Sprintf("%s%s-%s.json", keyPrefix, auctionID, lotID)
}

// Upsert inserts or replaces a subscriber's row for a lot.
func (s *Store) Upsert(ctx context.Context, sub veiling.Subscription) error {
	if !idRegex.MatchString(sub.SubscriberID) {
		return fmt.Errorf("invalid subscriber id %q", sub.SubscriberID)
	}
	if sub.LastBid.IsNegative() {
		return fmt.Errorf("negative bid %s", sub.LastBid)
	}
	return s.update(ctx, sub.AuctionID, sub.LotID, func(rec *lotRecord) bool {
		rec.Subscribers[sub.SubscriberID] = sub.LastBid.Round(2)
		return true
	})
}

// Remove deletes a subscriber's row; absent rows are not an error.
func (s *Store) Remove(ctx context.Context, auctionID, lotID, subscriberID string) error {
	return s.update(ctx, auctionID, lotID, func(rec *lotRecord) bool {
		if _, ok := rec.Subscribers[subscriberID]; !ok {
			return false
		}
		delete(rec.Subscribers, subscriberID)
		return true
	})
}

// AdvanceBid sets the last known bid of every subscriber of a lot.
func (s *Store) AdvanceBid(ctx context.Context, auctionID, lotID string, bid decimal.Decimal) error {
	return s.update(ctx, auctionID, lotID, func(rec *lotRecord) bool {
		for id := range rec.Subscribers {
			rec.Subscribers[id] = bid.Round(2)
		}
		return len(rec.Subscribers) > 0
	})
}

// Subscribers lists the subscriber IDs of a lot in stable order.
func (s *Store) Subscribers(ctx context.Context, auctionID, lotID string) ([]string, error) {
	key := LotKey(auctionID, lotID)
	if key == "" {
		return nil, fmt.Errorf("invalid lot identifier %q/%q", auctionID, lotID)
	}
	rec, _, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rec.Subscribers))
	for id := range rec.Subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// TrackedLots returns every lot with at least one subscriber, paired with the
// lowest bid any of its subscribers has seen.
func (s *Store) TrackedLots(ctx context.Context) ([]veiling.TrackedLot, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	lots := make([]veiling.TrackedLot, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Subscribers) == 0 {
			continue
		}
		lot := veiling.TrackedLot{AuctionID: rec.AuctionID, LotID: rec.LotID}
		first := true
		for _, bid := range rec.Subscribers {
			if first || bid.LessThan(lot.LastBid) {
				lot.LastBid = bid
				first = false
			}
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

// BySubscriber lists all subscriptions held by one subscriber.
func (s *Store) BySubscriber(ctx context.Context, subscriberID string) ([]veiling.Subscription, error) {
	recs, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var subs []veiling.Subscription
	for _, rec := range recs {
		if bid, ok := rec.Subscribers[subscriberID]; ok {
			subs = append(subs, veiling.Subscription{
				AuctionID:    rec.AuctionID,
				LotID:        rec.LotID,
				SubscriberID: subscriberID,
				LastBid:      bid,
			})
		}
	}
	return subs, nil
}

// update applies fn to the lot document and persists the result if fn
// reports a change. A document left without subscribers is deleted.
func (s *Store) update(ctx context.Context, auctionID, lotID string, fn func(rec *lotRecord) bool) error {
	key := LotKey(auctionID, lotID)
	if key == "" {
		return fmt.Errorf("invalid lot identifier %q/%q", auctionID, lotID)
	}

	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()

		rec, _, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		rec.AuctionID, rec.LotID = auctionID, lotID
		if !fn(rec) {
			return nil
		}
		return s.writeLocal(key, rec)
	}

	// Cloud Storage: compare-and-swap on the object generation, retried when
	// another writer got there first.
	err := retry.Do(
		func() error {
			rec, gen, err := s.load(ctx, key)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			rec.AuctionID, rec.LotID = auctionID, lotID
			if !fn(rec) {
				return nil
			}
			return s.writeBucket(ctx, key, rec, gen)
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying lot update after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("update after retries: %w", err)
	}
	return nil
}

func (s *Store) writeLocal(key string, rec *lotRecord) error {
	filePath := filepath.Join(s.localPath, key)
	if len(rec.Subscribers) == 0 {
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Lot document deleted from local storage", "path", filePath)
		return nil
	}

	rec.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lot: %w", err)
	}

	tmp, err := os.CreateTemp(s.localPath, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace lot document: %w", err)
	}

	s.logger.Debug("Lot saved to local storage", "path", filePath, "subscribers", len(rec.Subscribers))
	return nil
}

func (s *Store) writeBucket(ctx context.Context, key string, rec *lotRecord, gen int64) error {
	obj := s.client.Bucket(s.bucket).Object(key)
	cond := storage.Conditions{GenerationMatch: gen}
	if gen == 0 {
		cond = storage.Conditions{DoesNotExist: true}
	}

	if len(rec.Subscribers) == 0 {
		if gen == 0 {
			return nil
		}
		if err := obj.If(cond).Delete(ctx); err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return nil
			}
			return fmt.Errorf("delete from storage: %w", err)
		}
		s.logger.Info("Lot document deleted", "key", key)
		return nil
	}

	rec.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("marshal lot: %w", err))
	}

	w := obj.If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, writeErr := w.Write(data); writeErr != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", writeErr)
	}
	if closeErr := w.Close(); closeErr != nil {
		if isPreconditionFailed(closeErr) {
			s.logger.Info("Lot document changed concurrently", "key", key)
		}
		return fmt.Errorf("close storage writer: %w", closeErr)
	}

	s.logger.Debug("Lot saved", "key", key, "subscribers", len(rec.Subscribers))
	return nil
}

// load reads a lot document. A missing document is an empty record with
// generation 0.
func (s *Store) load(ctx context.Context, key string) (*lotRecord, int64, error) {
	var data []byte
	var gen int64

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return emptyRecord(), 0, nil
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				return emptyRecord(), 0, nil
			}
			return nil, 0, fmt.Errorf("open storage reader: %w", err)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()
		gen = r.Attrs.Generation
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, 0, fmt.Errorf("read from storage: %w", err)
		}
	}

	rec := emptyRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, 0, fmt.Errorf("unmarshal lot %s: %w", key, err)
	}
	if rec.Subscribers == nil {
		rec.Subscribers = make(map[string]decimal.Decimal)
	}
	return rec, gen, nil
}

// all loads every lot document. Unreadable documents are logged and skipped.
func (s *Store) all(ctx context.Context) ([]*lotRecord, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	recs := make([]*lotRecord, 0, len(keys))
	for _, key := range keys {
		rec, _, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load lot document", "key", key, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), keyPrefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}

func emptyRecord() *lotRecord {
	return &lotRecord{Subscribers: make(map[string]decimal.Decimal)}
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
