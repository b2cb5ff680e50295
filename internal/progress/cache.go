// Package progress accumulates review events for LMS decks and uploads them
// in batches. Events are kept until the server acknowledges them, so a
// failed upload loses nothing and a retried one double-counts nothing.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huyvng/decksync/internal/api"
	"github.com/huyvng/decksync/internal/domain"
)

// Flush triggers. A flush attempt fires when the cache holds
// flushCountThreshold events or the oldest pending event is older than
// flushAgeThreshold.
const (
	flushCountThreshold = 50
	flushAgeThreshold   = 10 * time.Minute
)

// State is the cache lifecycle.
type State int

const (
	// Idle means no unflushed events exist.
	Idle State = iota
	// Accumulating means events are pending upload.
	Accumulating
	// Flushing means an upload attempt is in progress.
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	}
	return "unknown"
}

// Store is the persistence the cache needs.
type Store interface {
	FindDeckMapping(deckName string) (int64, bool, error)
	InsertReview(ev domain.ReviewEvent) error
	GetPendingReviews() ([]domain.ReviewEvent, error)
	DeleteReviews(eventIDs []string) error
	PendingReviewCount() (int, error)
	PendingReviewCountsByDeck() (map[int64]int, error)
	OldestPendingReview() (time.Time, bool, error)
}

// Uploader submits one deck's batch to the LMS.
type Uploader interface {
	SubmitProgress(ctx context.Context, lmsDeckID int64, events []domain.ReviewEvent) (*api.ProgressResult, error)
}

// Cache is the progress cache and uploader.
type Cache struct {
	store    Store
	uploader Uploader

	mu    sync.Mutex
	state State

	now func() time.Time
}

// NewCache creates a cache over the given store and uploader. The initial
// state reflects whatever events survived the last shutdown.
func NewCache(store Store, uploader Uploader) (*Cache, error) {
	c := &Cache{
		store:    store,
		uploader: uploader,
		now:      time.Now,
	}
	count, err := store.PendingReviewCount()
	if err != nil {
		return nil, err
	}
	if count > 0 {
		c.state = Accumulating
	}
	return c, nil
}

// State reports the cache lifecycle state.
func (c *Cache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Record caches one review. Decks without an LMS mapping are filtered out
// here: their events never enter the cache. The first result reports whether
// a flush is now due, so the count threshold fires before the next event can
// be recorded; the second reports whether the event was kept at all.
func (c *Cache) Record(deckName, cardID string, ease int, timeMS int64) (flushDue, tracked bool, err error) {
	if ease < int(domain.EaseAgain) || ease > int(domain.EaseEasy) {
		return false, false, fmt.Errorf("invalid ease %d", ease)
	}

	lmsDeckID, ok, err := c.store.FindDeckMapping(deckName)
	if err != nil {
		return false, false, err
	}
	if !ok {
		// Not an LMS deck, ignore.
		return false, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ev := domain.ReviewEvent{
		EventID:    uuid.NewString(),
		LMSDeckID:  lmsDeckID,
		CardID:     cardID,
		Ease:       ease,
		TimeMS:     timeMS,
		RecordedAt: c.now(),
	}
	if err := c.store.InsertReview(ev); err != nil {
		return false, false, err
	}
	if c.state == Idle {
		c.state = Accumulating
	}

	count, err := c.store.PendingReviewCount()
	if err != nil {
		return false, true, err
	}
	return count >= flushCountThreshold, true, nil
}

// Tick checks the flush thresholds. It is driven by the host's event loop;
// the cache runs no timer of its own.
func (c *Cache) Tick() (flushDue bool, err error) {
	count, err := c.store.PendingReviewCount()
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	if count >= flushCountThreshold {
		return true, nil
	}
	oldest, ok, err := c.store.OldestPendingReview()
	if err != nil {
		return false, err
	}
	return ok && c.now().Sub(oldest) >= flushAgeThreshold, nil
}

// Flush uploads all pending events, one batch per deck. A deck's events are
// deleted from the cache only after that deck's batch is acknowledged; on
// failure they stay put for the next attempt. Returns the number of events
// the server acknowledged.
func (c *Cache) Flush(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.state == Flushing {
		c.mu.Unlock()
		return 0, nil
	}
	c.state = Flushing
	c.mu.Unlock()

	synced, err := c.flush(ctx)

	c.mu.Lock()
	remaining, countErr := c.store.PendingReviewCount()
	if countErr == nil && remaining == 0 {
		c.state = Idle
	} else {
		c.state = Accumulating
	}
	c.mu.Unlock()

	return synced, err
}

func (c *Cache) flush(ctx context.Context) (int, error) {
	pending, err := c.store.GetPendingReviews()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// Group by deck, preserving recording order within each batch.
	batches := make(map[int64][]domain.ReviewEvent)
	var deckOrder []int64
	for _, ev := range pending {
		if _, seen := batches[ev.LMSDeckID]; !seen {
			deckOrder = append(deckOrder, ev.LMSDeckID)
		}
		batches[ev.LMSDeckID] = append(batches[ev.LMSDeckID], ev)
	}

	var synced int
	var errs []error
	for _, deckID := range deckOrder {
		batch := batches[deckID]
		result, err := c.uploader.SubmitProgress(ctx, deckID, batch)
		if err != nil {
			// Keep the batch; the next trigger retries it with the
			// same event ids.
			slog.Warn("progress upload failed", "lms_deck_id", deckID, "events", len(batch), "error", err)
			errs = append(errs, err)
			continue
		}

		ids := make([]string, len(batch))
		for i, ev := range batch {
			ids[i] = ev.EventID
		}
		if err := c.store.DeleteReviews(ids); err != nil {
			return synced, err
		}
		synced += result.SyncedCount
		slog.Info("progress uploaded", "lms_deck_id", deckID, "events", len(batch), "acknowledged", result.SyncedCount)
	}
	return synced, errors.Join(errs...)
}

// Stats describes the pending cache for the status view.
type Stats struct {
	State   string        `json:"state"`
	Total   int           `json:"total"`
	ByDeck  map[int64]int `json:"by_deck"`
	OldestS *int64        `json:"oldest_age_seconds,omitempty"`
}

// Stats summarizes the pending cache.
func (c *Cache) Stats() (Stats, error) {
	total, err := c.store.PendingReviewCount()
	if err != nil {
		return Stats{}, err
	}
	byDeck, err := c.store.PendingReviewCountsByDeck()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		State:  c.State().String(),
		Total:  total,
		ByDeck: byDeck,
	}
	if oldest, ok, err := c.store.OldestPendingReview(); err != nil {
		return Stats{}, err
	} else if ok {
		age := int64(c.now().Sub(oldest).Seconds())
		stats.OldestS = &age
	}
	return stats, nil
}
