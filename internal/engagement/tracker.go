// Package engagement counts click interactions on delivered content.
//
// A click is identified by (user, delivery); recording the same pair twice
// has no effect, so callback retries and double-taps never inflate counts.
package engagement

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"heraldbot/internal/catalog"
	"heraldbot/internal/dispatch"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/storage"
)

// Resolver maps a delivery reference from a callback payload to its record.
type Resolver interface {
	Lookup(id string) (dispatch.Record, bool)
}

type Tracker struct {
	log   *slog.Logger
	bus   eventbus.Bus
	store storage.Store // optional persisted dedup
	res   Resolver

	mu      sync.Mutex
	seen    map[string]struct{}
	byDest  map[int64]int
	byCat   map[catalog.Category]int
	total   int
	unknown int
}

// Stats is a point-in-time aggregate view.
type Stats struct {
	Total         int
	Unknown       int
	ByDestination map[int64]int
	ByCategory    map[catalog.Category]int
}

func New(log *slog.Logger, bus eventbus.Bus, store storage.Store, res Resolver) *Tracker {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		log:    log,
		bus:    bus,
		store:  store,
		res:    res,
		seen:   make(map[string]struct{}),
		byDest: make(map[int64]int),
		byCat:  make(map[catalog.Category]int),
	}
}

// RecordClick records one click by userID on the delivery referenced by
// deliveryID. It reports whether the click was counted: repeats of a
// (user, delivery) pair and references to unknown deliveries are not.
// Unknown references are expected after a restart or once the delivery log
// rotated past the entry; they are logged and otherwise ignored.
func (t *Tracker) RecordClick(ctx context.Context, userID int64, deliveryID string) bool {
	key := strconv.FormatInt(userID, 10) + ":" + deliveryID

	t.mu.Lock()
	if _, dup := t.seen[key]; dup {
		t.mu.Unlock()
		return false
	}
	t.seen[key] = struct{}{}
	t.mu.Unlock()

	if t.store != nil {
		if ok, err := t.store.HasClick(ctx, key); err != nil {
			t.log.Warn("click dedup lookup failed", "key", key, "error", err)
		} else if ok {
			return false
		}
	}

	rec, known := t.res.Lookup(deliveryID)
	if !known {
		t.mu.Lock()
		t.unknown++
		t.mu.Unlock()
		t.log.Info("click on unknown delivery", "user", userID, "delivery", deliveryID)
		return false
	}

	t.mu.Lock()
	t.total++
	t.byDest[rec.DestinationID]++
	t.byCat[rec.Category]++
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.PutClick(ctx, key, time.Now()); err != nil {
			t.log.Warn("click persist failed", "key", key, "error", err)
		}
	}
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Type: eventbus.TypeClickRecorded, Data: map[string]any{
			"user": userID, "delivery": deliveryID, "destination": rec.DestinationID,
			"category": string(rec.Category), "content": rec.ContentRef,
		}})
	}
	t.log.Debug("click recorded", "user", userID, "delivery", deliveryID, "destination", rec.DestinationID)
	return true
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Total:         t.total,
		Unknown:       t.unknown,
		ByDestination: make(map[int64]int, len(t.byDest)),
		ByCategory:    make(map[catalog.Category]int, len(t.byCat)),
	}
	for k, v := range t.byDest {
		s.ByDestination[k] = v
	}
	for k, v := range t.byCat {
		s.ByCategory[k] = v
	}
	return s
}
