package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"heraldbot/internal/catalog"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/registry"
	"heraldbot/internal/storage"
	kit "heraldbot/internal/transport"
	"heraldbot/internal/trigger"
)

// Config controls the dispatcher.
//
// Defaults (applied when fields are zero): 10 workers, 10 sends/sec,
// 2 retries (3 attempts) with 500ms base doubling to a 5s cap, 200 history
// entries, 6h follow-up offset, 10s shutdown grace.
type Config struct {
	Workers    int
	RatePerSec int
	// RetryMax is the number of retries after the first attempt. Zero means
	// the default (2); negative disables retries entirely.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	HistorySize   int
	FollowUpAfter time.Duration // 0 disables follow-up arming
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.RetryMax == 0 {
		c.RetryMax = 2
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

// ReasonShutdown marks sends that had no final outcome when the process was
// asked to stop.
const ReasonShutdown = "shutdown"

// Record is the immutable result of delivering one content item to one
// destination (including its retries).
type Record struct {
	ID            string
	Rule          string
	DestinationID int64
	Category      catalog.Category
	SlotKey       string
	ContentRef    string
	SentAt        time.Time
	Outcome       Outcome
	Reason        string
	RetryCount    int
}

// Service fans one rule firing out to every active destination.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log     *slog.Logger
	adapter kit.Adapter
	reg     *registry.Registry
	cat     *catalog.Catalog
	trig    *trigger.Service
	bus     eventbus.Bus
	store   storage.Store // optional

	limiter *rate.Limiter

	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup
	started   bool

	hmu     sync.RWMutex
	history []Record
	byID    map[string]Record
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Total  int
	Sent   int
	Failed int
	Recent []Record
}
