package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"heraldbot/internal/catalog"
)

// Config controls the trigger service.
type Config struct {
	Enabled      bool
	Timezone     string        // IANA TZ, e.g. "Europe/Budapest"
	TickInterval time.Duration // evaluation cadence; default 30s
}

// Rule is the single shape every trigger takes. Fixed rules carry a
// time-of-day (and optionally a weekday set); follow-ups are one-shot rules
// armed at an absolute time and keyed by the content slot they follow.
type Rule struct {
	Name     string
	Category catalog.Category
	SlotKey  string

	// Fixed schedule: fires when the local time matches Hour:Minute and,
	// when Weekdays is non-empty, the weekday is in the set.
	Hour     int
	Minute   int
	Weekdays []time.Weekday
}

// FireFunc handles one rule firing. The scheduler keeps the rule ineligible
// until the handler returns, so a slow dispatch never overlaps itself.
type FireFunc func(ctx context.Context, r Rule)

type runState struct {
	mu      sync.Mutex
	running bool
}

func (rs *runState) tryAcquire() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.running {
		return false
	}
	rs.running = true
	return true
}

func (rs *runState) release() {
	rs.mu.Lock()
	rs.running = false
	rs.mu.Unlock()
}

// ruleState is a compiled fixed rule. lastFired is truncated to the minute:
// evaluation is edge-triggered, so a rule fires at most once per matching
// minute no matter how often the tick runs inside it.
type ruleState struct {
	rule      Rule
	sched     cron.Schedule
	lastFired time.Time
	state     *runState
}

// oneShot is an armed follow-up. ver guards against a stale firing racing a
// replacement for the same key.
type oneShot struct {
	rule  Rule
	at    time.Time
	ver   uint64
	state *runState
}

type Service struct {
	mu sync.Mutex

	log *slog.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	rules  map[string]*ruleState

	oneshots map[string]*oneShot
	onceSeq  uint64

	fire FireFunc

	paused bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// RuleInfo is a read-only view for status output.
type RuleInfo struct {
	Name     string
	Category catalog.Category
	SlotKey  string
	Next     time.Time
	OneShot  bool
}
