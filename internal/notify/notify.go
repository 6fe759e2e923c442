// Package notify delivers operator alerts to a configured log chat.
//
// Alerts flow through an async pipeline (queue, worker pool, rate limit,
// retry, dedup window) so a flapping destination cannot stall the engine or
// flood the operator.
package notify

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Config struct {
	Enabled  bool
	ChatID   int64
	ThreadID int

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Alert is one operator-facing message. Priority selects the prefix emoji
// and, for bus-derived alerts, reflects severity.
type Alert struct {
	Priority int
	Text     string
}

// HistoryItem is a sent alert kept for status output.
type HistoryItem struct {
	At   time.Time
	Text string
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}
