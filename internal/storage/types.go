package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", persistence is disabled and the engine keeps
// everything in memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryRow is the persisted form of one delivery outcome.
// Keep it compact and schema-stable.
type DeliveryRow struct {
	ID            string
	Rule          string
	DestinationID int64
	ContentRef    string
	SentAt        time.Time
	Outcome       string
	Reason        string
	RetryCount    int
}
