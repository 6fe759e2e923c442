package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "heraldbot/pkg/logx"
)

// Store is the minimal persistence API used by the delivery engine.
//
// Clicks are write-once idempotency marks keyed by "<user>:<delivery>"; the
// delivery log is append-only.
type Store interface {
	AppendDelivery(ctx context.Context, row DeliveryRow) error
	PutClick(ctx context.Context, key string, at time.Time) error
	HasClick(ctx context.Context, key string) (bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
