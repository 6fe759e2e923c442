package storage

// Package storage provides an optional persistence layer for the delivery
// engine.
//
// It currently supports:
//   - Delivery log appends (one row per destination per firing)
//   - Click idempotency marks (to survive restarts)
