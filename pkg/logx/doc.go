// Package logx provides the zerolog-backed structured logger used by the
// infrastructure layers (config manager, storage, supervisor, entrypoint).
//
// Service-level code uses log/slog via internal/logging; both tiers can be
// reconfigured live from the same config block.
package logx
