package trigger

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// Evaluate runs one scheduling pass at the given wall-clock instant. It is
// called by the ticker loop but takes `now` explicitly so tests can drive
// time directly.
//
// Fixed rules are edge-triggered at minute granularity: within one matching
// minute, only the first pass fires. One-shots fire once their arm time has
// passed and are removed; a replacement armed mid-flight wins via the
// version check.
func (s *Service) Evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if s.paused || !s.cfg.Enabled || s.fire == nil {
		s.mu.Unlock()
		return
	}
	loc := s.locationLocked()
	local := now.In(loc)
	minute := local.Truncate(time.Minute)

	type firing struct {
		rule  Rule
		state *runState
	}
	var due []firing

	for _, rs := range s.rules {
		// cron.Next is strictly-after, so probe from just before the
		// minute boundary: a match returns the boundary itself.
		next := rs.sched.Next(minute.Add(-time.Second))
		if !next.Equal(minute) {
			continue
		}
		if rs.lastFired.Equal(minute) {
			continue // already fired inside this minute
		}
		if !rs.state.tryAcquire() {
			s.log.Debug("rule skipped (previous firing still dispatching)", slog.String("rule", rs.rule.Name))
			continue
		}
		rs.lastFired = minute
		due = append(due, firing{rule: rs.rule, state: rs.state})
	}

	for key, os := range s.oneshots {
		if local.Before(os.at) {
			continue
		}
		if !os.state.tryAcquire() {
			continue
		}
		cur, ok := s.oneshots[key]
		if !ok || cur.ver != os.ver {
			os.state.release()
			continue // superseded by a newer arm
		}
		delete(s.oneshots, key)
		due = append(due, firing{rule: os.rule, state: os.state})
	}
	fire := s.fire
	s.mu.Unlock()

	for _, f := range due {
		f := f
		s.log.Info("rule fired",
			slog.String("rule", f.rule.Name),
			slog.String("category", string(f.rule.Category)),
			slog.String("slot", f.rule.SlotKey))
		go func() {
			defer f.state.release()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in fire handler",
						slog.String("rule", f.rule.Name),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
				}
			}()
			fire(ctx, f.rule)
		}()
	}
}
