package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sort"
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

func New(cfg Config, log *slog.Logger, adapter kit.Adapter, reg *registry.Registry, cat *catalog.Catalog, trig *trigger.Service, bus eventbus.Bus, store storage.Store) *Service {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		reg:     reg,
		cat:     cat,
		trig:    trig,
		bus:     bus,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		byID:    make(map[string]Record),
	}
}

// Start makes the dispatcher accept firings. The run context is detached from
// ctx so that in-flight sends get the full shutdown grace instead of dying
// with the caller's context.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	return nil
}

// Stop waits for in-flight sends up to the shutdown grace (bounded further by
// ctx), then cancels stragglers so they record a shutdown failure.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.runCancel
	grace := s.cfg.ShutdownGrace
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
	}
	cancel()
	<-done
	return nil
}

// Apply updates tunables that are safe to change at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.RatePerSec = cfg.RatePerSec
	s.cfg.RetryMax = cfg.RetryMax
	s.cfg.RetryBase = cfg.RetryBase
	s.cfg.RetryMaxDelay = cfg.RetryMaxDelay
	s.cfg.FollowUpAfter = cfg.FollowUpAfter
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Dispatch resolves content for the rule once, snapshots the active
// destinations and delivers to each of them concurrently. It returns one
// record per destination. Content is resolved exactly once per call, so a
// rotation policy advances once regardless of fan-out width.
func (s *Service) Dispatch(ctx context.Context, rule trigger.Rule) []Record {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.log.Warn("dispatch before start, dropping firing", "rule", rule.Name)
		return nil
	}
	runCtx := s.runCtx
	cfg := s.cfg
	s.mu.Unlock()

	dests := s.reg.ActiveDestinations()
	if len(dests) == 0 {
		s.log.Debug("no active destinations", "rule", rule.Name)
		return nil
	}

	// Resolve once per firing so every destination gets the same variant
	// and rotation counters advance a single step.
	now := time.Now()
	item, err := s.cat.Resolve(rule.Category, catalog.ResolveContext{Now: now, SlotKey: rule.SlotKey})
	if err != nil {
		s.log.Error("no content for rule", "rule", rule.Name, "category", rule.Category, "slot", rule.SlotKey, "error", err)
		return nil
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Time: now, Data: map[string]any{
			"rule": rule.Name, "content": item.Ref(), "destinations": len(dests),
		}})
	}
	s.log.Info("dispatching", "rule", rule.Name, "content", item.Ref(), "destinations", len(dests))

	// A fatal classification aborts the remaining sends of this cycle.
	cycleCtx, cancelCycle := context.WithCancel(runCtx)
	defer cancelCycle()

	sem := make(chan struct{}, cfg.Workers)
	results := make([]Record, len(dests))
	var (
		wg        sync.WaitGroup
		fatalOnce sync.Once
		fatalMsg  string
	)
	for i, d := range dests {
		i, d := i, d
		s.inflight.Add(1)
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				wg.Done()
				s.inflight.Done()
			}()
			rec, fatal := s.sendOne(cycleCtx, cfg, rule, item, d)
			if fatal {
				fatalOnce.Do(func() { fatalMsg = rec.Reason })
				cancelCycle()
			}
			results[i] = rec
		}()
	}
	wg.Wait()

	if fatalMsg != "" {
		s.log.Error("dispatch cycle aborted, configuration fault", "rule", rule.Name, "reason", fatalMsg)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFatal, Data: map[string]any{
				"rule": rule.Name, "reason": fatalMsg,
			}})
		}
	}

	sent := 0
	for _, rec := range results {
		s.record(rec)
		if rec.Outcome == OutcomeSent {
			sent++
		}
	}
	s.log.Info("dispatch done", "rule", rule.Name, "sent", sent, "failed", len(results)-sent)

	if sent > 0 {
		s.armFollowUp(rule, now, cfg.FollowUpAfter)
	}
	return results
}

// armFollowUp schedules the follow-up slot matching a promo that went out.
// Arming is keyed by slot, so a repeat promo before the offset elapses
// replaces the pending follow-up instead of stacking a second one.
func (s *Service) armFollowUp(rule trigger.Rule, sentAt time.Time, after time.Duration) {
	if after <= 0 || s.trig == nil || rule.Category != catalog.CategoryPromo {
		return
	}
	follow := trigger.Rule{
		Name:     "followup-" + rule.SlotKey,
		Category: catalog.CategoryFollowUp,
		SlotKey:  rule.SlotKey,
	}
	s.trig.Arm("followup:"+rule.SlotKey, sentAt.Add(after), follow)
	s.log.Debug("follow-up armed", "slot", rule.SlotKey, "at", sentAt.Add(after))
}

func (s *Service) record(rec Record) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, rec)
	s.byID[rec.ID] = rec
	if over := len(s.history) - limit; over > 0 {
		for _, old := range s.history[:over] {
			delete(s.byID, old.ID)
		}
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.hmu.Unlock()

	if s.store != nil {
		if err := s.store.AppendDelivery(context.Background(), storage.DeliveryRow{
			ID:            rec.ID,
			Rule:          rec.Rule,
			DestinationID: rec.DestinationID,
			ContentRef:    rec.ContentRef,
			SentAt:        rec.SentAt,
			Outcome:       string(rec.Outcome),
			Reason:        rec.Reason,
			RetryCount:    rec.RetryCount,
		}); err != nil {
			s.log.Warn("delivery persist failed", "id", rec.ID, "error", err)
		}
	}
	if s.bus == nil {
		return
	}
	typ := eventbus.TypeDeliverySent
	if rec.Outcome == OutcomeFailed {
		typ = eventbus.TypeDeliveryFail
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: rec.SentAt, Data: map[string]any{
		"id": rec.ID, "destination": rec.DestinationID, "content": rec.ContentRef,
		"reason": rec.Reason, "retries": rec.RetryCount,
	}})
}

// Lookup resolves a delivery reference from a callback payload.
func (s *Service) Lookup(id string) (Record, bool) {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	rec, ok := s.byID[id]
	return rec, ok
}

// History returns up to n most recent records, newest first.
func (s *Service) History(n int) []Record {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = s.history[len(s.history)-1-i]
	}
	return out
}

func (s *Service) Stats() Snapshot {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	snap := Snapshot{Total: len(s.history)}
	for _, rec := range s.history {
		if rec.Outcome == OutcomeSent {
			snap.Sent++
		} else {
			snap.Failed++
		}
	}
	n := 5
	if n > len(s.history) {
		n = len(s.history)
	}
	snap.Recent = make([]Record, n)
	copy(snap.Recent, s.history[len(s.history)-n:])
	sort.SliceStable(snap.Recent, func(i, j int) bool { return snap.Recent[i].SentAt.After(snap.Recent[j].SentAt) })
	return snap
}
