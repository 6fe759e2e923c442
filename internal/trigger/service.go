package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		log:      log,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		rules:    map[string]*ruleState{},
		oneshots: map[string]*oneShot{},
	}
}

// SetHandler installs the firing handler. Must be called before Start.
func (s *Service) SetHandler(fn FireFunc) {
	s.mu.Lock()
	s.fire = fn
	s.mu.Unlock()
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run
// concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if oldTZ != newTZ {
		s.loc = nil // reloaded lazily on the next tick
	}
}

// Pause suspends evaluation without tearing the loop down. Used when a
// fatal-config gateway error makes further dispatching pointless.
func (s *Service) Pause() {
	s.mu.Lock()
	if !s.paused {
		s.paused = true
		s.log.Warn("trigger evaluation paused")
	}
	s.mu.Unlock()
}

func (s *Service) Resume() {
	s.mu.Lock()
	if s.paused {
		s.paused = false
		s.log.Info("trigger evaluation resumed")
	}
	s.mu.Unlock()
}

// AddRule compiles and registers a fixed rule. Upsert by name: re-adding a
// name replaces the previous rule (hot reloads re-register everything).
func (s *Service) AddRule(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("rule name required")
	}
	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("rule %s: invalid time %02d:%02d", r.Name, r.Hour, r.Minute)
	}
	sched, err := s.parser.Parse(cronSpec(r))
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}

	s.mu.Lock()
	s.rules[r.Name] = &ruleState{rule: r, sched: sched, state: &runState{}}
	s.mu.Unlock()

	s.log.Debug("rule registered",
		slog.String("rule", r.Name),
		slog.String("category", string(r.Category)),
		slog.String("slot", r.SlotKey),
		slog.String("at", fmt.Sprintf("%02d:%02d", r.Hour, r.Minute)),
		slog.String("days", weekdaysString(r.Weekdays)))
	return nil
}

// RemoveRule unregisters a fixed rule. Returns true if something was removed.
func (s *Service) RemoveRule(name string) bool {
	s.mu.Lock()
	_, ok := s.rules[name]
	delete(s.rules, name)
	s.mu.Unlock()
	return ok
}

// ClearRules drops all fixed rules (hot reload re-registers from config).
func (s *Service) ClearRules() {
	s.mu.Lock()
	s.rules = map[string]*ruleState{}
	s.mu.Unlock()
}

// Arm schedules a one-shot follow-up for key at the given time. Arming a key
// that already has an unfired follow-up replaces it: only one pending
// follow-up per key exists at a time.
func (s *Service) Arm(key string, at time.Time, r Rule) {
	if strings.TrimSpace(key) == "" || at.IsZero() {
		return
	}
	s.mu.Lock()
	s.onceSeq++
	replaced := false
	if _, ok := s.oneshots[key]; ok {
		replaced = true
	}
	s.oneshots[key] = &oneShot{rule: r, at: at, ver: s.onceSeq, state: &runState{}}
	s.mu.Unlock()

	s.log.Debug("follow-up armed",
		slog.String("key", key),
		slog.Time("at", at),
		slog.Bool("replaced", replaced))
}

// Cancel drops a pending follow-up. Unknown keys are a no-op.
func (s *Service) Cancel(key string) bool {
	s.mu.Lock()
	_, ok := s.oneshots[key]
	delete(s.oneshots, key)
	s.mu.Unlock()
	return ok
}

// Start launches the single evaluation loop. One logical clock drives all
// rules; per-destination fan-out happens downstream in the dispatcher.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh = stopCh
	s.doneCh = doneCh
	tick := s.cfg.TickInterval
	s.mu.Unlock()

	if tick <= 0 {
		tick = 30 * time.Second
	}

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		s.log.Info("service started", slog.Duration("tick", tick))
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case now := <-ticker.C:
				s.Evaluate(ctx, now)
			}
		}
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.stopCh = nil
	s.doneCh = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-doneCh:
		s.log.Info("service stopped")
	case <-ctx.Done():
	}
}

// Snapshot lists registered rules with their next fire times.
func (s *Service) Snapshot() []RuleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.locationLocked()
	now := time.Now().In(loc)
	out := make([]RuleInfo, 0, len(s.rules)+len(s.oneshots))
	for _, rs := range s.rules {
		out = append(out, RuleInfo{
			Name:     rs.rule.Name,
			Category: rs.rule.Category,
			SlotKey:  rs.rule.SlotKey,
			Next:     rs.sched.Next(now),
		})
	}
	for key, os := range s.oneshots {
		out = append(out, RuleInfo{
			Name:     key,
			Category: os.rule.Category,
			SlotKey:  os.rule.SlotKey,
			Next:     os.at,
			OneShot:  true,
		})
	}
	return out
}

func (s *Service) locationLocked() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		s.loc = time.Local
		return s.loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", slog.String("tz", tz), slog.Any("err", err))
		loc = time.Local
	}
	s.loc = loc
	return loc
}

// cronSpec renders a fixed rule as a standard 5-field cron expression. cron
// is used purely as the time-math backend; rules stay one shape.
func cronSpec(r Rule) string {
	dow := "*"
	if len(r.Weekdays) > 0 {
		parts := make([]string, 0, len(r.Weekdays))
		for _, d := range r.Weekdays {
			parts = append(parts, strconv.Itoa(int(d)))
		}
		dow = strings.Join(parts, ",")
	}
	return fmt.Sprintf("%d %d * * %s", r.Minute, r.Hour, dow)
}

func weekdaysString(days []time.Weekday) string {
	if len(days) == 0 {
		return "daily"
	}
	parts := make([]string, 0, len(days))
	for _, d := range days {
		parts = append(parts, d.String()[:3])
	}
	return strings.Join(parts, ",")
}
