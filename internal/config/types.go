package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	Dispatch *DispatchConfig `json:"dispatch,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	Catalog CatalogConfig `json:"catalog"`

	// Rules declares the fixed delivery schedule. When empty, the builtin
	// default schedule is installed.
	Rules []RuleConfig `json:"rules,omitempty"`

	// Destinations seeds the registry with chats the bot already belongs
	// to, so a restart doesn't wait for membership events.
	Destinations []int64 `json:"destinations,omitempty"`
}

type TelegramConfig struct {
	// Token may be empty here and supplied via HERALDBOT_TOKEN instead.
	Token        string  `json:"token,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`

	// GroupLog is the operator chat for alerts (0 disables).
	GroupLog    int64 `json:"group_log,omitempty"`
	LogThreadID int   `json:"log_thread_id,omitempty"`

	// PollTimeout is a Go duration string for long-poll requests.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// SchedulerConfig controls the trigger scheduler.
// Enabled is a pointer so "omitted" defaults to true.
type SchedulerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	TickInterval string `json:"tick_interval,omitempty"`
}

// DispatchConfig controls fan-out delivery.
// All durations are Go duration strings (e.g. "500ms", "10s", "6h").
// RetryMax is a pointer so an explicit 0 (no retries) is distinguishable
// from an omitted field (default of 2 retries).
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	FollowUpAfter string `json:"follow_up_after,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// NotifierConfig controls the operator alert pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CatalogConfig struct {
	// Path to a catalog YAML file; empty uses the embedded default.
	Path string `json:"path,omitempty"`
}

// RuleConfig is one fixed schedule entry.
type RuleConfig struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Slot     string `json:"slot,omitempty"`
	// At is local wall-clock time "HH:MM".
	At string `json:"at"`
	// Weekdays restricts firing days ("mon".."sun"); empty means daily.
	Weekdays []string `json:"weekdays,omitempty"`
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if _, err := ParseDurationField("scheduler.tick_interval", c.Scheduler.TickInterval); err != nil {
		errs = append(errs, err)
	}
	if d := c.Dispatch; d != nil {
		for _, f := range []struct{ path, raw string }{
			{"dispatch.retry_base", d.RetryBase},
			{"dispatch.retry_max_delay", d.RetryMaxDelay},
			{"dispatch.follow_up_after", d.FollowUpAfter},
			{"dispatch.shutdown_grace", d.ShutdownGrace},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if n := c.Notifier; n != nil {
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", n.RetryBase},
			{"notifier.retry_max_delay", n.RetryMaxDelay},
			{"notifier.dedup_window", n.DedupWindow},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	for i, r := range c.Rules {
		if _, _, err := ParseClock(r.At); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d].at: %w", i, err))
		}
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, fmt.Errorf("rules[%d].name: required", i))
		}
		if _, err := ParseWeekdays(r.Weekdays); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d].weekdays: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// SchedulerEnabled resolves the enabled flag (omitted means on).
func (c *Config) SchedulerEnabled() bool {
	return c.Scheduler.Enabled == nil || *c.Scheduler.Enabled
}

// ConsoleLogging resolves the console flag (omitted means on).
func (c *Config) ConsoleLogging() bool {
	return c.Logging.Console == nil || *c.Logging.Console
}

// ParseClock parses "HH:MM" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return hour, minute, nil
}

// ParseWeekdays maps day names ("mon", "monday") to time.Weekday values.
func ParseWeekdays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		key := strings.ToLower(strings.TrimSpace(n))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}
