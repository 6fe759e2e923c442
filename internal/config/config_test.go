package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestParseFullConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
telegram:
  token: "123:abc"
  owner_user_ids: [111]
  group_log: -100200
scheduler:
  timezone: "America/New_York"
  tick_interval: "30s"
dispatch:
  workers: 10
  retry_max: 2
  retry_base: "500ms"
  follow_up_after: "6h"
storage:
  driver: file
  path: /var/lib/heraldbot/state
rules:
  - name: promo-shop-am
    category: promo
    slot: shop
    at: "09:00"
    weekdays: [sun, tue, thu, sat]
destinations: [-100300]
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.GroupLog != -100200 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Scheduler.Timezone != "America/New_York" || !cfg.SchedulerEnabled() {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Dispatch == nil || cfg.Dispatch.Workers != 10 || cfg.Dispatch.FollowUpAfter != "6h" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.RetryMax == nil || *cfg.Dispatch.RetryMax != 2 {
		t.Fatalf("dispatch.retry_max = %v, want 2", cfg.Dispatch.RetryMax)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].At != "09:00" || len(cfg.Rules[0].Weekdays) != 4 {
		t.Fatalf("rules = %+v", cfg.Rules)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
telegram:
  token: "x"
schedule:   # typo for "scheduler"
  timezone: "UTC"
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown top-level key accepted")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"bad timezone":     "scheduler:\n  timezone: \"Mars/Olympus\"\n",
		"bad duration":     "scheduler:\n  tick_interval: \"half a minute\"\n",
		"bad rule time":    "rules:\n  - name: r\n    category: promo\n    at: \"25:00\"\n",
		"bad rule weekday": "rules:\n  - name: r\n    category: promo\n    at: \"09:00\"\n    weekdays: [funday]\n",
		"unnamed rule":     "rules:\n  - category: promo\n    at: \"09:00\"\n",
		"bad storage":      "storage:\n  driver: redis\n",
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewManager(writeConfig(t, body)).Load(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestSchedulerEnabledDefaultsTrue(t *testing.T) {
	t.Parallel()
	cfg, err := NewManager(writeConfig(t, "scheduler:\n  enabled: false\n")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerEnabled() {
		t.Fatal("explicit false ignored")
	}
	if !(&Config{}).SchedulerEnabled() {
		t.Fatal("omitted enabled should default to true")
	}
	if !(&Config{}).ConsoleLogging() {
		t.Fatal("omitted console should default to true")
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := ParseClock("08:05")
	if err != nil || h != 8 || m != 5 {
		t.Fatalf("ParseClock = %d:%d, %v", h, m, err)
	}
	for _, bad := range []string{"", "9", "9:xx", "24:00", "12:60", "-1:00"} {
		if _, _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) accepted", bad)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	t.Parallel()
	days, err := ParseWeekdays([]string{"Sun", "monday", "TUE"})
	if err != nil {
		t.Fatalf("ParseWeekdays: %v", err)
	}
	want := []time.Weekday{time.Sunday, time.Monday, time.Tuesday}
	for i := range want {
		if days[i] != want[i] {
			t.Fatalf("days = %v, want %v", days, want)
		}
	}
	if _, err := ParseWeekdays([]string{"smarch"}); err == nil {
		t.Fatal("bad weekday accepted")
	}
	if days, err := ParseWeekdays(nil); err != nil || days != nil {
		t.Fatalf("empty list = %v, %v", days, err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("dispatch.retry_base", "fast"); err == nil ||
		!strings.Contains(err.Error(), "dispatch.retry_base") {
		t.Fatalf("error should name the field: %v", err)
	}
	if d, err := ParseDurationOrDefault("x", "", time.Second); err != nil || d != time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
}

func TestSubscribePublishesCommits(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "telegram:\n  token: \"a\"\n"))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	cfg := &Config{Telegram: TelegramConfig{Token: "b"}}
	m.commit(cfg)
	m.publish(cfg)

	select {
	case got := <-ch:
		if got.Telegram.Token != "b" {
			t.Fatalf("published token = %q", got.Telegram.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("no config published")
	}
}
