package app

import (
	"testing"
	"time"

	"heraldbot/internal/catalog"
	"heraldbot/internal/config"
)

func defaultCat(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Load("")
	if err != nil {
		t.Fatalf("Load embedded catalog: %v", err)
	}
	return c
}

func TestRuleFromConfig(t *testing.T) {
	t.Parallel()
	r, err := ruleFromConfig(config.RuleConfig{
		Name:     "promo-noon",
		Category: "promo",
		Slot:     "stan_store",
		At:       "12:30",
		Weekdays: []string{"mon", "fri"},
	})
	if err != nil {
		t.Fatalf("ruleFromConfig: %v", err)
	}
	if r.Hour != 12 || r.Minute != 30 {
		t.Fatalf("clock = %d:%d, want 12:30", r.Hour, r.Minute)
	}
	if len(r.Weekdays) != 2 || r.Weekdays[0] != time.Monday || r.Weekdays[1] != time.Friday {
		t.Fatalf("weekdays = %v", r.Weekdays)
	}
}

func TestRuleFromConfigRejectsUnknownCategory(t *testing.T) {
	t.Parallel()
	_, err := ruleFromConfig(config.RuleConfig{Name: "x", Category: "spam", At: "09:00"})
	if err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestCheckRuleContentRejectsUnknownSlot(t *testing.T) {
	t.Parallel()
	cat := defaultCat(t)
	r, err := ruleFromConfig(config.RuleConfig{Name: "bad", Category: "promo", Slot: "no_such_slot", At: "09:00"})
	if err != nil {
		t.Fatalf("ruleFromConfig: %v", err)
	}
	if err := checkRuleContent(cat, r); err == nil {
		t.Fatal("expected content check to fail for a slot absent from the catalog")
	}
}

func TestDefaultRulesAllResolveAgainstEmbeddedCatalog(t *testing.T) {
	t.Parallel()
	cat := defaultCat(t)
	for _, r := range defaultRules() {
		if err := checkRuleContent(cat, r); err != nil {
			t.Errorf("rule %q: %v", r.Name, err)
		}
	}
}

func TestDispatchConfigRetryMaxMapping(t *testing.T) {
	t.Parallel()
	ptr := func(n int) *int { return &n }

	cases := []struct {
		name string
		in   *int
		want int
	}{
		{"omitted keeps the dispatch default", nil, 0},
		{"explicit zero disables retries", ptr(0), -1},
		{"positive passes through", ptr(5), 5},
	}
	for _, tc := range cases {
		cfg := &config.Config{Dispatch: &config.DispatchConfig{RetryMax: tc.in}}
		if got := dispatchConfig(cfg).RetryMax; got != tc.want {
			t.Errorf("%s: RetryMax = %d, want %d", tc.name, got, tc.want)
		}
	}
}
