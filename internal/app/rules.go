package app

import (
	"fmt"
	"time"

	"heraldbot/internal/catalog"
	"heraldbot/internal/config"
	"heraldbot/internal/trigger"
)

// installRules replaces the scheduler's fixed rules from config, or installs
// the builtin default schedule when none are configured.
func (a *App) installRules(cfg *config.Config) error {
	rules := defaultRules()
	if len(cfg.Rules) > 0 {
		rules = rules[:0]
		for i, rc := range cfg.Rules {
			r, err := ruleFromConfig(rc)
			if err != nil {
				return fmt.Errorf("rules[%d]: %w", i, err)
			}
			rules = append(rules, r)
		}
	}

	a.trig.ClearRules()
	for _, r := range rules {
		if err := checkRuleContent(a.cat, r); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
		if err := a.trig.AddRule(r); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// checkRuleContent rejects rules that can only ever resolve to ErrNoContent,
// so a slot typo fails at install time instead of at the first firing.
func checkRuleContent(cat *catalog.Catalog, r trigger.Rule) error {
	if !cat.HasContent(r.Category, r.SlotKey) {
		return fmt.Errorf("no catalog content for %s/%s", r.Category, r.SlotKey)
	}
	return nil
}

func ruleFromConfig(rc config.RuleConfig) (trigger.Rule, error) {
	hour, minute, err := config.ParseClock(rc.At)
	if err != nil {
		return trigger.Rule{}, err
	}
	days, err := config.ParseWeekdays(rc.Weekdays)
	if err != nil {
		return trigger.Rule{}, err
	}
	cat := catalog.Category(rc.Category)
	switch cat {
	case catalog.CategoryGreeting, catalog.CategoryPromo, catalog.CategoryFollowUp:
	default:
		return trigger.Rule{}, fmt.Errorf("unknown category %q", rc.Category)
	}
	return trigger.Rule{
		Name:     rc.Name,
		Category: cat,
		SlotKey:  rc.Slot,
		Hour:     hour,
		Minute:   minute,
		Weekdays: days,
	}, nil
}

// defaultRules is the builtin schedule: four daily greetings whose slot
// follows the time of day, plus promos split across the week so each link
// gets a morning and an evening share.
func defaultRules() []trigger.Rule {
	greeting := func(name string, hour int) trigger.Rule {
		return trigger.Rule{Name: name, Category: catalog.CategoryGreeting, Hour: hour}
	}
	promo := func(name, slot string, hour int, days ...time.Weekday) trigger.Rule {
		return trigger.Rule{Name: name, Category: catalog.CategoryPromo, SlotKey: slot, Hour: hour, Weekdays: days}
	}
	return []trigger.Rule{
		greeting("greeting-morning", 8),
		greeting("greeting-afternoon", 13),
		greeting("greeting-evening", 18),
		greeting("greeting-night", 22),

		promo("promo-boutique-am", "jjfancyboutique", 9, time.Sunday, time.Tuesday, time.Thursday, time.Saturday),
		promo("promo-stan-am", "stan_store", 9, time.Monday, time.Wednesday, time.Friday),
		promo("promo-gofundme1-pm", "gofundme1", 19, time.Sunday, time.Wednesday),
		promo("promo-gofundme2-pm", "gofundme2", 19, time.Monday, time.Thursday),
		promo("promo-boutique-pm", "jjfancyboutique", 19, time.Tuesday, time.Friday),
		promo("promo-stan-pm", "stan_store", 19, time.Saturday),
	}
}
