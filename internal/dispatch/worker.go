package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"heraldbot/internal/catalog"
	"heraldbot/internal/registry"
	kit "heraldbot/internal/transport"
	"heraldbot/internal/trigger"
)

// sendOne delivers one item to one destination, retrying transient failures.
// It always returns exactly one record; the bool reports a configuration
// fault that must abort the rest of the cycle.
//
// The delivery ID is minted before the first attempt so the engagement
// button can carry it in its callback payload.
func (s *Service) sendOne(ctx context.Context, cfg Config, rule trigger.Rule, item catalog.Item, dest registry.Destination) (Record, bool) {
	rec := Record{
		ID:            uuid.NewString(),
		Rule:          rule.Name,
		DestinationID: dest.ID,
		Category:      item.Category,
		SlotKey:       item.SlotKey,
		ContentRef:    item.Ref(),
	}
	opt := &kit.SendOptions{
		ParseMode: kit.ParseModeHTML,
		Buttons:   buttons(item, rec.ID),
	}
	target := kit.ChatTarget{ChatID: dest.ID}

	for attempt := 0; ; attempt++ {
		rec.RetryCount = attempt
		rec.SentAt = time.Now()

		if err := s.limiter.Wait(ctx); err != nil {
			rec.Outcome = OutcomeFailed
			rec.Reason = ReasonShutdown
			return rec, false
		}

		_, err := s.adapter.SendText(ctx, target, item.Body, opt)
		if err == nil {
			rec.Outcome = OutcomeSent
			rec.Reason = ""
			s.log.Debug("delivered", "destination", dest.ID, "content", rec.ContentRef, "retries", attempt)
			return rec, false
		}
		if ctx.Err() != nil {
			rec.Outcome = OutcomeFailed
			rec.Reason = ReasonShutdown
			return rec, false
		}

		rec.Outcome = OutcomeFailed
		rec.Reason = err.Error()
		switch kit.Classify(err) {
		case kit.ClassPermanent:
			// The destination will never accept sends again (kicked,
			// deleted chat, upgraded group). Demote it so future
			// cycles skip it.
			s.reg.Remove(dest.ID)
			s.log.Warn("destination demoted", "destination", dest.ID, "error", err)
			return rec, false
		case kit.ClassFatalConfig:
			return rec, true
		}

		// Transient.
		if attempt >= cfg.RetryMax {
			s.log.Warn("delivery failed after retries", "destination", dest.ID, "attempts", attempt+1, "error", err)
			return rec, false
		}
		delay := backoffDelay(cfg, attempt)
		if hint, ok := kit.RetryAfterHint(err); ok && hint > delay {
			delay = hint
		}
		if !sleep(ctx, delay) {
			rec.Reason = ReasonShutdown
			return rec, false
		}
	}
}

// backoffDelay doubles the base per prior attempt and clamps at the cap.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << attempt
	if d > cfg.RetryMaxDelay || d <= 0 {
		d = cfg.RetryMaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// buttons renders the item action plus the engagement button whose callback
// payload carries the delivery ID for click correlation.
func buttons(item catalog.Item, deliveryID string) []kit.Button {
	if item.Action == nil {
		return nil
	}
	return []kit.Button{
		{Label: item.Action.Label, URL: item.Action.URL},
		{Label: "👀 I'm interested", Data: "eng:" + deliveryID},
	}
}
