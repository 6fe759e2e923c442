package notify

import (
	"context"
	"fmt"

	"heraldbot/internal/eventbus"
)

// watchEvents turns engine events into operator alerts. Delivery failures
// are informational; a dispatch abort is the highest severity because the
// scheduler pauses until an operator intervenes.
func (s *Service) watchEvents(ctx context.Context) {
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if a, ok := alertFor(ev); ok {
				_ = s.Send(ctx, a)
			}
		}
	}
}

func alertFor(ev eventbus.Event) (Alert, bool) {
	data, _ := ev.Data.(map[string]any)
	switch ev.Type {
	case eventbus.TypeDispatchFatal:
		return Alert{
			Priority: 9,
			Text:     fmt.Sprintf("dispatch aborted: rule=%v reason=%v\nscheduling is paused, fix the configuration and /resume", data["rule"], data["reason"]),
		}, true
	case eventbus.TypeDeliveryFail:
		return Alert{
			Priority: 5,
			Text:     fmt.Sprintf("delivery failed: destination=%v content=%v reason=%v retries=%v", data["destination"], data["content"], data["reason"], data["retries"]),
		}, true
	}
	return Alert{}, false
}
