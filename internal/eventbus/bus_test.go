package eventbus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeTriggerFired, Data: "promo-am"})

	for name, ch := range map[string]<-chan Event{"a": a, "c": c} {
		select {
		case e := <-ch:
			if e.Type != TypeTriggerFired || e.Data != "promo-am" {
				t.Fatalf("subscriber %s got %+v", name, e)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
}

func TestPublishFillsZeroTime(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeDeliverySent})
	if e := <-ch; e.Time.IsZero() {
		t.Fatal("event time not stamped")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Nobody is draining; the second publish must not block.
	b.Publish(Event{Type: TypeDeliverySent, Data: 1})
	b.Publish(Event{Type: TypeDeliverySent, Data: 2})

	if e := <-ch; e.Data != 1 {
		t.Fatalf("buffered event = %v, want 1", e.Data)
	}
	select {
	case e := <-ch:
		t.Fatalf("expected overflow to be dropped, got %v", e.Data)
	default:
	}
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Type: TypeClickRecorded})
	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
}
