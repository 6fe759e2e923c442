package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types carried by the bus. The trigger service publishes firings,
// the dispatcher publishes delivery outcomes and fatal classifications, and
// the engagement tracker publishes recorded clicks. The admin notifier and
// the app's fatal watcher are the consumers.
const (
	TypeTriggerFired  = "trigger.fired"
	TypeDeliverySent  = "delivery.sent"
	TypeDeliveryFail  = "delivery.failed"
	TypeDispatchFatal = "dispatch.fatal"
	TypeClickRecorded = "engagement.recorded"
)

// Event is an in-memory signal between engine services. Publishers never
// block on a subscriber: delivery is best-effort and a subscriber that falls
// behind its buffer loses events, which is acceptable because every event
// here is advisory (alerts, pause-on-fatal) and the authoritative state
// lives in the publishing service.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus used by the engine. It owns no
// goroutines; Publish runs entirely on the caller.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently
		// and the channel closes, recover from a send-on-closed panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
