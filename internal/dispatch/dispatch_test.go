package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"heraldbot/internal/catalog"
	"heraldbot/internal/eventbus"
	"heraldbot/internal/registry"
	kit "heraldbot/internal/transport"
	"heraldbot/internal/trigger"
)

const testCatalogYAML = `
categories:
  greeting:
    policy: daypart_bucket
    slots:
      morning: {variants: ["gm"]}
      afternoon: {variants: ["ga"]}
      evening: {variants: ["ge"]}
      night: {variants: ["gn"]}
  promo:
    policy: fixed_rotation
    slots:
      shop:
        action: {label: "Open", url: "https://example.test"}
        variants: ["promo A", "promo B"]
  followup:
    policy: uniform_random
    slots:
      shop: {variants: ["still there?"]}
`

type sentMsg struct {
	chatID int64
	text   string
	opt    *kit.SendOptions
}

// fakeAdapter scripts per-destination send outcomes.
type fakeAdapter struct {
	mu    sync.Mutex
	sends []sentMsg
	fail  map[int64][]error // consumed from the front per send
	block bool              // block sends until ctx is done
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error {
	return nil
}
func (f *fakeAdapter) ChatMemberOf(context.Context, int64, int64) (kit.MemberRole, error) {
	return kit.RoleMember, nil
}
func (f *fakeAdapter) BanMember(context.Context, int64, int64) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.block {
		<-ctx.Done()
		return kit.MessageRef{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.fail[to.ChatID]; len(errs) > 0 {
		err := errs[0]
		f.fail[to.ChatID] = errs[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.sends = append(f.sends, sentMsg{chatID: to.ChatID, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sends)}, nil
}

func (f *fakeAdapter) sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sends...)
}

type fixture struct {
	svc  *Service
	ad   *fakeAdapter
	reg  *registry.Registry
	cat  *catalog.Catalog
	trig *trigger.Service
	bus  eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, dests ...int64) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cat, err := catalog.Parse([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	reg := registry.New(log)
	for _, id := range dests {
		reg.Add(id)
	}
	trig := trigger.New(trigger.Config{Enabled: true, Timezone: "UTC"}, log)
	ad := &fakeAdapter{fail: map[int64][]error{}}
	bus := eventbus.New()

	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 2 * time.Millisecond
	}
	svc := New(cfg, log, ad, reg, cat, trig, bus, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	})
	return &fixture{svc: svc, ad: ad, reg: reg, cat: cat, trig: trig, bus: bus}
}

func promoRule() trigger.Rule {
	return trigger.Rule{Name: "promo-shop", Category: catalog.CategoryPromo, SlotKey: "shop"}
}

func TestDispatchFansOutWithSingleResolve(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 1, 2)

	recs := f.svc.Dispatch(context.Background(), promoRule())
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2 (one per destination)", len(recs))
	}
	for _, r := range recs {
		if r.Outcome != OutcomeSent {
			t.Fatalf("outcome = %s (%s), want sent", r.Outcome, r.Reason)
		}
		if r.ContentRef != "promo/shop#0" {
			t.Fatalf("content = %s, want promo/shop#0 for every destination", r.ContentRef)
		}
	}
	// Fan-out of one firing advances the rotation exactly once.
	if n := f.cat.RotationCount(catalog.CategoryPromo, "shop"); n != 1 {
		t.Fatalf("rotation advanced %d times, want 1", n)
	}

	recs = f.svc.Dispatch(context.Background(), promoRule())
	for _, r := range recs {
		if r.ContentRef != "promo/shop#1" {
			t.Fatalf("second firing content = %s, want promo/shop#1", r.ContentRef)
		}
	}
}

func TestDispatchRecordsDistinctDeliveryIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 1, 2, 3)

	recs := f.svc.Dispatch(context.Background(), promoRule())
	seen := map[string]bool{}
	for _, r := range recs {
		if r.ID == "" || seen[r.ID] {
			t.Fatalf("delivery IDs not unique: %q", r.ID)
		}
		seen[r.ID] = true
		if got, ok := f.svc.Lookup(r.ID); !ok || got.DestinationID != r.DestinationID {
			t.Fatalf("Lookup(%q) = %+v, %v", r.ID, got, ok)
		}
	}
}

func TestTransientErrorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 2}, 1)
	f.ad.fail[1] = []error{kit.Transient(errors.New("429"))}

	recs := f.svc.Dispatch(context.Background(), promoRule())
	if len(recs) != 1 {
		t.Fatalf("records = %d", len(recs))
	}
	if recs[0].Outcome != OutcomeSent {
		t.Fatalf("outcome = %s (%s), want sent", recs[0].Outcome, recs[0].Reason)
	}
	if recs[0].RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", recs[0].RetryCount)
	}
}

func TestZeroValueConfigRetriesTransientErrors(t *testing.T) {
	t.Parallel()
	// The no-dispatch-block production path must still retry: a zero-value
	// config means 2 retries, not none.
	f := newFixture(t, Config{}, 1)
	f.ad.fail[1] = []error{kit.Transient(errors.New("429"))}

	recs := f.svc.Dispatch(context.Background(), promoRule())
	if recs[0].Outcome != OutcomeSent {
		t.Fatalf("outcome = %s (%s), want sent under default retry policy", recs[0].Outcome, recs[0].Reason)
	}
	if recs[0].RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", recs[0].RetryCount)
	}
}

func TestNegativeRetryMaxDisablesRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: -1}, 1)
	f.ad.fail[1] = []error{kit.Transient(errors.New("429"))}

	recs := f.svc.Dispatch(context.Background(), promoRule())
	if recs[0].Outcome != OutcomeFailed || recs[0].RetryCount != 0 {
		t.Fatalf("record = %s/%d, want failed with no retries", recs[0].Outcome, recs[0].RetryCount)
	}
}

func TestTransientErrorExhaustsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 2}, 1)
	boom := kit.Transient(errors.New("boom"))
	f.ad.fail[1] = []error{boom, boom, boom}

	recs := f.svc.Dispatch(context.Background(), promoRule())
	if recs[0].Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", recs[0].Outcome)
	}
	if recs[0].RetryCount != 2 {
		t.Fatalf("retry_count = %d, want 2", recs[0].RetryCount)
	}
	// Destination stays active: transient failures never demote.
	if !f.reg.Active(1) {
		t.Fatal("transient failure demoted the destination")
	}
}

func TestPermanentErrorDemotesDestination(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 2}, 1, 2)
	f.ad.fail[1] = []error{kit.Permanent(errors.New("kicked"))}

	recs := f.svc.Dispatch(context.Background(), promoRule())
	var failed, sent int
	for _, r := range recs {
		switch r.Outcome {
		case OutcomeFailed:
			failed++
			if r.RetryCount != 0 {
				t.Fatalf("permanent error was retried %d times", r.RetryCount)
			}
		case OutcomeSent:
			sent++
		}
	}
	if failed != 1 || sent != 1 {
		t.Fatalf("failed=%d sent=%d, want 1/1", failed, sent)
	}
	if f.reg.Active(1) {
		t.Fatal("destination 1 still active after permanent error")
	}
	if !f.reg.Active(2) {
		t.Fatal("destination 2 wrongly demoted")
	}

	// The demoted destination is skipped on the next cycle.
	recs = f.svc.Dispatch(context.Background(), promoRule())
	if len(recs) != 1 || recs[0].DestinationID != 2 {
		t.Fatalf("second cycle records = %+v, want only destination 2", recs)
	}
}

func TestFatalConfigAbortsCycleAndPublishes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RetryMax: 2}, 1)
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()
	f.ad.fail[1] = []error{kit.FatalConfig(errors.New("401 unauthorized"))}

	recs := f.svc.Dispatch(context.Background(), promoRule())
	if recs[0].Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", recs[0].Outcome)
	}
	if recs[0].RetryCount != 0 {
		t.Fatal("fatal error was retried")
	}

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventbus.TypeDispatchFatal {
				return
			}
		case <-deadline:
			t.Fatal("no dispatch.fatal event published")
		}
	}
}

func TestStopMarksInFlightAsShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{ShutdownGrace: 20 * time.Millisecond}, 1)
	f.ad.block = true

	recCh := make(chan []Record, 1)
	go func() { recCh <- f.svc.Dispatch(context.Background(), promoRule()) }()
	time.Sleep(10 * time.Millisecond) // let the send enter the adapter

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case recs := <-recCh:
		if len(recs) != 1 {
			t.Fatalf("records = %d", len(recs))
		}
		if recs[0].Outcome != OutcomeFailed || recs[0].Reason != ReasonShutdown {
			t.Fatalf("record = %s/%s, want failed/shutdown", recs[0].Outcome, recs[0].Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Dispatch did not return after Stop")
	}
}

func TestSuccessfulPromoArmsFollowUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{FollowUpAfter: 6 * time.Hour}, 1)

	f.svc.Dispatch(context.Background(), promoRule())

	var armed bool
	for _, in := range f.trig.Snapshot() {
		if in.OneShot && in.SlotKey == "shop" {
			armed = true
		}
	}
	if !armed {
		t.Fatal("no follow-up armed after a successful promo delivery")
	}
}

func TestGreetingDoesNotArmFollowUp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{FollowUpAfter: 6 * time.Hour}, 1)

	f.svc.Dispatch(context.Background(), trigger.Rule{Name: "greet", Category: catalog.CategoryGreeting})

	for _, in := range f.trig.Snapshot() {
		if in.OneShot {
			t.Fatal("greeting delivery armed a follow-up")
		}
	}
}

func TestDispatchWithoutDestinationsIsANoOp(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	if recs := f.svc.Dispatch(context.Background(), promoRule()); recs != nil {
		t.Fatalf("records = %+v, want nil", recs)
	}
	// No destinations means the content must not be consumed either.
	if n := f.cat.RotationCount(catalog.CategoryPromo, "shop"); n != 0 {
		t.Fatalf("rotation advanced with no destinations: %d", n)
	}
}

func TestActionButtonsCarryDeliveryID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{}, 1)

	recs := f.svc.Dispatch(context.Background(), promoRule())
	sent := f.ad.sent()
	if len(sent) != 1 || sent[0].opt == nil {
		t.Fatalf("sent = %+v", sent)
	}
	var data string
	for _, b := range sent[0].opt.Buttons {
		if b.Data != "" {
			data = b.Data
		}
	}
	if data != "eng:"+recs[0].ID {
		t.Fatalf("callback data = %q, want eng:%s", data, recs[0].ID)
	}
}

func TestHistoryRingEvictsOldRecords(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{HistorySize: 3}, 1)

	var first string
	for i := 0; i < 4; i++ {
		recs := f.svc.Dispatch(context.Background(), promoRule())
		if i == 0 {
			first = recs[0].ID
		}
	}
	if _, ok := f.svc.Lookup(first); ok {
		t.Fatal("evicted record still resolvable")
	}
	if got := f.svc.History(10); len(got) != 3 {
		t.Fatalf("history = %d, want 3", len(got))
	}
}
