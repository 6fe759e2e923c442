package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	kit "heraldbot/internal/transport"
)

type captureAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *captureAdapter) Start(context.Context, chan<- kit.Update) error       { return nil }
func (a *captureAdapter) Stop(context.Context) error                           { return nil }
func (a *captureAdapter) AnswerCallback(context.Context, string, string) error { return nil }
func (a *captureAdapter) BanMember(context.Context, int64, int64) error        { return nil }
func (a *captureAdapter) ChatMemberOf(context.Context, int64, int64) (kit.MemberRole, error) {
	return kit.RoleMember, nil
}

func (a *captureAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, text)
	return kit.MessageRef{}, nil
}

func (a *captureAdapter) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func newService(t *testing.T, cfg Config) (*Service, *captureAdapter) {
	t.Helper()
	ad := &captureAdapter{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, ad, log, nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, ad
}

func TestSendDeliversWithPriorityPrefix(t *testing.T) {
	t.Parallel()
	s, ad := newService(t, Config{Enabled: true, ChatID: 1, RatePerSec: 100})

	if err := s.Send(context.Background(), Alert{Priority: 9, Text: "dispatch aborted"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := ad.texts(); len(msgs) == 1 {
			if !strings.HasPrefix(msgs[0], "🚨") || !strings.Contains(msgs[0], "dispatch aborted") {
				t.Fatalf("message = %q", msgs[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("alert never delivered")
}

func TestSendDisabledReturnsError(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, Config{Enabled: false})
	if err := s.Send(context.Background(), Alert{Text: "x"}); err != ErrDisabled {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
}

func TestDedupSuppressesWithinWindow(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, Config{Enabled: true, ChatID: 1, DedupWindow: time.Minute})

	key := dedupKey(Alert{Priority: 5, Text: "same"})
	if !s.dedupAllow(key, time.Minute, 100) {
		t.Fatal("first occurrence suppressed")
	}
	if s.dedupAllow(key, time.Minute, 100) {
		t.Fatal("repeat inside window allowed")
	}
	if !s.dedupAllow(dedupKey(Alert{Priority: 6, Text: "same"}), time.Minute, 100) {
		t.Fatal("different priority collided")
	}
}

func TestDedupCacheHonorsCap(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, Config{Enabled: true, ChatID: 1})

	for i := 0; i < 10; i++ {
		s.dedupAllow(dedupKey(Alert{Priority: i, Text: "x"}), time.Hour, 4)
	}
	s.dmu.Lock()
	n := len(s.dedup)
	s.dmu.Unlock()
	if n > 4 {
		t.Fatalf("dedup cache = %d entries, cap 4", n)
	}
}

func TestRetryDelayBackoffIsBoundedWithJitter(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}

	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d delay %v outside [0, %v]", attempt, d, cfg.RetryMaxDelay)
		}
	}
	// First attempt stays near the base (within the jitter band).
	d := retryDelay(cfg, 1)
	if d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band of base", d)
	}
}

func TestPriorityPrefixes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		p    int
		want string
	}{
		{10, "🚨 "}, {9, "🚨 "}, {8, "⚠️ "}, {7, "⚠️ "}, {6, "ℹ️ "}, {5, "ℹ️ "}, {4, ""}, {0, ""},
	}
	for _, tc := range cases {
		if got := prefixForPriority(tc.p); got != tc.want {
			t.Fatalf("prefix(%d) = %q, want %q", tc.p, got, tc.want)
		}
	}
}
