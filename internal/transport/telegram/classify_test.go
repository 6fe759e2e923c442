package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "heraldbot/internal/transport"
)

func classOf(t *testing.T, err error) kit.ErrorClass {
	t.Helper()
	wrapped := classify(err)
	if wrapped == nil {
		t.Fatal("classify(non-nil) returned nil")
	}
	return kit.Classify(wrapped)
}

func TestClassifyFloodWaitIsTransientWithHint(t *testing.T) {
	t.Parallel()
	err := classify(tele.FloodError{Error: &tele.Error{Code: 429, Description: "Too Many Requests"}, RetryAfter: 17})
	if kit.Classify(err) != kit.ClassTransient {
		t.Fatalf("flood wait class = %s", kit.Classify(err))
	}
	hint, ok := kit.RetryAfterHint(err)
	if !ok || hint != 17*time.Second {
		t.Fatalf("hint = %v, %v; want 17s", hint, ok)
	}
}

func TestClassifyByCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  *tele.Error
		want kit.ErrorClass
	}{
		{"unauthorized", &tele.Error{Code: 401, Description: "Unauthorized"}, kit.ClassFatalConfig},
		{"not found", &tele.Error{Code: 404, Description: "Not Found"}, kit.ClassFatalConfig},
		{"forbidden", &tele.Error{Code: 403, Description: "Forbidden: bot was kicked"}, kit.ClassPermanent},
		{"chat gone", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}, kit.ClassPermanent},
		{"chat upgraded", &tele.Error{Code: 400, Description: "Bad Request: group chat was upgraded to a supergroup chat"}, kit.ClassPermanent},
		{"bad markup", &tele.Error{Code: 400, Description: "Bad Request: can't parse entities"}, kit.ClassPermanent},
		{"server error", &tele.Error{Code: 502, Description: "Bad Gateway"}, kit.ClassTransient},
		{"rate limit", &tele.Error{Code: 429, Description: "Too Many Requests"}, kit.ClassTransient},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classOf(t, tc.err); got != tc.want {
				t.Fatalf("class = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClassifyFallbacksAreTransient(t *testing.T) {
	t.Parallel()
	if got := classOf(t, context.DeadlineExceeded); got != kit.ClassTransient {
		t.Fatalf("deadline class = %s", got)
	}
	if got := classOf(t, errors.New("connection reset by peer")); got != kit.ClassTransient {
		t.Fatalf("plain error class = %s", got)
	}
}
