package telegram

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "heraldbot/internal/transport"
)

// classify maps telebot/Bot API failures onto the gateway error taxonomy.
//
// Policy:
//   - 429 flood waits and network/timeout failures are transient;
//   - 403 (bot blocked/kicked) and 400 "chat not found"/"kicked"/"deactivated"
//     are permanent for that chat;
//   - 401/404 mean the token is wrong: fatal config.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.GatewayError{
			Class:      kit.ClassTransient,
			RetryAfter: time.Duration(fe.RetryAfter) * time.Second,
			Err:        err,
		}
	}

	var te *tele.Error
	if errors.As(err, &te) {
		desc := strings.ToLower(te.Description)
		switch {
		case te.Code == 401 || te.Code == 404:
			return kit.FatalConfig(err)
		case te.Code == 429:
			return kit.Transient(err)
		case te.Code == 403:
			return kit.Permanent(err)
		case te.Code == 400 && (strings.Contains(desc, "chat not found") ||
			strings.Contains(desc, "group chat was upgraded") ||
			strings.Contains(desc, "user is deactivated")):
			return kit.Permanent(err)
		case te.Code >= 500:
			return kit.Transient(err)
		default:
			// Other 400s are request defects; retrying won't change the
			// payload, so treat them as permanent for this destination.
			return kit.Permanent(err)
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return kit.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kit.Transient(err)
	}
	return kit.Transient(err)
}
