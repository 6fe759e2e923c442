package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorClass partitions gateway failures by the retry policy they deserve.
type ErrorClass int

const (
	// ClassTransient: rate limits, timeouts, flaky network. Retry locally.
	ClassTransient ErrorClass = iota
	// ClassPermanent: chat gone, bot blocked or kicked. Do not retry;
	// the destination should stop receiving deliveries.
	ClassPermanent
	// ClassFatalConfig: bad credentials. Abort the whole dispatch cycle and
	// surface to the operator.
	ClassFatalConfig
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// GatewayError wraps a platform error with its retry class.
type GatewayError struct {
	Class      ErrorClass
	RetryAfter time.Duration // optional hint (rate limits)
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("gateway error (%s)", e.Class)
	}
	return fmt.Sprintf("gateway error (%s): %v", e.Class, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func Transient(err error) *GatewayError {
	return &GatewayError{Class: ClassTransient, Err: err}
}

func Permanent(err error) *GatewayError {
	return &GatewayError{Class: ClassPermanent, Err: err}
}

func FatalConfig(err error) *GatewayError {
	return &GatewayError{Class: ClassFatalConfig, Err: err}
}

// Classify returns the error class of err. Unknown errors (including plain
// network failures) are treated as transient so the retry policy gets a
// chance; adapters should wrap everything they can identify.
func Classify(err error) ErrorClass {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Class
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassTransient
}

// RetryAfterHint extracts a rate-limit wait hint, if the gateway provided one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.RetryAfter > 0 {
		return ge.RetryAfter, true
	}
	return 0, false
}
