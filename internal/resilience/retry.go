package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetrySettings bounds the retry loop around one upstream call.
type RetrySettings struct {
	MaxAttempts  int // total attempts, including the first
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetrySettings are used when a field is left zero.
var DefaultRetrySettings = RetrySettings{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

func (s RetrySettings) withDefaults() RetrySettings {
	d := DefaultRetrySettings
	if s.MaxAttempts > 0 {
		d.MaxAttempts = s.MaxAttempts
	}
	if s.InitialDelay > 0 {
		d.InitialDelay = s.InitialDelay
	}
	if s.MaxDelay > 0 {
		d.MaxDelay = s.MaxDelay
	}
	return d
}

// StatusError carries an upstream HTTP status so classification does not
// have to parse error strings. Provider drivers wrap API errors in it.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// Transient reports whether an error is worth retrying: timeouts,
// connection failures, 408, 429, and 5xx. Other client errors and
// cancellation are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var open *OpenError
	if errors.As(err, &open) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Status == 408 || se.Status == 429 {
			return true
		}
		if se.Status >= 500 && se.Status < 600 {
			return true
		}
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pat := range []string{"timeout", "connection refused", "connection reset", "temporary", "overloaded"} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	return false
}

// Retry runs fn with jittered exponential backoff. Non-transient errors
// and context cancellation stop the loop immediately; the last error is
// returned when attempts run out.
func Retry(ctx context.Context, settings RetrySettings, fn func(ctx context.Context) error) error {
	s := settings.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.InitialDelay
	bo.MaxInterval = s.MaxDelay
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
