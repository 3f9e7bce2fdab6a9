package install

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// maxBackoff caps the delay between install retries.
const maxBackoff = 30 * time.Second

// backoffMultiplier doubles the delay after each failed attempt.
const backoffMultiplier = 2.0

// Do runs op and retries transient failures up to maxRetries more times
// with exponential backoff. The first failure's error is returned when
// attempts are exhausted or a non-transient failure occurs. Context
// cancellation during a backoff wait aborts with the context's error.
func Do(ctx context.Context, maxRetries int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	base := defaultDelay(baseDelay)

	var first error
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if first == nil {
			first = err
		}
		if attempt >= maxRetries || !Transient(err) {
			return first
		}

		select {
		case <-time.After(Backoff(attempt+1, base, maxBackoff, backoffMultiplier)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Backoff returns the delay before the given retry attempt (1-based),
// growing geometrically from initial and capped at max.
func Backoff(attempt int, initial, max time.Duration, multiplier float64) time.Duration {
	if attempt <= 1 {
		return initial
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

// transientMarkers are lowercase substrings that mark an error message as
// transient when typed inspection cannot classify it. They cover the
// spellings surfaced by package managers and HTTP proxies.
var transientMarkers = []string{
	"econnreset",
	"econnrefused",
	"etimedout",
	"eagain",
	"ebusy",
	"socket hang up",
	"connection reset",
	"too many requests",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"request timeout",
	"network timeout",
	"i/o timeout",
	"temporarily unavailable",
}

// Transient reports whether err is worth retrying: network resets and
// timeouts, throttling and server-side HTTP failures, and busy/again
// filesystem conditions. Deliberate cancellation is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ETIMEDOUT,
			syscall.EAGAIN, syscall.EBUSY:
			return true
		}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
