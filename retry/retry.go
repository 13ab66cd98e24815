// Package retry wraps outbound calls with bounded exponential backoff.
//
// Errors are classified as retryable or terminal from the HTTP status code:
// 408/500/502/503/504 retry, 400/401/404 never retry, and anything else not
// explicitly listed is terminal. Transport-level failures (connection reset,
// timeout) are retryable. Cancellation is a distinct outcome, not a failure.
package retry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/storyscan-io/storyscan/errors"
)

const (
	// DefaultMaxAttempts is the total attempt count, first try included
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the backoff delay before the first retry
	DefaultBaseDelay = 1000 * time.Millisecond
)

// HTTPError carries the status code of a failed remote call so the policy
// can classify it.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("remote call failed: HTTP %d", e.StatusCode)
}

// retryableStatuses are the only HTTP statuses worth another attempt.
var retryableStatuses = map[int]bool{
	408: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// IsRetryable reports whether an error is worth another attempt.
// Unlisted HTTP statuses are terminal; unknown error kinds are terminal too,
// except transport-level network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, errors.ErrCanceled) {
		return false
	}
	if errors.Is(err, errors.ErrNoProxyAvailable) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return retryableStatuses[httpErr.StatusCode]
	}

	// Transport-level failures: DNS, connection reset, client timeout
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// Policy executes calls with bounded exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	// sleep is injectable for testing; defaults to a context-aware wait
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy creates a policy with the given bounds. Non-positive values fall
// back to the defaults.
func NewPolicy(maxAttempts int, baseDelay time.Duration) Policy {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		sleep:       sleepCtx,
	}
}

// DefaultPolicy returns the standard 3-attempt, 1s-base policy.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultMaxAttempts, DefaultBaseDelay)
}

// WithSleep returns a copy of the policy using the given wait function.
// Intended for tests.
func (p Policy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

// Do runs fn up to MaxAttempts times. The delay before retry n (1-indexed)
// is BaseDelay * 2^(n-1): 1s, 2s, ... with defaults. Terminal errors are
// surfaced immediately; a canceled context surfaces as ErrCanceled.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return errors.Wrap(errors.ErrCanceled, ctx.Err().Error())
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errors.ErrCanceled) || errors.Is(lastErr, context.Canceled) {
			return errors.Wrap(errors.ErrCanceled, "check canceled")
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.BaseDelay << (attempt - 1)
		if err := sleep(ctx, delay); err != nil {
			return errors.Wrap(errors.ErrCanceled, err.Error())
		}
	}

	return errors.Wrapf(lastErr, "giving up after %d attempts", p.MaxAttempts)
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
