package retry

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyscan-io/storyscan/errors"
)

// recordSleeps replaces the real backoff wait and captures the delays.
func recordSleeps(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestIsRetryable_HTTPStatuses(t *testing.T) {
	retryable := []int{408, 500, 502, 503, 504}
	for _, status := range retryable {
		assert.True(t, IsRetryable(&HTTPError{StatusCode: status}), "HTTP %d should retry", status)
	}

	terminal := []int{400, 401, 403, 404, 418, 422}
	for _, status := range terminal {
		assert.False(t, IsRetryable(&HTTPError{StatusCode: status}), "HTTP %d should not retry", status)
	}
}

func TestIsRetryable_TransportErrors(t *testing.T) {
	urlErr := &url.Error{Op: "Get", URL: "http://example.com", Err: context.DeadlineExceeded}
	assert.True(t, IsRetryable(urlErr))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}

func TestIsRetryable_TerminalKinds(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.ErrCanceled))
	assert.False(t, IsRetryable(errors.ErrNoProxyAvailable))
	assert.False(t, IsRetryable(errors.New("something else")))
}

// Two transient failures then success: delays must be base, then 2x base.
func TestPolicy_RetriesWithExponentialBackoff(t *testing.T) {
	var delays []time.Duration
	policy := NewPolicy(3, 1000*time.Millisecond).WithSleep(recordSleeps(&delays))

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &HTTPError{StatusCode: 500}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, delays)
}

// Every attempt fails transiently: the bound holds and the last error is
// surfaced with the attempt count.
func TestPolicy_GivesUpAfterMaxAttempts(t *testing.T) {
	var delays []time.Duration
	policy := NewPolicy(3, time.Millisecond).WithSleep(recordSleeps(&delays))

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: 503}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, delays, 2)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 503, httpErr.StatusCode)
}

// A 401 never gets a second attempt.
func TestPolicy_TerminalErrorFailsImmediately(t *testing.T) {
	var delays []time.Duration
	policy := NewPolicy(3, time.Millisecond).WithSleep(recordSleeps(&delays))

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return &HTTPError{StatusCode: 401}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, delays)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 401, httpErr.StatusCode)
}

func TestPolicy_NoProxyAvailableNotRetried(t *testing.T) {
	policy := NewPolicy(3, time.Millisecond).WithSleep(recordSleeps(&[]time.Duration{}))

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.ErrNoProxyAvailable
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.Is(err, errors.ErrNoProxyAvailable))
}

// Cancellation surfaces as ErrCanceled, never as a retryable failure.
func TestPolicy_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	policy := DefaultPolicy()
	attempts := 0
	err := policy.Do(ctx, func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, attempts)
	assert.True(t, errors.IsCanceledError(err))
}

func TestPolicy_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	policy := NewPolicy(3, time.Millisecond).WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})

	err := policy.Do(ctx, func(ctx context.Context) error {
		return &HTTPError{StatusCode: 500}
	})

	require.Error(t, err)
	assert.True(t, errors.IsCanceledError(err))
}

func TestPolicy_CanceledResultNotAFailure(t *testing.T) {
	policy := NewPolicy(3, time.Millisecond).WithSleep(recordSleeps(&[]time.Duration{}))

	attempts := 0
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.Wrap(errors.ErrCanceled, "superseded")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.IsCanceledError(err))
}

func TestNewPolicy_Defaults(t *testing.T) {
	policy := NewPolicy(0, 0)
	assert.Equal(t, DefaultMaxAttempts, policy.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, policy.BaseDelay)
}
