// Package ratelimit bounds outbound profile checks, process-wide.
//
// Two independent limits apply: a sliding one-minute window on check starts
// (profiles_per_minute) and a cap on concurrent in-flight checks
// (thread_count). A slot must be acquired before every check and released
// unconditionally after it, success or failure.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/storyscan-io/storyscan/errors"
)

// Limiter enforces max calls per time window using a sliding window,
// plus a concurrency bound via a counting semaphore.
type Limiter struct {
	maxPerMinute int
	window       time.Duration
	slots        chan struct{}
	mu           sync.Mutex
	callTimes    []time.Time
	timeNow      func() time.Time // Injectable for testing
}

// New creates a limiter with real time.
func New(maxPerMinute, maxConcurrent int) *Limiter {
	return NewWithClock(maxPerMinute, maxConcurrent, time.Now)
}

// NewWithClock creates a limiter with an injectable clock (for testing).
func NewWithClock(maxPerMinute, maxConcurrent int, timeNow func() time.Time) *Limiter {
	if maxPerMinute < 1 {
		maxPerMinute = 1
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		maxPerMinute: maxPerMinute,
		window:       60 * time.Second, // 1 minute window
		slots:        make(chan struct{}, maxConcurrent),
		callTimes:    make([]time.Time, 0, maxPerMinute),
		timeNow:      timeNow,
	}
}

// allow checks if a call is allowed under the per-minute window and records
// it when so. Returns error if the window is full.
func (r *Limiter) allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)

	if len(r.callTimes) >= r.maxPerMinute {
		err := errors.Newf("rate limit exceeded: %d calls per minute (limit: %d)",
			len(r.callTimes), r.maxPerMinute)
		err = errors.WithDetail(err, fmt.Sprintf("Current calls in window: %d", len(r.callTimes)))
		err = errors.WithDetail(err, fmt.Sprintf("Max calls per minute: %d", r.maxPerMinute))
		return err
	}

	r.callTimes = append(r.callTimes, now)
	return nil
}

// Acquire blocks until both a concurrency slot and window capacity are free,
// or the context is done. Callers must Release() the slot afterwards.
func (r *Limiter) Acquire(ctx context.Context) error {
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		if err := r.allow(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			// Give the concurrency slot back - the check never started
			<-r.slots
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			// Retry after short delay
		}
	}
}

// Release frees the concurrency slot taken by Acquire.
func (r *Limiter) Release() {
	select {
	case <-r.slots:
	default:
		// Release without Acquire is a programming error; don't block on it
	}
}

// removeExpiredCalls removes call timestamps that are outside the sliding window.
// Must be called with lock held.
func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)

	// Count expired calls from front (timestamps are ordered)
	expired := 0
	for _, callTime := range r.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.callTimes = r.callTimes[expired:]
}

// Reset clears the window state.
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callTimes = r.callTimes[:0]
}

// Stats returns current limiter statistics.
func (r *Limiter) Stats() (callsInWindow int, remaining int, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)

	callsInWindow = len(r.callTimes)
	remaining = r.maxPerMinute - callsInWindow
	if remaining < 0 {
		remaining = 0
	}

	return callsInWindow, remaining, len(r.slots)
}
