package retry

import (
	"context"
	"sync"
)

// Canceler tracks in-flight calls by caller-supplied key. Binding a new call
// to a key cancels the previous one immediately, so a superseded call aborts
// with no further retries and surfaces as a Canceled outcome.
type Canceler struct {
	mu     sync.Mutex
	nextID uint64
	active map[string]cancelEntry
}

type cancelEntry struct {
	id     uint64
	cancel context.CancelFunc
}

// NewCanceler creates an empty cancellation registry.
func NewCanceler() *Canceler {
	return &Canceler{
		active: make(map[string]cancelEntry),
	}
}

// Bind derives a cancelable context for a call identified by key, canceling
// any in-flight call bound to the same key first. The returned release
// function must be called when the call finishes.
func (c *Canceler) Bind(ctx context.Context, key string) (context.Context, func()) {
	callCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if prev, ok := c.active[key]; ok {
		prev.cancel()
	}
	c.nextID++
	id := c.nextID
	c.active[key] = cancelEntry{id: id, cancel: cancel}
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		// A newer call may have replaced the entry already; only remove ours
		if current, ok := c.active[key]; ok && current.id == id {
			delete(c.active, key)
		}
		c.mu.Unlock()
		cancel()
	}
	return callCtx, release
}

// Cancel aborts the in-flight call bound to key, if any.
func (c *Canceler) Cancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.active[key]; ok {
		entry.cancel()
		delete(c.active, key)
	}
}

// CancelAll aborts every in-flight call. Used at shutdown.
func (c *Canceler) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.active {
		entry.cancel()
		delete(c.active, key)
	}
}
