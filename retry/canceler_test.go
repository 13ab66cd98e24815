package retry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanceler_BindReturnsLiveContext(t *testing.T) {
	c := NewCanceler()

	ctx, release := c.Bind(context.Background(), "batch1/profile1")
	defer release()

	require.NoError(t, ctx.Err())
}

// Binding the same key again cancels the superseded call.
func TestCanceler_SupersedesSameKey(t *testing.T) {
	c := NewCanceler()

	first, release1 := c.Bind(context.Background(), "batch1/profile1")
	defer release1()

	second, release2 := c.Bind(context.Background(), "batch1/profile1")
	defer release2()

	assert.Error(t, first.Err())
	assert.NoError(t, second.Err())
}

func TestCanceler_DifferentKeysIndependent(t *testing.T) {
	c := NewCanceler()

	first, release1 := c.Bind(context.Background(), "batch1/profile1")
	defer release1()

	second, release2 := c.Bind(context.Background(), "batch1/profile2")
	defer release2()

	assert.NoError(t, first.Err())
	assert.NoError(t, second.Err())
}

func TestCanceler_Cancel(t *testing.T) {
	c := NewCanceler()

	ctx, release := c.Bind(context.Background(), "batch1/profile1")
	defer release()

	c.Cancel("batch1/profile1")
	assert.Error(t, ctx.Err())

	// Unknown key is a no-op
	c.Cancel("batch1/unknown")
}

func TestCanceler_CancelAll(t *testing.T) {
	c := NewCanceler()

	first, release1 := c.Bind(context.Background(), "a")
	defer release1()
	second, release2 := c.Bind(context.Background(), "b")
	defer release2()

	c.CancelAll()

	assert.Error(t, first.Err())
	assert.Error(t, second.Err())
}

// A stale release must not evict the replacement bound under the same key.
func TestCanceler_StaleReleaseKeepsReplacement(t *testing.T) {
	c := NewCanceler()

	_, release1 := c.Bind(context.Background(), "batch1/profile1")
	second, release2 := c.Bind(context.Background(), "batch1/profile1")
	defer release2()

	// First call finishes late; its release must not touch the second binding
	release1()

	c.Cancel("batch1/profile1")
	assert.Error(t, second.Err())
}
