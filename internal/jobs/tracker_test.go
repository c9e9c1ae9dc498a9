package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTrackerExclusivity(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	ok, err := tracker.TryStart(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim for the same provider loses.
	ok, err = tracker.TryStart(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different provider is unaffected.
	ok, err = tracker.TryStart(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, tracker.Finish(ctx, "p1"))
	ok, err = tracker.TryStart(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryTrackerRunningCount(t *testing.T) {
	tracker := NewMemoryTracker()
	ctx := context.Background()

	count, err := tracker.RunningCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	tracker.TryStart(ctx, "p1")
	tracker.TryStart(ctx, "p2")

	count, err = tracker.RunningCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	tracker.Finish(ctx, "p1")
	count, err = tracker.RunningCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
