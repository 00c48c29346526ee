package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusInitAndGet(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, "pipe-1", "kb-1"))

	status, err := store.Get(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, "pipe-1", status.PipelineID)
	assert.Equal(t, "kb-1", status.KBID)
	assert.Equal(t, StatusQueued, status.Status)
	assert.Equal(t, 0, status.ProgressPercentage)
	assert.False(t, status.Terminal())

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusProgressNeverDecreases(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "pipe-1", "kb-1"))

	_, err := store.Update(ctx, "pipe-1", func(s *Status) { s.ProgressPercentage = 40 })
	require.NoError(t, err)

	status, err := store.Update(ctx, "pipe-1", func(s *Status) { s.ProgressPercentage = 25 })
	require.NoError(t, err)
	assert.Equal(t, 40, status.ProgressPercentage)

	status, err = store.Update(ctx, "pipe-1", func(s *Status) { s.ProgressPercentage = 250 })
	require.NoError(t, err)
	assert.Equal(t, 100, status.ProgressPercentage)
}

func TestStatusTerminalRefusesMutation(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "pipe-1", "kb-1"))

	_, err := store.Update(ctx, "pipe-1", func(s *Status) { s.Status = StatusCompleted })
	require.NoError(t, err)

	_, err = store.Update(ctx, "pipe-1", func(s *Status) { s.Stats.PagesScraped++ })
	assert.ErrorIs(t, err, ErrConflict)

	err = store.Cancel(ctx, "pipe-1")
	assert.ErrorIs(t, err, ErrConflict)

	status, err := store.Get(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 0, status.Stats.PagesScraped)
}

func TestStatusCancelFlipsRunningEntry(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "pipe-1", "kb-1"))

	_, err := store.Update(ctx, "pipe-1", func(s *Status) {
		s.Status = StatusRunning
		s.CurrentStage = StageAcquiring
	})
	require.NoError(t, err)

	require.NoError(t, store.Cancel(ctx, "pipe-1"))

	status, err := store.Get(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status.Status)
	assert.True(t, status.Terminal())

	assert.ErrorIs(t, store.Cancel(ctx, "missing"), ErrNotFound)
}

func TestStatusUpdateTimestamps(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()
	require.NoError(t, store.Init(ctx, "pipe-1", "kb-1"))

	before, err := store.Get(ctx, "pipe-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	after, err := store.Update(ctx, "pipe-1", func(s *Status) { s.Stats.ChunksCreated = 3 })
	require.NoError(t, err)

	assert.True(t, after.UpdatedAt.After(before.UpdatedAt) || after.UpdatedAt.Equal(before.UpdatedAt))
	assert.Equal(t, before.StartedAt, after.StartedAt)
	assert.Equal(t, 3, after.Stats.ChunksCreated)
}

func TestLogsAppendAndTrim(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()

	for i := 0; i < maxLogEntries+25; i++ {
		require.NoError(t, store.AppendLog(ctx, "pipe-1", LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     "info",
			Message:   "entry",
		}))
	}

	entries, err := store.Logs(ctx, "pipe-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, maxLogEntries)

	limited, err := store.Logs(ctx, "pipe-1", 10)
	require.NoError(t, err)
	assert.Len(t, limited, 10)
}

func TestTerminalEntriesPrunedAfterRetention(t *testing.T) {
	store := NewMemoryStatusStore()
	store.retention = time.Millisecond
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, "pipe-1", "kb-1"))
	_, err := store.Update(ctx, "pipe-1", func(s *Status) { s.Status = StatusCompleted })
	require.NoError(t, err)
	require.NoError(t, store.AppendLog(ctx, "pipe-1", LogEntry{Level: "info", Message: "done"}))

	// A non-terminal entry outlives the retention window.
	require.NoError(t, store.Init(ctx, "pipe-2", "kb-2"))

	time.Sleep(5 * time.Millisecond)

	_, err = store.Get(ctx, "pipe-1")
	assert.ErrorIs(t, err, ErrNotFound)
	store.mu.Lock()
	_, kept := store.logs["pipe-1"]
	store.mu.Unlock()
	assert.False(t, kept)

	_, err = store.Get(ctx, "pipe-2")
	assert.NoError(t, err)
}

func TestRunningMarkerSingleHolder(t *testing.T) {
	store := NewMemoryStatusStore()
	ctx := context.Background()

	ok, err := store.TryAcquire(ctx, "kb-1", "pipe-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryAcquire(ctx, "kb-1", "pipe-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different knowledge base is unaffected.
	ok, err = store.TryAcquire(ctx, "kb-2", "pipe-3")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Release(ctx, "kb-1"))
	ok, err = store.TryAcquire(ctx, "kb-1", "pipe-4")
	require.NoError(t, err)
	assert.True(t, ok)
}
