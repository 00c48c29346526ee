package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minerva_back/ingest"
)

type recordingRunner struct {
	started chan string
}

func (r *recordingRunner) Run(_ context.Context, kbID string, _ string) {
	r.started <- kbID
}

func TestQueueEnqueueRunsJob(t *testing.T) {
	store := NewMemoryStatusStore()
	runner := &recordingRunner{started: make(chan string, 2)}
	queue, err := NewQueue(store, runner, 2)
	require.NoError(t, err)
	defer queue.Release()

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, "kb-1", "pipe-1"))

	select {
	case kbID := <-runner.started:
		assert.Equal(t, "kb-1", kbID)
	case <-time.After(time.Second):
		t.Fatal("runner was not invoked")
	}

	status, err := store.Get(ctx, "pipe-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status.Status)
}

type blockingRunner struct {
	started chan string
	release chan struct{}
}

func (r *blockingRunner) Run(_ context.Context, kbID string, _ string) {
	r.started <- kbID
	<-r.release
}

func TestQueueEnqueueDoesNotBlockWhenWorkersBusy(t *testing.T) {
	store := NewMemoryStatusStore()
	runner := &blockingRunner{started: make(chan string, 2), release: make(chan struct{})}
	queue, err := NewQueue(store, runner, 1)
	require.NoError(t, err)
	defer queue.Release()

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, "kb-1", "pipe-1"))
	<-runner.started

	// The single worker slot is held; the second commit must still return
	// promptly with its job queued.
	done := make(chan error, 1)
	go func() { done <- queue.Enqueue(ctx, "kb-2", "pipe-2") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a busy worker pool")
	}

	status, err := store.Get(ctx, "pipe-2")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status.Status)

	close(runner.release)
	select {
	case kbID := <-runner.started:
		assert.Equal(t, "kb-2", kbID)
	case <-time.After(time.Second):
		t.Fatal("queued job never ran")
	}
}

func TestQueueRejectsConcurrentRunsPerKB(t *testing.T) {
	store := NewMemoryStatusStore()
	runner := &recordingRunner{started: make(chan string, 4)}
	queue, err := NewQueue(store, runner, 2)
	require.NoError(t, err)
	defer queue.Release()

	ctx := context.Background()
	require.NoError(t, queue.Enqueue(ctx, "kb-1", "pipe-1"))

	// The first run still holds the marker.
	err = queue.Enqueue(ctx, "kb-1", "pipe-2")
	assert.ErrorIs(t, err, ingest.ErrConflict)

	// Another knowledge base is unaffected.
	require.NoError(t, queue.Enqueue(ctx, "kb-2", "pipe-3"))

	// After release the slot opens again.
	require.NoError(t, store.Release(ctx, "kb-1"))
	require.NoError(t, queue.Enqueue(ctx, "kb-1", "pipe-4"))
}
