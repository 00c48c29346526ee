package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/panjf2000/ants/v2"

	"minerva_back/ingest"
)

// Runner executes one pipeline job to completion. Satisfied by Orchestrator.
type Runner interface {
	Run(ctx context.Context, kbID string, pipelineID string)
}

// Queue dispatches committed knowledge bases onto a bounded worker pool. One
// job occupies one slot; the per-KB running marker is claimed here, at
// enqueue time, so a second commit for an active KB is rejected rather than
// queued behind it.
type Queue struct {
	pool   *ants.Pool
	status StatusStore
	runner Runner
}

// WorkersFromEnv reads PIPELINE_WORKERS, defaulting to 4.
func WorkersFromEnv() int {
	if raw := strings.TrimSpace(os.Getenv("PIPELINE_WORKERS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return 4
}

// NewQueue builds a queue with the given worker count.
func NewQueue(status StatusStore, runner Runner, workers int) (*Queue, error) {
	if status == nil {
		return nil, errors.New("pipeline: status store is required")
	}
	if runner == nil {
		return nil, errors.New("pipeline: runner is required")
	}
	if workers <= 0 {
		workers = 4
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create worker pool: %w", err)
	}
	return &Queue{pool: pool, status: status, runner: runner}, nil
}

// Enqueue claims the KB's running slot, initializes the queued status entry
// and submits the job. Implements ingest.Enqueuer.
func (q *Queue) Enqueue(ctx context.Context, kbID string, pipelineID string) error {
	ok, err := q.status.TryAcquire(ctx, kbID, pipelineID)
	if err != nil {
		return err
	}
	if !ok {
		return ingest.ErrConflict
	}

	if err := q.status.Init(ctx, pipelineID, kbID); err != nil {
		q.release(kbID)
		return fmt.Errorf("pipeline: init status for %s: %w", pipelineID, err)
	}

	// The hand-off is asynchronous: with every worker slot busy the job
	// waits in the queued state instead of blocking the committing request.
	// The job outlives that request, so it must not inherit its context.
	go func() {
		err := q.pool.Submit(func() {
			q.runner.Run(context.Background(), kbID, pipelineID)
		})
		if err == nil {
			return
		}
		log.Printf("pipeline: submit job for %s failed: %v", pipelineID, err)
		if _, updateErr := q.status.Update(context.Background(), pipelineID, func(status *Status) {
			status.Status = StatusFailed
			status.Error = "pipeline queue unavailable"
		}); updateErr != nil && !errors.Is(updateErr, ErrNotFound) {
			log.Printf("pipeline: mark %s failed: %v", pipelineID, updateErr)
		}
		q.release(kbID)
	}()
	return nil
}

// Release frees the worker pool. The queue should not be used afterwards.
func (q *Queue) Release() {
	if q.pool != nil {
		q.pool.Release()
	}
}

func (q *Queue) release(kbID string) {
	if err := q.status.Release(context.Background(), kbID); err != nil {
		log.Printf("pipeline: release running marker for %s failed: %v", kbID, err)
	}
}
