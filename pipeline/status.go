package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"minerva_back/ingest"
)

// Pipeline run states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Pipeline stages in execution order.
const (
	StageDiscovering = "discovering"
	StageAcquiring   = "acquiring"
	StageChunking    = "chunking"
	StageEmbedding   = "embedding"
	StageIndexing    = "indexing"
)

// ErrNotFound is returned for unknown or expired pipeline ids.
var ErrNotFound = errors.New("pipeline: not found")

// ErrConflict is returned when an operation targets a pipeline already in a
// terminal state, e.g. cancelling a completed run.
var ErrConflict = errors.New("pipeline: already terminal")

const (
	statusKeyPrefix  = "pipeline:status:"
	logsKeyPrefix    = "pipeline:logs:"
	runningKeyPrefix = "pipeline:running:"

	runningTTL       = 24 * time.Hour
	defaultRetention = time.Hour
	maxLogEntries    = 200
)

// Stats holds the per-stage counters. All counters are additive and never
// reset mid-run.
type Stats struct {
	PagesDiscovered     int `json:"pages_discovered"`
	PagesScraped        int `json:"pages_scraped"`
	PagesFailed         int `json:"pages_failed"`
	ChunksCreated       int `json:"chunks_created"`
	EmbeddingsGenerated int `json:"embeddings_generated"`
	VectorsIndexed      int `json:"vectors_indexed"`
}

// Status is the polling client's view of one pipeline run.
type Status struct {
	PipelineID         string    `json:"pipeline_id"`
	KBID               string    `json:"kb_id"`
	Status             string    `json:"status"`
	CurrentStage       string    `json:"current_stage,omitempty"`
	ProgressPercentage int       `json:"progress_percentage"`
	Stats              Stats     `json:"stats"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Error              string    `json:"error,omitempty"`
}

// Terminal reports whether no further mutation may occur.
func (s *Status) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LogEntry is one line of the append-only pipeline log.
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// StatusStore is the ephemeral key-addressed state the orchestrator writes
// and polling clients read. Implementations enforce two invariants: progress
// never decreases, and terminal entries refuse further mutation.
type StatusStore interface {
	Init(ctx context.Context, pipelineID, kbID string) error
	Get(ctx context.Context, pipelineID string) (*Status, error)
	// Update applies mutate under read-modify-write. It returns ErrConflict
	// without calling mutate when the entry is already terminal.
	Update(ctx context.Context, pipelineID string, mutate func(*Status)) (*Status, error)
	// Cancel flips a queued/running entry to cancelled. Terminal entries
	// yield ErrConflict.
	Cancel(ctx context.Context, pipelineID string) error
	AppendLog(ctx context.Context, pipelineID string, entry LogEntry) error
	Logs(ctx context.Context, pipelineID string, limit int) ([]LogEntry, error)
	// TryAcquire atomically claims the single running slot for a knowledge
	// base. It reports false when another pipeline holds it.
	TryAcquire(ctx context.Context, kbID, pipelineID string) (bool, error)
	Release(ctx context.Context, kbID string) error
}

func statusRetention() time.Duration {
	if raw := strings.TrimSpace(os.Getenv("PIPELINE_STATUS_RETAIN_MINUTES")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Minute
		}
	}
	return defaultRetention
}

// NewStatusStoreFromEnv builds the status store on Redis when available,
// falling back to an in-process map.
func NewStatusStoreFromEnv() StatusStore {
	if client, err := ingest.GetRedisClient(); err == nil && client != nil {
		return &redisStatusStore{client: client, retention: statusRetention()}
	}
	return NewMemoryStatusStore()
}

// applyUpdate enforces the shared mutation rules on a loaded entry.
func applyUpdate(status *Status, mutate func(*Status)) error {
	if status.Terminal() {
		return ErrConflict
	}
	before := status.ProgressPercentage
	mutate(status)
	if status.ProgressPercentage < before {
		status.ProgressPercentage = before
	}
	if status.ProgressPercentage > 100 {
		status.ProgressPercentage = 100
	}
	status.UpdatedAt = time.Now().UTC()
	return nil
}

type redisStatusStore struct {
	client    *redis.Client
	retention time.Duration
}

func (s *redisStatusStore) Init(ctx context.Context, pipelineID, kbID string) error {
	now := time.Now().UTC()
	status := &Status{
		PipelineID: pipelineID,
		KBID:       kbID,
		Status:     StatusQueued,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	return s.write(ctx, status)
}

func (s *redisStatusStore) Get(ctx context.Context, pipelineID string) (*Status, error) {
	data, err := s.client.Get(ctx, statusKeyPrefix+pipelineID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: load status: %w", err)
	}
	var status Status
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("pipeline: decode status: %w", err)
	}
	return &status, nil
}

func (s *redisStatusStore) Update(ctx context.Context, pipelineID string, mutate func(*Status)) (*Status, error) {
	status, err := s.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	if err := applyUpdate(status, mutate); err != nil {
		return nil, err
	}
	if err := s.write(ctx, status); err != nil {
		return nil, err
	}
	return status, nil
}

func (s *redisStatusStore) Cancel(ctx context.Context, pipelineID string) error {
	_, err := s.Update(ctx, pipelineID, func(status *Status) {
		status.Status = StatusCancelled
	})
	return err
}

func (s *redisStatusStore) AppendLog(ctx context.Context, pipelineID string, entry LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pipeline: marshal log entry: %w", err)
	}
	key := logsKeyPrefix + pipelineID
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-maxLogEntries), -1)
	pipe.Expire(ctx, key, runningTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStatusStore) Logs(ctx context.Context, pipelineID string, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > maxLogEntries {
		limit = maxLogEntries
	}
	raw, err := s.client.LRange(ctx, logsKeyPrefix+pipelineID, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pipeline: load logs: %w", err)
	}
	entries := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *redisStatusStore) TryAcquire(ctx context.Context, kbID, pipelineID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, runningKeyPrefix+kbID, pipelineID, runningTTL).Result()
	if err != nil {
		return false, fmt.Errorf("pipeline: acquire running marker: %w", err)
	}
	return ok, nil
}

func (s *redisStatusStore) Release(ctx context.Context, kbID string) error {
	return s.client.Del(ctx, runningKeyPrefix+kbID).Err()
}

func (s *redisStatusStore) write(ctx context.Context, status *Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("pipeline: marshal status: %w", err)
	}
	ttl := runningTTL
	if status.Terminal() {
		// Terminal entries outlive the run by the retention window only.
		ttl = s.retention
	}
	if err := s.client.Set(ctx, statusKeyPrefix+status.PipelineID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("pipeline: store status: %w", err)
	}
	return nil
}

// MemoryStatusStore is the in-process StatusStore used when Redis is not
// configured and by tests.
type MemoryStatusStore struct {
	mu        sync.Mutex
	retention time.Duration
	status    map[string]*Status
	logs      map[string][]LogEntry
	running   map[string]string
}

// NewMemoryStatusStore builds an empty in-process status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{
		retention: statusRetention(),
		status:    make(map[string]*Status),
		logs:      make(map[string][]LogEntry),
		running:   make(map[string]string),
	}
}

// pruneLocked drops terminal entries past the retention window, matching the
// redis TTL behavior so the fallback store stays bounded.
func (s *MemoryStatusStore) pruneLocked(now time.Time) {
	for id, status := range s.status {
		if status.Terminal() && now.Sub(status.UpdatedAt) > s.retention {
			delete(s.status, id)
			delete(s.logs, id)
		}
	}
}

func (s *MemoryStatusStore) Init(_ context.Context, pipelineID, kbID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.pruneLocked(now)
	s.status[pipelineID] = &Status{
		PipelineID: pipelineID,
		KBID:       kbID,
		Status:     StatusQueued,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, pipelineID string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now().UTC())
	status, ok := s.status[pipelineID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *status
	return &clone, nil
}

func (s *MemoryStatusStore) Update(_ context.Context, pipelineID string, mutate func(*Status)) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.status[pipelineID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyUpdate(status, mutate); err != nil {
		return nil, err
	}
	clone := *status
	return &clone, nil
}

func (s *MemoryStatusStore) Cancel(ctx context.Context, pipelineID string) error {
	_, err := s.Update(ctx, pipelineID, func(status *Status) {
		status.Status = StatusCancelled
	})
	return err
}

func (s *MemoryStatusStore) AppendLog(_ context.Context, pipelineID string, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append(s.logs[pipelineID], entry)
	if len(entries) > maxLogEntries {
		entries = entries[len(entries)-maxLogEntries:]
	}
	s.logs[pipelineID] = entries
	return nil
}

func (s *MemoryStatusStore) Logs(_ context.Context, pipelineID string, limit int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[pipelineID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	result := make([]LogEntry, len(entries))
	copy(result, entries)
	return result, nil
}

func (s *MemoryStatusStore) TryAcquire(_ context.Context, kbID, pipelineID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.running[kbID]; held {
		return false, nil
	}
	s.running[kbID] = pipelineID
	return true, nil
}

func (s *MemoryStatusStore) Release(_ context.Context, kbID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, kbID)
	return nil
}
