package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound covers missing drafts and missing durable records. An expired
// draft is indistinguishable from one that never existed.
var ErrNotFound = errors.New("ingest: not found")

const (
	draftKeyPrefix  = "ingest:draft:"
	defaultDraftTTL = 6 * time.Hour

	defaultCrawlPages = 10
	maxCrawlPages     = 100
	defaultCrawlDepth = 2
	maxCrawlDepth     = 5
)

// draftKV is the ephemeral TTL-backed mapping under the staging store.
type draftKV interface {
	put(ctx context.Context, id string, draft *Draft) error
	get(ctx context.Context, id string) (*Draft, error)
	delete(ctx context.Context, id string) error
}

// Stager holds in-progress knowledge-base configuration before commit.
// Mutations are read-modify-write against single keys; a later write wins
// under concurrent writers to the same draft.
type Stager struct {
	kv draftKV
}

// NewStagerFromEnv builds a Stager on Redis when available, falling back to
// an in-process map. INGEST_DRAFT_TTL_MINUTES overrides the 6h default.
func NewStagerFromEnv() *Stager {
	ttl := defaultDraftTTL
	if raw := strings.TrimSpace(os.Getenv("INGEST_DRAFT_TTL_MINUTES")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			ttl = time.Duration(parsed) * time.Minute
		}
	}
	if client, err := GetRedisClient(); err == nil && client != nil {
		return &Stager{kv: &redisDraftKV{client: client, ttl: ttl}}
	}
	return &Stager{kv: newMemoryDraftKV(ttl)}
}

// NewMemoryStager builds a Stager on an in-process map. Used by tests.
func NewMemoryStager(ttl time.Duration) *Stager {
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}
	return &Stager{kv: newMemoryDraftKV(ttl)}
}

// DraftInput carries the caller-supplied fields of a new draft.
type DraftInput struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Chunking    ChunkingConfig  `json:"chunking"`
	Embedding   EmbeddingConfig `json:"embedding"`
}

// ConfigPatch updates a subset of a draft's mutable fields.
type ConfigPatch struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	Chunking    *ChunkingConfig  `json:"chunking"`
	Embedding   *EmbeddingConfig `json:"embedding"`
}

// CreateDraft stages a new draft and returns its opaque identifier.
func (s *Stager) CreateDraft(ctx context.Context, workspaceID, createdBy string, input DraftInput) (string, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return "", errors.New("ingest: draft name is required")
	}
	if strings.TrimSpace(workspaceID) == "" {
		return "", errors.New("ingest: workspace id is required")
	}

	now := time.Now().UTC()
	draft := &Draft{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		CreatedBy:   createdBy,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Sources:     []SourceSpec{},
		Chunking:    normalizeChunking(input.Chunking),
		Embedding:   input.Embedding,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.kv.put(ctx, draft.ID, draft); err != nil {
		return "", err
	}
	return draft.ID, nil
}

// AddSource appends a validated source and returns its index.
func (s *Stager) AddSource(ctx context.Context, draftID string, spec SourceSpec) (int, error) {
	sanitized, err := sanitizeSource(spec)
	if err != nil {
		return 0, err
	}

	draft, err := s.kv.get(ctx, draftID)
	if err != nil {
		return 0, err
	}
	draft.Sources = append(draft.Sources, sanitized)
	draft.UpdatedAt = time.Now().UTC()
	if err := s.kv.put(ctx, draftID, draft); err != nil {
		return 0, err
	}
	return len(draft.Sources) - 1, nil
}

// RemoveSource drops the source at index.
func (s *Stager) RemoveSource(ctx context.Context, draftID string, index int) error {
	draft, err := s.kv.get(ctx, draftID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(draft.Sources) {
		return fmt.Errorf("ingest: source index %d out of range", index)
	}
	draft.Sources = append(draft.Sources[:index], draft.Sources[index+1:]...)
	draft.UpdatedAt = time.Now().UTC()
	return s.kv.put(ctx, draftID, draft)
}

// UpdateConfig applies a partial update to the draft's configuration.
func (s *Stager) UpdateConfig(ctx context.Context, draftID string, patch ConfigPatch) error {
	draft, err := s.kv.get(ctx, draftID)
	if err != nil {
		return err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return errors.New("ingest: draft name cannot be empty")
		}
		draft.Name = name
	}
	if patch.Description != nil {
		draft.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Chunking != nil {
		draft.Chunking = normalizeChunking(*patch.Chunking)
	}
	if patch.Embedding != nil {
		draft.Embedding = *patch.Embedding
	}
	draft.UpdatedAt = time.Now().UTC()
	return s.kv.put(ctx, draftID, draft)
}

// GetDraft fetches a draft, returning ErrNotFound for missing or expired ids.
func (s *Stager) GetDraft(ctx context.Context, draftID string) (*Draft, error) {
	return s.kv.get(ctx, draftID)
}

// DeleteDraft removes a draft. Deleting a missing draft is not an error.
func (s *Stager) DeleteDraft(ctx context.Context, draftID string) error {
	return s.kv.delete(ctx, draftID)
}

func normalizeChunking(config ChunkingConfig) ChunkingConfig {
	config.Strategy = strings.ToLower(strings.TrimSpace(config.Strategy))
	if config.Strategy == "" {
		config.Strategy = "sentence"
	}
	if config.Size == 0 {
		config.Size = 800
	}
	return config
}

func sanitizeSource(spec SourceSpec) (SourceSpec, error) {
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	switch kind {
	case SourceKindWeb:
		trimmed := strings.TrimSpace(spec.URL)
		parsed, err := url.Parse(trimmed)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return SourceSpec{}, fmt.Errorf("ingest: invalid web source URL %q", spec.URL)
		}
		pages := spec.MaxPages
		if pages <= 0 {
			pages = defaultCrawlPages
		}
		if pages > maxCrawlPages {
			pages = maxCrawlPages
		}
		depth := spec.MaxDepth
		if depth <= 0 {
			depth = defaultCrawlDepth
		}
		if depth > maxCrawlDepth {
			depth = maxCrawlDepth
		}
		return SourceSpec{Kind: kind, URL: trimmed, MaxPages: pages, MaxDepth: depth}, nil
	case SourceKindFile:
		key := strings.TrimSpace(spec.ObjectKey)
		if key == "" {
			return SourceSpec{}, errors.New("ingest: file source requires an object key")
		}
		name := strings.TrimSpace(spec.FileName)
		if name == "" {
			name = key
		}
		return SourceSpec{Kind: kind, ObjectKey: key, FileName: name}, nil
	case SourceKindText:
		content := strings.TrimSpace(spec.Content)
		if content == "" {
			return SourceSpec{}, errors.New("ingest: text source requires content")
		}
		title := strings.TrimSpace(spec.Title)
		if title == "" {
			title = "untitled"
		}
		return SourceSpec{Kind: kind, Title: title, Content: content}, nil
	default:
		return SourceSpec{}, fmt.Errorf("ingest: unknown source kind %q", spec.Kind)
	}
}

type redisDraftKV struct {
	client *redis.Client
	ttl    time.Duration
}

func (kv *redisDraftKV) put(ctx context.Context, id string, draft *Draft) error {
	payload, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("ingest: marshal draft: %w", err)
	}
	if err := kv.client.Set(ctx, draftKeyPrefix+id, payload, kv.ttl).Err(); err != nil {
		return fmt.Errorf("ingest: store draft: %w", err)
	}
	return nil
}

func (kv *redisDraftKV) get(ctx context.Context, id string) (*Draft, error) {
	data, err := kv.client.Get(ctx, draftKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: load draft: %w", err)
	}
	var draft Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		return nil, fmt.Errorf("ingest: decode draft: %w", err)
	}
	return &draft, nil
}

func (kv *redisDraftKV) delete(ctx context.Context, id string) error {
	return kv.client.Del(ctx, draftKeyPrefix+id).Err()
}

type memoryDraftEntry struct {
	draft     Draft
	expiresAt time.Time
}

type memoryDraftKV struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryDraftEntry
}

func newMemoryDraftKV(ttl time.Duration) *memoryDraftKV {
	return &memoryDraftKV{ttl: ttl, entries: make(map[string]memoryDraftEntry)}
}

func (kv *memoryDraftKV) put(_ context.Context, id string, draft *Draft) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[id] = memoryDraftEntry{draft: *draft, expiresAt: time.Now().Add(kv.ttl)}
	return nil
}

func (kv *memoryDraftKV) get(_ context.Context, id string) (*Draft, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entry, ok := kv.entries[id]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(kv.entries, id)
		return nil, ErrNotFound
	}
	draft := entry.draft
	return &draft, nil
}

func (kv *memoryDraftKV) delete(_ context.Context, id string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, id)
	return nil
}
