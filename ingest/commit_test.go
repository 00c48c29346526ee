package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeQueue struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, kbID string, pipelineID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.calls = append(q.calls, kbID+"/"+pipelineID)
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := OpenDatabase("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

func stageCommittableDraft(t *testing.T, stager *Stager, sources ...SourceSpec) string {
	t.Helper()
	ctx := context.Background()
	draftID, err := stager.CreateDraft(ctx, "ws-1", "user-1", DraftInput{
		Name:      "product docs",
		Embedding: EmbeddingConfig{Model: "text-embedding-v4"},
	})
	require.NoError(t, err)
	for _, spec := range sources {
		_, err := stager.AddSource(ctx, draftID, spec)
		require.NoError(t, err)
	}
	return draftID
}

func TestFinalizeCreatesKnowledgeBaseAndConsumesDraft(t *testing.T) {
	db := openTestDB(t)
	stager := NewMemoryStager(time.Hour)
	queue := &fakeQueue{}
	coordinator, err := NewCoordinator(db, stager, queue)
	require.NoError(t, err)

	ctx := context.Background()
	draftID := stageCommittableDraft(t, stager,
		SourceSpec{Kind: "text", Title: "notes", Content: "inline body text"},
		SourceSpec{Kind: "file", ObjectKey: "uploads/abc/readme.md", FileName: "readme.md"},
		SourceSpec{Kind: "web", URL: "https://docs.example.com"},
	)

	kbID, pipelineID, err := coordinator.Finalize(ctx, draftID)
	require.NoError(t, err)
	require.NotEmpty(t, kbID)
	require.NotEmpty(t, pipelineID)
	assert.Equal(t, 1, queue.count())

	var kb KnowledgeBase
	require.NoError(t, db.Take(&kb, "id = ?", kbID).Error)
	assert.Equal(t, "ws-1", kb.WorkspaceID)
	assert.Equal(t, KBStatusPending, kb.Status)
	assert.Equal(t, "text-embedding-v4", kb.EmbeddingConfig().Model)
	assert.Equal(t, "sentence", kb.ChunkingConfig().Strategy)
	assert.Len(t, kb.SourceSpecs(), 3)

	// Text and file sources get placeholders; web documents appear during
	// discovery.
	var docs []Document
	require.NoError(t, db.Where("kb_id = ?", kbID).Find(&docs).Error)
	require.Len(t, docs, 2)
	byKind := map[string]Document{}
	for _, doc := range docs {
		byKind[doc.Kind] = doc
		assert.Equal(t, DocStatusPending, doc.Status)
	}
	assert.Equal(t, "inline body text", byKind[SourceKindText].Content)
	meta := struct {
		ObjectKey string `json:"object_key"`
	}{}
	fileDoc := byKind[SourceKindFile]
	require.NoError(t, fileDoc.DecodeMetadata(&meta))
	assert.Equal(t, "uploads/abc/readme.md", meta.ObjectKey)

	// The draft was consumed; finalize is not idempotent.
	_, err = stager.GetDraft(ctx, draftID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = coordinator.Finalize(ctx, draftID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, queue.count())
}

func TestFinalizeRejectsInvalidDrafts(t *testing.T) {
	db := openTestDB(t)
	stager := NewMemoryStager(time.Hour)
	queue := &fakeQueue{}
	coordinator, err := NewCoordinator(db, stager, queue)
	require.NoError(t, err)

	ctx := context.Background()

	// No sources.
	emptyID := stageCommittableDraft(t, stager)
	_, _, err = coordinator.Finalize(ctx, emptyID)
	assert.ErrorIs(t, err, ErrInvalidDraft)

	// Unknown embedding model.
	badModelID, err := stager.CreateDraft(ctx, "ws-1", "user-1", DraftInput{
		Name:      "docs",
		Embedding: EmbeddingConfig{Model: "made-up-model"},
	})
	require.NoError(t, err)
	_, err = stager.AddSource(ctx, badModelID, SourceSpec{Kind: "text", Content: "body"})
	require.NoError(t, err)
	_, _, err = coordinator.Finalize(ctx, badModelID)
	assert.ErrorIs(t, err, ErrInvalidDraft)

	// Overlap >= size.
	badChunkingID := stageCommittableDraft(t, stager, SourceSpec{Kind: "text", Content: "body"})
	overlap := ChunkingConfig{Strategy: "sentence", Size: 100, Overlap: 100}
	require.NoError(t, stager.UpdateConfig(ctx, badChunkingID, ConfigPatch{Chunking: &overlap}))
	_, _, err = coordinator.Finalize(ctx, badChunkingID)
	assert.ErrorIs(t, err, ErrInvalidDraft)

	// Rejected drafts are never enqueued and stay staged for correction.
	assert.Equal(t, 0, queue.count())
	_, err = stager.GetDraft(ctx, badChunkingID)
	assert.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&KnowledgeBase{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestFinalizeEnqueueConflict(t *testing.T) {
	db := openTestDB(t)
	stager := NewMemoryStager(time.Hour)
	queue := &fakeQueue{err: ErrConflict}
	coordinator, err := NewCoordinator(db, stager, queue)
	require.NoError(t, err)

	ctx := context.Background()
	draftID := stageCommittableDraft(t, stager, SourceSpec{Kind: "text", Content: "body"})

	_, _, err = coordinator.Finalize(ctx, draftID)
	assert.ErrorIs(t, err, ErrConflict)

	var kb KnowledgeBase
	require.NoError(t, db.Take(&kb).Error)
	assert.Equal(t, KBStatusFailed, kb.Status)
	assert.NotEmpty(t, kb.ErrorMessage)
}

func TestReindexResetsStateAndEnqueues(t *testing.T) {
	db := openTestDB(t)
	stager := NewMemoryStager(time.Hour)
	queue := &fakeQueue{}
	coordinator, err := NewCoordinator(db, stager, queue)
	require.NoError(t, err)

	ctx := context.Background()
	draftID := stageCommittableDraft(t, stager, SourceSpec{Kind: "text", Content: "body"})
	kbID, _, err := coordinator.Finalize(ctx, draftID)
	require.NoError(t, err)

	// Simulate a completed run.
	require.NoError(t, db.Model(&KnowledgeBase{}).Where("id = ?", kbID).Update("status", KBStatusReady).Error)
	require.NoError(t, db.Model(&Document{}).Where("kb_id = ?", kbID).
		Updates(map[string]interface{}{"status": DocStatusIndexed, "chunk_count": 7}).Error)

	pipelineID, err := coordinator.Reindex(ctx, kbID)
	require.NoError(t, err)
	require.NotEmpty(t, pipelineID)
	assert.Equal(t, 2, queue.count())

	var kb KnowledgeBase
	require.NoError(t, db.Take(&kb, "id = ?", kbID).Error)
	assert.Equal(t, KBStatusPending, kb.Status)

	var doc Document
	require.NoError(t, db.Take(&doc, "kb_id = ?", kbID).Error)
	assert.Equal(t, DocStatusPending, doc.Status)
	assert.Equal(t, 0, doc.ChunkCount)
}

// completingQueue models a worker that picks the job up and finishes it
// before Enqueue returns.
type completingQueue struct {
	db *gorm.DB
}

func (q *completingQueue) Enqueue(_ context.Context, kbID string, _ string) error {
	if err := q.db.Model(&Document{}).Where("kb_id = ?", kbID).
		Updates(map[string]interface{}{"status": DocStatusIndexed, "chunk_count": 3}).Error; err != nil {
		return err
	}
	return q.db.Model(&KnowledgeBase{}).Where("id = ?", kbID).Update("status", KBStatusReady).Error
}

func TestReindexDoesNotClobberFastWorker(t *testing.T) {
	db := openTestDB(t)
	stager := NewMemoryStager(time.Hour)
	coordinator, err := NewCoordinator(db, stager, &completingQueue{db: db})
	require.NoError(t, err)

	ctx := context.Background()
	draftID := stageCommittableDraft(t, stager, SourceSpec{Kind: "text", Content: "body"})
	kbID, _, err := coordinator.Finalize(ctx, draftID)
	require.NoError(t, err)

	_, err = coordinator.Reindex(ctx, kbID)
	require.NoError(t, err)

	// The state reset happens before the hand-off, so the run's writes win.
	var kb KnowledgeBase
	require.NoError(t, db.Take(&kb, "id = ?", kbID).Error)
	assert.Equal(t, KBStatusReady, kb.Status)

	var doc Document
	require.NoError(t, db.Take(&doc, "kb_id = ?", kbID).Error)
	assert.Equal(t, DocStatusIndexed, doc.Status)
	assert.Equal(t, 3, doc.ChunkCount)
}

func TestReindexUnknownKnowledgeBase(t *testing.T) {
	db := openTestDB(t)
	coordinator, err := NewCoordinator(db, NewMemoryStager(time.Hour), &fakeQueue{})
	require.NoError(t, err)

	_, err = coordinator.Reindex(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
