package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"minerva_back/knowledge"
)

// ErrConflict is returned when a knowledge base already has an active
// pipeline. Callers must not retry automatically.
var ErrConflict = errors.New("ingest: pipeline already running for knowledge base")

// ErrInvalidDraft marks configuration errors rejected synchronously at
// finalize; such drafts are never enqueued.
var ErrInvalidDraft = errors.New("ingest: draft is not committable")

// Enqueuer hands a committed knowledge base to the pipeline. Implementations
// atomically claim the per-KB running slot and must return ErrConflict when
// another pipeline is active for the same kbID.
type Enqueuer interface {
	Enqueue(ctx context.Context, kbID string, pipelineID string) error
}

// Coordinator turns staged drafts into durable records plus one queued
// pipeline job. The orchestrator never reads the staging store; everything it
// needs is frozen onto the KnowledgeBase row here.
type Coordinator struct {
	db     *gorm.DB
	stager *Stager
	queue  Enqueuer
}

// NewCoordinator wires the commit coordinator.
func NewCoordinator(db *gorm.DB, stager *Stager, queue Enqueuer) (*Coordinator, error) {
	if db == nil {
		return nil, errors.New("ingest: database connection is required")
	}
	if stager == nil {
		return nil, errors.New("ingest: stager is required")
	}
	if queue == nil {
		return nil, errors.New("ingest: enqueuer is required")
	}
	return &Coordinator{db: db, stager: stager, queue: queue}, nil
}

// Finalize commits draftID: one transaction creates the knowledge base and
// placeholder documents, then the pipeline job is enqueued and the draft
// deleted. Not idempotent; a second call fails with ErrNotFound because the
// draft was consumed.
func (c *Coordinator) Finalize(ctx context.Context, draftID string) (string, string, error) {
	draft, err := c.stager.GetDraft(ctx, draftID)
	if err != nil {
		return "", "", err
	}
	if err := validateDraft(draft); err != nil {
		return "", "", err
	}

	kbID := uuid.NewString()
	pipelineID := uuid.NewString()

	kb := KnowledgeBase{
		ID:          kbID,
		WorkspaceID: draft.WorkspaceID,
		CreatedBy:   draft.CreatedBy,
		Name:        draft.Name,
		Description: draft.Description,
		Sources:     MustJSON(draft.Sources),
		Chunking:    MustJSON(draft.Chunking),
		Embedding:   MustJSON(draft.Embedding),
		Status:      KBStatusPending,
	}

	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&kb).Error; err != nil {
			return err
		}
		placeholders := placeholderDocuments(kbID, draft.Sources)
		if len(placeholders) > 0 {
			if err := tx.Create(&placeholders).Error; err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", "", fmt.Errorf("ingest: commit draft %s: %w", draftID, err)
	}

	if err := c.queue.Enqueue(ctx, kbID, pipelineID); err != nil {
		c.markFailed(ctx, kbID, "pipeline enqueue failed: "+err.Error())
		if errors.Is(err, ErrConflict) {
			return "", "", err
		}
		return "", "", fmt.Errorf("ingest: enqueue pipeline for %s: %w", kbID, err)
	}

	if err := c.stager.DeleteDraft(ctx, draftID); err != nil {
		log.Printf("ingest: delete committed draft %s failed: %v", draftID, err)
	}

	return kbID, pipelineID, nil
}

// Reindex starts a fresh pipeline for an existing knowledge base. Conflicts
// with an active pipeline surface as ErrConflict.
func (c *Coordinator) Reindex(ctx context.Context, kbID string) (string, error) {
	var kb KnowledgeBase
	if err := c.db.WithContext(ctx).Take(&kb, "id = ?", kbID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	// Reset state before handing the job off; the worker may start, or even
	// finish, before Enqueue returns, and must never have its writes
	// overwritten by a late reset.
	if err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&KnowledgeBase{}).Where("id = ?", kbID).
			Updates(map[string]interface{}{"status": KBStatusPending, "error_message": ""}).Error; err != nil {
			return err
		}
		return tx.Model(&Document{}).Where("kb_id = ?", kbID).
			Updates(map[string]interface{}{"status": DocStatusPending, "error_message": "", "chunk_count": 0}).Error
	}); err != nil {
		return "", fmt.Errorf("ingest: reset %s for reindex: %w", kbID, err)
	}

	pipelineID := uuid.NewString()
	if err := c.queue.Enqueue(ctx, kbID, pipelineID); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", err
		}
		return "", fmt.Errorf("ingest: enqueue reindex for %s: %w", kbID, err)
	}

	return pipelineID, nil
}

func (c *Coordinator) markFailed(ctx context.Context, kbID string, message string) {
	if len(message) > 500 {
		message = message[:500]
	}
	err := c.db.WithContext(ctx).Model(&KnowledgeBase{}).
		Where("id = ?", kbID).
		Updates(map[string]interface{}{"status": KBStatusFailed, "error_message": message}).Error
	if err != nil {
		log.Printf("ingest: mark knowledge base %s failed: %v", kbID, err)
	}
}

func validateDraft(draft *Draft) error {
	if len(draft.Sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", ErrInvalidDraft)
	}
	if draft.Chunking.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidDraft)
	}
	if draft.Chunking.Overlap < 0 || draft.Chunking.Overlap >= draft.Chunking.Size {
		return fmt.Errorf("%w: chunk overlap must be in [0, size)", ErrInvalidDraft)
	}
	if !knowledge.IsKnownStrategy(draft.Chunking.Strategy) {
		return fmt.Errorf("%w: unknown chunking strategy %q", ErrInvalidDraft, draft.Chunking.Strategy)
	}
	if strings.TrimSpace(draft.Embedding.Model) == "" {
		return fmt.Errorf("%w: embedding model is required", ErrInvalidDraft)
	}
	if !knowledge.IsKnownEmbeddingModel(draft.Embedding.Model) {
		return fmt.Errorf("%w: unknown embedding model %q", ErrInvalidDraft, draft.Embedding.Model)
	}
	return nil
}

// placeholderDocuments builds pending rows for sources whose identity is
// known at commit time. Web sources materialize documents during discovery.
func placeholderDocuments(kbID string, sources []SourceSpec) []Document {
	var docs []Document
	for _, spec := range sources {
		switch spec.Kind {
		case SourceKindText:
			// Literal text needs no acquisition round-trip; the content
			// rides on the placeholder.
			docs = append(docs, Document{
				ID:      uuid.NewString(),
				KBID:    kbID,
				Source:  spec.Title,
				Kind:    SourceKindText,
				Status:  DocStatusPending,
				Content: spec.Content,
			})
		case SourceKindFile:
			docs = append(docs, Document{
				ID:       uuid.NewString(),
				KBID:     kbID,
				Source:   spec.FileName,
				Kind:     SourceKindFile,
				Status:   DocStatusPending,
				Metadata: MustJSON(map[string]string{"object_key": spec.ObjectKey}),
			})
		}
	}
	return docs
}
