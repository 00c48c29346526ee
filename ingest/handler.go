package ingest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"minerva_back/authorization"
)

// Module exposes the staging and commit endpoints under /knowledge-bases.
type Module struct {
	db          *gorm.DB
	stager      *Stager
	coordinator *Coordinator
	guard       *authorization.Guard
}

// RegisterRoutes mounts the knowledge-base endpoints. A nil guard leaves the
// endpoints open with a caller-supplied workspace header.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, stager *Stager, coordinator *Coordinator, guard *authorization.Guard) (*Module, error) {
	if router == nil {
		return nil, errors.New("ingest: router is required")
	}
	if db == nil {
		return nil, errors.New("ingest: database connection is required")
	}
	if stager == nil {
		return nil, errors.New("ingest: stager is required")
	}
	if coordinator == nil {
		return nil, errors.New("ingest: coordinator is required")
	}

	module := &Module{db: db, stager: stager, coordinator: coordinator, guard: guard}

	group := router.Group("/knowledge-bases")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	}

	group.POST("/drafts", module.handleCreateDraft)
	group.GET("/drafts/:id", module.handleGetDraft)
	group.PATCH("/drafts/:id", module.handleUpdateDraft)
	group.DELETE("/drafts/:id", module.handleDeleteDraft)
	group.POST("/drafts/:id/sources", module.handleAddSource)
	group.DELETE("/drafts/:id/sources/:index", module.handleRemoveSource)
	group.POST("/drafts/:id/finalize", module.handleFinalize)

	group.GET("", module.handleListKnowledgeBases)
	group.GET("/:id", module.handleGetKnowledgeBase)
	group.POST("/:id/reindex", module.handleReindex)

	return module, nil
}

// workspace resolves the caller's workspace. With a guard it comes from the
// verified token; without one an explicit header keeps multi-tenant data
// separable in development setups.
func (m *Module) workspace(c *gin.Context) string {
	if m.guard != nil {
		return authorization.WorkspaceID(c)
	}
	if header := strings.TrimSpace(c.GetHeader("X-Workspace-Id")); header != "" {
		return header
	}
	return "default"
}

// loadDraft fetches the draft and enforces workspace ownership, answering
// the request itself on failure.
func (m *Module) loadDraft(c *gin.Context) *Draft {
	draftID := strings.TrimSpace(c.Param("id"))
	draft, err := m.stager.GetDraft(c.Request.Context(), draftID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load draft"})
		}
		return nil
	}
	if draft.WorkspaceID != m.workspace(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
		return nil
	}
	return draft
}

func (m *Module) handleCreateDraft(c *gin.Context) {
	var input DraftInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	workspaceID := m.workspace(c)
	if workspaceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	draftID, err := m.stager.CreateDraft(c.Request.Context(), workspaceID, authorization.UserID(c), input)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	draft, err := m.stager.GetDraft(c.Request.Context(), draftID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load draft"})
		return
	}
	c.JSON(http.StatusCreated, draft)
}

func (m *Module) handleGetDraft(c *gin.Context) {
	draft := m.loadDraft(c)
	if draft == nil {
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (m *Module) handleUpdateDraft(c *gin.Context) {
	draft := m.loadDraft(c)
	if draft == nil {
		return
	}

	var patch ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	if err := m.stager.UpdateConfig(c.Request.Context(), draft.ID, patch); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := m.stager.GetDraft(c.Request.Context(), draft.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load draft"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (m *Module) handleDeleteDraft(c *gin.Context) {
	draft := m.loadDraft(c)
	if draft == nil {
		return
	}
	if err := m.stager.DeleteDraft(c.Request.Context(), draft.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete draft"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (m *Module) handleAddSource(c *gin.Context) {
	draft := m.loadDraft(c)
	if draft == nil {
		return
	}

	var spec SourceSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	index, err := m.stager.AddSource(c.Request.Context(), draft.ID, spec)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"index": index})
}

func (m *Module) handleRemoveSource(c *gin.Context) {
	draft := m.loadDraft(c)
	if draft == nil {
		return
	}

	index, err := strconv.Atoi(strings.TrimSpace(c.Param("index")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source index must be an integer"})
		return
	}

	if err := m.stager.RemoveSource(c.Request.Context(), draft.ID, index); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFinalize commits the draft: the knowledge base becomes durable, a
// pipeline job is queued and the draft is consumed. Not idempotent.
func (m *Module) handleFinalize(c *gin.Context) {
	draft := m.loadDraft(c)
	if draft == nil {
		return
	}

	kbID, pipelineID, err := m.coordinator.Finalize(c.Request.Context(), draft.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "draft not found"})
		case errors.Is(err, ErrInvalidDraft):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "a pipeline is already running for this knowledge base"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to commit draft"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"kb_id": kbID, "pipeline_id": pipelineID})
}

func (m *Module) handleListKnowledgeBases(c *gin.Context) {
	workspaceID := m.workspace(c)
	if workspaceID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var bases []KnowledgeBase
	if err := m.db.WithContext(c.Request.Context()).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Find(&bases).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list knowledge bases"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge_bases": bases})
}

func (m *Module) handleGetKnowledgeBase(c *gin.Context) {
	kb := m.loadKnowledgeBase(c)
	if kb == nil {
		return
	}

	var documents []Document
	if err := m.db.WithContext(c.Request.Context()).
		Where("kb_id = ?", kb.ID).
		Order("created_at").
		Find(&documents).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load documents"})
		return
	}

	// Document content can be megabytes; the detail view carries counts only.
	for i := range documents {
		documents[i].Content = ""
	}

	c.JSON(http.StatusOK, gin.H{"knowledge_base": kb, "documents": documents})
}

// handleReindex re-runs the full pipeline for an existing knowledge base
// using its frozen sources and configuration.
func (m *Module) handleReindex(c *gin.Context) {
	kb := m.loadKnowledgeBase(c)
	if kb == nil {
		return
	}

	pipelineID, err := m.coordinator.Reindex(c.Request.Context(), kb.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
		case errors.Is(err, ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "a pipeline is already running for this knowledge base"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start reindex"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"kb_id": kb.ID, "pipeline_id": pipelineID})
}

func (m *Module) loadKnowledgeBase(c *gin.Context) *KnowledgeBase {
	kbID := strings.TrimSpace(c.Param("id"))
	var kb KnowledgeBase
	if err := m.db.WithContext(c.Request.Context()).Take(&kb, "id = ?", kbID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load knowledge base"})
		}
		return nil
	}
	if kb.WorkspaceID != m.workspace(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "knowledge base not found"})
		return nil
	}
	return &kb
}
