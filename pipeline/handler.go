package pipeline

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"minerva_back/authorization"
	"minerva_back/ingest"
)

// Module exposes the pipeline observation endpoints: polling, logs, cancel
// and a websocket watch stream.
type Module struct {
	db     *gorm.DB
	status StatusStore
	guard  *authorization.Guard
}

const watchInterval = 2 * time.Second

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// RegisterRoutes mounts the pipeline endpoints under /pipelines. A nil guard
// leaves the endpoints open; with a guard, access requires a token whose
// workspace owns the pipeline's knowledge base.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, status StatusStore, guard *authorization.Guard) (*Module, error) {
	if router == nil {
		return nil, errors.New("pipeline: router is required")
	}
	if db == nil {
		return nil, errors.New("pipeline: database connection is required")
	}
	if status == nil {
		return nil, errors.New("pipeline: status store is required")
	}

	module := &Module{db: db, status: status, guard: guard}

	group := router.Group("/pipelines")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	}
	group.GET("/:id/status", module.handleStatus)
	group.GET("/:id/logs", module.handleLogs)
	group.POST("/:id/cancel", module.handleCancel)
	group.GET("/:id/watch", module.handleWatch)

	return module, nil
}

// loadAuthorized resolves the pipeline id and enforces workspace ownership.
// It writes the error response itself and returns nil when the request is
// already answered.
func (m *Module) loadAuthorized(c *gin.Context) *Status {
	pipelineID := strings.TrimSpace(c.Param("id"))
	if pipelineID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pipeline id is required"})
		return nil
	}

	status, err := m.status.Get(c.Request.Context(), pipelineID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pipeline status"})
		}
		return nil
	}

	if m.guard != nil {
		workspaceID := authorization.WorkspaceID(c)
		if workspaceID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return nil
		}
		var kb ingest.KnowledgeBase
		if err := m.db.WithContext(c.Request.Context()).Take(&kb, "id = ?", status.KBID).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return nil
		}
		if kb.WorkspaceID != workspaceID {
			// Cross-workspace probes learn nothing about the pipeline.
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return nil
		}
	}

	return status
}

func (m *Module) handleStatus(c *gin.Context) {
	status := m.loadAuthorized(c)
	if status == nil {
		return
	}
	c.JSON(http.StatusOK, status)
}

func (m *Module) handleLogs(c *gin.Context) {
	status := m.loadAuthorized(c)
	if status == nil {
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	entries, err := m.status.Logs(c.Request.Context(), status.PipelineID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pipeline logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pipeline_id": status.PipelineID, "logs": entries})
}

// handleCancel flips the run to cancelled. The orchestrator observes the
// flag at its next checkpoint; already finished runs yield 409.
func (m *Module) handleCancel(c *gin.Context) {
	status := m.loadAuthorized(c)
	if status == nil {
		return
	}

	if err := m.status.Cancel(c.Request.Context(), status.PipelineID); err != nil {
		if errors.Is(err, ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "pipeline already finished", "status": status.Status})
			return
		}
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel pipeline"})
		return
	}

	updated, err := m.status.Get(c.Request.Context(), status.PipelineID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load pipeline status"})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleWatch streams status snapshots over a websocket until the run
// reaches a terminal state or the client goes away.
func (m *Module) handleWatch(c *gin.Context) {
	status := m.loadAuthorized(c)
	if status == nil {
		return
	}

	conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("pipeline: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(status); err != nil {
		return
	}
	if status.Terminal() {
		return
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snapshot, err := m.status.Get(ctx, status.PipelineID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "pipeline expired"),
					time.Now().Add(time.Second))
			}
			return
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
		if snapshot.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, snapshot.Status),
				time.Now().Add(time.Second))
			return
		}
	}
}
