package storage

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"minerva_back/authorization"
)

// Module exposes the upload endpoint backed by UploadStorage.
type Module struct {
	uploads *UploadStorage
	guard   *authorization.Guard
}

// RegisterRoutes mounts POST /uploads. uploads may be nil when object
// storage is not configured; the endpoint then answers 503.
func RegisterRoutes(router *gin.Engine, uploads *UploadStorage, guard *authorization.Guard) (*Module, error) {
	if router == nil {
		return nil, errors.New("storage: router is required")
	}

	module := &Module{uploads: uploads, guard: guard}

	group := router.Group("/uploads")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	}
	group.POST("", module.handleUpload)

	return module, nil
}

func (m *Module) handleUpload(c *gin.Context) {
	if m.uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "file storage not configured"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	objects, err := m.uploads.Store(c.Request.Context(), fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"objects": objects})
}
