package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	domain "github.com/jewelpos/backend/internal/domain/backup"
)

// BackupService runs and lists offline backups
type BackupService interface {
	Run(ctx context.Context) (*domain.Snapshot, error)
	List(ctx context.Context) ([]domain.Snapshot, error)
	Prune(ctx context.Context) ([]string, error)
}

// BackupHandler handles backup endpoints
type BackupHandler struct {
	BaseHandler
	backups BackupService
}

// NewBackupHandler creates a new BackupHandler
func NewBackupHandler(backups BackupService) *BackupHandler {
	return &BackupHandler{backups: backups}
}

// PruneResponse lists the snapshots removed by retention
type PruneResponse struct {
	Removed []string `json:"removed"`
}

// List returns completed snapshots, newest first
func (h *BackupHandler) List(c *gin.Context) {
	snaps, err := h.backups.List(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, snaps)
}

// Run takes a backup now. A run already in progress answers 409.
func (h *BackupHandler) Run(c *gin.Context) {
	snap, err := h.backups.Run(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, snap)
}

// Prune applies the retention policy
func (h *BackupHandler) Prune(c *gin.Context) {
	removed, err := h.backups.Prune(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	if removed == nil {
		removed = []string{}
	}
	h.Success(c, PruneResponse{Removed: removed})
}
