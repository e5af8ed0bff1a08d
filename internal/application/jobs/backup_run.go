package jobs

import (
	"context"
	"encoding/json"

	"github.com/jewelpos/backend/internal/domain/backup"
	"github.com/jewelpos/backend/internal/domain/job"
)

// TypeBackupRun takes an offline backup immediately
const TypeBackupRun = "backup.run"

// BackupRunner is satisfied by the backup service
type BackupRunner interface {
	Run(ctx context.Context) (*backup.Snapshot, error)
}

// BackupHandler runs a backup from the queue. A backup already in
// progress is retried with the usual backoff.
type BackupHandler struct {
	runner BackupRunner
}

// NewBackupHandler creates a BackupHandler
func NewBackupHandler(runner BackupRunner) *BackupHandler {
	return &BackupHandler{runner: runner}
}

// Handle implements queue.Handler
func (h *BackupHandler) Handle(ctx context.Context, _ *job.Job) ([]byte, error) {
	snap, err := h.runner.Run(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}
