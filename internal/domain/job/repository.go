package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/shared"
)

// Filter narrows job listings
type Filter struct {
	Status   Status
	Type     string
	OrderBy  string
	OrderDir string
	shared.Pagination
}

// Repository defines persistence for queued jobs
type Repository interface {
	// Save inserts a new job
	Save(ctx context.Context, j *Job) error
	// FindByID returns ErrJobNotFound when the job does not exist
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// ClaimNext atomically moves the oldest due queued job to processing.
	// It returns nil without error when nothing is due.
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	// Update persists the current state of a job
	Update(ctx context.Context, j *Job) error
	// List returns a page of jobs and the total row count
	List(ctx context.Context, filter Filter) ([]*Job, int64, error)
	// CountByStatus returns the number of jobs per status
	CountByStatus(ctx context.Context) (map[Status]int64, error)
	// ResetStale requeues processing jobs started before the cutoff
	ResetStale(ctx context.Context, startedBefore time.Time) (int64, error)
	// DeleteFinishedBefore removes completed and cancelled jobs finished before the cutoff
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
