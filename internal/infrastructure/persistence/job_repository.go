package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormJobRepository implements job.Repository using GORM
type GormJobRepository struct {
	db *gorm.DB
}

// NewGormJobRepository creates a new GORM-based job repository
func NewGormJobRepository(db *gorm.DB) *GormJobRepository {
	return &GormJobRepository{db: db}
}

// Save inserts a new job
func (r *GormJobRepository) Save(ctx context.Context, j *job.Job) error {
	return r.db.WithContext(ctx).Create(models.JobModelFromDomain(j)).Error
}

// FindByID retrieves a job by its ID
func (r *GormJobRepository) FindByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var m models.JobModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, job.ErrJobNotFound
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

// ClaimNext picks the queued job with the earliest due time and moves it to
// processing. The status guard on the update makes a concurrent claim of the
// same row a no-op, in which case nil is returned.
func (r *GormJobRepository) ClaimNext(ctx context.Context, now time.Time) (*job.Job, error) {
	var claimed *job.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.JobModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND scheduled_at <= ?", job.StatusQueued, now).
			Order("scheduled_at ASC").
			Order("priority DESC").
			Order("created_at ASC").
			Limit(1).
			Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		j := m.ToDomain()
		if err := j.MarkProcessing(now); err != nil {
			return err
		}

		res := tx.Model(&models.JobModel{}).
			Where("id = ? AND status = ?", j.ID, job.StatusQueued).
			Updates(map[string]any{
				"status":     j.Status,
				"attempts":   j.Attempts,
				"started_at": j.StartedAt,
				"updated_at": j.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			claimed = j
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Update persists every mutable field of a job
func (r *GormJobRepository) Update(ctx context.Context, j *job.Job) error {
	res := r.db.WithContext(ctx).Model(&models.JobModel{}).
		Where("id = ?", j.ID).
		Updates(map[string]any{
			"status":       j.Status,
			"priority":     j.Priority,
			"attempts":     j.Attempts,
			"max_attempts": j.MaxAttempts,
			"scheduled_at": j.ScheduledAt,
			"started_at":   j.StartedAt,
			"completed_at": j.CompletedAt,
			"last_error":   j.LastError,
			"result":       string(j.Result),
			"updated_at":   j.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// List returns a page of jobs, newest first unless the filter names a
// whitelisted sort column
func (r *GormJobRepository) List(ctx context.Context, filter job.Filter) ([]*job.Job, int64, error) {
	filter.Pagination = filter.Pagination.Normalize()

	query := r.db.WithContext(ctx).Model(&models.JobModel{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []models.JobModel
	if err := query.
		Order(ValidateSortField(filter.OrderBy, JobSortFields, "created_at") + " " + ValidateSortOrder(filter.OrderDir)).
		Offset(filter.Offset()).
		Limit(filter.PageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	jobs := make([]*job.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].ToDomain())
	}
	return jobs, total, nil
}

// CountByStatus returns count of jobs for each status
func (r *GormJobRepository) CountByStatus(ctx context.Context) (map[job.Status]int64, error) {
	type statusCount struct {
		Status job.Status
		Count  int64
	}

	var results []statusCount
	err := r.db.WithContext(ctx).
		Model(&models.JobModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[job.Status]int64, len(job.AllStatuses()))
	for _, s := range job.AllStatuses() {
		counts[s] = 0
	}
	for _, row := range results {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// ResetStale requeues jobs left in processing by a crashed worker
func (r *GormJobRepository) ResetStale(ctx context.Context, startedBefore time.Time) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.JobModel{}).
		Where("status = ? AND started_at < ?", job.StatusProcessing, startedBefore).
		Updates(map[string]any{
			"status":       job.StatusQueued,
			"started_at":   nil,
			"scheduled_at": now,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

// DeleteFinishedBefore removes completed and cancelled jobs.
// Failed jobs are kept so they can still be retried by an operator.
func (r *GormJobRepository) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []job.Status{job.StatusCompleted, job.StatusCancelled}, before).
		Delete(&models.JobModel{})
	return res.RowsAffected, res.Error
}

var _ job.Repository = (*GormJobRepository)(nil)
