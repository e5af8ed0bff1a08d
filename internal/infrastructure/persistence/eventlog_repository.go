package persistence

import (
	"context"

	"github.com/jewelpos/backend/internal/domain/eventlog"
	"github.com/jewelpos/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormEventLogRepository implements eventlog.Repository using GORM
type GormEventLogRepository struct {
	db *gorm.DB
}

// NewGormEventLogRepository creates a new GORM-based event log repository
func NewGormEventLogRepository(db *gorm.DB) *GormEventLogRepository {
	return &GormEventLogRepository{db: db}
}

// Append writes one entry
func (r *GormEventLogRepository) Append(ctx context.Context, e eventlog.Entry) error {
	return r.db.WithContext(ctx).Create(models.EventLogModelFromDomain(e)).Error
}

// Recent returns the newest entries, optionally for one source
func (r *GormEventLogRepository) Recent(ctx context.Context, source string, limit int) ([]eventlog.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if source != "" {
		query = query.Where("source = ?", source)
	}

	var rows []models.EventLogModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]eventlog.Entry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out, nil
}

var _ eventlog.Repository = (*GormEventLogRepository)(nil)
