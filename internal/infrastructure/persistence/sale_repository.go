package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/sales"
	"github.com/jewelpos/backend/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormSaleRepository implements sales.Repository using GORM
type GormSaleRepository struct {
	db *gorm.DB
}

// NewGormSaleRepository creates a new GORM-based sale repository
func NewGormSaleRepository(db *gorm.DB) *GormSaleRepository {
	return &GormSaleRepository{db: db}
}

// Save inserts a sale together with its items
func (r *GormSaleRepository) Save(ctx context.Context, s *sales.Sale) error {
	return r.db.WithContext(ctx).Create(models.SaleModelFromDomain(s)).Error
}

// FindWithItems loads a sale and its lines
func (r *GormSaleRepository) FindWithItems(ctx context.Context, id uuid.UUID) (*sales.Sale, error) {
	var m models.SaleModel
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("sku ASC") }).
		Where("id = ?", id).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, sales.ErrSaleNotFound
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

// DailySummary aggregates sales created in [from, to) per UTC day.
// Totals are computed in Go so tax rounding matches the receipt exactly.
func (r *GormSaleRepository) DailySummary(ctx context.Context, from, to time.Time) ([]sales.DailySummary, error) {
	var rows []models.SaleModel
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	list := make([]*sales.Sale, 0, len(rows))
	for i := range rows {
		list = append(list, rows[i].ToDomain())
	}
	return sales.Summarize(list, time.UTC), nil
}

var _ sales.Repository = (*GormSaleRepository)(nil)
