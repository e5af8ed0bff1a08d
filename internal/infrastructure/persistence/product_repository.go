package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/catalog"
	"github.com/jewelpos/backend/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GormProductRepository implements catalog.ProductRepository using GORM
type GormProductRepository struct {
	db *gorm.DB
}

// NewGormProductRepository creates a new GORM-based product repository
func NewGormProductRepository(db *gorm.DB) *GormProductRepository {
	return &GormProductRepository{db: db}
}

// Save inserts or updates a product
func (r *GormProductRepository) Save(ctx context.Context, p *catalog.Product) error {
	return r.db.WithContext(ctx).Save(models.ProductModelFromDomain(p)).Error
}

// FindByID retrieves a product by its ID
func (r *GormProductRepository) FindByID(ctx context.Context, id uuid.UUID) (*catalog.Product, error) {
	var m models.ProductModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, catalog.ErrProductNotFound
		}
		return nil, err
	}
	return m.ToDomain(), nil
}

// FindBySKUs returns the products matching skus, ordered by SKU.
// Unknown SKUs are silently skipped.
func (r *GormProductRepository) FindBySKUs(ctx context.Context, skus []string) ([]*catalog.Product, error) {
	if len(skus) == 0 {
		return nil, nil
	}
	var rows []models.ProductModel
	if err := r.db.WithContext(ctx).
		Where("sku IN ?", normalizeSKUs(skus)).
		Order("sku ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return productsToDomain(rows), nil
}

// FindForPriceUpdate returns the active products selected by scope
func (r *GormProductRepository) FindForPriceUpdate(ctx context.Context, scope catalog.PriceScope) ([]*catalog.Product, error) {
	query := r.db.WithContext(ctx).Where("active = ?", true)
	if scope.Metal != "" {
		query = query.Where("metal = ?", scope.Metal)
	}
	if len(scope.SKUs) > 0 {
		query = query.Where("sku IN ?", normalizeSKUs(scope.SKUs))
	}

	var rows []models.ProductModel
	if err := query.Order("sku ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return productsToDomain(rows), nil
}

// UpdatePrices writes all prices in a single transaction
func (r *GormProductRepository) UpdatePrices(ctx context.Context, prices map[uuid.UUID]decimal.Decimal) error {
	if len(prices) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for id, price := range prices {
			res := tx.Model(&models.ProductModel{}).
				Where("id = ?", id).
				Updates(map[string]any{"price": price, "updated_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return catalog.ErrProductNotFound
			}
		}
		return nil
	})
}

func normalizeSKUs(skus []string) []string {
	out := make([]string, 0, len(skus))
	for _, s := range skus {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func productsToDomain(rows []models.ProductModel) []*catalog.Product {
	out := make([]*catalog.Product, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].ToDomain())
	}
	return out
}

var _ catalog.ProductRepository = (*GormProductRepository)(nil)
