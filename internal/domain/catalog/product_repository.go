package catalog

import (
	"context"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

var ErrProductNotFound = shared.NewDomainError("NOT_FOUND", "Product not found")

// PriceScope selects the products a bulk price change applies to.
// An empty scope selects every active product.
type PriceScope struct {
	Metal Metal
	SKUs  []string
}

// ProductRepository persists products
type ProductRepository interface {
	Save(ctx context.Context, p *Product) error
	FindByID(ctx context.Context, id uuid.UUID) (*Product, error)
	FindBySKUs(ctx context.Context, skus []string) ([]*Product, error)
	FindForPriceUpdate(ctx context.Context, scope PriceScope) ([]*Product, error)
	// UpdatePrices writes new prices for every product in one transaction
	UpdatePrices(ctx context.Context, prices map[uuid.UUID]decimal.Decimal) error
}
