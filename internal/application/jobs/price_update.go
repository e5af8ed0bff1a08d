package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/catalog"
	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/queue"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TypePriceUpdate adjusts product prices by a percentage
const TypePriceUpdate = "price.update"

// PriceUpdatePayload selects products by metal and/or SKU.
// With neither set every active product is updated.
type PriceUpdatePayload struct {
	Percent *decimal.Decimal `json:"percent" validate:"required"`
	Metal   string           `json:"metal" validate:"omitempty,oneof=gold silver platinum other"`
	SKUs    []string         `json:"skus" validate:"omitempty,max=1000,dive,required,max=64"`
}

// PriceUpdateResult is stored on the completed job
type PriceUpdateResult struct {
	Updated int      `json:"updated"`
	Percent string   `json:"percent"`
	Missing []string `json:"missing,omitempty"`
}

// PriceUpdateHandler applies a bulk percentage change in one transaction
type PriceUpdateHandler struct {
	products catalog.ProductRepository
	logger   *zap.Logger
}

// NewPriceUpdateHandler creates a PriceUpdateHandler
func NewPriceUpdateHandler(products catalog.ProductRepository, log *zap.Logger) *PriceUpdateHandler {
	return &PriceUpdateHandler{products: products, logger: log}
}

func (h *PriceUpdateHandler) parse(raw []byte) (*PriceUpdatePayload, error) {
	var p PriceUpdatePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if err := catalog.ValidatePercentChange(*p.Percent); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate implements PayloadValidator
func (h *PriceUpdateHandler) Validate(payload []byte) error {
	_, err := h.parse(payload)
	return err
}

// Handle implements queue.Handler
func (h *PriceUpdateHandler) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	p, err := h.parse(j.Payload)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	products, err := h.products.FindForPriceUpdate(ctx, catalog.PriceScope{
		Metal: catalog.Metal(p.Metal),
		SKUs:  p.SKUs,
	})
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	prices := make(map[uuid.UUID]decimal.Decimal, len(products))
	found := make(map[string]bool, len(products))
	for _, prod := range products {
		next, err := prod.PriceAfterPercentChange(*p.Percent)
		if err != nil {
			// one bad row aborts the whole batch
			return nil, queue.Permanent(fmt.Errorf("product %s: %w", prod.SKU, err))
		}
		prices[prod.ID] = next
		found[prod.SKU] = true
	}

	if err := h.products.UpdatePrices(ctx, prices); err != nil {
		return nil, fmt.Errorf("update prices: %w", err)
	}

	res := PriceUpdateResult{Updated: len(prices), Percent: p.Percent.String()}
	for _, sku := range p.SKUs {
		sku = strings.ToUpper(strings.TrimSpace(sku))
		if !found[sku] {
			res.Missing = append(res.Missing, sku)
		}
	}

	logger.Or(ctx, h.logger).Info("Prices updated",
		zap.Int("updated", res.Updated),
		zap.String("percent", res.Percent),
		zap.Strings("missing", res.Missing),
	)
	return json.Marshal(res)
}

var (
	_ queue.Handler    = (*PriceUpdateHandler)(nil)
	_ PayloadValidator = (*PriceUpdateHandler)(nil)
)
