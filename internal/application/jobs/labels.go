package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jewelpos/backend/internal/domain/catalog"
	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/queue"
	"go.uber.org/zap"
)

// TypeLabelsPrint renders a label sheet for a set of products
const TypeLabelsPrint = "labels.print"

const labelWidth = 32

// LabelsPayload lists products and how many labels each gets
type LabelsPayload struct {
	SKUs   []string `json:"skus" validate:"required,min=1,max=200,dive,required,max=64"`
	Copies int      `json:"copies" validate:"omitempty,min=1,max=50"`
}

// LabelsResult is stored on the completed job
type LabelsResult struct {
	ExportResult
	Labels  int      `json:"labels"`
	Missing []string `json:"missing,omitempty"`
}

// LabelsHandler renders plain-text label sheets
type LabelsHandler struct {
	products catalog.ProductRepository
	exporter *Exporter
	format   *Formatter
	logger   *zap.Logger
	now      func() time.Time
}

// NewLabelsHandler creates a LabelsHandler
func NewLabelsHandler(products catalog.ProductRepository, exporter *Exporter, format *Formatter, log *zap.Logger) *LabelsHandler {
	return &LabelsHandler{products: products, exporter: exporter, format: format, logger: log, now: time.Now}
}

// Validate implements PayloadValidator
func (h *LabelsHandler) Validate(payload []byte) error {
	var p LabelsPayload
	return decodePayload(payload, &p)
}

// Handle implements queue.Handler
func (h *LabelsHandler) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	var p LabelsPayload
	if err := decodePayload(j.Payload, &p); err != nil {
		return nil, queue.Permanent(err)
	}
	if p.Copies == 0 {
		p.Copies = 1
	}

	products, err := h.products.FindBySKUs(ctx, p.SKUs)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	if len(products) == 0 {
		return nil, queue.Permanent(shared.NewDomainError("NOT_FOUND", "None of the requested SKUs exist"))
	}

	found := make(map[string]bool, len(products))
	for _, prod := range products {
		found[prod.SKU] = true
	}
	var missing []string
	for _, sku := range p.SKUs {
		if sku = strings.ToUpper(strings.TrimSpace(sku)); !found[sku] {
			missing = append(missing, sku)
		}
	}

	rel := "labels/labels-" + h.now().UTC().Format("20060102-150405") + ".txt"
	out, err := h.exporter.Publish(ctx, rel, []byte(RenderLabels(products, p.Copies, h.format)))
	if err != nil {
		return nil, err
	}

	res := LabelsResult{ExportResult: out, Labels: len(products) * p.Copies, Missing: missing}
	logger.Or(ctx, h.logger).Info("Labels rendered",
		zap.Int("labels", res.Labels),
		zap.String("path", res.Path),
		zap.Strings("missing", missing),
	)
	return json.Marshal(res)
}

// RenderLabels prints copies labels per product in slice order. The
// repository returns products sorted by SKU, so sheets come out in SKU order.
// Every line is clipped to the label width.
func RenderLabels(products []*catalog.Product, copies int, f *Formatter) string {
	var b strings.Builder
	border := "+" + strings.Repeat("-", labelWidth) + "+\n"
	for _, p := range products {
		detail := p.Description()
		if p.WeightGrams.IsPositive() {
			detail += "  " + p.WeightGrams.StringFixed(2) + " g"
		}
		lines := []string{
			clip(p.Name, labelWidth),
			clip("SKU: "+p.SKU, labelWidth),
			clip(detail, labelWidth),
			clip(f.Money(p.Price), labelWidth),
		}
		for i := 0; i < copies; i++ {
			b.WriteString(border)
			for _, l := range lines {
				b.WriteString("|" + padRight(l, labelWidth) + "|\n")
			}
			b.WriteString(border)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func padRight(s string, n int) string {
	if gap := n - utf8.RuneCountInString(s); gap > 0 {
		return s + strings.Repeat(" ", gap)
	}
	return s
}
