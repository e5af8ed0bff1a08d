package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/domain/sales"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/queue"
	"go.uber.org/zap"
)

// TypeTicketGenerate renders a sale receipt into the exports tree
const TypeTicketGenerate = "ticket.generate"

const ticketWidth = 48

// TicketPayload names the sale to print
type TicketPayload struct {
	SaleID string `json:"sale_id" validate:"required,uuid"`
}

// TicketHandler renders plain-text receipts
type TicketHandler struct {
	sales    sales.Repository
	exporter *Exporter
	format   *Formatter
	logger   *zap.Logger
}

// NewTicketHandler creates a TicketHandler
func NewTicketHandler(repo sales.Repository, exporter *Exporter, format *Formatter, log *zap.Logger) *TicketHandler {
	return &TicketHandler{sales: repo, exporter: exporter, format: format, logger: log}
}

// Validate implements PayloadValidator
func (h *TicketHandler) Validate(payload []byte) error {
	var p TicketPayload
	return decodePayload(payload, &p)
}

// Handle implements queue.Handler
func (h *TicketHandler) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	var p TicketPayload
	if err := decodePayload(j.Payload, &p); err != nil {
		return nil, queue.Permanent(err)
	}

	sale, err := h.sales.FindWithItems(ctx, uuid.MustParse(p.SaleID))
	if errors.Is(err, sales.ErrSaleNotFound) {
		return nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("load sale: %w", err)
	}

	rel := "tickets/ticket-" + fileSafe(sale.Number) + ".txt"
	res, err := h.exporter.Publish(ctx, rel, []byte(RenderTicket(sale, h.format)))
	if err != nil {
		return nil, err
	}

	logger.Or(ctx, h.logger).Info("Ticket generated",
		zap.String("sale_number", sale.Number),
		zap.String("path", res.Path),
	)
	return json.Marshal(res)
}

// RenderTicket lays out a receipt for a 48 column printer
func RenderTicket(s *sales.Sale, f *Formatter) string {
	var b strings.Builder
	rule := strings.Repeat("-", ticketWidth) + "\n"

	if name := f.StoreName(); name != "" {
		pad := (ticketWidth - utf8.RuneCountInString(name)) / 2
		if pad < 0 {
			pad = 0
		}
		b.WriteString(strings.Repeat(" ", pad) + name + "\n")
	}
	b.WriteString(f.Sprintf("Ticket: %s\n", s.Number))
	if s.CashRegister != "" {
		b.WriteString(f.Sprintf("Register: %s\n", s.CashRegister))
	}
	b.WriteString(f.Sprintf("Date: %s UTC\n", s.CreatedAt.UTC().Format("2006-01-02 15:04")))
	b.WriteString(rule)
	b.WriteString(f.Sprintf("%-12s %-18s %4s %10s\n", "SKU", "Item", "Qty", "Amount"))
	for _, it := range s.Items {
		b.WriteString(f.Sprintf("%-12s %-18s %4d %10s\n",
			clip(it.SKU, 12), clip(it.Name, 18), it.Quantity, f.Money(it.LineTotal())))
	}
	b.WriteString(rule)
	b.WriteString(totalLine("Subtotal", f.Money(s.Subtotal())))
	if s.Discount.IsPositive() {
		b.WriteString(totalLine("Discount", "-"+f.Money(s.Discount)))
	}
	b.WriteString(totalLine("Tax ("+s.TaxRate.Mul(hundredPct).String()+"%)", f.Money(s.Tax())))
	b.WriteString(totalLine("TOTAL", f.Money(s.Total())))
	b.WriteString(f.Sprintf("Items: %d\n", s.ItemCount()))
	return b.String()
}

func totalLine(label, amount string) string {
	gap := ticketWidth - utf8.RuneCountInString(label) - 1 - utf8.RuneCountInString(amount)
	if gap < 1 {
		gap = 1
	}
	return label + ":" + strings.Repeat(" ", gap) + amount + "\n"
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
