package sales

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

var (
	ErrSaleNotFound    = shared.NewDomainError("NOT_FOUND", "Sale not found")
	ErrEmptySale       = shared.NewDomainError("INVALID_INPUT", "Sale must contain at least one item")
	ErrInvalidQty      = shared.NewDomainError("INVALID_INPUT", "Quantity must be positive")
	ErrInvalidDiscount = shared.NewDomainError("INVALID_INPUT", "Discount cannot exceed subtotal")
)

// SaleItem is one line on a sale
type SaleItem struct {
	ID        uuid.UUID
	SaleID    uuid.UUID
	ProductID uuid.UUID
	SKU       string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// LineTotal returns quantity times unit price
func (i SaleItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Sale is a completed checkout at a cash register
type Sale struct {
	shared.BaseEntity
	Number       string
	CashRegister string
	Items        []SaleItem
	Discount     decimal.Decimal
	// TaxRate is a fraction, 0.16 means 16%
	TaxRate decimal.Decimal
}

// NewSale builds a sale and checks its totals are consistent
func NewSale(number, register string, items []SaleItem, discount, taxRate decimal.Decimal) (*Sale, error) {
	if len(items) == 0 {
		return nil, ErrEmptySale
	}
	s := &Sale{
		BaseEntity:   shared.NewBaseEntity(),
		Number:       number,
		CashRegister: register,
		Discount:     discount,
		TaxRate:      taxRate,
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, ErrInvalidQty
		}
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.SaleID = s.ID
		s.Items = append(s.Items, it)
	}
	if discount.IsNegative() || discount.GreaterThan(s.Subtotal()) {
		return nil, ErrInvalidDiscount
	}
	return s, nil
}

// Subtotal is the sum of line totals
func (s *Sale) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, it := range s.Items {
		total = total.Add(it.LineTotal())
	}
	return total
}

// Taxable is the subtotal after discount
func (s *Sale) Taxable() decimal.Decimal {
	return s.Subtotal().Sub(s.Discount)
}

// Tax is charged on the discounted subtotal, rounded to cents
func (s *Sale) Tax() decimal.Decimal {
	return s.Taxable().Mul(s.TaxRate).Round(2)
}

// Total is subtotal minus discount plus tax
func (s *Sale) Total() decimal.Decimal {
	return s.Taxable().Add(s.Tax())
}

// ItemCount returns the number of units sold
func (s *Sale) ItemCount() int {
	n := 0
	for _, it := range s.Items {
		n += it.Quantity
	}
	return n
}

// DailySummary aggregates the sales of one calendar day
type DailySummary struct {
	Date     time.Time
	Sales    int
	Items    int
	Gross    decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Net      decimal.Decimal
}

// Summarize groups sales by the calendar day of CreatedAt in loc.
// Days without sales are omitted; the result is ordered by date.
func Summarize(sales []*Sale, loc *time.Location) []DailySummary {
	if loc == nil {
		loc = time.UTC
	}
	byDay := make(map[time.Time]*DailySummary)
	var days []time.Time
	for _, s := range sales {
		t := s.CreatedAt.In(loc)
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		sum, ok := byDay[day]
		if !ok {
			sum = &DailySummary{Date: day, Gross: decimal.Zero, Discount: decimal.Zero, Tax: decimal.Zero, Net: decimal.Zero}
			byDay[day] = sum
			days = append(days, day)
		}
		sum.Sales++
		sum.Items += s.ItemCount()
		sum.Gross = sum.Gross.Add(s.Subtotal())
		sum.Discount = sum.Discount.Add(s.Discount)
		sum.Tax = sum.Tax.Add(s.Tax())
		sum.Net = sum.Net.Add(s.Total())
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	out := make([]DailySummary, 0, len(days))
	for _, d := range days {
		out = append(out, *byDay[d])
	}
	return out
}
