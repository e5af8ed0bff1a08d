package catalog

import (
	"strconv"
	"strings"

	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Metal identifies the precious metal a piece is made of
type Metal string

const (
	MetalGold     Metal = "gold"
	MetalSilver   Metal = "silver"
	MetalPlatinum Metal = "platinum"
	MetalOther    Metal = "other"
)

var (
	minPercentChange = decimal.NewFromInt(-90)
	maxPercentChange = decimal.NewFromInt(500)
	hundred          = decimal.NewFromInt(100)
)

var (
	ErrPercentOutOfRange = shared.NewDomainError("INVALID_INPUT", "Price change must be between -90% and 500%")
	ErrNonPositivePrice  = shared.NewDomainError("INVALID_INPUT", "Price must be greater than zero")
	ErrInvalidSKU        = shared.NewDomainError("INVALID_INPUT", "SKU is required")
)

// Product is a piece of jewelry offered for sale
type Product struct {
	shared.BaseEntity
	SKU         string
	Name        string
	Category    string
	Metal       Metal
	Karat       int
	WeightGrams decimal.Decimal
	Price       decimal.Decimal
	Stock       int
	Active      bool
}

// NewProduct creates an active product
func NewProduct(sku, name string, metal Metal, price decimal.Decimal) (*Product, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return nil, ErrInvalidSKU
	}
	if !price.IsPositive() {
		return nil, ErrNonPositivePrice
	}
	return &Product{
		BaseEntity:  shared.NewBaseEntity(),
		SKU:         sku,
		Name:        strings.TrimSpace(name),
		Metal:       metal,
		WeightGrams: decimal.Zero,
		Price:       price.Round(2),
		Active:      true,
	}, nil
}

// ValidatePercentChange checks a bulk price adjustment before it is applied
func ValidatePercentChange(percent decimal.Decimal) error {
	if percent.LessThan(minPercentChange) || percent.GreaterThan(maxPercentChange) {
		return ErrPercentOutOfRange
	}
	return nil
}

// PriceAfterPercentChange returns the price adjusted by percent, rounded to cents
func (p *Product) PriceAfterPercentChange(percent decimal.Decimal) (decimal.Decimal, error) {
	if err := ValidatePercentChange(percent); err != nil {
		return decimal.Zero, err
	}
	factor := hundred.Add(percent).Div(hundred)
	next := p.Price.Mul(factor).Round(2)
	if !next.IsPositive() {
		return decimal.Zero, ErrNonPositivePrice
	}
	return next, nil
}

// ApplyPercentChange adjusts the price in place
func (p *Product) ApplyPercentChange(percent decimal.Decimal) error {
	next, err := p.PriceAfterPercentChange(percent)
	if err != nil {
		return err
	}
	p.Price = next
	return nil
}

// Description returns the metal and karat summary printed on labels
func (p *Product) Description() string {
	var b strings.Builder
	b.WriteString(string(p.Metal))
	if p.Karat > 0 {
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(p.Karat))
		b.WriteString("k")
	}
	return b.String()
}
