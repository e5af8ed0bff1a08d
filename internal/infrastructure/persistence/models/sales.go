package models

import (
	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/sales"
	"github.com/shopspring/decimal"
)

// SaleModel is the persistence model for a completed sale
type SaleModel struct {
	BaseModel
	Number       string          `gorm:"type:varchar(30);not null;uniqueIndex"`
	CashRegister string          `gorm:"type:varchar(50);not null;index"`
	Discount     decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	TaxRate      decimal.Decimal `gorm:"type:decimal(8,4);not null;default:0"`
	Items        []SaleItemModel `gorm:"foreignKey:SaleID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (SaleModel) TableName() string {
	return "sales"
}

// SaleItemModel is one line of a sale
type SaleItemModel struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	SaleID    uuid.UUID       `gorm:"type:uuid;not null;index"`
	ProductID uuid.UUID       `gorm:"type:uuid;index"`
	SKU       string          `gorm:"type:varchar(50);not null"`
	Name      string          `gorm:"type:varchar(200);not null"`
	Quantity  int             `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(18,4);not null"`
}

// TableName returns the table name for GORM
func (SaleItemModel) TableName() string {
	return "sale_items"
}

// ToDomain converts the model and its loaded items to a domain Sale
func (m *SaleModel) ToDomain() *sales.Sale {
	s := &sales.Sale{
		BaseEntity:   m.BaseModel.ToDomain(),
		Number:       m.Number,
		CashRegister: m.CashRegister,
		Discount:     m.Discount,
		TaxRate:      m.TaxRate,
		Items:        make([]sales.SaleItem, 0, len(m.Items)),
	}
	for _, it := range m.Items {
		s.Items = append(s.Items, sales.SaleItem{
			ID:        it.ID,
			SaleID:    it.SaleID,
			ProductID: it.ProductID,
			SKU:       it.SKU,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return s
}

// SaleModelFromDomain creates a persistence model, items included
func SaleModelFromDomain(s *sales.Sale) *SaleModel {
	m := &SaleModel{
		Number:       s.Number,
		CashRegister: s.CashRegister,
		Discount:     s.Discount,
		TaxRate:      s.TaxRate,
	}
	m.FromDomainBaseEntity(s.BaseEntity)
	for _, it := range s.Items {
		m.Items = append(m.Items, SaleItemModel{
			ID:        it.ID,
			SaleID:    s.ID,
			ProductID: it.ProductID,
			SKU:       it.SKU,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	return m
}
