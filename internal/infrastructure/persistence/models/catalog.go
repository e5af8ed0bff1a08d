package models

import (
	"github.com/jewelpos/backend/internal/domain/catalog"
	"github.com/shopspring/decimal"
)

// ProductModel is the persistence model for the Product domain entity.
type ProductModel struct {
	BaseModel
	SKU         string          `gorm:"type:varchar(50);not null;uniqueIndex"`
	Name        string          `gorm:"type:varchar(200);not null"`
	Category    string          `gorm:"type:varchar(100);index"`
	Metal       catalog.Metal   `gorm:"type:varchar(20);not null;index"`
	Karat       int             `gorm:"not null;default:0"`
	WeightGrams decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Price       decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Stock       int             `gorm:"not null;default:0"`
	Active      bool            `gorm:"not null;index"`
}

// TableName returns the table name for GORM
func (ProductModel) TableName() string {
	return "products"
}

// ToDomain converts the persistence model to a domain Product entity.
func (m *ProductModel) ToDomain() *catalog.Product {
	return &catalog.Product{
		BaseEntity:  m.BaseModel.ToDomain(),
		SKU:         m.SKU,
		Name:        m.Name,
		Category:    m.Category,
		Metal:       m.Metal,
		Karat:       m.Karat,
		WeightGrams: m.WeightGrams,
		Price:       m.Price,
		Stock:       m.Stock,
		Active:      m.Active,
	}
}

// FromDomain populates the persistence model from a domain Product entity.
func (m *ProductModel) FromDomain(p *catalog.Product) {
	m.FromDomainBaseEntity(p.BaseEntity)
	m.SKU = p.SKU
	m.Name = p.Name
	m.Category = p.Category
	m.Metal = p.Metal
	m.Karat = p.Karat
	m.WeightGrams = p.WeightGrams
	m.Price = p.Price
	m.Stock = p.Stock
	m.Active = p.Active
}

// ProductModelFromDomain creates a new persistence model from a domain Product entity.
func ProductModelFromDomain(p *catalog.Product) *ProductModel {
	m := &ProductModel{}
	m.FromDomain(p)
	return m
}
