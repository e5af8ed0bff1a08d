// Package models contains the GORM persistence models behind the domain types.
// Domain entities carry no ORM tags; each model converts with ToDomain/FromDomain.
package models
