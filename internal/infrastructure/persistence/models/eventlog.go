package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/eventlog"
)

// EventLogModel is an append-only audit row written by background services
type EventLogModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Source    string         `gorm:"type:varchar(50);not null;index:idx_event_log_source_created,priority:1"`
	Action    string         `gorm:"type:varchar(50);not null"`
	Level     eventlog.Level `gorm:"type:varchar(10);not null"`
	Message   string         `gorm:"type:text"`
	Details   string         `gorm:"type:text"`
	CreatedAt time.Time      `gorm:"not null;index:idx_event_log_source_created,priority:2"`
}

// TableName returns the table name for GORM
func (EventLogModel) TableName() string {
	return "event_log"
}

// ToDomain converts the persistence model to a domain entry
func (m *EventLogModel) ToDomain() eventlog.Entry {
	e := eventlog.Entry{
		ID:        m.ID,
		Source:    m.Source,
		Action:    m.Action,
		Level:     m.Level,
		Message:   m.Message,
		CreatedAt: m.CreatedAt,
	}
	if m.Details != "" {
		e.Details = []byte(m.Details)
	}
	return e
}

// EventLogModelFromDomain creates a persistence model from a domain entry
func EventLogModelFromDomain(e eventlog.Entry) *EventLogModel {
	return &EventLogModel{
		ID:        e.ID,
		Source:    e.Source,
		Action:    e.Action,
		Level:     e.Level,
		Message:   e.Message,
		Details:   string(e.Details),
		CreatedAt: e.CreatedAt,
	}
}
