// Package eventlog keeps an audit trail of background activity.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Level of an event log entry
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is one row in the event log
type Entry struct {
	ID        uuid.UUID
	Source    string
	Action    string
	Level     Level
	Message   string
	Details   json.RawMessage
	CreatedAt time.Time
}

// NewEntry builds an entry; details are marshalled to JSON when non-nil
func NewEntry(source, action string, level Level, message string, details any) Entry {
	e := Entry{
		ID:        uuid.New(),
		Source:    source,
		Action:    action,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if details != nil {
		if b, err := json.Marshal(details); err == nil {
			e.Details = b
		}
	}
	return e
}

// Repository appends and reads event log entries
type Repository interface {
	Append(ctx context.Context, e Entry) error
	Recent(ctx context.Context, source string, limit int) ([]Entry, error)
}
