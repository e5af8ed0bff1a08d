package sales

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository reads sales for background jobs and reports
type Repository interface {
	Save(ctx context.Context, s *Sale) error
	FindWithItems(ctx context.Context, id uuid.UUID) (*Sale, error)
	// DailySummary aggregates sales created in [from, to) per UTC day
	DailySummary(ctx context.Context, from, to time.Time) ([]DailySummary, error)
}
