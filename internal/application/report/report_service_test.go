package report

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jewelpos/backend/internal/domain/sales"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSalesRepository is a mock implementation of sales.Repository
type MockSalesRepository struct {
	mock.Mock
	delay time.Duration
}

func (m *MockSalesRepository) Save(ctx context.Context, s *sales.Sale) error {
	return m.Called(ctx, s).Error(0)
}

func (m *MockSalesRepository) FindWithItems(ctx context.Context, id uuid.UUID) (*sales.Sale, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sales.Sale), args.Error(1)
}

func (m *MockSalesRepository) DailySummary(ctx context.Context, from, to time.Time) ([]sales.DailySummary, error) {
	if m.delay > 0 {
		// ignores ctx like a driver without cancellation support
		time.Sleep(m.delay)
	}
	args := m.Called(ctx, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]sales.DailySummary), args.Error(1)
}

func day(s string) time.Time {
	t, _ := time.Parse(DateLayout, s)
	return t
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("2026-01-01", "2026-01-31")
	require.NoError(t, err)
	assert.Equal(t, 31, r.Days())
	assert.Equal(t, day("2026-02-01"), r.end())

	same, err := ParseRange("2026-01-01", "2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, 1, same.Days())

	_, err = ParseRange("01/01/2026", "2026-01-31")
	assert.Equal(t, ErrInvalidDate, err)

	_, err = ParseRange("2026-02-01", "2026-01-31")
	assert.Equal(t, ErrInvalidRange, err)

	_, err = ParseRange("2025-01-01", "2026-01-02")
	assert.Equal(t, ErrInvalidRange, err)
}

func TestDailySales(t *testing.T) {
	repo := new(MockSalesRepository)
	svc := NewService(repo, time.Second, nil)
	r, err := ParseRange("2026-03-01", "2026-03-02")
	require.NoError(t, err)

	repo.On("DailySummary", mock.Anything, day("2026-03-01"), day("2026-03-03")).Return([]sales.DailySummary{
		{Date: day("2026-03-01"), Sales: 2, Items: 5, Gross: decimal.NewFromInt(200), Discount: decimal.NewFromInt(20), Tax: decimal.RequireFromString("28.80"), Net: decimal.RequireFromString("208.80")},
		{Date: day("2026-03-02"), Sales: 1, Items: 1, Gross: decimal.NewFromInt(50), Discount: decimal.Zero, Tax: decimal.NewFromInt(8), Net: decimal.NewFromInt(58)},
	}, nil)

	resp, err := svc.DailySales(context.Background(), r)
	require.NoError(t, err)
	repo.AssertExpectations(t)

	assert.Equal(t, "2026-03-01", resp.From)
	assert.Equal(t, "2026-03-02", resp.To)
	require.Len(t, resp.Days, 2)
	assert.Equal(t, "2026-03-02", resp.Days[1].Date)
	assert.Equal(t, 3, resp.Totals.Sales)
	assert.Equal(t, 6, resp.Totals.Items)
	assert.Equal(t, "266.80", resp.Totals.Net.StringFixed(2))

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, resp))
	assert.Equal(t, "date,sales,items,gross,discount,tax,net\n"+
		"2026-03-01,2,5,200.00,20.00,28.80,208.80\n"+
		"2026-03-02,1,1,50.00,0.00,8.00,58.00\n"+
		"total,3,6,250.00,20.00,36.80,266.80\n", buf.String())
}

func TestDailySales_Empty(t *testing.T) {
	repo := new(MockSalesRepository)
	repo.On("DailySummary", mock.Anything, mock.Anything, mock.Anything).Return([]sales.DailySummary{}, nil)
	svc := NewService(repo, 0, nil)

	r, _ := ParseRange("2026-03-01", "2026-03-01")
	resp, err := svc.DailySales(context.Background(), r)
	require.NoError(t, err)
	assert.NotNil(t, resp.Days)
	assert.Empty(t, resp.Days)
	assert.True(t, resp.Totals.Net.IsZero())
}

func TestDailySales_Timeout(t *testing.T) {
	repo := &MockSalesRepository{delay: 200 * time.Millisecond}
	repo.On("DailySummary", mock.Anything, mock.Anything, mock.Anything).Return([]sales.DailySummary{}, nil)
	svc := NewService(repo, 20*time.Millisecond, nil)

	r, _ := ParseRange("2026-03-01", "2026-03-01")
	start := time.Now()
	_, err := svc.DailySales(context.Background(), r)
	assert.Equal(t, shared.ErrTimeout, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestDailySales_RepositoryError(t *testing.T) {
	repo := new(MockSalesRepository)
	boom := errors.New("disk I/O error")
	repo.On("DailySummary", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom)
	svc := NewService(repo, time.Second, nil)

	r, _ := ParseRange("2026-03-01", "2026-03-01")
	_, err := svc.DailySales(context.Background(), r)
	assert.ErrorIs(t, err, boom)
}
