package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	reportapp "github.com/jewelpos/backend/internal/application/report"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/jewelpos/backend/internal/interfaces/http/dto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockReportService implements ReportService for testing
type MockReportService struct {
	mock.Mock
}

func (m *MockReportService) DailySales(ctx context.Context, r reportapp.Range) (*reportapp.DailySalesResponse, error) {
	args := m.Called(ctx, r)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reportapp.DailySalesResponse), args.Error(1)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func setupReportTestRouter() (*gin.Engine, *MockReportService) {
	svc := new(MockReportService)
	h := NewReportHandler(svc)
	router := gin.New()
	router.GET("/reports/sales/daily", h.DailySales)
	return router, svc
}

func sampleDailySales() *reportapp.DailySalesResponse {
	row := reportapp.DailySalesRow{
		Date: "2026-03-01", Sales: 2, Items: 3,
		Gross: decimal.NewFromInt(100), Discount: decimal.Zero, Tax: decimal.NewFromInt(16), Net: decimal.NewFromInt(116),
	}
	totals := row
	totals.Date = ""
	return &reportapp.DailySalesResponse{From: "2026-03-01", To: "2026-03-01", Days: []reportapp.DailySalesRow{row}, Totals: totals}
}

func TestReportHandler_DailySales(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		router, svc := setupReportTestRouter()
		r, _ := reportapp.ParseRange("2026-03-01", "2026-03-01")
		svc.On("DailySales", mock.Anything, r).Return(sampleDailySales(), nil)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/sales/daily?from=2026-03-01&to=2026-03-01", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		data := decodeResponse(t, w).Data.(map[string]any)
		assert.Equal(t, "2026-03-01", data["from"])
		assert.Len(t, data["days"], 1)
		svc.AssertExpectations(t)
	})

	t.Run("csv", func(t *testing.T) {
		router, svc := setupReportTestRouter()
		svc.On("DailySales", mock.Anything, mock.Anything).Return(sampleDailySales(), nil)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/sales/daily?from=2026-03-01&to=2026-03-01&format=csv", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "sales-2026-03-01_2026-03-01.csv")
		assert.True(t, strings.HasPrefix(w.Body.String(), "date,sales,items,gross,discount,tax,net\n"))
		assert.Contains(t, w.Body.String(), "2026-03-01,2,3,100.00,0.00,16.00,116.00\n")
	})

	t.Run("timeout", func(t *testing.T) {
		router, svc := setupReportTestRouter()
		svc.On("DailySales", mock.Anything, mock.Anything).Return(nil, shared.ErrTimeout)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/sales/daily?from=2026-03-01&to=2026-03-31", nil))

		assert.Equal(t, http.StatusGatewayTimeout, w.Code)
		resp := decodeResponse(t, w)
		require.NotNil(t, resp.Error)
		assert.Equal(t, dto.ErrCodeTimeout, resp.Error.Code)
	})

	t.Run("invalid input", func(t *testing.T) {
		router, svc := setupReportTestRouter()

		for _, q := range []string{
			"",
			"?from=2026-03-01",
			"?from=01/03/2026&to=2026-03-31",
			"?from=2026-03-31&to=2026-03-01",
			"?from=2025-01-01&to=2026-03-01",
			"?from=2026-03-01&to=2026-03-02&format=xlsx",
		} {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/sales/daily"+q, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
		svc.AssertNotCalled(t, "DailySales", mock.Anything, mock.Anything)
	})
}
