package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	reportapp "github.com/jewelpos/backend/internal/application/report"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// ReportService builds sales reports
type ReportService interface {
	DailySales(ctx context.Context, r reportapp.Range) (*reportapp.DailySalesResponse, error)
}

// ReportHandler handles report endpoints
type ReportHandler struct {
	BaseHandler
	reports ReportService
}

// NewReportHandler creates a new ReportHandler
func NewReportHandler(reports ReportService) *ReportHandler {
	return &ReportHandler{reports: reports}
}

// DailySalesRequest is the query of the daily sales report
type DailySalesRequest struct {
	From   string `form:"from" binding:"required,datetime=2006-01-02"`
	To     string `form:"to" binding:"required,datetime=2006-01-02"`
	Format string `form:"format" binding:"omitempty,oneof=json csv"`
}

// DailySales returns per-day sales totals for an inclusive date range.
// The query is bounded by the service timeout and answers 504 when it
// runs out.
func (h *ReportHandler) DailySales(c *gin.Context) {
	var req DailySalesRequest
	if !h.BindQuery(c, &req) {
		return
	}
	r, err := reportapp.ParseRange(req.From, req.To)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	resp, err := h.reports.DailySales(c.Request.Context(), r)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	if req.Format != "csv" {
		h.Success(c, resp)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="sales-`+resp.From+`_`+resp.To+`.csv"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if err := reportapp.WriteCSV(c.Writer, resp); err != nil {
		logger.L(c.Request.Context()).Warn("Writing CSV report failed", zap.Error(err))
	}
}
