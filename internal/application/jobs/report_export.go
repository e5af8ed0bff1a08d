package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jewelpos/backend/internal/application/report"
	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/queue"
	"go.uber.org/zap"
)

// TypeReportExport writes a daily sales CSV into the exports tree
const TypeReportExport = "report.export"

// ReportExportPayload is an inclusive date range
type ReportExportPayload struct {
	From string `json:"from" validate:"required,datetime=2006-01-02"`
	To   string `json:"to" validate:"required,datetime=2006-01-02"`
}

// ReportExportResult is stored on the completed job
type ReportExportResult struct {
	ExportResult
	Days int `json:"days"`
}

// ReportExportHandler renders the daily sales report as CSV
type ReportExportHandler struct {
	reports  *report.Service
	exporter *Exporter
	logger   *zap.Logger
}

// NewReportExportHandler creates a ReportExportHandler
func NewReportExportHandler(reports *report.Service, exporter *Exporter, log *zap.Logger) *ReportExportHandler {
	return &ReportExportHandler{reports: reports, exporter: exporter, logger: log}
}

func (h *ReportExportHandler) parse(raw []byte) (report.Range, error) {
	var p ReportExportPayload
	if err := decodePayload(raw, &p); err != nil {
		return report.Range{}, err
	}
	return report.ParseRange(p.From, p.To)
}

// Validate implements PayloadValidator
func (h *ReportExportHandler) Validate(payload []byte) error {
	_, err := h.parse(payload)
	return err
}

// Handle implements queue.Handler
func (h *ReportExportHandler) Handle(ctx context.Context, j *job.Job) ([]byte, error) {
	r, err := h.parse(j.Payload)
	if err != nil {
		return nil, queue.Permanent(err)
	}

	resp, err := h.reports.DailySales(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("daily sales: %w", err)
	}

	var buf bytes.Buffer
	if err := report.WriteCSV(&buf, resp); err != nil {
		return nil, fmt.Errorf("render csv: %w", err)
	}
	rel := fmt.Sprintf("reports/sales-%s-%s.csv", resp.From, resp.To)
	out, err := h.exporter.Publish(ctx, rel, buf.Bytes())
	if err != nil {
		return nil, err
	}

	logger.Or(ctx, h.logger).Info("Sales report exported",
		zap.String("path", out.Path),
		zap.Int("days", len(resp.Days)),
	)
	return json.Marshal(ReportExportResult{ExportResult: out, Days: len(resp.Days)})
}
