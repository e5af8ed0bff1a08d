// Package report builds sales summaries for the report endpoints and the
// report.export job.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/jewelpos/backend/internal/domain/sales"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DateLayout is the format of report range parameters
const DateLayout = "2006-01-02"

// MaxRangeDays caps a single report
const MaxRangeDays = 366

var (
	ErrInvalidDate  = shared.NewDomainError("INVALID_INPUT", "Dates must use the YYYY-MM-DD format")
	ErrInvalidRange = shared.NewDomainError("INVALID_INPUT", "Report range must start before it ends and span at most 366 days")
)

// Range is an inclusive span of calendar days in UTC
type Range struct {
	From time.Time
	To   time.Time
}

// ParseRange parses inclusive YYYY-MM-DD bounds
func ParseRange(from, to string) (Range, error) {
	f, err := time.ParseInLocation(DateLayout, from, time.UTC)
	if err != nil {
		return Range{}, ErrInvalidDate
	}
	t, err := time.ParseInLocation(DateLayout, to, time.UTC)
	if err != nil {
		return Range{}, ErrInvalidDate
	}
	r := Range{From: f, To: t}
	if t.Before(f) || r.Days() > MaxRangeDays {
		return Range{}, ErrInvalidRange
	}
	return r, nil
}

// Days is the number of calendar days covered
func (r Range) Days() int {
	return int(r.To.Sub(r.From).Hours()/24) + 1
}

// end is the exclusive upper bound used in queries
func (r Range) end() time.Time {
	return r.To.AddDate(0, 0, 1)
}

// DailySalesRow is one day of the summary
type DailySalesRow struct {
	Date     string          `json:"date"`
	Sales    int             `json:"sales"`
	Items    int             `json:"items"`
	Gross    decimal.Decimal `json:"gross"`
	Discount decimal.Decimal `json:"discount"`
	Tax      decimal.Decimal `json:"tax"`
	Net      decimal.Decimal `json:"net"`
}

// DailySalesResponse represents the daily sales report
type DailySalesResponse struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Days   []DailySalesRow `json:"days"`
	Totals DailySalesRow   `json:"totals"`
}

// Service provides sales reports
type Service struct {
	sales   sales.Repository
	timeout time.Duration
	logger  *zap.Logger
}

// NewService creates a report Service. A positive timeout bounds every report.
func NewService(repo sales.Repository, timeout time.Duration, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{sales: repo, timeout: timeout, logger: log}
}

type summaryResult struct {
	days []sales.DailySummary
	err  error
}

// DailySales summarizes sales per day in r. When the query outlives the
// timeout ErrTimeout is returned even if the driver ignores cancellation.
func (s *Service) DailySales(ctx context.Context, r Range) (*DailySalesResponse, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	done := make(chan summaryResult, 1)
	go func() {
		days, err := s.sales.DailySummary(ctx, r.From, r.end())
		done <- summaryResult{days: days, err: err}
	}()

	var res summaryResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) {
			logger.Or(ctx, s.logger).Warn("Daily sales report timed out",
				zap.String("from", r.From.Format(DateLayout)),
				zap.String("to", r.To.Format(DateLayout)),
				zap.Duration("timeout", s.timeout),
			)
			return nil, shared.ErrTimeout
		}
		return nil, res.err
	}
	return build(r, res.days), nil
}

func build(r Range, days []sales.DailySummary) *DailySalesResponse {
	resp := &DailySalesResponse{
		From: r.From.Format(DateLayout),
		To:   r.To.Format(DateLayout),
		Days: make([]DailySalesRow, 0, len(days)),
		Totals: DailySalesRow{
			Date:     "total",
			Gross:    decimal.Zero,
			Discount: decimal.Zero,
			Tax:      decimal.Zero,
			Net:      decimal.Zero,
		},
	}
	for _, d := range days {
		row := DailySalesRow{
			Date:     d.Date.Format(DateLayout),
			Sales:    d.Sales,
			Items:    d.Items,
			Gross:    d.Gross,
			Discount: d.Discount,
			Tax:      d.Tax,
			Net:      d.Net,
		}
		resp.Days = append(resp.Days, row)

		t := &resp.Totals
		t.Sales += d.Sales
		t.Items += d.Items
		t.Gross = t.Gross.Add(d.Gross)
		t.Discount = t.Discount.Add(d.Discount)
		t.Tax = t.Tax.Add(d.Tax)
		t.Net = t.Net.Add(d.Net)
	}
	return resp
}

// WriteCSV writes the report with a header row and a trailing totals row
func WriteCSV(w io.Writer, resp *DailySalesResponse) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "sales", "items", "gross", "discount", "tax", "net"}); err != nil {
		return err
	}
	rows := append(append([]DailySalesRow{}, resp.Days...), resp.Totals)
	for _, r := range rows {
		rec := []string{
			r.Date,
			strconv.Itoa(r.Sales),
			strconv.Itoa(r.Items),
			r.Gross.StringFixed(2),
			r.Discount.StringFixed(2),
			r.Tax.StringFixed(2),
			r.Net.StringFixed(2),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
