package jobs

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jewelpos/backend/internal/infrastructure/integrity"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// ExportResult is returned by handlers that produce a file
type ExportResult struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Exporter writes generated files into the exports tree and records
// their checksums in the manifest
type Exporter struct {
	integrity *integrity.Service
}

// NewExporter creates an Exporter over the integrity service's store
func NewExporter(svc *integrity.Service) *Exporter {
	return &Exporter{integrity: svc}
}

// Publish writes data to rel and records it
func (e *Exporter) Publish(ctx context.Context, rel string, data []byte) (ExportResult, error) {
	key, err := e.integrity.Store().Write(ctx, rel, data)
	if err != nil {
		return ExportResult{}, fmt.Errorf("write %s: %w", rel, err)
	}
	entry, err := e.integrity.Record(ctx, key)
	if err != nil {
		return ExportResult{}, fmt.Errorf("record %s: %w", key, err)
	}
	return ExportResult{Path: key, SHA256: entry.SHA256, Size: entry.Size}, nil
}

var (
	unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	hundredPct = decimal.NewFromInt(100)
)

// fileSafe turns a sale number or similar into a file name fragment
func fileSafe(s string) string {
	s = strings.Trim(unsafeName.ReplaceAllString(s, "-"), "-")
	if s == "" {
		return "unnamed"
	}
	return s
}

// Formatter renders amounts for the store's locale
type Formatter struct {
	printer   *message.Printer
	storeName string
}

// NewFormatter creates a Formatter. An unparseable locale falls back to en-US.
func NewFormatter(locale, storeName string) *Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.AmericanEnglish
	}
	return &Formatter{printer: message.NewPrinter(tag), storeName: storeName}
}

// Money formats d with two decimals and locale grouping
func (f *Formatter) Money(d decimal.Decimal) string {
	return f.printer.Sprint(number.Decimal(d.Round(2).InexactFloat64(), number.Scale(2)))
}

// Int formats n with locale grouping
func (f *Formatter) Int(n int) string {
	return f.printer.Sprint(number.Decimal(n))
}

// Sprintf formats according to the locale
func (f *Formatter) Sprintf(format string, args ...any) string {
	return f.printer.Sprintf(format, args...)
}

// StoreName is printed on ticket headers
func (f *Formatter) StoreName() string {
	return f.storeName
}
