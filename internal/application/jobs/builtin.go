package jobs

import (
	"github.com/jewelpos/backend/internal/application/report"
	"github.com/jewelpos/backend/internal/domain/catalog"
	"github.com/jewelpos/backend/internal/domain/sales"
	"github.com/jewelpos/backend/internal/infrastructure/queue"
	"go.uber.org/zap"
)

// BuiltinDeps are the collaborators of the built-in handlers.
// Backup may be nil when offline backups are disabled.
type BuiltinDeps struct {
	Products catalog.ProductRepository
	Sales    sales.Repository
	Reports  *report.Service
	Exporter *Exporter
	Format   *Formatter
	Backup   BackupRunner
	Logger   *zap.Logger
}

// RegisterBuiltins registers every built-in job type on r
func RegisterBuiltins(r *queue.Registry, d BuiltinDeps) error {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	handlers := map[string]queue.Handler{
		TypePriceUpdate:    NewPriceUpdateHandler(d.Products, log),
		TypeTicketGenerate: NewTicketHandler(d.Sales, d.Exporter, d.Format, log),
		TypeLabelsPrint:    NewLabelsHandler(d.Products, d.Exporter, d.Format, log),
		TypeReportExport:   NewReportExportHandler(d.Reports, d.Exporter, log),
	}
	if d.Backup != nil {
		handlers[TypeBackupRun] = NewBackupHandler(d.Backup)
	}
	for t, h := range handlers {
		if err := r.Register(t, h); err != nil {
			return err
		}
	}
	return nil
}
