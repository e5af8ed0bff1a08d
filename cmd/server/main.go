package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	jobsapp "github.com/jewelpos/backend/internal/application/jobs"
	reportapp "github.com/jewelpos/backend/internal/application/report"
	"github.com/jewelpos/backend/internal/infrastructure/backup"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/jewelpos/backend/internal/infrastructure/integrity"
	"github.com/jewelpos/backend/internal/infrastructure/lock"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/infrastructure/migration"
	"github.com/jewelpos/backend/internal/infrastructure/persistence"
	"github.com/jewelpos/backend/internal/infrastructure/queue"
	"github.com/jewelpos/backend/internal/infrastructure/scheduler"
	"github.com/jewelpos/backend/internal/infrastructure/storage"
	"github.com/jewelpos/backend/internal/infrastructure/telemetry"
	"github.com/jewelpos/backend/internal/interfaces/http/handler"
	"github.com/jewelpos/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting JewelPOS Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing and profiling
	tp, err := telemetry.NewTracerProvider(rootCtx, telemetry.ConfigFrom(cfg.Telemetry, version), log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfigFrom(cfg.Telemetry, cfg.App.Env), log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Error("Error stopping profiler", zap.Error(err))
		}
	}()

	m := metrics.New()

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level), cfg.Telemetry.DBSlowQueryThresh)
	db, err := persistence.NewDatabase(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfigFrom(cfg.Telemetry, db.Driver()), log).Register(db.DB); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}
	if err := migration.Apply(&cfg.Database, log); errors.Is(err, migration.ErrInMemoryDatabase) {
		if err := db.AutoMigrate(); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
	} else if err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}
	log.Info("Database connected successfully", zap.String("driver", db.Driver()))

	// Repositories
	jobRepo := persistence.NewGormJobRepository(db.DB)
	productRepo := persistence.NewGormProductRepository(db.DB)
	saleRepo := persistence.NewGormSaleRepository(db.DB)
	eventRepo := persistence.NewGormEventLogRepository(db.DB)

	locker := lock.New(cfg.Redis, log)
	if c, ok := locker.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	// Exports and integrity manifest
	exportStore, err := storage.NewLocalFileStore(cfg.Exports.Dir)
	if err != nil {
		log.Fatal("Failed to open exports directory", zap.Error(err))
	}
	integritySvc, err := integrity.NewService(exportStore, cfg.Exports.ManifestFile,
		integrity.WithMetrics(m),
		integrity.WithLogger(log),
	)
	if err != nil {
		log.Fatal("Failed to initialize export integrity", zap.Error(err))
	}

	// Offline backups
	var backupSvc *backup.Service
	var backupTrigger *scheduler.CronTrigger
	if cfg.Backup.Enabled {
		opts := []backup.Option{
			backup.WithDatabase(db),
			backup.WithIntegrity(integritySvc),
			backup.WithMetrics(m),
			backup.WithEventLog(eventRepo),
		}
		if cfg.Backup.Upload {
			remote, err := storage.NewS3ObjectStorage(&cfg.Storage, storage.WithLogger(log))
			if err != nil {
				log.Fatal("Failed to initialize backup upload storage", zap.Error(err))
			}
			opts = append(opts, backup.WithRemote(remote))
		}
		backupSvc, err = backup.NewService(backup.ConfigFrom(cfg.Backup), log, opts...)
		if err != nil {
			log.Fatal("Failed to initialize backup service", zap.Error(err))
		}

		schedule, err := scheduler.ParseSchedule(cfg.Backup.Schedule)
		if err != nil {
			log.Fatal("Invalid backup schedule", zap.String("schedule", cfg.Backup.Schedule), zap.Error(err))
		}
		triggerCfg := scheduler.DefaultCronTriggerConfig("backup")
		triggerCfg.Schedule = schedule
		backupTrigger, err = scheduler.NewCronTrigger(triggerCfg, func(ctx context.Context) error {
			_, err := backupSvc.Run(ctx)
			return err
		}, log, scheduler.WithLocker(locker))
		if err != nil {
			log.Fatal("Failed to create backup trigger", zap.Error(err))
		}
	}

	// Reports and the job queue
	reportSvc := reportapp.NewService(saleRepo, cfg.HTTP.ReportTimeout, log)

	registry := queue.NewRegistry()
	deps := jobsapp.BuiltinDeps{
		Products: productRepo,
		Sales:    saleRepo,
		Reports:  reportSvc,
		Exporter: jobsapp.NewExporter(integritySvc),
		Format:   jobsapp.NewFormatter(cfg.Exports.Locale, cfg.Exports.StoreName),
		Logger:   log,
	}
	if backupSvc != nil {
		deps.Backup = backupSvc
	}
	if err := jobsapp.RegisterBuiltins(registry, deps); err != nil {
		log.Fatal("Failed to register job handlers", zap.Error(err))
	}
	jobSvc := jobsapp.NewService(jobRepo, registry, log,
		jobsapp.WithServiceMetrics(m),
		jobsapp.WithDefaultMaxAttempts(cfg.Jobs.DefaultMaxAttempts),
	)

	var worker *queue.Worker
	if cfg.Jobs.Enabled {
		worker = queue.NewWorker(jobRepo, registry, queue.WorkerConfigFrom(cfg.Jobs), log,
			queue.WithLocker(locker),
			queue.WithEventLog(eventRepo),
			queue.WithMetrics(m),
		)
		if err := worker.Start(rootCtx); err != nil {
			log.Fatal("Failed to start job worker", zap.Error(err))
		}
	}
	if backupTrigger != nil {
		if err := backupTrigger.Start(rootCtx); err != nil {
			log.Fatal("Failed to start backup scheduler", zap.Error(err))
		}
	}

	// HTTP
	handlers := router.Handlers{
		Jobs:    handler.NewJobHandler(jobSvc),
		Exports: handler.NewExportHandler(integritySvc, cfg.Exports.VerifyOnDownload),
		Reports: handler.NewReportHandler(reportSvc),
		System: handler.NewSystemHandler(cfg.App.Name, version).
			AddCheck("database", db.Ping),
	}
	if backupSvc != nil {
		handlers.Backups = handler.NewBackupHandler(backupSvc)
	}
	server := router.NewServer(router.ServerConfigFrom(cfg), handlers, log, m)
	defer server.Close()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        server.Engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-rootCtx.Done()
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if backupTrigger != nil {
		if err := backupTrigger.Stop(ctx); err != nil {
			log.Error("Backup scheduler did not stop cleanly", zap.Error(err))
		}
	}
	if worker != nil {
		if err := worker.Stop(ctx); err != nil {
			log.Error("Job worker did not stop cleanly", zap.Error(err))
		}
	}

	log.Info("Server exited gracefully")
}
