// Package migration applies the versioned SQL schema with golang-migrate.
// The migration files are embedded, one directory per database driver.
package migration

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

//go:embed sql
var files embed.FS

// ErrInMemoryDatabase is returned for sqlite :memory: databases, which a
// second connection cannot see. Callers fall back to AutoMigrate.
var ErrInMemoryDatabase = errors.New("in-memory sqlite cannot be migrated over a separate connection")

// Migrator handles database migrations using golang-migrate
type Migrator struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// New creates a Migrator for the configured database. It opens its own
// connection, released by Close.
func New(cfg *config.DatabaseConfig, logger *zap.Logger) (*Migrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir, databaseURL, err := target(cfg)
	if err != nil {
		return nil, err
	}

	src, err := iofs.New(files, "sql/"+dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &Migrator{
		migrate: m,
		logger:  logger.With(zap.String("driver", dir)),
	}, nil
}

func target(cfg *config.DatabaseConfig) (dir, databaseURL string, err error) {
	switch cfg.Driver {
	case "postgres":
		return "postgres", cfg.DSN(), nil
	case "sqlite", "":
		if cfg.Path == ":memory:" || strings.Contains(cfg.Path, "mode=memory") {
			return "", "", ErrInMemoryDatabase
		}
		if d := filepath.Dir(cfg.Path); d != "." {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return "", "", fmt.Errorf("create database directory: %w", err)
			}
		}
		return "sqlite", "sqlite3://" + filepath.ToSlash(cfg.Path) + "?_busy_timeout=5000", nil
	default:
		return "", "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	m.logger.Info("Running migrations up")

	err := m.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info("No migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return err
	}
	m.logger.Info("Migrations completed",
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	m.logger.Info("Running migrations down")

	err := m.migrate.Down()
	if errors.Is(err, migrate.ErrNoChange) {
		m.logger.Info("No migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	m.logger.Info("All migrations rolled back")
	return nil
}

// Version returns the current migration version, 0 before the first one
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Close closes the migrator and releases resources
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("failed to close source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close database: %w", dbErr)
	}
	return nil
}

// Apply brings the configured database to the latest schema version
func Apply(cfg *config.DatabaseConfig, logger *zap.Logger) (err error) {
	m, err := New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return m.Up()
}
