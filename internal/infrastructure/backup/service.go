// Package backup takes offline snapshots of the store's data directories and
// database, mirrors them to object storage and applies retention.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	domain "github.com/jewelpos/backend/internal/domain/backup"
	"github.com/jewelpos/backend/internal/domain/eventlog"
	"github.com/jewelpos/backend/internal/domain/shared"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/jewelpos/backend/internal/infrastructure/integrity"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/infrastructure/persistence"
	"github.com/jewelpos/backend/internal/infrastructure/storage"
	"github.com/jewelpos/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const (
	tempSuffix   = ".tmp"
	databaseFile = "database.sqlite"
	filesDir     = "files"
	eventSource  = "backup"
)

// ErrSnapshotExists is returned when two runs land in the same second
var ErrSnapshotExists = shared.NewDomainError("CONFLICT", "A backup with this name already exists")

// Config holds the backup settings used by the Service
type Config struct {
	Dir             string
	Sources         []string
	IncludeDatabase bool
	Retention       domain.RetentionPolicy
	Upload          bool
}

// ConfigFrom maps the backup configuration section
func ConfigFrom(cfg config.BackupConfig) Config {
	return Config{
		Dir:             cfg.Dir,
		Sources:         cfg.Sources,
		IncludeDatabase: cfg.IncludeDatabase,
		Retention: domain.RetentionPolicy{
			MaxAge:   cfg.RetentionMaxAge(),
			MaxCount: cfg.MaxBackups,
		},
		Upload: cfg.Upload,
	}
}

// DatabaseSnapshotter writes a consistent copy of the database to a file
type DatabaseSnapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// Service runs backups. At most one run or prune is active at a time.
type Service struct {
	cfg       Config
	dir       string
	db        DatabaseSnapshotter
	integrity *integrity.Service
	remote    storage.ObjectStorage
	metrics   *metrics.Metrics
	events    eventlog.Repository
	logger    *zap.Logger
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithDatabase includes a database snapshot in every backup when enabled
func WithDatabase(db DatabaseSnapshotter) Option {
	return func(s *Service) { s.db = db }
}

// WithIntegrity records backup files in the exports manifest when the
// backup directory lies under the exports root
func WithIntegrity(svc *integrity.Service) Option {
	return func(s *Service) { s.integrity = svc }
}

// WithRemote mirrors snapshots to object storage when uploads are enabled
func WithRemote(store storage.ObjectStorage) Option {
	return func(s *Service) { s.remote = store }
}

// WithMetrics records run outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEventLog appends an audit entry per run
func WithEventLog(repo eventlog.Repository) Option {
	return func(s *Service) { s.events = repo }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the backup directory and returns a Service
func NewService(cfg Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("backup directory is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("backup directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{cfg: cfg, dir: dir, logger: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute backup directory
func (s *Service) Dir() string {
	return s.dir
}

func (s *Service) uploading() bool {
	return s.cfg.Upload && s.remote != nil
}

// Run takes one snapshot, then applies retention.
// It returns domain.ErrBackupInProgress when another run or prune is active.
func (s *Service) Run(ctx context.Context) (*domain.Snapshot, error) {
	if !s.mu.TryLock() {
		return nil, domain.ErrBackupInProgress
	}
	defer s.mu.Unlock()

	ctx, span := telemetry.StartServiceSpan(ctx, "backup", "run")
	defer span.End()
	log := logger.Or(ctx, s.logger)

	started := s.now().UTC()
	snap, err := s.run(ctx, started)
	if err != nil {
		telemetry.RecordError(span, err)
		s.metrics.ObserveBackup(err, 0, started)
		log.Error("Backup failed", zap.Error(err))
		s.audit(ctx, "run", eventlog.LevelError, "Backup failed", map[string]string{"error": err.Error()})
		return nil, err
	}
	telemetry.SetAttributes(span, telemetry.AttrBackupName, snap.Name)
	telemetry.SetOK(span)

	s.metrics.ObserveBackup(nil, snap.Bytes, started)
	log.Info("Backup completed",
		zap.String("name", snap.Name),
		zap.Int("files", snap.Files),
		zap.Int64("bytes", snap.Bytes),
		zap.Bool("database", snap.Database),
		zap.Bool("uploaded", snap.Uploaded),
		zap.String("duration", snap.Duration),
	)
	s.audit(ctx, "run", eventlog.LevelInfo, "Backup completed", snap)

	if _, err := s.prune(ctx); err != nil {
		log.Warn("Backup retention failed", zap.Error(err))
	}
	return snap, nil
}

func (s *Service) run(ctx context.Context, started time.Time) (*domain.Snapshot, error) {
	log := logger.Or(ctx, s.logger)
	s.removeLeftovers(ctx)

	name := domain.NameFor(started)
	final := filepath.Join(s.dir, name)
	if _, err := os.Stat(final); err == nil {
		return nil, ErrSnapshotExists
	}
	tmp := final + tempSuffix
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	snap := &domain.Snapshot{Name: name, CreatedAt: started, Sources: []string{}}
	for _, src := range s.cfg.Sources {
		files, bytes, err := s.copySource(ctx, src, filepath.Join(tmp, filesDir))
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn("Backup source does not exist, skipping", zap.String("source", src))
			continue
		}
		if err != nil {
			return nil, err
		}
		snap.Sources = append(snap.Sources, filepath.Base(filepath.Clean(src)))
		snap.Files += files
		snap.Bytes += bytes
	}

	if s.cfg.IncludeDatabase && s.db != nil {
		dest := filepath.Join(tmp, databaseFile)
		err := s.db.Snapshot(ctx, dest)
		switch {
		case errors.Is(err, persistence.ErrSnapshotUnsupported):
			log.Warn("Database snapshot not supported by this driver, skipping")
		case err != nil:
			return nil, fmt.Errorf("database snapshot: %w", err)
		default:
			info, err := os.Stat(dest)
			if err != nil {
				return nil, err
			}
			snap.Database = true
			snap.Files++
			snap.Bytes += info.Size()
		}
	}

	if s.uploading() {
		if err := s.upload(ctx, name, tmp); err != nil {
			log.Warn("Backup upload failed, keeping local copy only", zap.Error(err))
		} else {
			snap.Uploaded = true
		}
	}
	snap.Duration = s.now().UTC().Sub(started).Round(time.Millisecond).String()

	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	metaPath := filepath.Join(tmp, domain.MetadataFile)
	if err := storage.WriteFileAtomic(metaPath, append(meta, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}
	if snap.Uploaded {
		if err := s.uploadFile(ctx, name+"/"+domain.MetadataFile, metaPath); err != nil {
			log.Warn("Backup metadata upload failed", zap.Error(err))
		}
	}

	if err := os.Rename(tmp, final); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", name, err)
	}
	committed = true

	if err := s.recordIntegrity(ctx, final); err != nil {
		log.Warn("Could not record backup checksums", zap.Error(err))
	}
	return snap, nil
}

// copySource copies the regular files under src into dest/<base of src>
func (s *Service) copySource(ctx context.Context, src, dest string) (int, int64, error) {
	root, err := filepath.Abs(src)
	if err != nil {
		return 0, 0, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return 0, 0, err
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("backup source %s is not a directory", src)
	}
	target := filepath.Join(dest, filepath.Base(root))

	var files int
	var total int64
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			// never copy backups into themselves
			if p == s.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || storage.IsTemp(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		n, err := copyFile(p, filepath.Join(target, rel))
		if err != nil {
			return err
		}
		files++
		total += n
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("copy %s: %w", src, err)
	}
	return files, total, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return 0, err
	}
	return n, out.Close()
}

func (s *Service) upload(ctx context.Context, name, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return s.uploadFile(ctx, path.Join(name, filepath.ToSlash(rel)), p)
	})
}

func (s *Service) uploadFile(ctx context.Context, key, p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	contentType := "application/octet-stream"
	if strings.HasSuffix(p, ".json") {
		contentType = "application/json"
	}
	return s.remote.Upload(ctx, key, f, info.Size(), contentType)
}

func (s *Service) recordIntegrity(ctx context.Context, final string) error {
	if s.integrity == nil {
		return nil
	}
	prefix, ok := s.integrity.Contains(final)
	if !ok {
		return nil
	}
	var rels []string
	err := filepath.WalkDir(final, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(final, p)
		if err != nil {
			return err
		}
		rels = append(rels, path.Join(prefix, filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.integrity.RecordMany(ctx, rels)
	return err
}

// removeLeftovers deletes temp folders of runs that crashed
func (s *Service) removeLeftovers(ctx context.Context) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), tempSuffix) {
			if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err == nil {
				logger.Or(ctx, s.logger).Info("Removed incomplete backup", zap.String("name", e.Name()))
			}
		}
	}
}

// List returns completed snapshots, newest first
func (s *Service) List(_ context.Context) ([]domain.Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}
	snaps := make([]domain.Snapshot, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		created, err := domain.ParseName(e.Name())
		if err != nil {
			continue
		}
		snap := domain.Snapshot{Name: e.Name(), CreatedAt: created}
		if data, err := os.ReadFile(filepath.Join(s.dir, e.Name(), domain.MetadataFile)); err == nil {
			var meta domain.Snapshot
			if json.Unmarshal(data, &meta) == nil && meta.Name == e.Name() {
				snap = meta
			}
		}
		snaps = append(snaps, snap)
	}
	domain.SortNewestFirst(snaps)
	return snaps, nil
}

// Prune applies the retention policy and returns the removed snapshot names
func (s *Service) Prune(ctx context.Context) ([]string, error) {
	if !s.mu.TryLock() {
		return nil, domain.ErrBackupInProgress
	}
	defer s.mu.Unlock()
	return s.prune(ctx)
}

func (s *Service) prune(ctx context.Context) ([]string, error) {
	snaps, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.Or(ctx, s.logger)

	removed := []string{}
	for _, snap := range s.cfg.Retention.Expired(snaps, s.now().UTC()) {
		dir := filepath.Join(s.dir, snap.Name)
		if err := os.RemoveAll(dir); err != nil {
			return removed, fmt.Errorf("remove %s: %w", snap.Name, err)
		}
		removed = append(removed, snap.Name)

		if s.integrity != nil {
			if prefix, ok := s.integrity.Contains(dir); ok {
				if _, err := s.integrity.ForgetPrefix(ctx, prefix); err != nil {
					log.Warn("Could not drop pruned backup from manifest", zap.String("name", snap.Name), zap.Error(err))
				}
			}
		}
		if s.uploading() {
			if _, err := s.remote.DeletePrefix(ctx, snap.Name+"/"); err != nil {
				log.Warn("Could not delete remote backup", zap.String("name", snap.Name), zap.Error(err))
			}
		}
	}

	if len(removed) > 0 {
		s.metrics.AddPruned(len(removed))
		log.Info("Old backups pruned", zap.Strings("names", removed))
		s.audit(ctx, "prune", eventlog.LevelInfo, "Old backups pruned", map[string]any{"names": removed})
	}
	return removed, nil
}

func (s *Service) audit(ctx context.Context, action string, level eventlog.Level, msg string, details any) {
	if s.events == nil {
		return
	}
	entry := eventlog.NewEntry(eventSource, action, level, msg, details)
	if err := s.events.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.Or(ctx, s.logger).Warn("Failed to append backup event", zap.Error(err))
	}
}
