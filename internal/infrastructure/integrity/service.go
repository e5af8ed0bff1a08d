// Package integrity keeps the exports manifest in sync with the files on disk.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/jewelpos/backend/internal/domain/integrity"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/infrastructure/storage"
	"go.uber.org/zap"
)

// Service records and verifies SHA-256 checksums of files under the
// exports root. The manifest lives in the same root.
type Service struct {
	store       *storage.LocalFileStore
	manifestKey string
	manifestAbs string
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time

	mu sync.Mutex // serializes manifest read-modify-write
}

// Option configures a Service
type Option func(*Service)

// WithMetrics records verification outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the fallback logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. manifestFile is relative to the store root.
func NewService(store *storage.LocalFileStore, manifestFile string, opts ...Option) (*Service, error) {
	abs, key, err := store.Resolve(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("manifest path: %w", err)
	}
	s := &Service{
		store:       store,
		manifestKey: key,
		manifestAbs: abs,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store returns the underlying exports file store
func (s *Service) Store() *storage.LocalFileStore {
	return s.store
}

// ListedEntry is a manifest row
type ListedEntry struct {
	Path string `json:"path"`
	domain.Entry
}

// Record hashes rel and stores its checksum in the manifest.
func (s *Service) Record(ctx context.Context, rel string) (domain.Entry, error) {
	entries, err := s.RecordMany(ctx, []string{rel})
	if err != nil {
		return domain.Entry{}, err
	}
	return entries[0], nil
}

// RecordMany hashes every path and persists the manifest once.
func (s *Service) RecordMany(ctx context.Context, rels []string) ([]domain.Entry, error) {
	type hashed struct {
		key   string
		entry domain.Entry
	}
	now := s.now().UTC()
	results := make([]hashed, 0, len(rels))
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs, key, err := s.resolve(rel)
		if err != nil {
			return nil, err
		}
		sum, size, err := hashFile(abs)
		if err != nil {
			return nil, err
		}
		results = append(results, hashed{key: key, entry: domain.Entry{SHA256: sum, Size: size, RecordedAt: now}})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Entry, 0, len(results))
	for _, r := range results {
		m.Put(r.key, r.entry, now)
		out = append(out, r.entry)
	}
	if err := s.save(m); err != nil {
		return nil, err
	}

	logger.Or(ctx, s.logger).Debug("Recorded export checksums", zap.Int("files", len(out)))
	return out, nil
}

// Verify compares rel against its recorded checksum.
func (s *Service) Verify(ctx context.Context, rel string) (domain.Result, error) {
	abs, key, err := s.resolve(rel)
	if err != nil {
		return domain.Result{}, err
	}
	m, err := s.snapshot()
	if err != nil {
		return domain.Result{}, err
	}
	entry, tracked := m.Files[key]

	res, err := check(key, abs, entry, tracked)
	if err != nil {
		return domain.Result{}, err
	}
	if !tracked && res.Status == domain.StatusMissing {
		return domain.Result{}, domain.ErrFileNotFound
	}
	s.metrics.ObserveVerification(string(res.Status))
	if res.Status == domain.StatusMismatch {
		logger.Or(ctx, s.logger).Warn("Export checksum mismatch",
			zap.String("path", key),
			zap.String("expected", res.Expected),
			zap.String("actual", res.Actual),
		)
	}
	return res, nil
}

// VerifyAll checks every tracked file and lists files nobody recorded.
func (s *Service) VerifyAll(ctx context.Context) (*domain.Report, error) {
	m, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	report := &domain.Report{
		CheckedAt: s.now().UTC(),
		Untracked: []string{},
		Results:   []domain.Result{},
	}
	for _, key := range m.Paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		abs, _, err := s.store.Resolve(key)
		if err != nil {
			// hand-edited manifest with a bad key
			report.Add(domain.Result{Path: key, Status: domain.StatusMissing, Expected: m.Files[key].SHA256})
			continue
		}
		res, err := check(key, abs, m.Files[key], true)
		if err != nil {
			return nil, err
		}
		s.metrics.ObserveVerification(string(res.Status))
		report.Add(res)
	}

	err = s.store.Walk(ctx, func(rel string, _ fs.FileInfo) error {
		if rel == s.manifestKey {
			return nil
		}
		if _, ok := m.Files[rel]; !ok {
			report.Untracked = append(report.Untracked, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(report.Untracked)

	log := logger.Or(ctx, s.logger)
	if !report.OK() {
		log.Warn("Export verification found problems",
			zap.Int("checked", report.Checked),
			zap.Int("mismatched", report.Mismatched),
			zap.Int("missing", report.Missing),
		)
	} else {
		log.Info("Export verification passed",
			zap.Int("checked", report.Checked),
			zap.Int("untracked", len(report.Untracked)),
		)
	}
	return report, nil
}

// Forget drops rel from the manifest. The file itself is left alone.
func (s *Service) Forget(ctx context.Context, rel string) error {
	_, key, err := s.resolve(rel)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	if !m.Remove(key, s.now().UTC()) {
		return domain.ErrNotTracked
	}
	if err := s.save(m); err != nil {
		return err
	}
	logger.Or(ctx, s.logger).Info("Export removed from manifest", zap.String("path", key))
	return nil
}

// ForgetPrefix drops every entry under the directory prefix and returns
// how many were removed.
func (s *Service) ForgetPrefix(ctx context.Context, prefix string) (int, error) {
	_, key, err := s.store.Resolve(prefix)
	if err != nil {
		return 0, err
	}
	dir := key + "/"

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	removed := 0
	for _, p := range m.Paths() {
		if strings.HasPrefix(p, dir) && m.Remove(p, now) {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(m); err != nil {
		return 0, err
	}
	logger.Or(ctx, s.logger).Info("Exports removed from manifest",
		zap.String("prefix", dir),
		zap.Int("files", removed),
	)
	return removed, nil
}

// Contains reports whether abs lies inside the exports root and returns
// its manifest key
func (s *Service) Contains(abs string) (string, bool) {
	abs, err := filepath.Abs(abs)
	if err != nil {
		return "", false
	}
	rel, err := filepath.Rel(s.store.Root(), abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// List returns manifest entries sorted by path.
func (s *Service) List(_ context.Context) ([]ListedEntry, error) {
	m, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	out := make([]ListedEntry, 0, len(m.Files))
	for _, p := range m.Paths() {
		out = append(out, ListedEntry{Path: p, Entry: m.Files[p]})
	}
	return out, nil
}

func (s *Service) resolve(rel string) (string, string, error) {
	abs, key, err := s.store.Resolve(rel)
	if err != nil {
		return "", "", err
	}
	if key == s.manifestKey {
		return "", "", domain.ErrReservedPath
	}
	return abs, key, nil
}

// snapshot reads the manifest under the lock so a concurrent save is
// never observed half way.
func (s *Service) snapshot() (*domain.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Service) load() (*domain.Manifest, error) {
	data, err := os.ReadFile(s.manifestAbs)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NewManifest(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m := domain.NewManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", s.manifestKey, err)
	}
	if m.Files == nil {
		m.Files = make(map[string]domain.Entry)
	}
	return m, nil
}

func (s *Service) save(m *domain.Manifest) error {
	m.Version = domain.ManifestVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return storage.WriteFileAtomic(s.manifestAbs, append(data, '\n'), 0o644)
}

func check(key, abs string, entry domain.Entry, tracked bool) (domain.Result, error) {
	res := domain.Result{Path: key, Expected: entry.SHA256}
	sum, size, err := hashFile(abs)
	switch {
	case errors.Is(err, domain.ErrFileNotFound):
		res.Status = domain.StatusMissing
		return res, nil
	case err != nil:
		return res, err
	}
	res.Actual, res.Size = sum, size
	switch {
	case !tracked:
		res.Status = domain.StatusUntracked
	case sum == entry.SHA256 && size == entry.Size:
		res.Status = domain.StatusValid
	default:
		res.Status = domain.StatusMismatch
	}
	return res, nil
}

func hashFile(abs string) (string, int64, error) {
	f, err := os.Open(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0, domain.ErrFileNotFound
	}
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	if info.IsDir() {
		return "", 0, domain.ErrFileNotFound
	}

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", abs, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
