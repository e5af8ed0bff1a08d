package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/jewelpos/backend/internal/domain/backup"
	domainintegrity "github.com/jewelpos/backend/internal/domain/integrity"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/jewelpos/backend/internal/infrastructure/integrity"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/infrastructure/persistence"
	"github.com/jewelpos/backend/internal/infrastructure/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// memoryObjects is an in-memory storage.ObjectStorage
type memoryObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	failWrite bool
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) Upload(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	if m.failWrite {
		return errors.New("bucket unreachable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryObjects) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			delete(m.objects, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryObjects) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memoryObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type snapshotterFunc func(ctx context.Context, dest string) error

func (f snapshotterFunc) Snapshot(ctx context.Context, dest string) error { return f(ctx, dest) }

// stepClock returns t and then advances by one hour on every call
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(time.Hour)
	return now
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func newDatabase(t *testing.T) *persistence.Database {
	t.Helper()
	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRun_FullSnapshot(t *testing.T) {
	root := t.TempDir()
	exports := filepath.Join(root, "exports")
	data := filepath.Join(root, "data")
	writeFile(t, filepath.Join(exports, "tickets", "t-1.txt"), "ticket")
	writeFile(t, filepath.Join(exports, "reports", "r.csv"), "date,net\n")
	writeFile(t, filepath.Join(data, "settings.json"), `{"store":"x"}`)
	writeFile(t, filepath.Join(data, storage.TempPrefix+"half"), "partial")

	store, err := storage.NewLocalFileStore(exports)
	require.NoError(t, err)
	integ, err := integrity.NewService(store, ".manifest.json")
	require.NoError(t, err)

	db := newDatabase(t)
	events := persistence.NewGormEventLogRepository(db.DB)
	remote := newMemoryObjects()
	m := metrics.New()
	clock := &stepClock{t: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)}

	svc, err := NewService(Config{
		Dir:             filepath.Join(exports, "backups"),
		Sources:         []string{exports, data, filepath.Join(root, "absent")},
		IncludeDatabase: true,
		Upload:          true,
	}, zaptest.NewLogger(t),
		WithDatabase(db),
		WithIntegrity(integ),
		WithRemote(remote),
		WithMetrics(m),
		WithEventLog(events),
		WithClock(clock.Now),
	)
	require.NoError(t, err)

	snap, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "20260203-040506", snap.Name)
	assert.Equal(t, []string{"exports", "data"}, snap.Sources)
	assert.True(t, snap.Database)
	assert.True(t, snap.Uploaded)
	// two exports, one data file, the database
	assert.Equal(t, 4, snap.Files)

	final := filepath.Join(svc.Dir(), snap.Name)
	got, err := os.ReadFile(filepath.Join(final, "files", "data", "settings.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"store":"x"}`, string(got))
	_, err = os.Stat(filepath.Join(final, "files", "data", storage.TempPrefix+"half"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(final, "files", "exports", "backups"))
	assert.True(t, os.IsNotExist(err), "backup dir is not copied into itself")
	_, err = os.Stat(filepath.Join(final, databaseFile))
	assert.NoError(t, err)

	var meta domain.Snapshot
	raw, err := os.ReadFile(filepath.Join(final, domain.MetadataFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, snap.Name, meta.Name)
	assert.True(t, meta.Uploaded)

	assert.Contains(t, remote.keys(), snap.Name+"/backup.json")
	assert.Contains(t, remote.keys(), snap.Name+"/files/data/settings.json")
	assert.Contains(t, remote.keys(), snap.Name+"/"+databaseFile)

	res, err := integ.Verify(context.Background(), "backups/"+snap.Name+"/backup.json")
	require.NoError(t, err)
	assert.Equal(t, domainintegrity.StatusValid, res.Status)

	entries, err := events.Recent(context.Background(), "backup", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Backup completed", entries[0].Message)

	expected := `
# HELP jewelpos_backup_runs_total Backup runs by outcome.
# TYPE jewelpos_backup_runs_total counter
jewelpos_backup_runs_total{outcome="completed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "jewelpos_backup_runs_total"))
}

func TestRun_InProgress(t *testing.T) {
	svc, err := NewService(Config{Dir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	svc.mu.Lock()
	_, err = svc.Run(context.Background())
	assert.Equal(t, domain.ErrBackupInProgress, err)
	_, err = svc.Prune(context.Background())
	assert.Equal(t, domain.ErrBackupInProgress, err)
	svc.mu.Unlock()

	_, err = svc.Run(context.Background())
	assert.NoError(t, err)
}

func TestRun_RemovesLeftoversAndRejectsSameName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "20260101-000000.tmp", "junk"), "x")
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	svc, err := NewService(Config{Dir: dir}, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = svc.Run(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "20260101-000000.tmp"))
	assert.True(t, os.IsNotExist(err))

	_, err = svc.Run(context.Background())
	assert.Equal(t, ErrSnapshotExists, err)
	_, err = os.Stat(filepath.Join(dir, "20260203-040506.tmp"))
	assert.True(t, os.IsNotExist(err), "failed run cleans its temp dir")
}

func TestRun_DatabaseSnapshotUnsupported(t *testing.T) {
	svc, err := NewService(Config{Dir: t.TempDir(), IncludeDatabase: true}, zaptest.NewLogger(t),
		WithDatabase(snapshotterFunc(func(context.Context, string) error { return persistence.ErrSnapshotUnsupported })))
	require.NoError(t, err)

	snap, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Database)
	assert.Zero(t, snap.Files)
}

func TestRun_DatabaseSnapshotError(t *testing.T) {
	m := metrics.New()
	svc, err := NewService(Config{Dir: t.TempDir(), IncludeDatabase: true}, zaptest.NewLogger(t),
		WithMetrics(m),
		WithDatabase(snapshotterFunc(func(context.Context, string) error { return errors.New("database is locked") })))
	require.NoError(t, err)

	_, err = svc.Run(context.Background())
	assert.ErrorContains(t, err, "database is locked")

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	expected := `
# HELP jewelpos_backup_runs_total Backup runs by outcome.
# TYPE jewelpos_backup_runs_total counter
jewelpos_backup_runs_total{outcome="failed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "jewelpos_backup_runs_total"))
}

func TestRun_UploadFailureKeepsLocalCopy(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "a")
	remote := newMemoryObjects()
	remote.failWrite = true

	svc, err := NewService(Config{Dir: t.TempDir(), Sources: []string{src}, Upload: true}, zaptest.NewLogger(t), WithRemote(remote))
	require.NoError(t, err)

	snap, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Uploaded)
	assert.Equal(t, 1, snap.Files)
	assert.Empty(t, remote.keys())
}

func TestPrune(t *testing.T) {
	root := t.TempDir()
	store, err := storage.NewLocalFileStore(root)
	require.NoError(t, err)
	integ, err := integrity.NewService(store, ".manifest.json")
	require.NoError(t, err)
	src := filepath.Join(t.TempDir(), "data")
	writeFile(t, filepath.Join(src, "a.txt"), "a")

	remote := newMemoryObjects()
	clock := &stepClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc, err := NewService(Config{
		Dir:       filepath.Join(root, "backups"),
		Sources:   []string{src},
		Upload:    true,
		Retention: domain.RetentionPolicy{MaxCount: 2},
	}, zaptest.NewLogger(t), WithRemote(remote), WithIntegrity(integ), WithClock(clock.Now))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.Run(ctx)
		require.NoError(t, err)
	}

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2, "the third run pruned the oldest")
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

	for _, k := range remote.keys() {
		assert.NotContains(t, k, "20260101-000000/")
	}
	manifest, err := integ.List(ctx)
	require.NoError(t, err)
	for _, e := range manifest {
		assert.NotContains(t, e.Path, "20260101-000000/")
	}

	removed, err := svc.Prune(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestPrune_ByAge(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"20260101-000000", "20260110-000000", "20260120-000000"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	}
	now := time.Date(2026, 1, 21, 0, 0, 0, 0, time.UTC)
	m := metrics.New()
	svc, err := NewService(Config{Dir: dir, Retention: domain.RetentionPolicy{MaxAge: 7 * 24 * time.Hour}},
		zaptest.NewLogger(t), WithClock(func() time.Time { return now }), WithMetrics(m))
	require.NoError(t, err)

	removed, err := svc.Prune(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"20260101-000000", "20260110-000000"}, removed)
	expected := `
# HELP jewelpos_backup_pruned_total Snapshots removed by the retention policy.
# TYPE jewelpos_backup_pruned_total counter
jewelpos_backup_pruned_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "jewelpos_backup_pruned_total"))
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "20260101-000000"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "20260301-000000.tmp"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-backup"), 0o755))
	writeFile(t, filepath.Join(dir, "20260201-000000", domain.MetadataFile), `{"name":"20260201-000000","created_at":"2026-02-01T00:00:00Z","files":7}`)
	writeFile(t, filepath.Join(dir, "20260115-000000", domain.MetadataFile), `{broken`)
	writeFile(t, filepath.Join(dir, "stray.txt"), "x")

	svc, err := NewService(Config{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "20260201-000000", list[0].Name)
	assert.Equal(t, 7, list[0].Files)
	assert.Equal(t, "20260115-000000", list[1].Name)
	assert.Equal(t, "20260101-000000", list[2].Name)
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.BackupConfig{Dir: "b", RetentionDays: 30, MaxBackups: 10, Upload: true})
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, 10, cfg.Retention.MaxCount)
	assert.True(t, cfg.Upload)

	_, err := NewService(Config{}, nil)
	assert.Error(t, err)
}
