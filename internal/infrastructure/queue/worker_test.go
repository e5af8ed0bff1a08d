package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/jewelpos/backend/internal/infrastructure/lock"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/infrastructure/persistence"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db       *persistence.Database
	repo     *persistence.GormJobRepository
	events   *persistence.GormEventLogRepository
	registry *Registry
	metrics  *metrics.Metrics
	clock    *clock
	worker   *Worker
	logs     *observer.ObservedLogs
}

func newFixture(t *testing.T, opts ...WorkerOption) *fixture {
	t.Helper()
	db, err := persistence.NewDatabase(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		db:       db,
		repo:     persistence.NewGormJobRepository(db.DB),
		events:   persistence.NewGormEventLogRepository(db.DB),
		registry: NewRegistry(),
		metrics:  metrics.New(),
		clock:    &clock{t: time.Now().UTC().Add(time.Minute)},
		logs:     logs,
	}
	cfg := WorkerConfig{
		PollInterval:     10 * time.Millisecond,
		RetryBackoff:     30 * time.Second,
		JobTimeout:       time.Second,
		StaleAfter:       15 * time.Minute,
		CleanupInterval:  time.Hour,
		CleanupRetention: 24 * time.Hour,
	}
	opts = append([]WorkerOption{
		WithClock(f.clock.Now),
		WithMetrics(f.metrics),
		WithEventLog(f.events),
	}, opts...)
	f.worker = NewWorker(f.repo, f.registry, cfg, zap.New(core), opts...)
	return f
}

func (f *fixture) enqueue(t *testing.T, jobType string, opts ...job.Option) *job.Job {
	t.Helper()
	j, err := job.NewJob(jobType, []byte(`{"n":1}`), opts...)
	require.NoError(t, err)
	require.NoError(t, f.repo.Save(context.Background(), j))
	return j
}

func (f *fixture) assertProcessed(t *testing.T, samples ...string) {
	t.Helper()
	expected := "# HELP jewelpos_jobs_processed_total Job attempts by type and outcome (completed, retried, failed).\n" +
		"# TYPE jewelpos_jobs_processed_total counter\n" +
		strings.Join(samples, "\n") + "\n"
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "jewelpos_jobs_processed_total"))
}

func (f *fixture) reload(t *testing.T, j *job.Job) *job.Job {
	t.Helper()
	got, err := f.repo.FindByID(context.Background(), j.ID)
	require.NoError(t, err)
	return got
}

// drain ticks until no job is due
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		ran, err := f.worker.Tick(context.Background())
		require.NoError(t, err)
		if !ran {
			return n
		}
		n++
	}
}

func TestWorker_TickCompletesJob(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("echo", HandlerFunc(func(_ context.Context, j *job.Job) ([]byte, error) {
		return j.Payload, nil
	}))
	j := f.enqueue(t, "echo")

	ran, err := f.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)

	ran, err = f.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "queue is empty")

	f.assertProcessed(t, `jewelpos_jobs_processed_total{outcome="completed",type="echo"} 1`)

	entries, err := f.events.Recent(context.Background(), "jobs", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "echo", entries[0].Action)
}

func TestWorker_LinearBackoffThenFail(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.registry.MustRegister("flaky", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("printer offline")
	}))
	j := f.enqueue(t, "flaky", job.WithMaxAttempts(3))
	ctx := context.Background()

	start := f.clock.Now()

	_, err := f.worker.Tick(ctx)
	require.NoError(t, err)
	got := f.reload(t, j)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "printer offline", got.LastError)
	assert.True(t, got.ScheduledAt.Equal(start.Add(30*time.Second)), "first retry after 1x backoff")

	// not due yet
	ran, err := f.worker.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	f.clock.Advance(30 * time.Second)
	_, err = f.worker.Tick(ctx)
	require.NoError(t, err)
	got = f.reload(t, j)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, got.ScheduledAt.Equal(f.clock.Now().Add(60*time.Second)), "second retry after 2x backoff")

	f.clock.Advance(60 * time.Second)
	_, err = f.worker.Tick(ctx)
	require.NoError(t, err)
	got = f.reload(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.NotNil(t, got.CompletedAt)

	f.clock.Advance(time.Hour)
	ran, err = f.worker.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int32(3), calls.Load())

	f.assertProcessed(t,
		`jewelpos_jobs_processed_total{outcome="failed",type="flaky"} 1`,
		`jewelpos_jobs_processed_total{outcome="retried",type="flaky"} 2`,
	)
}

func TestWorker_UnknownTypeFailsPermanently(t *testing.T) {
	f := newFixture(t)
	j := f.enqueue(t, "nobody.handles.this", job.WithMaxAttempts(5))

	ran, err := f.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.LastError, "nobody.handles.this")
}

func TestWorker_PermanentErrorSkipsRetries(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("strict", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		return nil, Permanent(errors.New("bad payload"))
	}))
	j := f.enqueue(t, "strict")

	_, err := f.worker.Tick(context.Background())
	require.NoError(t, err)
	got := f.reload(t, j)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "bad payload", got.LastError)
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("boom", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		panic("nil map")
	}))
	j := f.enqueue(t, "boom")

	assert.NotPanics(t, func() {
		_, err := f.worker.Tick(context.Background())
		require.NoError(t, err)
	})

	got := f.reload(t, j)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Contains(t, got.LastError, "handler panic: nil map")
	assert.Equal(t, 1, f.logs.FilterMessage("job handler panicked").Len())
}

func TestWorker_JobTimeout(t *testing.T) {
	f := newFixture(t)
	f.worker.config.JobTimeout = 20 * time.Millisecond
	f.registry.MustRegister("slow", HandlerFunc(func(ctx context.Context, _ *job.Job) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	j := f.enqueue(t, "slow")

	_, err := f.worker.Tick(context.Background())
	require.NoError(t, err)
	got := f.reload(t, j)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Contains(t, got.LastError, "exceeded timeout")
}

func TestWorker_SuccessSurvivesLateDeadline(t *testing.T) {
	f := newFixture(t)
	f.worker.config.JobTimeout = 20 * time.Millisecond
	var calls int32
	f.registry.MustRegister("slow-ok", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(40 * time.Millisecond)
		return []byte(`{"updated":3}`), nil
	}))
	j := f.enqueue(t, "slow-ok")

	_, err := f.worker.Tick(context.Background())
	require.NoError(t, err)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Empty(t, got.LastError)
	assert.JSONEq(t, `{"updated":3}`, string(got.Result))
	assert.Zero(t, f.drain(t), "completed work is not run again")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestWorker_SuccessSurvivesCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.registry.MustRegister("commit", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		// shutdown arrives right after the work is committed
		cancel()
		return []byte(`{"ok":true}`), nil
	}))
	j := f.enqueue(t, "commit")

	_, err := f.worker.Tick(ctx)
	require.NoError(t, err)

	got := f.reload(t, j)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.LastError)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	f.assertProcessed(t, `jewelpos_jobs_processed_total{outcome="completed",type="commit"} 1`)
}

func TestWorker_OrderingAndSingleClaimPerTick(t *testing.T) {
	f := newFixture(t)
	var order []string
	f.registry.MustRegister("rec", HandlerFunc(func(_ context.Context, j *job.Job) ([]byte, error) {
		order = append(order, string(j.Payload))
		return nil, nil
	}))

	base := time.Now().UTC().Add(-time.Hour)
	mk := func(payload string, at time.Time, prio int) {
		j, err := job.NewJob("rec", []byte(payload), job.WithScheduledAt(at), job.WithPriority(prio))
		require.NoError(t, err)
		require.NoError(t, f.repo.Save(context.Background(), j))
	}
	mk(`"late"`, base.Add(10*time.Minute), 0)
	mk(`"early-low"`, base, 0)
	mk(`"early-high"`, base, 5)

	for i := 0; i < 3; i++ {
		ran, err := f.worker.Tick(context.Background())
		require.NoError(t, err)
		require.True(t, ran)
		assert.Len(t, order, i+1, "exactly one job per tick")
	}
	assert.Equal(t, []string{`"early-high"`, `"early-low"`, `"late"`}, order)
}

func TestWorker_SkipsOverlappingTick(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.MustRegister("block", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	}))
	f.enqueue(t, "block")
	f.enqueue(t, "block")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.worker.Tick(context.Background())
	}()
	<-started

	ran, err := f.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "second tick must not run while the first is busy")

	close(release)
	<-done
}

func TestWorker_LockerRefusal(t *testing.T) {
	locker := lock.NewInMemoryLocker()
	f := newFixture(t, WithLocker(locker))
	f.registry.MustRegister("echo", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) { return nil, nil }))
	f.enqueue(t, "echo")

	held, ok, err := locker.TryLock(context.Background(), LockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := f.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	held()
	ran, err = f.worker.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWorker_StartRequeuesStaleAndStops(t *testing.T) {
	f := newFixture(t)
	processed := make(chan struct{}, 1)
	f.registry.MustRegister("echo", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) {
		processed <- struct{}{}
		return nil, nil
	}))

	// simulate a crash: claimed an hour ago, never finished
	stale := f.enqueue(t, "echo", job.WithScheduledAt(time.Now().UTC().Add(-2*time.Hour)))
	claimed, err := f.repo.ClaimNext(context.Background(), time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, stale.ID, claimed.ID)

	require.NoError(t, f.worker.Start(context.Background()))
	require.NoError(t, f.worker.Start(context.Background()), "second start is a no-op")

	select {
	case <-processed:
	case <-time.After(5 * time.Second):
		t.Fatal("stale job was not picked up again")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.worker.Stop(ctx))
	require.NoError(t, f.worker.Stop(ctx))

	assert.Eventually(t, func() bool {
		return f.reload(t, stale).Status == job.StatusCompleted
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.logs.FilterMessageSnippet("requeued jobs").Len())
}

func TestWorker_Cleanup(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("echo", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) { return nil, nil }))
	f.enqueue(t, "echo")
	f.drain(t)

	assert.Equal(t, int64(0), f.worker.Cleanup(context.Background()), "inside retention")

	f.clock.Advance(48 * time.Hour)
	assert.Equal(t, int64(1), f.worker.Cleanup(context.Background()))
}

func TestWorker_WorksOffBacklog(t *testing.T) {
	f := newFixture(t)
	f.registry.MustRegister("echo", HandlerFunc(func(context.Context, *job.Job) ([]byte, error) { return nil, nil }))
	for i := 0; i < 4; i++ {
		f.enqueue(t, "echo")
	}

	assert.Equal(t, 4, f.drain(t))

	counts, err := f.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts[job.StatusCompleted])
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(context.Context, *job.Job) ([]byte, error) { return nil, nil })

	require.NoError(t, r.Register("b.type", noop))
	require.NoError(t, r.Register("a.type", noop))
	assert.ErrorIs(t, r.Register("a.type", noop), ErrDuplicateType)
	assert.ErrorIs(t, r.Register("  ", noop), ErrEmptyType)
	assert.ErrorIs(t, r.Register("c", nil), ErrEmptyType)

	assert.Equal(t, []string{"a.type", "b.type"}, r.Types())
	assert.True(t, r.Has("a.type"))
	assert.False(t, r.Has("zzz"))
	assert.Panics(t, func() { r.MustRegister("a.type", noop) })
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("x")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.True(t, strings.Contains(err.Error(), "x"))
}
