package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jewelpos/backend/internal/domain/eventlog"
	"github.com/jewelpos/backend/internal/domain/job"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/jewelpos/backend/internal/infrastructure/lock"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const (
	// LockKey guards ticks when several servers share one database
	LockKey = "jobs:poller"

	eventSource = "jobs"

	outcomeCompleted = "completed"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
)

// WorkerConfig holds configuration for the job poller
type WorkerConfig struct {
	PollInterval     time.Duration
	RetryBackoff     time.Duration
	JobTimeout       time.Duration
	StaleAfter       time.Duration
	CleanupInterval  time.Duration
	CleanupRetention time.Duration
}

// DefaultWorkerConfig returns default configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:     5 * time.Second,
		RetryBackoff:     30 * time.Second,
		JobTimeout:       5 * time.Minute,
		StaleAfter:       15 * time.Minute,
		CleanupInterval:  time.Hour,
		CleanupRetention: 7 * 24 * time.Hour,
	}
}

// WorkerConfigFrom maps the jobs configuration section
func WorkerConfigFrom(cfg config.JobsConfig) WorkerConfig {
	return WorkerConfig{
		PollInterval:     cfg.PollInterval,
		RetryBackoff:     cfg.RetryBackoff,
		JobTimeout:       cfg.JobTimeout,
		StaleAfter:       cfg.StaleAfter,
		CleanupInterval:  cfg.CleanupInterval,
		CleanupRetention: cfg.CleanupRetention,
	}
}

// Worker polls the job table and runs one due job per tick
type Worker struct {
	repo     job.Repository
	registry *Registry
	config   WorkerConfig
	logger   *zap.Logger

	locker  lock.Locker
	events  eventlog.Repository
	metrics *metrics.Metrics
	now     func() time.Time

	ticking atomic.Bool
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WorkerOption configures optional collaborators
type WorkerOption func(*Worker)

// WithLocker makes every tick take a distributed lock first
func WithLocker(l lock.Locker) WorkerOption {
	return func(w *Worker) { w.locker = l }
}

// WithEventLog records completed and failed jobs in the event log
func WithEventLog(r eventlog.Repository) WorkerOption {
	return func(w *Worker) { w.events = r }
}

// WithMetrics records job outcomes and durations
func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates a new job worker
func NewWorker(repo job.Repository, registry *Registry, cfg WorkerConfig, log *zap.Logger, opts ...WorkerOption) *Worker {
	def := DefaultWorkerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	w := &Worker{
		repo:     repo,
		registry: registry,
		config:   cfg,
		logger:   log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start requeues stale jobs and starts the poll and cleanup loops
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.resetStale(ctx)

	w.wg.Add(1)
	go w.pollLoop(ctx)

	if w.config.CleanupRetention > 0 {
		w.wg.Add(1)
		go w.cleanupLoop(ctx)
	}

	w.logger.Info("job worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Duration("retry_backoff", w.config.RetryBackoff),
		zap.Strings("types", w.registry.Types()),
	)
	return nil
}

// Stop cancels the loops and waits for the running job to return
func (w *Worker) Stop(ctx context.Context) error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("job worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("job tick failed", zap.Error(err))
			}
		}
	}
}

// Tick claims and runs at most one due job. It reports whether a job ran.
// Overlapping ticks and ticks refused by the locker are skipped.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	if !w.ticking.CompareAndSwap(false, true) {
		return false, nil
	}
	defer w.ticking.Store(false)

	if w.locker != nil {
		release, ok, err := w.locker.TryLock(ctx, LockKey, w.config.JobTimeout+w.config.PollInterval)
		if err != nil {
			return false, fmt.Errorf("acquire poller lock: %w", err)
		}
		if !ok {
			return false, nil
		}
		defer release()
	}

	j, err := w.repo.ClaimNext(ctx, w.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if j == nil {
		return false, nil
	}

	w.process(ctx, j)
	return true, nil
}

func (w *Worker) process(ctx context.Context, j *job.Job) {
	ctx = logger.WithJobID(ctx, j.ID.String())
	ctx, span := telemetry.StartServiceSpan(ctx, "job", j.Type,
		telemetry.WithAttribute(telemetry.AttrJobID, j.ID.String()),
		telemetry.WithAttribute(telemetry.AttrJobType, j.Type),
		telemetry.WithAttribute(telemetry.AttrJobAttempt, j.Attempts),
	)
	defer span.End()

	log := logger.Or(ctx, w.logger).With(
		zap.String("job_type", j.Type),
		zap.Int("attempt", j.Attempts),
		zap.Int("max_attempts", j.MaxAttempts),
	)
	ctx = logger.WithContext(ctx, log)

	start := time.Now()
	handler, ok := w.registry.Get(j.Type)
	var (
		result []byte
		err    error
	)
	if !ok {
		err = Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, j.Type))
	} else {
		result, err = w.run(ctx, handler, j)
	}
	elapsed := time.Since(start)

	now := w.now().UTC()
	outcome := outcomeCompleted
	switch {
	case err == nil:
		_ = j.MarkCompleted(result, now)
		log.Info("job completed", zap.Duration("duration", elapsed))
		telemetry.SetOK(span)
	case IsPermanent(err):
		_ = j.MarkPermanentlyFailed(err.Error(), now)
		outcome = outcomeFailed
		log.Error("job failed permanently", zap.Error(err))
		telemetry.RecordError(span, err)
	default:
		_ = j.MarkFailed(err.Error(), w.config.RetryBackoff, now)
		if j.Status == job.StatusQueued {
			outcome = outcomeRetried
			log.Warn("job attempt failed, retrying",
				zap.Error(err),
				zap.Time("next_attempt_at", j.ScheduledAt),
			)
		} else {
			outcome = outcomeFailed
			log.Error("job failed after final attempt", zap.Error(err))
		}
		telemetry.RecordError(span, err)
	}

	// the job context may already be gone; the row must still be written
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if uerr := w.repo.Update(saveCtx, j); uerr != nil {
		log.Error("failed to persist job state", zap.Error(uerr))
	}

	w.metrics.ObserveJob(j.Type, outcome, elapsed)
	w.record(saveCtx, j, outcome, elapsed)
}

// run calls the handler under the job timeout and turns a panic into an error.
func (w *Worker) run(ctx context.Context, h Handler, j *job.Job) (result []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.L(ctx).Error("job handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()

	telemetry.WithProfilingLabels(ctx, map[string]string{telemetry.ProfilingLabelJobType: j.Type}, func(ctx context.Context) {
		result, err = h.Handle(ctx, j)
	})
	// a handler that returned nil finished its work, even when the
	// deadline passed on the way out
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded timeout of %s: %w", w.config.JobTimeout, err)
	}
	return result, err
}

func (w *Worker) record(ctx context.Context, j *job.Job, outcome string, elapsed time.Duration) {
	if w.events == nil {
		return
	}
	level := eventlog.LevelInfo
	switch outcome {
	case outcomeRetried:
		level = eventlog.LevelWarn
	case outcomeFailed:
		level = eventlog.LevelError
	}
	entry := eventlog.NewEntry(eventSource, j.Type, level, "job "+outcome, map[string]any{
		"job_id":      j.ID.String(),
		"attempt":     j.Attempts,
		"duration_ms": elapsed.Milliseconds(),
		"error":       j.LastError,
	})
	if err := w.events.Append(ctx, entry); err != nil {
		w.logger.Warn("failed to append event log entry", zap.Error(err))
	}
}

func (w *Worker) resetStale(ctx context.Context) {
	if w.config.StaleAfter <= 0 {
		return
	}
	cutoff := w.now().UTC().Add(-w.config.StaleAfter)
	n, err := w.repo.ResetStale(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to requeue stale jobs", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Warn("requeued jobs left processing by a previous run",
			zap.Int64("count", n),
			zap.Time("started_before", cutoff),
		)
	}
}

func (w *Worker) cleanupLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Cleanup(ctx)
		}
	}
}

// Cleanup removes completed and cancelled jobs older than the retention
func (w *Worker) Cleanup(ctx context.Context) int64 {
	cutoff := w.now().UTC().Add(-w.config.CleanupRetention)
	deleted, err := w.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to clean up finished jobs", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		w.logger.Info("cleaned up finished jobs",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted
}
