// Package scheduler runs periodic tasks, such as the offline backup, on a
// daily cron schedule.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jewelpos/backend/internal/infrastructure/lock"
	"go.uber.org/zap"
)

// Task is the work fired by a CronTrigger
type Task func(ctx context.Context) error

// CronTriggerConfig holds configuration for the cron trigger
type CronTriggerConfig struct {
	// Name identifies the trigger in logs and in the lock key
	Name     string
	Schedule Schedule

	// CheckInterval is how often to check if it's time to run
	CheckInterval time.Duration

	// LockTTL bounds how long another instance is kept out of the same run
	LockTTL time.Duration
}

// DefaultCheckInterval leaves several checks inside every minute, so a tick
// that drifts late cannot step over the scheduled one.
const DefaultCheckInterval = 15 * time.Second

// DefaultCronTriggerConfig returns default cron trigger configuration
func DefaultCronTriggerConfig(name string) CronTriggerConfig {
	return CronTriggerConfig{
		Name:          name,
		Schedule:      Schedule{Minute: 0, Hour: 2}, // 2am
		CheckInterval: DefaultCheckInterval,
		LockTTL:       30 * time.Minute,
	}
}

// TriggerOption configures a CronTrigger
type TriggerOption func(*CronTrigger)

// WithLocker makes the trigger take a named lease before each run so only
// one instance fires per minute
func WithLocker(l lock.Locker) TriggerOption {
	return func(c *CronTrigger) { c.locker = l }
}

// WithClock overrides time.Now, for tests
func WithClock(now func() time.Time) TriggerOption {
	return func(c *CronTrigger) { c.now = now }
}

// CronTrigger fires a Task when the schedule matches
type CronTrigger struct {
	config CronTriggerConfig
	task   Task
	locker lock.Locker
	logger *zap.Logger
	now    func() time.Time

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastRun   string // minute we last fired for
}

// NewCronTrigger creates a new cron trigger
func NewCronTrigger(config CronTriggerConfig, task Task, logger *zap.Logger, opts ...TriggerOption) (*CronTrigger, error) {
	if task == nil {
		return nil, ErrNoTask
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CronTrigger{
		config: config,
		task:   task,
		logger: logger.With(zap.String("trigger", config.Name)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start starts the cron trigger
func (c *CronTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.runLoop(ctx)

	c.logger.Info("Cron trigger started",
		zap.String("schedule", c.config.Schedule.String()),
		zap.Time("next_run", c.config.Schedule.Next(c.now())),
		zap.Duration("check_interval", c.config.CheckInterval),
	)
	return nil
}

// Stop stops the cron trigger and waits for a running task to return
func (c *CronTrigger) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Cron trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CronTrigger) runLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndTrigger(ctx)
		}
	}
}

// checkAndTrigger fires the task at most once per matching minute.
// It returns true when the task ran.
func (c *CronTrigger) checkAndTrigger(ctx context.Context) bool {
	now := c.now().UTC()
	if !c.config.Schedule.Matches(now) {
		return false
	}
	minute := now.Format("2006-01-02T15:04")

	c.mu.Lock()
	if c.lastRun == minute {
		c.mu.Unlock()
		return false
	}
	c.lastRun = minute
	c.mu.Unlock()

	if c.locker != nil {
		// the lease is left to expire so peers checking later in the same
		// minute still see it
		_, ok, err := c.locker.TryLock(ctx, "scheduler:"+c.config.Name+":"+minute, c.config.LockTTL)
		if err != nil {
			c.logger.Error("Failed to acquire scheduler lock", zap.Error(err))
			return false
		}
		if !ok {
			c.logger.Debug("Another instance owns this run", zap.String("minute", minute))
			return false
		}
	}

	c.logger.Info("Triggering scheduled task")
	started := time.Now()
	if err := c.task(ctx); err != nil {
		c.logger.Error("Scheduled task failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		return true
	}
	c.logger.Info("Scheduled task finished",
		zap.Duration("elapsed", time.Since(started)),
		zap.Time("next_run", c.config.Schedule.Next(now)),
	)
	return true
}
