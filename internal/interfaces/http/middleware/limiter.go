package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/interfaces/http/dto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Limiter rejection reasons, used as metric labels
const (
	RejectQueueFull = "queue_full"
	RejectTimeout   = "timeout"
	RejectCanceled  = "canceled"
	RejectRate      = "rate"
)

// LimiterConfig configures the concurrency limiter
type LimiterConfig struct {
	// MaxInFlight is how many requests run at once
	MaxInFlight int
	// MaxQueued is how many more may wait for a slot. 0 disables waiting.
	MaxQueued int
	// QueueTimeout bounds the wait for a slot
	QueueTimeout time.Duration
	// RetryAfter is advertised to rejected clients. Defaults to QueueTimeout
	// rounded up to a whole second.
	RetryAfter time.Duration
}

// ConcurrencyLimiter caps simultaneous requests. Waiters are admitted in
// arrival order.
type ConcurrencyLimiter struct {
	cfg      LimiterConfig
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
	metrics  *metrics.Metrics
}

// NewConcurrencyLimiter creates a limiter. MaxInFlight below 1 is treated as 1.
func NewConcurrencyLimiter(cfg LimiterConfig, m *metrics.Metrics) *ConcurrencyLimiter {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxQueued < 0 {
		cfg.MaxQueued = 0
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = cfg.QueueTimeout
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = time.Second
	}
	return &ConcurrencyLimiter{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		metrics: m,
	}
}

// InFlight returns the number of requests holding a slot
func (l *ConcurrencyLimiter) InFlight() int { return int(l.inFlight.Load()) }

// Waiting returns the number of queued requests
func (l *ConcurrencyLimiter) Waiting() int { return int(l.waiting.Load()) }

// Acquire takes a slot, waiting in line when all are busy. It returns the
// rejection reason when no slot was obtained.
func (l *ConcurrencyLimiter) Acquire(ctx context.Context) (release func(), reason string) {
	if l.sem.TryAcquire(1) {
		return l.admitted(), ""
	}

	if l.waiting.Add(1) > int64(l.cfg.MaxQueued) {
		l.waiting.Add(-1)
		return nil, RejectQueueFull
	}
	l.metrics.LimiterWaiting(1)
	defer func() {
		l.waiting.Add(-1)
		l.metrics.LimiterWaiting(-1)
	}()

	waitCtx := ctx
	if l.cfg.QueueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.cfg.QueueTimeout)
		defer cancel()
	}
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, RejectTimeout
		}
		return nil, RejectCanceled
	}
	return l.admitted(), ""
}

func (l *ConcurrencyLimiter) admitted() func() {
	l.inFlight.Add(1)
	l.metrics.LimiterAdmitted()
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			l.inFlight.Add(-1)
			l.metrics.LimiterReleased()
			l.sem.Release(1)
		}
	}
}

// Middleware answers 503 ERR_SERVER_BUSY with Retry-After when no slot can
// be obtained.
func (l *ConcurrencyLimiter) Middleware() gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(l.cfg.RetryAfter.Seconds())))

	return func(c *gin.Context) {
		release, reason := l.Acquire(c.Request.Context())
		if release == nil {
			l.metrics.Rejected(reason)
			logger.L(c.Request.Context()).Warn("Request rejected by concurrency limiter",
				zap.String("reason", reason),
				zap.Int("in_flight", l.InFlight()),
				zap.Int("waiting", l.Waiting()),
			)
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeServerBusy,
				"Server is busy, please retry shortly",
				GetRequestID(c),
			))
			return
		}
		defer release()
		c.Next()
	}
}
