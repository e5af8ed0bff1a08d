package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/jewelpos/backend/internal/infrastructure/logger"
	"github.com/jewelpos/backend/internal/infrastructure/metrics"
	"github.com/jewelpos/backend/internal/interfaces/http/handler"
	"github.com/jewelpos/backend/internal/interfaces/http/middleware"
	"go.uber.org/zap"
)

// Handlers are the endpoint groups mounted by NewServer. A nil handler
// leaves its routes out.
type Handlers struct {
	Jobs    *handler.JobHandler
	Exports *handler.ExportHandler
	Backups *handler.BackupHandler
	Reports *handler.ReportHandler
	System  *handler.SystemHandler
}

// ServerConfig selects the middleware stack
type ServerConfig struct {
	HTTP             config.HTTPConfig
	MetricsPath      string // empty disables the scrape endpoint
	ServiceName      string
	TracingEnabled   bool
	ProfilingEnabled bool
}

// ServerConfigFrom maps the application config
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		HTTP:             cfg.HTTP,
		ServiceName:      cfg.Telemetry.ServiceName,
		TracingEnabled:   cfg.Telemetry.Enabled,
		ProfilingEnabled: cfg.Telemetry.ProfilingEnabled,
	}
	if cfg.Metrics.Enabled {
		sc.MetricsPath = cfg.Metrics.Path
	}
	return sc
}

// Server is the configured gin engine plus the limiters it owns
type Server struct {
	Engine      *gin.Engine
	Limiter     *middleware.ConcurrencyLimiter
	rateLimiter *middleware.RateLimiter
}

// Close stops background goroutines owned by the middleware
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// NewServer builds the engine. Health and metrics endpoints sit outside the
// versioned API so the limiters never turn away health checks.
func NewServer(cfg ServerConfig, h Handlers, log *zap.Logger, m *metrics.Metrics) *Server {
	middleware.SetupValidator()

	engine := gin.New()
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	quiet := []string{"/health"}
	if cfg.MetricsPath != "" {
		quiet = append(quiet, cfg.MetricsPath)
	}

	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log, quiet...))
	engine.Use(m.GinMiddleware())
	engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.ServiceName,
		Enabled:     cfg.TracingEnabled,
		SkipPaths:   quiet,
	}))
	engine.Use(middleware.SpanAttributes())
	engine.Use(middleware.Profiling(middleware.ProfilingConfig{
		Enabled:   cfg.ProfilingEnabled,
		SkipPaths: quiet,
	}))
	engine.Use(middleware.Secure())

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	engine.Use(middleware.CORSWithConfig(cors))
	if cfg.HTTP.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))
	}

	if h.System != nil {
		engine.GET("/health", h.System.Health)
	}
	if cfg.MetricsPath != "" && m != nil {
		engine.GET(cfg.MetricsPath, gin.WrapH(m.Handler()))
	}

	srv := &Server{Engine: engine}
	r := NewRouter(engine, WithAPIVersion("v1"))

	if cfg.HTTP.RateLimitEnabled {
		srv.rateLimiter = middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		r.Use(middleware.RateLimit(srv.rateLimiter, m))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}
	if cfg.HTTP.MaxInFlight > 0 {
		srv.Limiter = middleware.NewConcurrencyLimiter(middleware.LimiterConfig{
			MaxInFlight:  cfg.HTTP.MaxInFlight,
			MaxQueued:    cfg.HTTP.MaxQueued,
			QueueTimeout: cfg.HTTP.QueueTimeout,
		}, m)
		r.Use(srv.Limiter.Middleware())
		log.Info("Concurrency limit enabled",
			zap.Int("max_in_flight", cfg.HTTP.MaxInFlight),
			zap.Int("max_queued", cfg.HTTP.MaxQueued),
			zap.Duration("queue_timeout", cfg.HTTP.QueueTimeout),
		)
	}

	for _, g := range domainGroups(h, cfg.HTTP.ReportTimeout) {
		r.Register(g)
	}
	r.Setup()
	return srv
}

func domainGroups(h Handlers, reportTimeout time.Duration) []*DomainGroup {
	var groups []*DomainGroup

	if h.Jobs != nil {
		jobs := NewDomainGroup("jobs", "/jobs")
		jobs.POST("", h.Jobs.Enqueue).
			GET("", h.Jobs.List).
			GET("/stats", h.Jobs.Stats).
			GET("/types", h.Jobs.Types).
			GET("/:id", h.Jobs.Get).
			POST("/:id/retry", h.Jobs.Retry).
			POST("/:id/cancel", h.Jobs.Cancel)
		groups = append(groups, jobs)
	}

	if h.Exports != nil {
		exports := NewDomainGroup("exports", "/exports")
		exports.GET("", h.Exports.List).
			GET("/file/*path", h.Exports.Download).
			POST("/verify", h.Exports.VerifyAll).
			POST("/verify/*path", h.Exports.Verify).
			DELETE("/manifest/*path", h.Exports.Forget)
		groups = append(groups, exports)
	}

	if h.Backups != nil {
		backups := NewDomainGroup("backups", "/backups")
		backups.GET("", h.Backups.List).
			POST("", h.Backups.Run).
			POST("/prune", h.Backups.Prune)
		groups = append(groups, backups)
	}

	if h.Reports != nil {
		reports := NewDomainGroup("reports", "/reports")
		if reportTimeout > 0 {
			reports.Use(middleware.Timeout(reportTimeout))
		}
		reports.GET("/sales/daily", h.Reports.DailySales)
		groups = append(groups, reports)
	}

	if h.System != nil {
		system := NewDomainGroup("system", "/system")
		system.GET("/info", h.System.GetSystemInfo).
			GET("/ping", h.System.Ping)
		groups = append(groups, system)
	}
	return groups
}
