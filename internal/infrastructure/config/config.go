package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Jobs      JobsConfig
	Exports   ExportsConfig
	Backup    BackupConfig
	Storage   StorageConfig
	Metrics   MetricsConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // sqlite or postgres
	Path            string // sqlite file path
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings.
// Redis is only used for cross-process locks.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	LockTTL  time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	MaxInFlight       int           // concurrent requests admitted
	MaxQueued         int           // requests allowed to wait for a slot
	QueueTimeout      time.Duration // how long a queued request may wait
	ReportTimeout     time.Duration
	CORSAllowOrigins  []string
	TrustedProxies    []string
}

// JobsConfig holds background job queue configuration
type JobsConfig struct {
	Enabled            bool
	PollInterval       time.Duration
	DefaultMaxAttempts int
	RetryBackoff       time.Duration // multiplied by the attempt number
	JobTimeout         time.Duration
	StaleAfter         time.Duration
	CleanupInterval    time.Duration
	CleanupRetention   time.Duration
}

// ExportsConfig holds settings for generated export files
type ExportsConfig struct {
	Dir              string
	ManifestFile     string
	VerifyOnDownload bool
	Locale           string // BCP 47 tag used to format amounts on tickets and labels
	StoreName        string // printed on ticket headers
}

// BackupConfig holds offline backup settings
type BackupConfig struct {
	Enabled         bool
	Schedule        string // "m h * * *"
	Dir             string
	Sources         []string
	IncludeDatabase bool
	RetentionDays   int
	MaxBackups      int
	Upload          bool
}

// StorageConfig holds S3-compatible object storage settings
type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

// MetricsConfig holds Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	// Database tracing options
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
	// Continuous profiling (Pyroscope)
	ProfilingEnabled bool
	ProfilerAddress  string
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with POS_ prefix (e.g., POS_JOBS_POLL_INTERVAL)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("POS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Switches that are on unless turned off explicitly
	v.SetDefault("jobs.enabled", true)
	v.SetDefault("exports.verify_on_download", true)
	v.SetDefault("backup.include_database", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("http.rate_limit_enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Path:            v.GetString("database.path"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
			MaxInFlight:       v.GetInt("http.max_in_flight"),
			MaxQueued:         v.GetInt("http.max_queued"),
			QueueTimeout:      v.GetDuration("http.queue_timeout"),
			ReportTimeout:     v.GetDuration("http.report_timeout"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
		},
		Jobs: JobsConfig{
			Enabled:            v.GetBool("jobs.enabled"),
			PollInterval:       v.GetDuration("jobs.poll_interval"),
			DefaultMaxAttempts: v.GetInt("jobs.default_max_attempts"),
			RetryBackoff:       v.GetDuration("jobs.retry_backoff"),
			JobTimeout:         v.GetDuration("jobs.job_timeout"),
			StaleAfter:         v.GetDuration("jobs.stale_after"),
			CleanupInterval:    v.GetDuration("jobs.cleanup_interval"),
			CleanupRetention:   v.GetDuration("jobs.cleanup_retention"),
		},
		Exports: ExportsConfig{
			Dir:              v.GetString("exports.dir"),
			ManifestFile:     v.GetString("exports.manifest_file"),
			VerifyOnDownload: v.GetBool("exports.verify_on_download"),
			Locale:           v.GetString("exports.locale"),
			StoreName:        v.GetString("exports.store_name"),
		},
		Backup: BackupConfig{
			Enabled:         v.GetBool("backup.enabled"),
			Schedule:        v.GetString("backup.schedule"),
			Dir:             v.GetString("backup.dir"),
			Sources:         v.GetStringSlice("backup.sources"),
			IncludeDatabase: v.GetBool("backup.include_database"),
			RetentionDays:   v.GetInt("backup.retention_days"),
			MaxBackups:      v.GetInt("backup.max_backups"),
			Upload:          v.GetBool("backup.upload"),
		},
		Storage: StorageConfig{
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			Bucket:          v.GetString("storage.bucket"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			Prefix:          v.GetString("storage.prefix"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
			Path:    v.GetString("metrics.path"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
			ProfilingEnabled:  v.GetBool("telemetry.profiling_enabled"),
			ProfilerAddress:   v.GetString("telemetry.profiler_address"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "jewelpos-backend"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/pos.db"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "jewelpos"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.LockTTL == 0 {
		cfg.Redis.LockTTL = 2 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 60 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 300
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	if cfg.HTTP.MaxInFlight == 0 {
		cfg.HTTP.MaxInFlight = 10
	}
	if cfg.HTTP.MaxQueued == 0 {
		cfg.HTTP.MaxQueued = 50
	}
	if cfg.HTTP.QueueTimeout == 0 {
		cfg.HTTP.QueueTimeout = 10 * time.Second
	}
	if cfg.HTTP.ReportTimeout == 0 {
		cfg.HTTP.ReportTimeout = 30 * time.Second
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 5 * time.Second
	}
	if cfg.Jobs.DefaultMaxAttempts == 0 {
		cfg.Jobs.DefaultMaxAttempts = 3
	}
	if cfg.Jobs.RetryBackoff == 0 {
		cfg.Jobs.RetryBackoff = 30 * time.Second
	}
	if cfg.Jobs.JobTimeout == 0 {
		cfg.Jobs.JobTimeout = 5 * time.Minute
	}
	if cfg.Jobs.StaleAfter == 0 {
		cfg.Jobs.StaleAfter = 15 * time.Minute
	}
	if cfg.Jobs.CleanupInterval == 0 {
		cfg.Jobs.CleanupInterval = time.Hour
	}
	if cfg.Jobs.CleanupRetention == 0 {
		cfg.Jobs.CleanupRetention = 7 * 24 * time.Hour
	}
	if cfg.Exports.Dir == "" {
		cfg.Exports.Dir = "exports"
	}
	if cfg.Exports.ManifestFile == "" {
		cfg.Exports.ManifestFile = ".manifest.json"
	}
	if cfg.Exports.Locale == "" {
		cfg.Exports.Locale = "en-US"
	}
	if cfg.Exports.StoreName == "" {
		cfg.Exports.StoreName = cfg.App.Name
	}
	if cfg.Backup.Schedule == "" {
		cfg.Backup.Schedule = "0 2 * * *"
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = "backups"
	}
	if len(cfg.Backup.Sources) == 0 {
		cfg.Backup.Sources = []string{cfg.Exports.Dir}
	}
	if cfg.Backup.RetentionDays == 0 {
		cfg.Backup.RetentionDays = 30
	}
	if cfg.Backup.MaxBackups == 0 {
		cfg.Backup.MaxBackups = 14
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = "jewelpos-backups"
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = "backups"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.ProfilerAddress == "" {
		cfg.Telemetry.ProfilerAddress = "http://localhost:4040"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.HTTP.MaxInFlight < 1 {
		return fmt.Errorf("http.max_in_flight must be at least 1")
	}
	if c.HTTP.MaxQueued < 0 {
		return fmt.Errorf("http.max_queued cannot be negative")
	}

	if c.Jobs.DefaultMaxAttempts < 1 {
		return fmt.Errorf("jobs.default_max_attempts must be at least 1")
	}
	if c.Jobs.PollInterval < 0 || c.Jobs.RetryBackoff < 0 {
		return fmt.Errorf("jobs durations cannot be negative")
	}

	if c.Backup.RetentionDays < 0 {
		return fmt.Errorf("backup.retention_days cannot be negative")
	}
	if c.Backup.MaxBackups < 0 {
		return fmt.Errorf("backup.max_backups cannot be negative")
	}
	if err := ValidateSchedule(c.Backup.Schedule); err != nil {
		return fmt.Errorf("backup.schedule: %w", err)
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	if c.App.Env == "production" {
		if c.Database.Driver == "postgres" && c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Backup.Upload && (c.Storage.AccessKeyID == "" || c.Storage.SecretAccessKey == "") {
			return fmt.Errorf("storage credentials are required when backup.upload is enabled in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
	}

	return nil
}

// ValidateSchedule checks a daily cron expression of the form "m h * * *".
// The hour may be "*" to run every hour.
func ValidateSchedule(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	if m, err := strconv.Atoi(fields[0]); err != nil || m < 0 || m > 59 {
		return fmt.Errorf("invalid minute %q", fields[0])
	}
	if fields[1] != "*" {
		if h, err := strconv.Atoi(fields[1]); err != nil || h < 0 || h > 23 {
			return fmt.Errorf("invalid hour %q", fields[1])
		}
	}
	for _, f := range fields[2:] {
		if f != "*" {
			return fmt.Errorf("only daily schedules are supported, got %q", expr)
		}
	}
	return nil
}

// DSN returns the postgres connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// RetentionMaxAge converts RetentionDays to a duration
func (b *BackupConfig) RetentionMaxAge() time.Duration {
	return time.Duration(b.RetentionDays) * 24 * time.Hour
}

// RedisAddr returns host:port
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
