package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jewelpos/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	cfg := Config{Enabled: false, ServiceName: "test-service", SamplingRatio: 1}

	tp, err := NewTracerProvider(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	assert.False(t, tp.IsEnabled())
	assert.Equal(t, "test-service", tp.GetConfig().ServiceName)
	assert.NotNil(t, tp.Tracer("x"))
	assert.NoError(t, tp.ForceFlush(context.Background()))
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.TelemetryConfig{
		Enabled:           true,
		CollectorEndpoint: "otel:4317",
		SamplingRatio:     0.5,
		ServiceName:       "pos",
		Insecure:          true,
		ProfilingEnabled:  true,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "otel:4317", cfg.CollectorEndpoint)
	assert.Equal(t, 0.5, cfg.SamplingRatio)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.True(t, cfg.Insecure)
	assert.True(t, cfg.SpanProfiles)
}

func TestInstall_SpanProfiles(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := &TracerProvider{logger: zap.NewNop(), config: Config{Enabled: true, SpanProfiles: true}}
	tp.install(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, isSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	assert.False(t, isSDK, "global provider should be wrapped")

	_, span := StartSpan(context.Background(), "backup.run")
	span.End()
	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, "backup.run", rec.Ended()[0].Name())
}

func TestSamplerFor(t *testing.T) {
	assert.Contains(t, samplerFor(1).Description(), "AlwaysOn")
	assert.Contains(t, samplerFor(0).Description(), "AlwaysOff")
	assert.Contains(t, samplerFor(0.25).Description(), "TraceIDRatioBased")
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewTracerProviderWithProcessor(rec, zap.NewNop())
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := StartServiceSpan(context.Background(), "backup", "run", WithAttribute(AttrBackupName, "20260101-020000"))
	assert.NotEmpty(t, GetTraceID(ctx))
	SetAttributes(span, "files", 3, 42, "ignored")
	AddEvent(span, "pruned", "count", 2)
	RecordError(span, errors.New("disk full"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "backup.run", s.Name())
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Contains(t, s.Attributes(), attribute.String(AttrBackupName, "20260101-020000"))
	assert.Contains(t, s.Attributes(), attribute.Int("files", 3))
	require.Len(t, s.Events(), 2) // pruned + exception
}

func TestSetOK(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewTracerProviderWithProcessor(rec, zap.NewNop())
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "jobs.tick")
	SetOK(span)
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, codes.Ok, rec.Ended()[0].Status().Code)
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
}

type tracedRow struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestDBTracingPlugin_Register(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewTracerProviderWithProcessor(rec, zap.NewNop())
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tracedRow{}))

	cfg := DBTracingConfigFrom(config.TelemetryConfig{Enabled: true, DBTraceEnabled: true}, "sqlite")
	cfg.SlowQueryThresh = time.Nanosecond
	require.NoError(t, NewDBTracingPlugin(cfg, zap.NewNop()).Register(db))

	ctx, parent := StartSpan(context.Background(), "test")
	require.NoError(t, db.WithContext(ctx).Create(&tracedRow{Name: "ring"}).Error)
	parent.End()

	var found bool
	for _, s := range rec.Ended() {
		for _, kv := range s.Attributes() {
			if kv.Key == "db.slow_query" && kv.Value.AsBool() {
				found = true
			}
		}
	}
	assert.True(t, found, "expected a db span flagged as slow")
}

func TestDBTracingPlugin_Disabled(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	cfg := DBTracingConfigFrom(config.TelemetryConfig{Enabled: false, DBTraceEnabled: true}, "postgres")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "postgresql", cfg.DBSystem)
	assert.Equal(t, 200*time.Millisecond, cfg.SlowQueryThresh)
	assert.NoError(t, NewDBTracingPlugin(cfg, zap.NewNop()).Register(db))
}
