// Package metrics exposes Prometheus instrumentation for the background
// services and the HTTP layer. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "jewelpos"

// Metrics holds every collector registered by the application
type Metrics struct {
	registry *prometheus.Registry

	jobsProcessed *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsByStatus  *prometheus.GaugeVec

	backupRuns        *prometheus.CounterVec
	backupBytes       prometheus.Gauge
	backupLastSuccess prometheus.Gauge
	backupsPruned     prometheus.Counter

	integrityResults *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
	httpWaiting  prometheus.Gauge
	httpRejected *prometheus.CounterVec
}

// New creates a registry with the application collectors plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "processed_total",
		Help: "Job attempts by type and outcome (completed, retried, failed).",
	}, []string{"type", "outcome"})
	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
		Help:    "Duration of job handler executions.",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
	}, []string{"type"})
	m.jobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "jobs", Name: "by_status",
		Help: "Rows in the job queue per status, refreshed on stats queries.",
	}, []string{"status"})

	m.backupRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backup", Name: "runs_total",
		Help: "Backup runs by outcome.",
	}, []string{"outcome"})
	m.backupBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "backup", Name: "last_size_bytes",
		Help: "Size of the most recent successful backup.",
	})
	m.backupLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "backup", Name: "last_success_timestamp_seconds",
		Help: "Unix time of the most recent successful backup.",
	})
	m.backupsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "backup", Name: "pruned_total",
		Help: "Snapshots removed by the retention policy.",
	})

	m.integrityResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "exports", Name: "verifications_total",
		Help: "Export file verifications by status.",
	}, []string{"status"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"method", "route", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
	m.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "in_flight",
		Help: "Requests currently holding a concurrency slot.",
	})
	m.httpWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "waiting",
		Help: "Requests queued for a concurrency slot.",
	})
	m.httpRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "rejected_total",
		Help: "Requests turned away by the limiter by reason (queue_full, timeout, canceled, rate).",
	}, []string{"reason"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsProcessed, m.jobDuration, m.jobsByStatus,
		m.backupRuns, m.backupBytes, m.backupLastSuccess, m.backupsPruned,
		m.integrityResults,
		m.httpRequests, m.httpDuration, m.httpInFlight, m.httpWaiting, m.httpRejected,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveJob records one job attempt
func (m *Metrics) ObserveJob(jobType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	m.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// SetJobCounts refreshes the per-status queue gauges
func (m *Metrics) SetJobCounts(counts map[string]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveBackup records a backup run; bytes is only used on success
func (m *Metrics) ObserveBackup(err error, bytes int64, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.backupRuns.WithLabelValues("failed").Inc()
		return
	}
	m.backupRuns.WithLabelValues("completed").Inc()
	m.backupBytes.Set(float64(bytes))
	m.backupLastSuccess.Set(float64(at.Unix()))
}

// AddPruned counts snapshots deleted by retention
func (m *Metrics) AddPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.backupsPruned.Add(float64(n))
}

// ObserveVerification records the status of one verified export file
func (m *Metrics) ObserveVerification(status string) {
	if m == nil {
		return
	}
	m.integrityResults.WithLabelValues(status).Inc()
}

// LimiterAdmitted is called when a request acquires a concurrency slot
func (m *Metrics) LimiterAdmitted() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

// LimiterReleased is called when a request gives its slot back
func (m *Metrics) LimiterReleased() {
	if m == nil {
		return
	}
	m.httpInFlight.Dec()
}

// LimiterWaiting adjusts the number of queued requests by delta
func (m *Metrics) LimiterWaiting(delta int) {
	if m == nil {
		return
	}
	m.httpWaiting.Add(float64(delta))
}

// Rejected counts a request turned away with reason
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.httpRejected.WithLabelValues(reason).Inc()
}

// GinMiddleware records request counts and latency per route template
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
