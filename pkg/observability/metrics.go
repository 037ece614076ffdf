package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, which keeps unit tests free of registries.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	AuthzDecisionsTotal *prometheus.CounterVec

	// Permission cache metrics
	PermCacheLookupsTotal      *prometheus.CounterVec
	PermCacheRecomputeDuration prometheus.Histogram

	// Rate limiter metrics
	RateLimitThrottledTotal *prometheus.CounterVec
	RateLimitFallbackTotal  prometheus.Counter

	// Audit metrics
	AuditEventsTotal *prometheus.CounterVec
	AuditBufferDepth prometheus.Gauge

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tenantguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_authz_decisions_total",
				Help: "Total number of authorization decisions",
			},
			[]string{"outcome", "kind"},
		),

		PermCacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_permcache_lookups_total",
				Help: "Total number of permission cache lookups by result",
			},
			[]string{"result"},
		),
		PermCacheRecomputeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tenantguard_permcache_recompute_duration_seconds",
				Help:    "Time spent recomputing effective capabilities",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),

		RateLimitThrottledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_ratelimit_throttled_total",
				Help: "Total number of throttled requests",
			},
			[]string{"key_type"},
		),
		RateLimitFallbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tenantguard_ratelimit_fallback_total",
				Help: "Rate limit checks served by the local limiter because the shared store failed",
			},
		),

		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tenantguard_audit_events_total",
				Help: "Total number of audit events by result",
			},
			[]string{"result"},
		),
		AuditBufferDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_audit_buffer_depth",
				Help: "Audit events waiting to be written",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tenantguard_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthzDecisionsTotal,
		m.PermCacheLookupsTotal,
		m.PermCacheRecomputeDuration,
		m.RateLimitThrottledTotal,
		m.RateLimitFallbackTotal,
		m.AuditEventsTotal,
		m.AuditBufferDepth,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
	)

	return m
}

// RecordDecision counts one authorization decision
func (m *Metrics) RecordDecision(outcome, kind string) {
	if m == nil {
		return
	}
	m.AuthzDecisionsTotal.WithLabelValues(outcome, kind).Inc()
}

// RecordCacheLookup counts one permission cache lookup
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.PermCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRecompute records the duration of a capability recomputation
func (m *Metrics) ObserveRecompute(d time.Duration) {
	if m == nil {
		return
	}
	m.PermCacheRecomputeDuration.Observe(d.Seconds())
}

// RecordThrottle counts one throttled request
func (m *Metrics) RecordThrottle(keyType string) {
	if m == nil {
		return
	}
	m.RateLimitThrottledTotal.WithLabelValues(keyType).Inc()
}

// RecordRateLimitFallback counts one check served by the local limiter
func (m *Metrics) RecordRateLimitFallback() {
	if m == nil {
		return
	}
	m.RateLimitFallbackTotal.Inc()
}

// RecordAuditEvents counts audit events by result
func (m *Metrics) RecordAuditEvents(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditEventsTotal.WithLabelValues(result).Add(float64(n))
}

// SetAuditBufferDepth records the number of buffered audit events
func (m *Metrics) SetAuditBufferDepth(n int) {
	if m == nil {
		return
	}
	m.AuditBufferDepth.Set(float64(n))
}

// UpdateDBStats copies connection pool statistics into the gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
	m.DBConnectionsWaitDuration.Set(stats.WaitDuration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// The path label is the matched route template so IDs do not explode label
// cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
