package observability

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersEverything(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	require.NotNil(t, m)

	// registering twice on the same registry must panic
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDecision("allowed", "")
	m.RecordDecision("denied", "permission_denied")
	m.RecordDecision("denied", "permission_denied")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("allowed", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuthzDecisionsTotal.WithLabelValues("denied", "permission_denied")))

	m.RecordCacheLookup("hit")
	m.RecordCacheLookup("miss")
	m.RecordCacheLookup("hit")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PermCacheLookupsTotal.WithLabelValues("hit")))

	m.ObserveRecompute(3 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.PermCacheRecomputeDuration))

	m.RecordThrottle("org")
	m.RecordRateLimitFallback()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitThrottledTotal.WithLabelValues("org")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitFallbackTotal))

	m.RecordAuditEvents("written", 5)
	m.RecordAuditEvents("dropped", 0)
	m.SetAuditBufferDepth(12)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.AuditEventsTotal.WithLabelValues("written")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.AuditBufferDepth))

	m.UpdateDBStats(sql.DBStats{InUse: 3, Idle: 2, WaitCount: 7, WaitDuration: 2 * time.Second})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DBConnectionsIdle))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DBConnectionsWaitCount))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DBConnectionsWaitDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDecision("allowed", "")
		m.RecordCacheLookup("hit")
		m.ObserveRecompute(time.Second)
		m.RecordThrottle("ip")
		m.RecordRateLimitFallback()
		m.RecordAuditEvents("written", 1)
		m.SetAuditBufferDepth(1)
		m.UpdateDBStats(sql.DBStats{})
	})
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/v1/orgs/{org_id}/contacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/v1/orgs/1/contacts/2", "/v1/orgs/3/contacts/4"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/orgs/{org_id}/contacts/{id}", "404")))
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	called := false
	h := HTTPMetricsMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)
	m.RecordDecision("denied", "throttled")

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `tenantguard_authz_decisions_total{kind="throttled",outcome="denied"} 1`))
}
