// Package metrics provides Prometheus metrics for the cloudpic server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpic_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudpic_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpic_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	providerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudpic_provider_operation_duration_seconds",
			Help:    "Storage provider API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	providerOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpic_provider_operation_errors_total",
			Help: "Total failed storage provider API calls",
		},
		[]string{"provider", "operation"},
	)

	providerReauths = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudpic_provider_reauthorizations_total",
			Help: "Total transparent re-authorizations after token expiry",
		},
		[]string{"provider"},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudpic_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudpic_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	connectionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cloudpic_storage_connections",
			Help: "Number of stored storage connections",
		},
	)
)

// RecordAuthAttempt records a login attempt.
func RecordAuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordProviderOperation records one remote storage API call.
func RecordProviderOperation(provider, operation string, duration time.Duration, success bool) {
	providerOperationDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
	if !success {
		providerOperationErrors.WithLabelValues(provider, operation).Inc()
	}
}

// RecordProviderReauth records a transparent re-authorization.
func RecordProviderReauth(provider string) {
	providerReauths.WithLabelValues(provider).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the open database connection gauge.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// SetConnectionCount sets the stored connection gauge.
func SetConnectionCount(n int64) {
	connectionsTotal.Set(float64(n))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter captures the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
