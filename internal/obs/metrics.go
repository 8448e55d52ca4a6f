package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Identity-plane metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekit_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"result"},
	)

	rotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekit_refresh_rotations_total",
		Help: "Successful refresh token rotations.",
	})

	reuseDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekit_refresh_reuse_detected_total",
		Help: "Refresh token reuse events that revoked a lineage.",
	})

	permCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekit_permission_cache_total",
			Help: "Permission resolution cache lookups by outcome.",
		},
		[]string{"result"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, rotationsTotal, reuseDetectedTotal, permCacheTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// LoginAttempt records a login outcome: "ok", "unauthorized", "forbidden" or "error".
func LoginAttempt(result string) {
	loginsTotal.WithLabelValues(result).Inc()
}

// RefreshRotated records one successful rotation.
func RefreshRotated() { rotationsTotal.Inc() }

// ReuseDetected records one lineage revocation triggered by token reuse.
func ReuseDetected() { reuseDetectedTotal.Inc() }

// PermissionCache records a cache lookup outcome: "hit", "miss" or "error".
func PermissionCache(result string) {
	permCacheTotal.WithLabelValues(result).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labelling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
