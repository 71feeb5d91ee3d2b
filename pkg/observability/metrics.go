package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Authentication metrics
	AuthAttemptsTotal     *prometheus.CounterVec
	AuthDuration          *prometheus.HistogramVec
	ReplayRejectionsTotal *prometheus.CounterVec
	ProvisionedUsersTotal *prometheus.CounterVec

	// Session metrics
	SessionsCreatedTotal *prometheus.CounterVec
	SessionsRevokedTotal *prometheus.CounterVec
	SessionsActive       prometheus.Gauge
	SweepRunsTotal       *prometheus.CounterVec
	SweepDuration        *prometheus.HistogramVec
	SweepRemovedTotal    *prometheus.CounterVec

	// Configuration metrics
	ConfigsDegradedTotal    *prometheus.CounterVec
	CertificateExpiryEvents *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
	RedisCommandsTotal     *prometheus.CounterVec
	RedisCommandDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedsso_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedsso_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedsso_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Authentication metrics
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_auth_attempts_total",
				Help: "Total number of authentication completion attempts",
			},
			[]string{"provider_kind", "result"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedsso_auth_duration_seconds",
				Help:    "Authentication completion duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider_kind"},
		),
		ReplayRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_replay_rejections_total",
				Help: "Total number of assertions rejected as replayed",
			},
			[]string{"assertion_type"},
		),
		ProvisionedUsersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_provisioned_users_total",
				Help: "Total number of users auto-provisioned via SSO",
			},
			[]string{"role"},
		),

		// Session metrics
		SessionsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"provider_kind"},
		),
		SessionsRevokedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_sessions_revoked_total",
				Help: "Total number of sessions revoked",
			},
			[]string{"reason"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsso_sessions_active",
				Help: "Number of currently active sessions",
			},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_sweep_runs_total",
				Help: "Total number of background sweep runs",
			},
			[]string{"sweep", "status"},
		),
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedsso_sweep_duration_seconds",
				Help:    "Background sweep duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"sweep"},
		),
		SweepRemovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_sweep_removed_total",
				Help: "Total rows expired or purged by background sweeps",
			},
			[]string{"sweep"},
		),

		// Configuration metrics
		ConfigsDegradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_configs_degraded_total",
				Help: "Total number of configuration degradation transitions",
			},
			[]string{"status"},
		),
		CertificateExpiryEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_certificate_expiry_events_total",
				Help: "Total certificate expiring/expired transitions",
			},
			[]string{"status"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"cache_type", "reason"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsso_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsso_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsso_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsso_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fedsso_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedsso_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fedsso_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.AuthAttemptsTotal,
		m.AuthDuration,
		m.ReplayRejectionsTotal,
		m.ProvisionedUsersTotal,
		m.SessionsCreatedTotal,
		m.SessionsRevokedTotal,
		m.SessionsActive,
		m.SweepRunsTotal,
		m.SweepDuration,
		m.SweepRemovedTotal,
		m.ConfigsDegradedTotal,
		m.CertificateExpiryEvents,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
