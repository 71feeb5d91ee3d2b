package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments
type OTelMetrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	httpRequestSize     metric.Int64Histogram
	httpResponseSize    metric.Int64Histogram

	// Database metrics
	dbConnectionsActive metric.Int64UpDownCounter
	dbConnectionsIdle   metric.Int64UpDownCounter
	dbQueryDuration     metric.Float64Histogram
	dbQueriesTotal      metric.Int64Counter

	// Cache metrics
	cacheHitsTotal      metric.Int64Counter
	cacheMissesTotal    metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter

	// Authentication metrics
	authAttemptsTotal metric.Int64Counter
	authDuration      metric.Float64Histogram
	replayRejections  metric.Int64Counter
	sessionsCreated   metric.Int64Counter
	sessionsRevoked   metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/platinummonkey/fedsso")

	m := &OTelMetrics{}
	var err error

	// HTTP metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	m.httpRequestSize, err = meter.Int64Histogram(
		"http.server.request.size",
		metric.WithDescription("HTTP request size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_size histogram: %w", err)
	}

	m.httpResponseSize, err = meter.Int64Histogram(
		"http.server.response.size",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_response_size histogram: %w", err)
	}

	// Database metrics
	m.dbConnectionsActive, err = meter.Int64UpDownCounter(
		"db.connections.active",
		metric.WithDescription("Number of active database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_connections_active gauge: %w", err)
	}

	m.dbConnectionsIdle, err = meter.Int64UpDownCounter(
		"db.connections.idle",
		metric.WithDescription("Number of idle database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_connections_idle gauge: %w", err)
	}

	m.dbQueryDuration, err = meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_query_duration histogram: %w", err)
	}

	m.dbQueriesTotal, err = meter.Int64Counter(
		"db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_queries_total counter: %w", err)
	}

	// Cache metrics
	m.cacheHitsTotal, err = meter.Int64Counter(
		"cache.hits.total",
		metric.WithDescription("Total number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_hits_total counter: %w", err)
	}

	m.cacheMissesTotal, err = meter.Int64Counter(
		"cache.misses.total",
		metric.WithDescription("Total number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_misses_total counter: %w", err)
	}

	m.cacheEvictionsTotal, err = meter.Int64Counter(
		"cache.evictions.total",
		metric.WithDescription("Total number of cache evictions"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_evictions_total counter: %w", err)
	}

	// Authentication metrics
	m.authAttemptsTotal, err = meter.Int64Counter(
		"sso.auth.attempts",
		metric.WithDescription("Total number of authentication completion attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_attempts counter: %w", err)
	}

	m.authDuration, err = meter.Float64Histogram(
		"sso.auth.duration",
		metric.WithDescription("Authentication completion duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_duration histogram: %w", err)
	}

	m.replayRejections, err = meter.Int64Counter(
		"sso.replay.rejections",
		metric.WithDescription("Total number of assertions rejected as replayed"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replay_rejections counter: %w", err)
	}

	m.sessionsCreated, err = meter.Int64Counter(
		"sso.sessions.created",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_created counter: %w", err)
	}

	m.sessionsRevoked, err = meter.Int64Counter(
		"sso.sessions.revoked",
		metric.WithDescription("Total number of sessions revoked"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_revoked counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, requestSize, responseSize int64) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if requestSize > 0 {
		m.httpRequestSize.Record(ctx, requestSize, metric.WithAttributes(attrs...))
	}
	if responseSize > 0 {
		m.httpResponseSize.Record(ctx, responseSize, metric.WithAttributes(attrs...))
	}
}

// RecordDBQuery records a database query metric
func (m *OTelMetrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.Bool("error", err != nil),
	}

	m.dbQueriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dbQueryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// UpdateDBConnectionStats updates database connection pool statistics
func (m *OTelMetrics) UpdateDBConnectionStats(ctx context.Context, active, idle int) {
	m.dbConnectionsActive.Add(ctx, int64(active))
	m.dbConnectionsIdle.Add(ctx, int64(idle))
}

// RecordCacheHit records a cache hit
func (m *OTelMetrics) RecordCacheHit(ctx context.Context, cacheType string) {
	m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordCacheMiss records a cache miss
func (m *OTelMetrics) RecordCacheMiss(ctx context.Context, cacheType string) {
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordCacheEviction records a cache eviction
func (m *OTelMetrics) RecordCacheEviction(ctx context.Context, cacheType string) {
	m.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordAuthAttempt records an authentication completion attempt
func (m *OTelMetrics) RecordAuthAttempt(ctx context.Context, providerKind, result string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("sso.provider_kind", providerKind),
		attribute.String("sso.result", result),
	}
	m.authAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.authDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("sso.provider_kind", providerKind)))
}

// RecordReplayRejection records an assertion rejected as a replay
func (m *OTelMetrics) RecordReplayRejection(ctx context.Context, assertionType string) {
	m.replayRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sso.assertion_type", assertionType)))
}

// RecordSessionCreated records a created session
func (m *OTelMetrics) RecordSessionCreated(ctx context.Context, providerKind string) {
	m.sessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sso.provider_kind", providerKind)))
}

// RecordSessionRevoked records a revoked session
func (m *OTelMetrics) RecordSessionRevoked(ctx context.Context, reason string) {
	m.sessionsRevoked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sso.revoke_reason", reason)))
}
