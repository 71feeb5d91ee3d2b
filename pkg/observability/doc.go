// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes observability infrastructure including JSON logging, metrics
// collection, health checks, and distributed tracing integration.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.Info("server started")
//
// Context-aware logging; tenant and request IDs flow through context:
//
//	ctx = observability.WithTenantID(ctx, tenantID)
//	observability.FromContext(ctx).Error("authentication failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthAttemptsTotal.WithLabelValues("saml", "success").Inc()
//	metrics.SessionsActive.Set(float64(active))
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	mux.HandleFunc("/healthz", checker.Liveness)
//	mux.HandleFunc("/readyz", checker.Readiness)
//
// # OpenTelemetry
//
// Initialize tracing and metric export:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		ServiceName: "fedsso",
//		Endpoint:    "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
