package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/fedsso/pkg/audit"
	"github.com/platinummonkey/fedsso/pkg/config"
	"github.com/platinummonkey/fedsso/pkg/middleware"
	"github.com/platinummonkey/fedsso/pkg/observability"
	"github.com/platinummonkey/fedsso/pkg/sso"
	"github.com/platinummonkey/fedsso/pkg/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Info("starting fedsso")

	ctx := context.Background()

	// Database connections
	connMgr, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.Storage.PostgresURL,
		ReplicaURLs: cfg.Storage.PostgresReplicaURLs,
		MaxConns:    cfg.Storage.PostgresMaxConns,
		MinConns:    cfg.Storage.PostgresMinConns,
		Timeout:     cfg.Storage.PostgresTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	db := connMgr.Primary()

	// Redis (optional)
	var redisClient *postgres.RedisClient
	if cfg.Storage.RedisURL != "" {
		redisClient, err = postgres.NewRedisClient(cfg.Storage)
		if err != nil {
			logger.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
	}

	// OpenTelemetry
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Stores and managers
	configs := sso.NewConfigStore(db)
	if err := configs.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Error("failed to ensure schema")
		os.Exit(1)
	}

	security, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize audit log")
		os.Exit(1)
	}

	mappings := sso.NewMappingStore(db)
	guard := sso.NewReplayGuard(db)
	provisioner := sso.NewProvisioner(db, nil)
	sessions := sso.NewSessionManager(db, configs, mappings, guard, provisioner, security, logger)

	// The handlers read configurations through the cache when enabled;
	// session issuance inside the manager always reads the store.
	var configService sso.ConfigService = configs
	if cfg.Storage.CacheEnabled {
		cache, err := postgres.NewConfigCache(configs, redisClient, cfg.Storage.L1CacheSize, cfg.Storage.CacheTTL, metrics, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize config cache")
			os.Exit(1)
		}
		configService = cache
	}

	handlers := sso.NewHandlers(configService, mappings, sessions, security, logger)

	// Rate limits are shared across instances when Redis is available.
	var rateLimit mux.MiddlewareFunc
	if redisClient != nil {
		rateLimit = middleware.NewDistributedRateLimitMiddleware(redisClient.Client(), logger).Handler
	} else {
		local := middleware.NewRateLimitMiddleware()
		local.StartCleanup(ctx)
		rateLimit = local.Handler
	}

	sessionAuth := middleware.NewSessionAuthMiddleware(sessions, true)

	router := mux.NewRouter()
	router.Use(requestIDMiddleware(logger))
	router.Use(rateLimit)
	router.Use(sessionAuth.Handler)
	if cfg.Observability.MetricsEnabled {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}
	handlers.RegisterRoutes(router.PathPrefix("/api/v1").Subrouter())

	var handler http.Handler = router
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(router, "fedsso")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate listener so probes don't mix
	// with tenant traffic.
	healthMux := http.NewServeMux()
	var redisConn *redis.Client
	if redisClient != nil {
		redisConn = redisClient.Client()
	}
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisConn))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	go func() {
		logger.WithField("port", cfg.Server.HealthPort).Info("health endpoints listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server error")
		}
	}()

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("fedsso listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server error")
			os.Exit(1)
		}
	}()

	// Teardown runs in reverse registration order, so postgres closes last.
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("postgres", func(ctx context.Context) error {
		return connMgr.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.RegisterShutdownFunc("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

// requestIDMiddleware stamps every request with an id, honoring one
// supplied by an upstream proxy.
func requestIDMiddleware(logger *observability.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := observability.WithRequestID(r.Context(), requestID)
			reqLogger := observability.LoggerWithTrace(ctx, logger).WithField("request_id", requestID)
			ctx = observability.WithLogger(ctx, reqLogger)
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
