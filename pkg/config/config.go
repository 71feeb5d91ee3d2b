package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/fedsso/pkg/observability"
)

// Config holds the complete service configuration, populated from the
// environment with sensible defaults for local development.
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Session       SessionConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	HealthPort      int
}

// StorageConfig holds database and cache connection settings.
type StorageConfig struct {
	PostgresURL         string
	PostgresReplicaURLs []string
	PostgresMaxConns    int
	PostgresMinConns    int
	PostgresTimeout     time.Duration

	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	CacheEnabled bool
	L1CacheSize  int
	CacheTTL     time.Duration
}

// SessionConfig holds session lifecycle and sweeper settings.
type SessionConfig struct {
	DefaultTTL          time.Duration
	SweepInterval       time.Duration
	ReplayPurgeInterval time.Duration
	CertCheckInterval   time.Duration
}

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("FEDSSO_HOST", "0.0.0.0"),
			Port:            getEnvInt("FEDSSO_PORT", 8080),
			ReadTimeout:     getEnvDuration("FEDSSO_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("FEDSSO_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("FEDSSO_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("FEDSSO_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnvInt("FEDSSO_HEALTH_PORT", 8081),
		},
		Storage: StorageConfig{
			PostgresURL:         getEnv("FEDSSO_POSTGRES_URL", ""),
			PostgresReplicaURLs: getEnvList("FEDSSO_POSTGRES_REPLICA_URLS"),
			PostgresMaxConns:    getEnvInt("FEDSSO_POSTGRES_MAX_CONNS", 25),
			PostgresMinConns:    getEnvInt("FEDSSO_POSTGRES_MIN_CONNS", 5),
			PostgresTimeout:     getEnvDuration("FEDSSO_POSTGRES_TIMEOUT", 10*time.Second),
			RedisURL:            getEnv("FEDSSO_REDIS_URL", ""),
			RedisPassword:       getEnv("FEDSSO_REDIS_PASSWORD", ""),
			RedisDB:             getEnvInt("FEDSSO_REDIS_DB", 0),
			RedisMaxRetries:     getEnvInt("FEDSSO_REDIS_MAX_RETRIES", 3),
			RedisPoolSize:       getEnvInt("FEDSSO_REDIS_POOL_SIZE", 10),
			CacheEnabled:        getEnvBool("FEDSSO_CACHE_ENABLED", true),
			L1CacheSize:         getEnvInt("FEDSSO_L1_CACHE_SIZE", 1024),
			CacheTTL:            getEnvDuration("FEDSSO_CACHE_TTL", 5*time.Minute),
		},
		Session: SessionConfig{
			DefaultTTL:          getEnvDuration("FEDSSO_SESSION_TTL", 8*time.Hour),
			SweepInterval:       getEnvDuration("FEDSSO_SWEEP_INTERVAL", 15*time.Minute),
			ReplayPurgeInterval: getEnvDuration("FEDSSO_REPLAY_PURGE_INTERVAL", time.Hour),
			CertCheckInterval:   getEnvDuration("FEDSSO_CERT_CHECK_INTERVAL", 6*time.Hour),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("FEDSSO_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("FEDSSO_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("FEDSSO_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("FEDSSO_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("FEDSSO_OTEL_SERVICE_NAME", "fedsso"),
			OTelServiceVersion: getEnv("FEDSSO_OTEL_SERVICE_VERSION", "dev"),
			OTelInsecure:       getEnvBool("FEDSSO_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.HealthPort <= 0 || c.Server.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", c.Server.HealthPort)
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must differ: %d", c.Server.Port)
	}
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("FEDSSO_POSTGRES_URL is required")
	}
	if c.Storage.PostgresMaxConns < c.Storage.PostgresMinConns {
		return fmt.Errorf("postgres max conns (%d) must be >= min conns (%d)",
			c.Storage.PostgresMaxConns, c.Storage.PostgresMinConns)
	}
	if c.Storage.CacheEnabled && c.Storage.L1CacheSize <= 0 {
		return fmt.Errorf("invalid L1 cache size: %d", c.Storage.L1CacheSize)
	}
	if c.Session.DefaultTTL <= 0 {
		return fmt.Errorf("session TTL must be positive: %s", c.Session.DefaultTTL)
	}
	return nil
}

func parseLogLevel(s string) observability.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
