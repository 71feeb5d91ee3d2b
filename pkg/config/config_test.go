package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedsso/pkg/observability"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FEDSSO_POSTGRES_URL", "postgres://localhost/fedsso?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8081, cfg.Server.HealthPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 25, cfg.Storage.PostgresMaxConns)
	assert.Nil(t, cfg.Storage.PostgresReplicaURLs)
	assert.True(t, cfg.Storage.CacheEnabled)
	assert.Equal(t, 1024, cfg.Storage.L1CacheSize)
	assert.Equal(t, 8*time.Hour, cfg.Session.DefaultTTL)
	assert.Equal(t, 15*time.Minute, cfg.Session.SweepInterval)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.Equal(t, "fedsso", cfg.Observability.OTelServiceName)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FEDSSO_POSTGRES_URL", "postgres://primary/fedsso")
	t.Setenv("FEDSSO_POSTGRES_REPLICA_URLS", "postgres://r1/fedsso, postgres://r2/fedsso")
	t.Setenv("FEDSSO_PORT", "9090")
	t.Setenv("FEDSSO_HEALTH_PORT", "9091")
	t.Setenv("FEDSSO_SESSION_TTL", "4h")
	t.Setenv("FEDSSO_LOG_LEVEL", "debug")
	t.Setenv("FEDSSO_CACHE_ENABLED", "false")
	t.Setenv("FEDSSO_REDIS_URL", "redis://localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 9091, cfg.Server.HealthPort)
	assert.Equal(t, []string{"postgres://r1/fedsso", "postgres://r2/fedsso"}, cfg.Storage.PostgresReplicaURLs)
	assert.Equal(t, 4*time.Hour, cfg.Session.DefaultTTL)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Storage.CacheEnabled)
	assert.Equal(t, "redis://localhost:6379", cfg.Storage.RedisURL)
}

func TestLoadRequiresPostgresURL(t *testing.T) {
	t.Setenv("FEDSSO_POSTGRES_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FEDSSO_POSTGRES_URL")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080, HealthPort: 8081},
			Storage: StorageConfig{
				PostgresURL:      "postgres://localhost/fedsso",
				PostgresMaxConns: 25,
				PostgresMinConns: 5,
				CacheEnabled:     true,
				L1CacheSize:      1024,
			},
			Session: SessionConfig{DefaultTTL: 8 * time.Hour},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "zero port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "invalid server port",
		},
		{
			name:    "port collision",
			mutate:  func(c *Config) { c.Server.HealthPort = c.Server.Port },
			wantErr: "must differ",
		},
		{
			name:    "max conns below min",
			mutate:  func(c *Config) { c.Storage.PostgresMaxConns = 2 },
			wantErr: "max conns",
		},
		{
			name:    "bad cache size",
			mutate:  func(c *Config) { c.Storage.L1CacheSize = 0 },
			wantErr: "L1 cache size",
		},
		{
			name:   "cache disabled ignores size",
			mutate: func(c *Config) { c.Storage.CacheEnabled = false; c.Storage.L1CacheSize = 0 },
		},
		{
			name:    "non-positive session TTL",
			mutate:  func(c *Config) { c.Session.DefaultTTL = 0 },
			wantErr: "session TTL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want observability.LogLevel
	}{
		{"debug", observability.DebugLevel},
		{"INFO", observability.InfoLevel},
		{"Warn", observability.WarnLevel},
		{"warning", observability.WarnLevel},
		{"error", observability.ErrorLevel},
		{"bogus", observability.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in), tt.in)
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("FEDSSO_TEST_LIST", "a, b ,,c")
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("FEDSSO_TEST_LIST"))

	t.Setenv("FEDSSO_TEST_LIST", "")
	assert.Nil(t, getEnvList("FEDSSO_TEST_LIST"))
}
