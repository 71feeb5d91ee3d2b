package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/fedsso/pkg/config"
)

// RedisClient wraps the shared Redis connection. It backs the tenant
// configuration cache and provides the lease primitive the sweeper
// uses so only one instance runs maintenance jobs at a time.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to Redis using the storage configuration.
func NewRedisClient(cfg config.StorageConfig) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB >= 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFromAddr builds a client for an already-resolved
// address. Used by tests with an in-process Redis.
func NewRedisClientFromAddr(addr string) *RedisClient {
	return &RedisClient{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Get retrieves a key. A cache miss returns ("", redis.Nil).
func (c *RedisClient) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// Set stores a key with a TTL.
func (c *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Del removes keys.
func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// AcquireLease sets a key only if it does not exist, returning whether
// the caller now holds the lease. The lease expires on its own; a
// holder that dies mid-run does not block the next run forever.
func (c *RedisClient) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, holder, ttl).Result()
}

// ReleaseLease deletes a lease key if the caller still holds it.
func (c *RedisClient) ReleaseLease(ctx context.Context, key, holder string) error {
	current, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if current != holder {
		// Lease expired and was taken by someone else; leave it alone.
		return nil
	}
	return c.client.Del(ctx, key).Err()
}

// Client exposes the underlying client for health checks.
func (c *RedisClient) Client() *redis.Client {
	return c.client
}

// Ping checks Redis connectivity.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PoolStats returns connection pool statistics.
func (c *RedisClient) PoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}
