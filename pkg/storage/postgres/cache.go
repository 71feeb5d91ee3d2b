package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/fedsso/pkg/observability"
	"github.com/platinummonkey/fedsso/pkg/sso"
)

// ConfigCache is a read-through cache for tenant SSO configurations,
// layered as in-process LRU over Redis over the store. Reads check L1,
// then L2, then fall through; writes delegate to the store and
// invalidate both layers. The cache is never authoritative: session
// issuance reads the store directly, so gating decisions (disabled,
// degraded, expired certificate) do not depend on invalidation timing.
type ConfigCache struct {
	store   *sso.ConfigStore
	redis   *RedisClient
	l1      *lru.Cache[string, *sso.Configuration]
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *observability.Logger
}

var _ sso.ConfigService = (*ConfigCache)(nil)

// NewConfigCache creates the cache layer. metrics may be nil.
func NewConfigCache(store *sso.ConfigStore, redisClient *RedisClient, l1Size int, ttl time.Duration, metrics *observability.Metrics, logger *observability.Logger) (*ConfigCache, error) {
	l1, err := lru.New[string, *sso.Configuration](l1Size)
	if err != nil {
		return nil, fmt.Errorf("failed to create L1 cache: %w", err)
	}

	return &ConfigCache{
		store:   store,
		redis:   redisClient,
		l1:      l1,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func configCacheKey(tenantID string) string {
	return "sso:config:" + tenantID
}

func (c *ConfigCache) recordHit() {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues("sso_config").Inc()
	}
}

func (c *ConfigCache) recordMiss() {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues("sso_config").Inc()
	}
}

// GetConfig returns the tenant's configuration, consulting L1 then L2
// before the store. Not-found results are never cached; a tenant
// creating its first configuration must see it immediately.
func (c *ConfigCache) GetConfig(ctx context.Context, tenantID string) (*sso.Configuration, error) {
	if config, ok := c.l1.Get(tenantID); ok {
		c.recordHit()
		return config, nil
	}

	if c.redis != nil {
		cached, err := c.redis.Get(ctx, configCacheKey(tenantID))
		if err == nil {
			var config sso.Configuration
			if err := json.Unmarshal([]byte(cached), &config); err == nil {
				c.recordHit()
				c.l1.Add(tenantID, &config)
				return &config, nil
			}
			// Corrupt entry, drop it and fall through to the store.
			c.redis.Del(ctx, configCacheKey(tenantID))
		} else if err != redis.Nil {
			c.logger.WithError(err).Warn("config cache read failed, falling through to store")
		}
	}

	c.recordMiss()
	config, err := c.store.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	c.l1.Add(tenantID, config)
	if c.redis != nil {
		if data, err := json.Marshal(config); err == nil {
			if err := c.redis.Set(ctx, configCacheKey(tenantID), data, c.ttl); err != nil {
				c.logger.WithError(err).Warn("config cache write failed")
			}
		}
	}

	return config, nil
}

// GetConfigByID is a store passthrough. It backs post-write reads on
// the admin surface, where a stale cached row would mask the update
// that was just made.
func (c *ConfigCache) GetConfigByID(ctx context.Context, tenantID, configID string) (*sso.Configuration, error) {
	return c.store.GetConfigByID(ctx, tenantID, configID)
}

// CreateConfig delegates to the store and invalidates the tenant entry.
func (c *ConfigCache) CreateConfig(ctx context.Context, config *sso.Configuration) error {
	if err := c.store.CreateConfig(ctx, config); err != nil {
		return err
	}
	c.invalidate(ctx, config.TenantID)
	return nil
}

// UpdateConfig delegates to the store and invalidates the tenant entry.
func (c *ConfigCache) UpdateConfig(ctx context.Context, tenantID string, config *sso.Configuration) error {
	if err := c.store.UpdateConfig(ctx, tenantID, config); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID)
	return nil
}

// DeleteConfig delegates to the store and invalidates the tenant entry.
func (c *ConfigCache) DeleteConfig(ctx context.Context, tenantID, configID string) error {
	if err := c.store.DeleteConfig(ctx, tenantID, configID); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID)
	return nil
}

// DisableConfig delegates to the store and invalidates the tenant entry.
func (c *ConfigCache) DisableConfig(ctx context.Context, tenantID, configID string) error {
	if err := c.store.DisableConfig(ctx, tenantID, configID); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID)
	return nil
}

// SetCertificate delegates to the store and invalidates the tenant entry.
func (c *ConfigCache) SetCertificate(ctx context.Context, tenantID, configID, fingerprint string, expiresAt time.Time) error {
	if err := c.store.SetCertificate(ctx, tenantID, configID, fingerprint, expiresAt); err != nil {
		return err
	}
	c.invalidate(ctx, tenantID)
	return nil
}

// RecentAuthEvents is a passthrough; the event log is append-only and
// queried rarely, so caching it buys nothing.
func (c *ConfigCache) RecentAuthEvents(ctx context.Context, tenantID, configID string, limit int) ([]*sso.AuthEvent, error) {
	return c.store.RecentAuthEvents(ctx, tenantID, configID, limit)
}

// Invalidate drops the tenant's entry from both cache layers. Called
// by the health monitor after status transitions made outside the
// HTTP write path.
func (c *ConfigCache) Invalidate(ctx context.Context, tenantID string) {
	c.invalidate(ctx, tenantID)
}

func (c *ConfigCache) invalidate(ctx context.Context, tenantID string) {
	c.l1.Remove(tenantID)
	if c.redis != nil {
		if err := c.redis.Del(ctx, configCacheKey(tenantID)); err != nil {
			c.logger.WithError(err).Warn("config cache invalidation failed")
		}
	}
}

// Purge empties the L1 cache. The Redis layer expires on its own.
func (c *ConfigCache) Purge() {
	c.l1.Purge()
}

// Len returns the number of entries in the L1 cache.
func (c *ConfigCache) Len() int {
	return c.l1.Len()
}
