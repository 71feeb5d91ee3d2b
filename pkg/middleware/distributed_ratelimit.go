package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/fedsso/pkg/observability"
)

// DistributedRateLimiter implements a fixed-window limiter in Redis so
// limits hold across all fedsso instances behind a load balancer.
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a Redis-backed rate limiter.
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "fedsso:ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

// Allow checks whether a request under the key is within the window.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, rl.config.WindowDuration)

	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// Remaining returns the number of remaining requests in the window.
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := rl.redis.Get(ctx, redisKey).Int()
	if err == redis.Nil {
		return rl.config.RequestsPerWindow, nil
	} else if err != nil {
		return 0, err
	}

	remaining := rl.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}

	return remaining, nil
}

// TTL returns the time until the rate limit window resets.
func (rl *DistributedRateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.redis.TTL(ctx, redisKey).Result()
}

// Reset clears the rate limit for a key.
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.redis.Del(ctx, redisKey).Err()
}

// DistributedRateLimitMiddleware applies the same tenant/IP keying as
// the in-memory middleware but shares budgets across instances. Redis
// failures fail open: losing the cache must not take authentication
// down with it.
type DistributedRateLimitMiddleware struct {
	redis          *redis.Client
	authLimiter    *DistributedRateLimiter
	generalLimiter *DistributedRateLimiter
	logger         *observability.Logger
}

// NewDistributedRateLimitMiddleware creates the Redis-backed middleware.
func NewDistributedRateLimitMiddleware(redisClient *redis.Client, logger *observability.Logger) *DistributedRateLimitMiddleware {
	return &DistributedRateLimitMiddleware{
		redis:          redisClient,
		authLimiter:    NewDistributedRateLimiter(redisClient, AuthRateLimitConfig(), "fedsso:ratelimit:auth"),
		generalLimiter: NewDistributedRateLimiter(redisClient, DefaultRateLimitConfig(), "fedsso:ratelimit:general"),
		logger:         logger,
	}
}

func (m *DistributedRateLimitMiddleware) classify(r *http.Request) (string, *DistributedRateLimiter) {
	if isAuthPath(r.URL.Path) {
		if tenantID := tenantVar(r); tenantID != "" {
			return "tenant:" + tenantID, m.authLimiter
		}
		return "ip:" + clientIP(r), m.authLimiter
	}
	return "ip:" + clientIP(r), m.generalLimiter
}

// Handler wraps an HTTP handler with distributed rate limiting.
func (m *DistributedRateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key, limiter := m.classify(r)

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			m.logger.WithError(err).Warn("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			m.rateLimitExceeded(ctx, w, limiter, key)
			return
		}

		remaining, err := limiter.Remaining(ctx, key)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

		if ttl, err := limiter.TTL(ctx, key); err == nil && ttl > 0 {
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))
		}

		next.ServeHTTP(w, r)
	})
}

func (m *DistributedRateLimitMiddleware) rateLimitExceeded(ctx context.Context, w http.ResponseWriter, limiter *DistributedRateLimiter, key string) {
	retryAfter := limiter.config.WindowDuration.Seconds()
	if ttl, err := limiter.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = ttl.Seconds()
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(ttl).Unix()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}

// HealthCheck verifies Redis connectivity for rate limiting.
func (m *DistributedRateLimitMiddleware) HealthCheck(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}
