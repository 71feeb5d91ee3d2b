// Package middleware holds HTTP middleware shared by the fedsso server.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// RateLimitConfig defines token bucket settings.
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window.
	RequestsPerWindow int
	// WindowDuration is the refill window.
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate.
	BurstSize int
}

// DefaultRateLimitConfig suits general API traffic.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// AuthRateLimitConfig suits the authentication completion and session
// validation endpoints, which an attacker probing assertions or
// guessing tokens would hammer.
func AuthRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 60,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// RateLimiter implements per-key token buckets.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a request under the given key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.config.RequestsPerWindow + rl.config.BurstSize,
			lastUpdate: time.Now(),
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate)

	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		maxTokens := rl.config.RequestsPerWindow + rl.config.BurstSize
		if b.tokens > maxTokens {
			b.tokens = maxTokens
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// Remaining returns the number of remaining tokens for a key.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.config.RequestsPerWindow + rl.config.BurstSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens
}

// Cleanup removes buckets idle for two full windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup periodically evicts idle buckets until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// RateLimitMiddleware limits authentication traffic. Tenant-scoped SSO
// routes are keyed by tenant so one tenant's IdP misconfiguration or a
// replay flood against it cannot starve others; routes without a
// tenant (session validation) are keyed by client IP.
type RateLimitMiddleware struct {
	authLimiter    *RateLimiter
	generalLimiter *RateLimiter
}

// NewRateLimitMiddleware creates the middleware with default settings.
func NewRateLimitMiddleware() *RateLimitMiddleware {
	return &RateLimitMiddleware{
		authLimiter:    NewRateLimiter(AuthRateLimitConfig()),
		generalLimiter: NewRateLimiter(DefaultRateLimitConfig()),
	}
}

// StartCleanup starts background eviction on both limiters.
func (m *RateLimitMiddleware) StartCleanup(ctx context.Context) {
	m.authLimiter.StartCleanup(ctx)
	m.generalLimiter.StartCleanup(ctx)
}

// Handler wraps an HTTP handler with rate limiting.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, limiter := m.classify(r)

		if !limiter.Allow(key) {
			m.rateLimitExceeded(w, limiter)
			return
		}

		remaining := limiter.Remaining(key)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(limiter.config.WindowDuration).Unix()))

		next.ServeHTTP(w, r)
	})
}

func (m *RateLimitMiddleware) classify(r *http.Request) (string, *RateLimiter) {
	if isAuthPath(r.URL.Path) {
		if tenantID := tenantVar(r); tenantID != "" {
			return "tenant:" + tenantID, m.authLimiter
		}
		return "ip:" + clientIP(r), m.authLimiter
	}
	return "ip:" + clientIP(r), m.generalLimiter
}

func tenantVar(r *http.Request) string {
	return mux.Vars(r)["tenantID"]
}

func isAuthPath(path string) bool {
	return strings.HasSuffix(path, "/sso/complete") || strings.HasSuffix(path, "/sso/sessions/validate")
}

func (m *RateLimitMiddleware) rateLimitExceeded(w http.ResponseWriter, limiter *RateLimiter) {
	retryAfter := limiter.config.WindowDuration.Seconds()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter))
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.config.RequestsPerWindow))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(limiter.config.WindowDuration).Unix()))
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + fmt.Sprintf("%.0f", retryAfter) + `}`))
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
