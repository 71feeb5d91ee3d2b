package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	})

	// 2 + 1 burst tokens available.
	assert.True(t, rl.Allow("key"))
	assert.True(t, rl.Allow("key"))
	assert.True(t, rl.Allow("key"))
	assert.False(t, rl.Allow("key"))

	// Other keys have their own bucket.
	assert.True(t, rl.Allow("other"))
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})

	assert.Equal(t, 5, rl.Remaining("key"))
	rl.Allow("key")
	assert.Equal(t, 4, rl.Remaining("key"))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    time.Millisecond,
		BurstSize:         0,
	})

	rl.Allow("stale")
	time.Sleep(5 * time.Millisecond)
	rl.Cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.buckets)
}

func TestNilConfigUsesDefaults(t *testing.T) {
	rl := NewRateLimiter(nil)
	assert.Equal(t, DefaultRateLimitConfig().RequestsPerWindow, rl.config.RequestsPerWindow)
}

func newRateLimitedRouter(m *RateLimitMiddleware) *mux.Router {
	router := mux.NewRouter()
	router.Use(m.Handler)
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	router.HandleFunc("/tenants/{tenantID}/sso/complete", ok).Methods("POST")
	router.HandleFunc("/sso/sessions/validate", ok).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/sso/config", ok).Methods("GET")
	return router
}

func TestMiddlewareKeysAuthPathByTenant(t *testing.T) {
	m := NewRateLimitMiddleware()
	m.authLimiter = NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})
	router := newRateLimitedRouter(m)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("POST", "/tenants/acme/sso/complete", nil))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	// Acme is now exhausted.
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest("POST", "/tenants/acme/sso/complete", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	// A different tenant is unaffected.
	third := httptest.NewRecorder()
	router.ServeHTTP(third, httptest.NewRequest("POST", "/tenants/globex/sso/complete", nil))
	assert.Equal(t, http.StatusOK, third.Code)
}

func TestMiddlewareKeysValidateByIP(t *testing.T) {
	m := NewRateLimitMiddleware()
	m.authLimiter = NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})
	router := newRateLimitedRouter(m)

	reqA := httptest.NewRequest("POST", "/sso/sessions/validate", nil)
	reqA.Header.Set("X-Real-IP", "10.0.0.1")
	reqB := httptest.NewRequest("POST", "/sso/sessions/validate", nil)
	reqB.Header.Set("X-Real-IP", "10.0.0.2")

	first := httptest.NewRecorder()
	router.ServeHTTP(first, reqA.Clone(reqA.Context()))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, reqA.Clone(reqA.Context()))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	third := httptest.NewRecorder()
	router.ServeHTTP(third, reqB)
	assert.Equal(t, http.StatusOK, third.Code)
}

func TestMiddlewareGeneralTrafficUsesGeneralLimiter(t *testing.T) {
	m := NewRateLimitMiddleware()
	m.generalLimiter = NewRateLimiter(&RateLimitConfig{
		RequestsPerWindow: 1,
		WindowDuration:    time.Minute,
		BurstSize:         0,
	})
	// Auth limiter stays generous; config reads should not draw from it.
	router := newRateLimitedRouter(m)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("GET", "/tenants/acme/sso/config", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest("GET", "/tenants/acme/sso/config", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1:1234", clientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.9")
	assert.Equal(t, "10.0.0.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}
