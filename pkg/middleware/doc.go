// Package middleware provides the HTTP middleware for the fedsso server:
// session-token authentication and rate limiting.
//
// # Components
//
// SessionAuthMiddleware resolves a Bearer session token into the request
// context. The authentication completion and validation endpoints are
// exempt; they exist to mint and check tokens.
//
//	sessionAuth := middleware.NewSessionAuthMiddleware(sessions, optional)
//	router.Use(sessionAuth.Handler)
//
// RateLimitMiddleware applies in-memory token buckets; authentication
// endpoints are keyed per tenant so one tenant's replay flood cannot
// starve others, everything else per client IP.
//
// DistributedRateLimitMiddleware applies the same keying with Redis
// fixed windows shared across instances, failing open on Redis errors.
package middleware
