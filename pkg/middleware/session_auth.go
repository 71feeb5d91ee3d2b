package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/fedsso/pkg/observability"
	"github.com/platinummonkey/fedsso/pkg/sso"
)

// SessionValidator validates a bearer token and returns the session it
// belongs to. *sso.SessionManager satisfies it.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*sso.Session, error)
}

type sessionContextKey struct{}

// SessionAuthMiddleware resolves a bearer session token into the
// request context. In optional mode, requests without a valid token
// pass through unauthenticated; otherwise they are rejected. The
// authentication completion and validation endpoints are always let
// through, since they exist to mint and check tokens.
type SessionAuthMiddleware struct {
	sessions SessionValidator
	optional bool
}

// NewSessionAuthMiddleware creates the middleware.
func NewSessionAuthMiddleware(sessions SessionValidator, optional bool) *SessionAuthMiddleware {
	return &SessionAuthMiddleware{
		sessions: sessions,
		optional: optional,
	}
}

// Handler wraps an HTTP handler with session resolution.
func (m *SessionAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorized(w, "missing authorization header")
			return
		}

		session, err := m.sessions.ValidateSession(r.Context(), token)
		if err != nil {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.unauthorized(w, "invalid or expired session")
			return
		}

		// Cross-tenant tokens are rejected even in optional mode; a
		// valid session for the wrong tenant is not "unauthenticated".
		if tenantID := tenantVar(r); tenantID != "" && session.TenantID != tenantID {
			m.forbidden(w, "session does not belong to this tenant")
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, session)
		ctx = observability.WithUserID(ctx, session.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSession extracts the resolved session from a request, or nil.
func GetSession(r *http.Request) *sso.Session {
	session, _ := r.Context().Value(sessionContextKey{}).(*sso.Session)
	return session
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

func (m *SessionAuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

func (m *SessionAuthMiddleware) forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"` + message + `"}`))
}
