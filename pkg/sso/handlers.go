package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/fedsso/pkg/audit"
	"github.com/platinummonkey/fedsso/pkg/observability"
)

// ConfigService is the configuration surface the HTTP layer talks to.
// *ConfigStore satisfies it directly; a caching decorator can wrap it
// for read-heavy deployments. Session issuance always goes through the
// store itself so gating decisions never read stale state.
type ConfigService interface {
	GetConfig(ctx context.Context, tenantID string) (*Configuration, error)
	GetConfigByID(ctx context.Context, tenantID, configID string) (*Configuration, error)
	CreateConfig(ctx context.Context, config *Configuration) error
	UpdateConfig(ctx context.Context, tenantID string, config *Configuration) error
	DeleteConfig(ctx context.Context, tenantID, configID string) error
	DisableConfig(ctx context.Context, tenantID, configID string) error
	SetCertificate(ctx context.Context, tenantID, configID, fingerprint string, expiresAt time.Time) error
	RecentAuthEvents(ctx context.Context, tenantID, configID string, limit int) ([]*AuthEvent, error)
}

// Handlers exposes the SSO subsystem over HTTP. Every tenant-scoped
// route carries the tenant in the path; handlers thread it through
// context so log lines and store queries stay scoped.
type Handlers struct {
	configs  ConfigService
	mappings *MappingStore
	sessions *SessionManager
	security audit.Logger
	logger   *observability.Logger
}

// NewHandlers creates the SSO HTTP handlers
func NewHandlers(configs ConfigService, mappings *MappingStore, sessions *SessionManager, security audit.Logger, logger *observability.Logger) *Handlers {
	if security == nil {
		security = audit.NopLogger{}
	}
	return &Handlers{
		configs:  configs,
		mappings: mappings,
		sessions: sessions,
		security: security,
		logger:   logger,
	}
}

// RegisterRoutes registers SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Tenant configuration routes
	router.HandleFunc("/tenants/{tenantID}/sso/config", h.getConfig).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/sso/config", h.createConfig).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/sso/config/{configID}", h.updateConfig).Methods("PUT")
	router.HandleFunc("/tenants/{tenantID}/sso/config/{configID}", h.deleteConfig).Methods("DELETE")
	router.HandleFunc("/tenants/{tenantID}/sso/config/{configID}/disable", h.disableConfig).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/sso/config/{configID}/certificate", h.setCertificate).Methods("PUT")
	router.HandleFunc("/tenants/{tenantID}/sso/config/{configID}/events", h.listAuthEvents).Methods("GET")

	// Attribute mapping routes
	router.HandleFunc("/tenants/{tenantID}/sso/config/{configID}/mappings", h.listMappings).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/sso/config/{configID}/mappings", h.createMapping).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/sso/mappings/{mappingID}", h.updateMapping).Methods("PUT")
	router.HandleFunc("/tenants/{tenantID}/sso/mappings/{mappingID}", h.deleteMapping).Methods("DELETE")

	// Authentication and session routes
	router.HandleFunc("/tenants/{tenantID}/sso/complete", h.completeAuthentication).Methods("POST")
	router.HandleFunc("/sso/sessions/validate", h.validateSession).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/sso/sessions/{sessionID}", h.revokeSession).Methods("DELETE")
	router.HandleFunc("/tenants/{tenantID}/sso/users/{userID}/sessions", h.listUserSessions).Methods("GET")
	router.HandleFunc("/tenants/{tenantID}/sso/users/{userID}/logout", h.logoutUser).Methods("POST")
	router.HandleFunc("/tenants/{tenantID}/sso/slo", h.singleLogout).Methods("POST")
}

func tenantFromRequest(r *http.Request) (string, *http.Request) {
	tenantID := mux.Vars(r)["tenantID"]
	ctx := observability.WithTenantID(r.Context(), tenantID)
	return tenantID, r.WithContext(ctx)
}

// getConfig handles GET /tenants/{tenantID}/sso/config
func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)

	config, err := h.configs.GetConfig(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, config)
}

// createConfig handles POST /tenants/{tenantID}/sso/config
func (h *Handlers) createConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)

	var config Configuration
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	config.TenantID = tenantID

	if err := h.configs.CreateConfig(r.Context(), &config); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.emit(r, &audit.Event{
		EventType:       audit.EventTypeConfigCreated,
		Status:          audit.EventStatusSuccess,
		TenantID:        tenantID,
		ConfigurationID: config.ID,
		Message:         fmt.Sprintf("provider_kind=%s", config.ProviderKind),
	})
	h.writeJSON(w, http.StatusCreated, config)
}

// updateConfig handles PUT /tenants/{tenantID}/sso/config/{configID}.
// A successful update on a degraded configuration resets it to
// pending_configuration; the next successful authentication activates it.
func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	configID := mux.Vars(r)["configID"]

	var config Configuration
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	config.ID = configID
	config.TenantID = tenantID

	if err := h.configs.UpdateConfig(r.Context(), tenantID, &config); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.configs.GetConfigByID(r.Context(), tenantID, configID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.emit(r, &audit.Event{
		EventType:       audit.EventTypeConfigUpdated,
		Status:          audit.EventStatusSuccess,
		TenantID:        tenantID,
		ConfigurationID: configID,
	})
	h.writeJSON(w, http.StatusOK, updated)
}

// deleteConfig handles DELETE /tenants/{tenantID}/sso/config/{configID}
func (h *Handlers) deleteConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	configID := mux.Vars(r)["configID"]

	if err := h.configs.DeleteConfig(r.Context(), tenantID, configID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.emit(r, &audit.Event{
		EventType:       audit.EventTypeConfigDeleted,
		Status:          audit.EventStatusSuccess,
		TenantID:        tenantID,
		ConfigurationID: configID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// disableConfig handles POST /tenants/{tenantID}/sso/config/{configID}/disable
func (h *Handlers) disableConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	configID := mux.Vars(r)["configID"]

	if err := h.configs.DisableConfig(r.Context(), tenantID, configID); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.emit(r, &audit.Event{
		EventType:       audit.EventTypeConfigDisabled,
		Status:          audit.EventStatusSuccess,
		TenantID:        tenantID,
		ConfigurationID: configID,
	})
	w.WriteHeader(http.StatusNoContent)
}

type setCertificateRequest struct {
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// setCertificate handles PUT /tenants/{tenantID}/sso/config/{configID}/certificate.
// Certificate metadata updates never change status on their own; recovery
// from certificate_expired goes through updateConfig.
func (h *Handlers) setCertificate(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	configID := mux.Vars(r)["configID"]

	var req setCertificateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Fingerprint == "" {
		http.Error(w, "fingerprint is required", http.StatusBadRequest)
		return
	}
	if req.ExpiresAt.IsZero() {
		http.Error(w, "expires_at is required", http.StatusBadRequest)
		return
	}

	if err := h.configs.SetCertificate(r.Context(), tenantID, configID, req.Fingerprint, req.ExpiresAt); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAuthEvents handles GET /tenants/{tenantID}/sso/config/{configID}/events
func (h *Handlers) listAuthEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	configID := mux.Vars(r)["configID"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := h.configs.RecentAuthEvents(r.Context(), tenantID, configID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, events)
}

// listMappings handles GET /tenants/{tenantID}/sso/config/{configID}/mappings
func (h *Handlers) listMappings(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	configID := mux.Vars(r)["configID"]

	mappings, err := h.mappings.ListMappings(r.Context(), tenantID, configID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mappings)
}

// createMapping handles POST /tenants/{tenantID}/sso/config/{configID}/mappings
func (h *Handlers) createMapping(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	configID := mux.Vars(r)["configID"]

	var mapping AttributeMapping
	if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	mapping.ConfigurationID = configID

	if err := h.mappings.CreateMapping(r.Context(), tenantID, &mapping); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, mapping)
}

// updateMapping handles PUT /tenants/{tenantID}/sso/mappings/{mappingID}
func (h *Handlers) updateMapping(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	mappingID := mux.Vars(r)["mappingID"]

	var mapping AttributeMapping
	if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	mapping.ID = mappingID

	if err := h.mappings.UpdateMapping(r.Context(), tenantID, &mapping); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, mapping)
}

// deleteMapping handles DELETE /tenants/{tenantID}/sso/mappings/{mappingID}
func (h *Handlers) deleteMapping(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	mappingID := mux.Vars(r)["mappingID"]

	if err := h.mappings.DeleteMapping(r.Context(), tenantID, mappingID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type completeAuthRequest struct {
	Claims             Claims        `json:"claims"`
	AssertionID        string        `json:"assertion_id"`
	AssertionType      AssertionType `json:"assertion_type"`
	AssertionExpiresAt time.Time     `json:"assertion_expires_at"`
	SessionTTLSeconds  int           `json:"session_ttl_seconds,omitempty"`

	SAMLSessionIndex string `json:"saml_session_index,omitempty"`
	SAMLNameID       string `json:"saml_name_id,omitempty"`
	OIDCAccessToken  string `json:"oidc_access_token,omitempty"`
	OIDCRefreshToken string `json:"oidc_refresh_token,omitempty"`
}

// completeAuthentication handles POST /tenants/{tenantID}/sso/complete.
// The caller is the protocol layer that already verified the assertion
// cryptographically; this endpoint owns everything after that.
func (h *Handlers) completeAuthentication(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)

	var req completeAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.AssertionID == "" {
		http.Error(w, "assertion_id is required", http.StatusBadRequest)
		return
	}
	if req.AssertionType != AssertionTypeSAML && req.AssertionType != AssertionTypeOIDCNonce {
		http.Error(w, "assertion_type must be saml_assertion or oidc_nonce", http.StatusBadRequest)
		return
	}
	if req.AssertionExpiresAt.IsZero() {
		http.Error(w, "assertion_expires_at is required", http.StatusBadRequest)
		return
	}

	result, err := h.sessions.CompleteAuthentication(r.Context(), CompleteAuthInput{
		TenantID:           tenantID,
		Claims:             req.Claims,
		AssertionID:        req.AssertionID,
		AssertionType:      req.AssertionType,
		AssertionExpiresAt: req.AssertionExpiresAt,
		SessionTTL:         time.Duration(req.SessionTTLSeconds) * time.Second,
		SAMLSessionIndex:   req.SAMLSessionIndex,
		SAMLNameID:         req.SAMLNameID,
		OIDCAccessToken:    req.OIDCAccessToken,
		OIDCRefreshToken:   req.OIDCRefreshToken,
		IPAddress:          r.RemoteAddr,
		UserAgent:          r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

type validateSessionRequest struct {
	Token string `json:"token"`
}

// validateSession handles POST /sso/sessions/validate. Accepts the token
// in the body or as a bearer header. Invalid sessions get a bare 401 with
// no detail.
func (h *Handlers) validateSession(w http.ResponseWriter, r *http.Request) {
	var req validateSessionRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Token == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			req.Token = auth[7:]
		}
	}
	if req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	session, err := h.sessions.ValidateSession(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, ErrInvalidSession) {
			http.Error(w, "invalid session", http.StatusUnauthorized)
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, session)
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

// revokeSession handles DELETE /tenants/{tenantID}/sso/sessions/{sessionID}
func (h *Handlers) revokeSession(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	sessionID := mux.Vars(r)["sessionID"]

	var req revokeRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = RevokeReasonLogout
	}

	if err := h.sessions.RevokeSession(r.Context(), tenantID, sessionID, req.Reason); err != nil {
		if errors.Is(err, ErrInvalidSession) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listUserSessions handles GET /tenants/{tenantID}/sso/users/{userID}/sessions
func (h *Handlers) listUserSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	userID := mux.Vars(r)["userID"]

	sessions, err := h.sessions.GetSessionsForUser(r.Context(), tenantID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

// logoutUser handles POST /tenants/{tenantID}/sso/users/{userID}/logout
func (h *Handlers) logoutUser(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)
	userID := mux.Vars(r)["userID"]

	var req revokeRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = RevokeReasonAdmin
	}

	count, err := h.sessions.RevokeAllForUser(r.Context(), tenantID, userID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"revoked": count})
}

type singleLogoutRequest struct {
	SAMLSessionIndex string `json:"saml_session_index"`
}

// singleLogout handles POST /tenants/{tenantID}/sso/slo for IdP-initiated
// SAML single logout
func (h *Handlers) singleLogout(w http.ResponseWriter, r *http.Request) {
	tenantID, r := tenantFromRequest(r)

	var req singleLogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	count, err := h.sessions.RevokeBySAMLIndex(r.Context(), tenantID, req.SAMLSessionIndex)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"revoked": count})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrConfigNotFound):
		http.Error(w, "configuration not found", http.StatusNotFound)
	case errors.Is(err, ErrTenantMismatch):
		http.Error(w, "configuration not found", http.StatusNotFound)
	case errors.Is(err, ErrReplayDetected):
		http.Error(w, "assertion already used", http.StatusConflict)
	case errors.Is(err, ErrConfigDisabled),
		errors.Is(err, ErrConfigurationDegraded),
		errors.Is(err, ErrCertificateExpired),
		errors.Is(err, ErrProvisioningDisabled):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrInvalidSession):
		http.Error(w, "invalid session", http.StatusUnauthorized)
	default:
		observability.FromContext(r.Context()).WithError(err).Error("request failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *Handlers) emit(r *http.Request, event *audit.Event) {
	event.Timestamp = time.Now().UTC()
	event.IPAddress = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	event.RequestID = observability.GetRequestID(r.Context())
	if err := h.security.Log(r.Context(), event); err != nil {
		h.logger.WithError(err).Error("failed to write security event")
	}
}
