package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/fedsso/pkg/audit"
	"github.com/platinummonkey/fedsso/pkg/auth"
	"github.com/platinummonkey/fedsso/pkg/observability"
)

// DefaultSessionTTL applies when a caller requests no explicit TTL
const DefaultSessionTTL = 8 * time.Hour

// SessionManager orchestrates authentication completion and owns the
// session lifecycle. It consults the replay guard, the attribute mapping
// engine, and the configuration store; replay acceptance, provisioning,
// session insert, and the success event all commit in one transaction,
// so a cancelled or failed flow writes nothing.
type SessionManager struct {
	db          *sql.DB
	configs     *ConfigStore
	mappings    *MappingStore
	engine      *MappingEngine
	guard       *ReplayGuard
	provisioner *Provisioner
	tokens      *auth.TokenGenerator
	security    audit.Logger
	logger      *observability.Logger
}

// NewSessionManager creates a session manager wired to its collaborators
func NewSessionManager(db *sql.DB, configs *ConfigStore, mappings *MappingStore, guard *ReplayGuard, provisioner *Provisioner, security audit.Logger, logger *observability.Logger) *SessionManager {
	if security == nil {
		security = audit.NopLogger{}
	}
	return &SessionManager{
		db:          db,
		configs:     configs,
		mappings:    mappings,
		engine:      NewMappingEngine(),
		guard:       guard,
		provisioner: provisioner,
		tokens:      auth.NewTokenGenerator(),
		security:    security,
		logger:      logger,
	}
}

// CompleteAuthInput carries an already-cryptographically-verified
// assertion into the session manager. Upstream verification of
// signatures and token expiry is asserted by the caller.
type CompleteAuthInput struct {
	TenantID           string
	Claims             Claims
	AssertionID        string
	AssertionType      AssertionType
	AssertionExpiresAt time.Time
	SessionTTL         time.Duration

	// Provider correlation; raw OIDC tokens are hashed before storage
	SAMLSessionIndex string
	SAMLNameID       string
	OIDCAccessToken  string
	OIDCRefreshToken string

	IPAddress string
	UserAgent string
}

// AuthResult is the outcome of a completed authentication. Token is the
// raw bearer credential, surfaced exactly once.
type AuthResult struct {
	Session *Session  `json:"session"`
	Token   string    `json:"token"`
	Role    auth.Role `json:"role"`
	Profile *Profile  `json:"profile"`
	// NewUser reports whether auto-provisioning created the user
	NewUser bool `json:"new_user"`
}

// CompleteAuthentication runs the full acceptance flow for a verified
// assertion: configuration gating, replay check, profile and role
// resolution, JIT provisioning, session creation.
func (sm *SessionManager) CompleteAuthentication(ctx context.Context, input CompleteAuthInput) (*AuthResult, error) {
	config, err := sm.configs.GetConfig(ctx, input.TenantID)
	if err != nil {
		return nil, err
	}

	if err := sm.gateConfig(ctx, config, input); err != nil {
		return nil, err
	}

	// Resolve profile and role before touching state; these are pure
	// reads and fail without side effects.
	mappings, err := sm.mappings.ActiveMappings(ctx, input.TenantID, config.ID)
	if err != nil {
		return nil, err
	}
	profile, err := sm.engine.ResolveProfile(input.Claims, mappings)
	if err != nil {
		return nil, sm.recordFlowError(ctx, config, err)
	}
	applyProfileFallbacks(profile, input.Claims)

	if profile.Email != "" && !EmailAllowed(profile.Email, config.AllowedEmailDomains) {
		sm.emitRejected(ctx, config, input, fmt.Sprintf("email domain not allowed: %s", profile.Email))
		return nil, &ValidationError{Field: "email", Reason: "domain is not in the tenant's allow-list"}
	}

	role, err := sm.engine.ResolveRole(profile.Groups, config)
	if err != nil {
		if errors.Is(err, ErrProvisioningDisabled) {
			sm.emitRejected(ctx, config, input, "no group mapped to a role and auto-provisioning is disabled")
			return nil, err
		}
		return nil, sm.recordFlowError(ctx, config, err)
	}

	providerUserID := input.Claims.StringValue("sub")
	if providerUserID == "" {
		providerUserID = input.SAMLNameID
	}

	ttl := input.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	// One transaction for everything that writes: the replay record, the
	// user link, the session, and the success event. A timeout rolls the
	// whole flow back.
	tx, err := sm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	accepted, err := sm.guard.checkAndRecordIn(ctx, tx, input.TenantID, input.AssertionID, input.AssertionType, input.AssertionExpiresAt)
	if err != nil {
		return nil, err
	}
	if !accepted {
		// The conflicting insert rolled back with the transaction; the
		// winner's record is what blocked us. Reject outright, never
		// retry.
		tx.Rollback()
		sm.emitReplay(ctx, config, input)
		return nil, fmt.Errorf("assertion %s already used for tenant %s: %w", input.AssertionID, input.TenantID, ErrReplayDetected)
	}

	userID, newUser, err := sm.provisioner.EnsureUser(ctx, tx, config, providerUserID, profile, role)
	if err != nil {
		if errors.Is(err, ErrProvisioningDisabled) {
			tx.Rollback()
			sm.emitRejected(ctx, config, input, "unknown user and auto-provisioning is disabled")
			return nil, err
		}
		return nil, sm.recordFlowError(ctx, config, err)
	}

	session, token, err := sm.createSessionIn(ctx, tx, config, userID, providerUserID, profile, input, ttl)
	if err != nil {
		return nil, sm.recordFlowError(ctx, config, err)
	}

	if err := sm.configs.recordAuthSuccessIn(ctx, tx, input.TenantID, config.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit authentication: %w", err)
	}

	if newUser {
		sm.emit(ctx, &audit.Event{
			EventType:       audit.EventTypeUserProvisioned,
			Status:          audit.EventStatusSuccess,
			TenantID:        input.TenantID,
			UserID:          userID,
			ConfigurationID: config.ID,
			Message:         fmt.Sprintf("auto-provisioned with role %s", role),
		})
	}
	sm.emit(ctx, &audit.Event{
		EventType:       audit.EventTypeLoginSuccess,
		Status:          audit.EventStatusSuccess,
		TenantID:        input.TenantID,
		UserID:          userID,
		ConfigurationID: config.ID,
		SessionID:       session.ID,
		IPAddress:       input.IPAddress,
		UserAgent:       input.UserAgent,
	})

	sm.logger.WithFields(map[string]interface{}{
		"tenant_id":  input.TenantID,
		"user_id":    userID,
		"session_id": session.ID,
	}).Info("sso authentication completed")

	return &AuthResult{Session: session, Token: token, Role: role, Profile: profile, NewUser: newUser}, nil
}

// gateConfig enforces enabled/status policy before any state is touched
func (sm *SessionManager) gateConfig(ctx context.Context, config *Configuration, input CompleteAuthInput) error {
	if !config.Enabled || config.Status == StatusInactive {
		sm.emitRejected(ctx, config, input, "configuration disabled")
		return fmt.Errorf("tenant %s: %w", config.TenantID, ErrConfigDisabled)
	}

	// Degraded configurations fail closed only when SSO is the enforced
	// path; otherwise the tenant's other authentication paths remain
	// available and this one is still allowed to recover.
	if config.EnforceSSO {
		switch config.Status {
		case StatusCertificateExpired:
			sm.emitRejected(ctx, config, input, "certificate expired, enforce_sso fails closed")
			return fmt.Errorf("tenant %s: %w", config.TenantID, ErrCertificateExpired)
		case StatusConfigurationError:
			sm.emitRejected(ctx, config, input, "configuration degraded, enforce_sso fails closed")
			return fmt.Errorf("tenant %s: %w", config.TenantID, ErrConfigurationDegraded)
		}
	}
	return nil
}

// CreateSessionInput creates a session directly, outside the full
// completion flow (e.g. trusted internal callers that already resolved
// the user).
type CreateSessionInput struct {
	TenantID        string
	UserID          string
	ConfigurationID string
	ProviderUserID  string
	Email           string
	DisplayName     string
	Groups          []string
	TTL             time.Duration

	SAMLSessionIndex string
	SAMLNameID       string
	OIDCAccessToken  string
	OIDCRefreshToken string

	IPAddress string
	UserAgent string
}

// CreateSession persists a session and returns the raw bearer token
// exactly once. Records an auth success on the configuration.
func (sm *SessionManager) CreateSession(ctx context.Context, input CreateSessionInput) (*Session, string, error) {
	config, err := sm.configs.GetConfigByID(ctx, input.TenantID, input.ConfigurationID)
	if err != nil {
		return nil, "", err
	}

	ttl := input.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	tx, err := sm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	profile := &Profile{Email: input.Email, DisplayName: input.DisplayName, Groups: input.Groups}
	completeInput := CompleteAuthInput{
		TenantID:         input.TenantID,
		SAMLSessionIndex: input.SAMLSessionIndex,
		SAMLNameID:       input.SAMLNameID,
		OIDCAccessToken:  input.OIDCAccessToken,
		OIDCRefreshToken: input.OIDCRefreshToken,
		IPAddress:        input.IPAddress,
		UserAgent:        input.UserAgent,
	}
	session, token, err := sm.createSessionIn(ctx, tx, config, input.UserID, input.ProviderUserID, profile, completeInput, ttl)
	if err != nil {
		return nil, "", err
	}

	if err := sm.configs.recordAuthSuccessIn(ctx, tx, input.TenantID, config.ID); err != nil {
		return nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("failed to commit session: %w", err)
	}
	return session, token, nil
}

// createSessionIn inserts the session row on the caller's transaction
func (sm *SessionManager) createSessionIn(ctx context.Context, q dbtx, config *Configuration, userID, providerUserID string, profile *Profile, input CompleteAuthInput, ttl time.Duration) (*Session, string, error) {
	token, tokenHash, err := sm.tokens.GenerateToken()
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	session := &Session{
		ID:               uuid.NewString(),
		TenantID:         config.TenantID,
		UserID:           userID,
		ConfigurationID:  config.ID,
		TokenHash:        tokenHash,
		ProviderKind:     config.ProviderKind,
		ProviderUserID:   providerUserID,
		Email:            profile.Email,
		DisplayName:      profile.DisplayName,
		Groups:           profile.Groups,
		SAMLSessionIndex: input.SAMLSessionIndex,
		SAMLNameID:       input.SAMLNameID,
		IPAddress:        input.IPAddress,
		UserAgent:        input.UserAgent,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		LastActivityAt:   now,
		IsActive:         true,
	}
	if input.OIDCAccessToken != "" {
		session.OIDCAccessTokenHash = sm.tokens.HashToken(input.OIDCAccessToken)
	}
	if input.OIDCRefreshToken != "" {
		session.OIDCRefreshTokenHash = sm.tokens.HashToken(input.OIDCRefreshToken)
	}

	var groupsJSON []byte
	if len(session.Groups) > 0 {
		groupsJSON, err = json.Marshal(session.Groups)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal groups: %w", err)
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO sso_sessions (
			id, tenant_id, user_id, configuration_id, token_hash, provider_kind,
			provider_user_id, email, display_name, groups, saml_session_index,
			saml_name_id, oidc_access_token_hash, oidc_refresh_token_hash,
			ip_address, user_agent, created_at, expires_at, last_activity_at, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, true)
	`, session.ID, session.TenantID, session.UserID, session.ConfigurationID,
		session.TokenHash, session.ProviderKind, session.ProviderUserID,
		nullableStr(session.Email), nullableStr(session.DisplayName), groupsJSON,
		nullableStr(session.SAMLSessionIndex), nullableStr(session.SAMLNameID),
		nullableStr(session.OIDCAccessTokenHash), nullableStr(session.OIDCRefreshTokenHash),
		nullableStr(session.IPAddress), nullableStr(session.UserAgent),
		session.CreatedAt, session.ExpiresAt, session.LastActivityAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert session: %w", err)
	}

	return session, token, nil
}

const sessionColumns = `id, tenant_id, user_id, configuration_id, token_hash, provider_kind,
		provider_user_id, COALESCE(email, ''), COALESCE(display_name, ''), groups,
		COALESCE(saml_session_index, ''), COALESCE(saml_name_id, ''),
		COALESCE(oidc_access_token_hash, ''), COALESCE(oidc_refresh_token_hash, ''),
		COALESCE(ip_address, ''), COALESCE(user_agent, ''),
		created_at, expires_at, last_activity_at, revoked_at, COALESCE(revoked_reason, ''), is_active`

// ValidateSession resolves a bearer token to its session. Any failure —
// unknown token, revoked, expired — yields the same ErrInvalidSession so
// a caller learns nothing about why. A valid session gets its
// last_activity bumped; the absolute expiry never extends.
func (sm *SessionManager) ValidateSession(ctx context.Context, token string) (*Session, error) {
	if err := sm.tokens.ValidateTokenFormat(token); err != nil {
		return nil, ErrInvalidSession
	}
	tokenHash := sm.tokens.HashToken(token)

	row := sm.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sso_sessions
		WHERE token_hash = $1
	`, tokenHash)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidSession
		}
		return nil, err
	}

	// Expiry is re-checked here regardless of the sweep cadence; a stale
	// is_active flag never validates.
	now := time.Now().UTC()
	if !session.IsActive || session.RevokedAt != nil || now.After(session.ExpiresAt) {
		return nil, ErrInvalidSession
	}

	_, err = sm.db.ExecContext(ctx, `
		UPDATE sso_sessions SET last_activity_at = NOW()
		WHERE id = $1 AND is_active
	`, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update session activity: %w", err)
	}
	session.LastActivityAt = now

	return session, nil
}

// RevokeSession revokes a session. Idempotent: revoking an already
// revoked session succeeds and the original revocation timestamp stands.
// Revocation is a single atomic update, so concurrent readers see the
// session either fully active or fully revoked.
func (sm *SessionManager) RevokeSession(ctx context.Context, tenantID, sessionID, reason string) error {
	result, err := sm.db.ExecContext(ctx, `
		UPDATE sso_sessions
		SET is_active = false,
			revoked_at = COALESCE(revoked_at, NOW()),
			revoked_reason = COALESCE(revoked_reason, $1)
		WHERE id = $2 AND tenant_id = $3
	`, reason, sessionID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if err := requireOneRow(result); err != nil {
		return ErrInvalidSession
	}

	sm.emit(ctx, &audit.Event{
		EventType: audit.EventTypeSessionRevoked,
		Status:    audit.EventStatusSuccess,
		TenantID:  tenantID,
		SessionID: sessionID,
		Message:   reason,
	})
	return nil
}

// RevokeAllForUser atomically revokes every active session for the
// tenant/user pair (single logout). Returns the number revoked.
func (sm *SessionManager) RevokeAllForUser(ctx context.Context, tenantID, userID, reason string) (int64, error) {
	result, err := sm.db.ExecContext(ctx, `
		UPDATE sso_sessions
		SET is_active = false, revoked_at = NOW(), revoked_reason = $1
		WHERE tenant_id = $2 AND user_id = $3 AND is_active
	`, reason, tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	sm.emit(ctx, &audit.Event{
		EventType: audit.EventTypeSingleLogout,
		Status:    audit.EventStatusSuccess,
		TenantID:  tenantID,
		UserID:    userID,
		Message:   fmt.Sprintf("revoked %d sessions: %s", count, reason),
	})
	return count, nil
}

// RevokeBySAMLIndex revokes sessions established under a SAML session
// index, for IdP-initiated single logout
func (sm *SessionManager) RevokeBySAMLIndex(ctx context.Context, tenantID, sessionIndex string) (int64, error) {
	if sessionIndex == "" {
		return 0, &ValidationError{Field: "saml_session_index", Reason: "is required"}
	}

	result, err := sm.db.ExecContext(ctx, `
		UPDATE sso_sessions
		SET is_active = false, revoked_at = NOW(), revoked_reason = $1
		WHERE tenant_id = $2 AND saml_session_index = $3 AND is_active
	`, RevokeReasonSingleLogout, tenantID, sessionIndex)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions by saml index: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if count > 0 {
		sm.emit(ctx, &audit.Event{
			EventType: audit.EventTypeSingleLogout,
			Status:    audit.EventStatusSuccess,
			TenantID:  tenantID,
			Message:   fmt.Sprintf("revoked %d sessions for saml session index", count),
		})
	}
	return count, nil
}

// GetSessionsForUser lists a user's active sessions
func (sm *SessionManager) GetSessionsForUser(ctx context.Context, tenantID, userID string) ([]*Session, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sso_sessions
		WHERE tenant_id = $1 AND user_id = $2 AND is_active
		ORDER BY created_at DESC
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ExpireSweep transitions sessions past their expiry into
// revoked(expired). Hygiene only: ValidateSession re-checks expiry
// itself, so correctness never depends on sweep cadence.
func (sm *SessionManager) ExpireSweep(ctx context.Context) (int64, error) {
	result, err := sm.db.ExecContext(ctx, `
		UPDATE sso_sessions
		SET is_active = false, revoked_at = NOW(), revoked_reason = $1
		WHERE is_active AND expires_at < NOW()
	`, RevokeReasonExpired)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// recordFlowError records a configuration error for a failed flow and
// emits a degradation event when the threshold trips
func (sm *SessionManager) recordFlowError(ctx context.Context, config *Configuration, cause error) error {
	status, recErr := sm.configs.RecordError(ctx, config.TenantID, config.ID, cause.Error())
	if recErr != nil {
		sm.logger.WithError(recErr).WithField("tenant_id", config.TenantID).Error("failed to record auth error")
		return cause
	}
	if status == StatusConfigurationError && config.Status != StatusConfigurationError {
		sm.emit(ctx, &audit.Event{
			EventType:       audit.EventTypeConfigDegraded,
			Status:          audit.EventStatusFailure,
			TenantID:        config.TenantID,
			ConfigurationID: config.ID,
			Message:         fmt.Sprintf("error threshold reached: %s", cause.Error()),
		})
	}
	return cause
}

func (sm *SessionManager) emitReplay(ctx context.Context, config *Configuration, input CompleteAuthInput) {
	sm.emit(ctx, &audit.Event{
		EventType:       audit.EventTypeReplayDetected,
		Status:          audit.EventStatusDenied,
		TenantID:        input.TenantID,
		ConfigurationID: config.ID,
		AssertionID:     input.AssertionID,
		IPAddress:       input.IPAddress,
		UserAgent:       input.UserAgent,
		Message:         fmt.Sprintf("assertion reuse of type %s", input.AssertionType),
	})
	sm.logger.WithFields(map[string]interface{}{
		"tenant_id":    input.TenantID,
		"assertion_id": input.AssertionID,
		"ip_address":   input.IPAddress,
	}).Warn("replay attack detected")
}

func (sm *SessionManager) emitRejected(ctx context.Context, config *Configuration, input CompleteAuthInput, reason string) {
	sm.emit(ctx, &audit.Event{
		EventType:       audit.EventTypeLoginRejected,
		Status:          audit.EventStatusDenied,
		TenantID:        input.TenantID,
		ConfigurationID: config.ID,
		IPAddress:       input.IPAddress,
		UserAgent:       input.UserAgent,
		Message:         reason,
	})
}

func (sm *SessionManager) emit(ctx context.Context, event *audit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := sm.security.Log(ctx, event); err != nil {
		sm.logger.WithError(err).WithField("event_type", string(event.EventType)).Error("failed to write security event")
	}
}

// applyProfileFallbacks fills profile fields from well-known claims when
// no mapping produced them
func applyProfileFallbacks(profile *Profile, claims Claims) {
	if profile.Email == "" {
		profile.Email = claims.StringValue("email")
	}
	if profile.DisplayName == "" {
		profile.DisplayName = claims.StringValue("name")
	}
	if len(profile.Groups) == 0 {
		profile.Groups = claims.StringSlice("groups")
	}
}

func scanSession(row scanner) (*Session, error) {
	var (
		groupsJSON []byte
		revokedAt  sql.NullTime
	)

	session := &Session{}
	err := row.Scan(
		&session.ID, &session.TenantID, &session.UserID, &session.ConfigurationID,
		&session.TokenHash, &session.ProviderKind, &session.ProviderUserID,
		&session.Email, &session.DisplayName, &groupsJSON,
		&session.SAMLSessionIndex, &session.SAMLNameID,
		&session.OIDCAccessTokenHash, &session.OIDCRefreshTokenHash,
		&session.IPAddress, &session.UserAgent,
		&session.CreatedAt, &session.ExpiresAt, &session.LastActivityAt,
		&revokedAt, &session.RevokedReason, &session.IsActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if len(groupsJSON) > 0 {
		if err := json.Unmarshal(groupsJSON, &session.Groups); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session groups: %w", err)
		}
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		session.RevokedAt = &t
	}

	return session, nil
}

func nullableStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
