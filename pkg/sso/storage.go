package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// dbtx is satisfied by *sql.DB and *sql.Tx, letting the session manager
// run the acceptance flow inside one transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ConfigStore owns per-tenant SSO configurations and their health state
// machine. All state lives in PostgreSQL; every operation takes an
// explicit tenant id and scopes its queries to it, so a caller can never
// reach another tenant's configuration.
type ConfigStore struct {
	db *sql.DB
}

// NewConfigStore creates a new configuration store
func NewConfigStore(db *sql.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// EnsureSchema creates the SSO tables if they don't exist
func (s *ConfigStore) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS sso_configurations (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL UNIQUE,
		provider_kind VARCHAR(10) NOT NULL CHECK (provider_kind IN ('saml', 'oidc')),
		enabled BOOLEAN NOT NULL DEFAULT true,
		enforce_sso BOOLEAN NOT NULL DEFAULT false,
		status VARCHAR(30) NOT NULL DEFAULT 'pending_configuration',
		saml_settings JSONB,
		oidc_settings JSONB,
		allowed_email_domains JSONB,
		auto_provision BOOLEAN NOT NULL DEFAULT false,
		default_role VARCHAR(20) NOT NULL DEFAULT 'viewer',
		group_mapping JSONB,
		certificate_fingerprint VARCHAR(128),
		certificate_expires_at TIMESTAMP WITH TIME ZONE,
		last_success_at TIMESTAMP WITH TIME ZONE,
		last_error TEXT,
		error_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sso_auth_events (
		id BIGSERIAL PRIMARY KEY,
		configuration_id UUID NOT NULL REFERENCES sso_configurations(id) ON DELETE CASCADE,
		kind VARCHAR(10) NOT NULL CHECK (kind IN ('success', 'error')),
		message TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_sso_auth_events_config ON sso_auth_events(configuration_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS sso_attribute_mappings (
		id UUID PRIMARY KEY,
		configuration_id UUID NOT NULL REFERENCES sso_configurations(id) ON DELETE CASCADE,
		source_attribute VARCHAR(255) NOT NULL,
		target_field VARCHAR(255) NOT NULL,
		mapping_type VARCHAR(20) NOT NULL CHECK (mapping_type IN ('direct', 'transform', 'constant', 'concatenate')),
		transform_params JSONB,
		priority INTEGER NOT NULL DEFAULT 100,
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (configuration_id, source_attribute, target_field)
	);

	CREATE TABLE IF NOT EXISTS sso_used_assertions (
		tenant_id VARCHAR(255) NOT NULL,
		assertion_id VARCHAR(512) NOT NULL,
		assertion_type VARCHAR(20) NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, assertion_id, assertion_type)
	);
	CREATE INDEX IF NOT EXISTS idx_sso_used_assertions_expiry ON sso_used_assertions(expires_at);

	CREATE TABLE IF NOT EXISTS sso_sessions (
		id UUID PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		configuration_id UUID NOT NULL REFERENCES sso_configurations(id) ON DELETE CASCADE,
		token_hash CHAR(64) NOT NULL UNIQUE,
		provider_kind VARCHAR(10) NOT NULL,
		provider_user_id VARCHAR(255) NOT NULL,
		email VARCHAR(255),
		display_name VARCHAR(255),
		groups JSONB,
		saml_session_index VARCHAR(255),
		saml_name_id VARCHAR(255),
		oidc_access_token_hash CHAR(64),
		oidc_refresh_token_hash CHAR(64),
		ip_address VARCHAR(45),
		user_agent TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		revoked_at TIMESTAMP WITH TIME ZONE,
		revoked_reason VARCHAR(50),
		is_active BOOLEAN NOT NULL DEFAULT true
	);
	CREATE INDEX IF NOT EXISTS idx_sso_sessions_tenant_user ON sso_sessions(tenant_id, user_id) WHERE is_active;
	CREATE INDEX IF NOT EXISTS idx_sso_sessions_expiry ON sso_sessions(expires_at) WHERE is_active;

	CREATE TABLE IF NOT EXISTS sso_user_links (
		id UUID PRIMARY KEY,
		configuration_id UUID NOT NULL REFERENCES sso_configurations(id) ON DELETE CASCADE,
		tenant_id VARCHAR(255) NOT NULL,
		external_user_id VARCHAR(255) NOT NULL,
		internal_user_id VARCHAR(255) NOT NULL,
		last_login_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (configuration_id, external_user_id)
	);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure sso schema: %w", err)
	}
	return nil
}

const configColumns = `id, tenant_id, provider_kind, enabled, enforce_sso, status,
		saml_settings, oidc_settings, allowed_email_domains, auto_provision, default_role,
		group_mapping, certificate_fingerprint, certificate_expires_at,
		last_success_at, last_error, error_count, created_at, updated_at`

// CreateConfig creates a tenant's SSO configuration. A tenant can have at
// most one; a second create fails on the tenant_id uniqueness constraint.
func (s *ConfigStore) CreateConfig(ctx context.Context, config *Configuration) error {
	if err := config.Validate(); err != nil {
		return err
	}

	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	config.Status = StatusPendingConfiguration
	if config.DefaultRole == "" {
		config.DefaultRole = "viewer"
	}

	samlJSON, oidcJSON, domainsJSON, groupsJSON, err := marshalConfigFields(config)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sso_configurations (
			id, tenant_id, provider_kind, enabled, enforce_sso, status,
			saml_settings, oidc_settings, allowed_email_domains, auto_provision,
			default_role, group_mapping, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING created_at, updated_at
	`, config.ID, config.TenantID, config.ProviderKind, config.Enabled, config.EnforceSSO,
		config.Status, samlJSON, oidcJSON, domainsJSON, config.AutoProvision,
		config.DefaultRole, groupsJSON).Scan(&config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ValidationError{Field: "tenant_id", Reason: "already has an SSO configuration"}
		}
		return fmt.Errorf("failed to create sso configuration: %w", err)
	}

	return nil
}

// GetConfig retrieves a tenant's SSO configuration
func (s *ConfigStore) GetConfig(ctx context.Context, tenantID string) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM sso_configurations
		WHERE tenant_id = $1
	`, tenantID)
	return scanConfig(row)
}

// GetConfigByID retrieves a configuration by id, guarding tenant ownership
func (s *ConfigStore) GetConfigByID(ctx context.Context, tenantID, configID string) (*Configuration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM sso_configurations
		WHERE id = $1
	`, configID)

	config, err := scanConfig(row)
	if err != nil {
		return nil, err
	}
	if config.TenantID != tenantID {
		return nil, ErrTenantMismatch
	}
	return config, nil
}

// ListConfigs lists every configuration. Used by the certificate sweep;
// not exposed on tenant-facing paths.
func (s *ConfigStore) ListConfigs(ctx context.Context) ([]*Configuration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+configColumns+`
		FROM sso_configurations
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sso configurations: %w", err)
	}
	defer rows.Close()

	var configs []*Configuration
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	return configs, rows.Err()
}

// UpdateConfig applies an administrative save. Provider settings are
// re-validated, the error counter resets, and a degraded status returns
// to pending_configuration so the next successful authentication
// re-activates the configuration. There is no silent auto-recovery: this
// explicit save is the only path out of a degraded state.
func (s *ConfigStore) UpdateConfig(ctx context.Context, tenantID string, config *Configuration) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if config.TenantID != tenantID {
		return ErrTenantMismatch
	}

	samlJSON, oidcJSON, domainsJSON, groupsJSON, err := marshalConfigFields(config)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_configurations
		SET provider_kind = $1, enabled = $2, enforce_sso = $3,
			saml_settings = $4, oidc_settings = $5, allowed_email_domains = $6,
			auto_provision = $7, default_role = $8, group_mapping = $9,
			status = CASE
				WHEN status IN ('configuration_error', 'certificate_expiring', 'certificate_expired', 'inactive')
					THEN 'pending_configuration'
				ELSE status
			END,
			last_error = '', error_count = 0, updated_at = NOW()
		WHERE id = $10 AND tenant_id = $11
	`, config.ProviderKind, config.Enabled, config.EnforceSSO,
		samlJSON, oidcJSON, domainsJSON, config.AutoProvision, config.DefaultRole,
		groupsJSON, config.ID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update sso configuration: %w", err)
	}

	return requireOneRow(result)
}

// DisableConfig administratively disables a configuration (status inactive)
func (s *ConfigStore) DisableConfig(ctx context.Context, tenantID, configID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_configurations
		SET enabled = false, status = 'inactive', updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, configID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to disable sso configuration: %w", err)
	}
	return requireOneRow(result)
}

// DeleteConfig removes a configuration; mappings, sessions, events and
// user links cascade with it.
func (s *ConfigStore) DeleteConfig(ctx context.Context, tenantID, configID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sso_configurations WHERE id = $1 AND tenant_id = $2
	`, configID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete sso configuration: %w", err)
	}
	return requireOneRow(result)
}

// RecordAuthSuccess appends a success event and atomically derives the new
// counter state: error count resets to zero, last_error clears, and only
// a pending_configuration status becomes active. A degraded status is not
// reverted; recovery requires an administrative save first.
func (s *ConfigStore) RecordAuthSuccess(ctx context.Context, tenantID, configID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.recordAuthSuccessIn(ctx, tx, tenantID, configID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// recordAuthSuccessIn does the event append and derived update on the
// given transaction or connection
func (s *ConfigStore) recordAuthSuccessIn(ctx context.Context, q dbtx, tenantID, configID string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sso_auth_events (configuration_id, kind, created_at)
		VALUES ($1, 'success', NOW())
	`, configID)
	if err != nil {
		return fmt.Errorf("failed to record auth event: %w", err)
	}

	result, err := q.ExecContext(ctx, `
		UPDATE sso_configurations
		SET last_success_at = NOW(), last_error = '', error_count = 0,
			status = CASE WHEN status = 'pending_configuration' THEN 'active' ELSE status END,
			updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
	`, configID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to record auth success: %w", err)
	}
	return requireOneRow(result)
}

// RecordError appends an error event and increments the derived counter in
// the same transaction. Reaching ErrorThreshold consecutive errors with no
// intervening success degrades the status to configuration_error. The
// returned status lets callers fail closed without a second read.
func (s *ConfigStore) RecordError(ctx context.Context, tenantID, configID, message string) (ConfigStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sso_auth_events (configuration_id, kind, message, created_at)
		VALUES ($1, 'error', $2, NOW())
	`, configID, message)
	if err != nil {
		return "", fmt.Errorf("failed to record auth event: %w", err)
	}

	var status ConfigStatus
	err = tx.QueryRowContext(ctx, `
		UPDATE sso_configurations
		SET last_error = $1, error_count = error_count + 1,
			status = CASE
				WHEN error_count + 1 >= $2 AND status IN ('pending_configuration', 'active', 'certificate_expiring')
					THEN 'configuration_error'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $3 AND tenant_id = $4
		RETURNING status
	`, message, ErrorThreshold, configID, tenantID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrConfigNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to record auth error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return status, nil
}

// SetCertificate updates the tracked IdP certificate metadata. It does not
// change the status: the certificate sweep and an administrative save
// decide state transitions.
func (s *ConfigStore) SetCertificate(ctx context.Context, tenantID, configID, fingerprint string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_configurations
		SET certificate_fingerprint = $1, certificate_expires_at = $2, updated_at = NOW()
		WHERE id = $3 AND tenant_id = $4
	`, fingerprint, expiresAt, configID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set certificate: %w", err)
	}
	return requireOneRow(result)
}

// setStatus transitions a configuration's status; used by the health
// monitor for certificate-driven transitions.
func (s *ConfigStore) setStatus(ctx context.Context, configID string, from []ConfigStatus, to ConfigStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_configurations
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, to, configID, statusArray(from))
	if err != nil {
		return false, fmt.Errorf("failed to set status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// RecentAuthEvents returns the newest events for a configuration, most
// recent first. Administrative/diagnostic surface over the event log.
func (s *ConfigStore) RecentAuthEvents(ctx context.Context, tenantID, configID string, limit int) ([]*AuthEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.configuration_id, e.kind, COALESCE(e.message, ''), e.created_at
		FROM sso_auth_events e
		JOIN sso_configurations c ON c.id = e.configuration_id
		WHERE e.configuration_id = $1 AND c.tenant_id = $2
		ORDER BY e.created_at DESC
		LIMIT $3
	`, configID, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query auth events: %w", err)
	}
	defer rows.Close()

	var events []*AuthEvent
	for rows.Next() {
		event := &AuthEvent{}
		if err := rows.Scan(&event.ID, &event.ConfigurationID, &event.Kind, &event.Message, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan auth event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanConfig
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row scanner) (*Configuration, error) {
	var (
		samlJSON    []byte
		oidcJSON    []byte
		domainsJSON []byte
		groupsJSON  []byte
		fingerprint sql.NullString
		certExpiry  sql.NullTime
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)

	config := &Configuration{}
	err := row.Scan(
		&config.ID, &config.TenantID, &config.ProviderKind, &config.Enabled,
		&config.EnforceSSO, &config.Status, &samlJSON, &oidcJSON, &domainsJSON,
		&config.AutoProvision, &config.DefaultRole, &groupsJSON,
		&fingerprint, &certExpiry, &lastSuccess, &lastError, &config.ErrorCount,
		&config.CreatedAt, &config.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan sso configuration: %w", err)
	}

	if len(samlJSON) > 0 {
		config.SAMLSettings = &SAMLSettings{}
		if err := json.Unmarshal(samlJSON, config.SAMLSettings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saml settings: %w", err)
		}
	}
	if len(oidcJSON) > 0 {
		config.OIDCSettings = &OIDCSettings{}
		if err := json.Unmarshal(oidcJSON, config.OIDCSettings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal oidc settings: %w", err)
		}
	}
	if len(domainsJSON) > 0 {
		if err := json.Unmarshal(domainsJSON, &config.AllowedEmailDomains); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allowed email domains: %w", err)
		}
	}
	if len(groupsJSON) > 0 {
		if err := json.Unmarshal(groupsJSON, &config.GroupMapping); err != nil {
			return nil, fmt.Errorf("failed to unmarshal group mapping: %w", err)
		}
	}

	config.CertificateFingerprint = fingerprint.String
	if certExpiry.Valid {
		t := certExpiry.Time
		config.CertificateExpiresAt = &t
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		config.LastSuccessAt = &t
	}
	config.LastError = lastError.String

	return config, nil
}

func marshalConfigFields(config *Configuration) (samlJSON, oidcJSON, domainsJSON, groupsJSON []byte, err error) {
	if config.SAMLSettings != nil {
		samlJSON, err = json.Marshal(config.SAMLSettings)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal saml settings: %w", err)
		}
	}
	if config.OIDCSettings != nil {
		oidcJSON, err = json.Marshal(config.OIDCSettings)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal oidc settings: %w", err)
		}
	}
	if len(config.AllowedEmailDomains) > 0 {
		domainsJSON, err = json.Marshal(config.AllowedEmailDomains)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal allowed email domains: %w", err)
		}
	}
	if len(config.GroupMapping) > 0 {
		groupsJSON, err = json.Marshal(config.GroupMapping)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to marshal group mapping: %w", err)
		}
	}
	return samlJSON, oidcJSON, domainsJSON, groupsJSON, nil
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrConfigNotFound
	}
	return nil
}

func statusArray(list []ConfigStatus) interface{} {
	ss := make([]string, len(list))
	for i, s := range list {
		ss[i] = string(s)
	}
	return pq.Array(ss)
}
