package sso

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/fedsso/pkg/auth"
)

// MembershipNotifier is the external membership service. It owns role
// assignment outside this subsystem and is told when auto-provisioning
// creates a new member.
type MembershipNotifier interface {
	MemberProvisioned(ctx context.Context, tenantID, userID string, role auth.Role, profile *Profile) error
}

// NopMembershipNotifier discards notifications; used in tests
type NopMembershipNotifier struct{}

// MemberProvisioned implements MembershipNotifier
func (NopMembershipNotifier) MemberProvisioned(ctx context.Context, tenantID, userID string, role auth.Role, profile *Profile) error {
	return nil
}

// Provisioner handles JIT (Just-In-Time) user provisioning: linking a
// provider's external user id to an internal user, creating the user on
// first login when the configuration allows it.
type Provisioner struct {
	db       *sql.DB
	notifier MembershipNotifier
}

// NewProvisioner creates a new provisioner
func NewProvisioner(db *sql.DB, notifier MembershipNotifier) *Provisioner {
	if notifier == nil {
		notifier = NopMembershipNotifier{}
	}
	return &Provisioner{db: db, notifier: notifier}
}

// EnsureUser resolves the internal user for an external identity,
// creating the link when auto-provisioning permits. Runs on the caller's
// transaction so a failed authentication provisions nothing.
// Returns the internal user id and whether the user was newly created.
func (p *Provisioner) EnsureUser(ctx context.Context, q dbtx, config *Configuration, externalUserID string, profile *Profile, role auth.Role) (string, bool, error) {
	if externalUserID == "" {
		return "", false, &ValidationError{Field: "provider_user_id", Reason: "is required"}
	}

	var internalUserID string
	err := q.QueryRowContext(ctx, `
		SELECT internal_user_id
		FROM sso_user_links
		WHERE configuration_id = $1 AND external_user_id = $2
	`, config.ID, externalUserID).Scan(&internalUserID)

	if err == nil {
		// Known user; bump login bookkeeping.
		_, err = q.ExecContext(ctx, `
			UPDATE sso_user_links
			SET last_login_at = NOW(), updated_at = NOW()
			WHERE configuration_id = $1 AND external_user_id = $2
		`, config.ID, externalUserID)
		if err != nil {
			return "", false, fmt.Errorf("failed to update user link: %w", err)
		}
		return internalUserID, false, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to look up user link: %w", err)
	}

	if !config.AutoProvision {
		return "", false, fmt.Errorf("no linked user for external id and tenant %s: %w", config.TenantID, ErrProvisioningDisabled)
	}

	// ON CONFLICT DO NOTHING rather than a plain insert: a raised unique
	// violation would abort the surrounding transaction, leaving the
	// recovery read unusable. Zero rows affected is the losing side of a
	// concurrent first login.
	internalUserID = uuid.NewString()
	result, err := q.ExecContext(ctx, `
		INSERT INTO sso_user_links (
			id, configuration_id, tenant_id, external_user_id, internal_user_id,
			last_login_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), NOW())
		ON CONFLICT (configuration_id, external_user_id) DO NOTHING
	`, uuid.NewString(), config.ID, config.TenantID, externalUserID, internalUserID)
	if err != nil {
		return "", false, fmt.Errorf("failed to create user link: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// The other transaction created the link; adopt its user id.
		err = q.QueryRowContext(ctx, `
			SELECT internal_user_id FROM sso_user_links
			WHERE configuration_id = $1 AND external_user_id = $2
		`, config.ID, externalUserID).Scan(&internalUserID)
		if err != nil {
			return "", false, fmt.Errorf("failed to re-read user link: %w", err)
		}
		return internalUserID, false, nil
	}

	if err := p.notifier.MemberProvisioned(ctx, config.TenantID, internalUserID, role, profile); err != nil {
		return "", false, fmt.Errorf("membership service rejected provisioning: %w", err)
	}

	return internalUserID, true, nil
}

// GetUserLink retrieves the link for an external identity
func (p *Provisioner) GetUserLink(ctx context.Context, tenantID, configID, externalUserID string) (*UserLink, error) {
	link := &UserLink{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, configuration_id, tenant_id, external_user_id, internal_user_id,
			last_login_at, created_at, updated_at
		FROM sso_user_links
		WHERE configuration_id = $1 AND external_user_id = $2 AND tenant_id = $3
	`, configID, externalUserID, tenantID).Scan(
		&link.ID, &link.ConfigurationID, &link.TenantID, &link.ExternalUserID,
		&link.InternalUserID, &link.LastLoginAt, &link.CreatedAt, &link.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user link: %w", err)
	}
	return link, nil
}

// DeleteUserLink removes a link; the user's next login re-provisions or
// is rejected depending on the auto-provision flag
func (p *Provisioner) DeleteUserLink(ctx context.Context, tenantID, configID, externalUserID string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM sso_user_links
		WHERE configuration_id = $1 AND external_user_id = $2 AND tenant_id = $3
	`, configID, externalUserID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete user link: %w", err)
	}
	return requireOneRow(result)
}

// StaleLinkCutoff is how long a link may go unused before ListStaleLinks
// reports it
const StaleLinkCutoff = 180 * 24 * time.Hour

// ListStaleLinks returns links with no login since the cutoff, for
// administrative review
func (p *Provisioner) ListStaleLinks(ctx context.Context, tenantID string) ([]*UserLink, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, configuration_id, tenant_id, external_user_id, internal_user_id,
			last_login_at, created_at, updated_at
		FROM sso_user_links
		WHERE tenant_id = $1 AND last_login_at < $2
		ORDER BY last_login_at ASC
	`, tenantID, time.Now().Add(-StaleLinkCutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale links: %w", err)
	}
	defer rows.Close()

	var links []*UserLink
	for rows.Next() {
		link := &UserLink{}
		err := rows.Scan(
			&link.ID, &link.ConfigurationID, &link.TenantID, &link.ExternalUserID,
			&link.InternalUserID, &link.LastLoginAt, &link.CreatedAt, &link.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user link: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}
