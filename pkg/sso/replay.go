package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ReplayGuard enforces exactly-once acceptance of inbound assertions.
// The primary key on (tenant_id, assertion_id, assertion_type) is the
// entire mechanism: under N concurrent attempts, sharing one key, exactly
// one INSERT lands and every other caller observes the conflict. The
// conflict is the replay signal, never a fault to retry, and the
// guarantee holds across service instances because it lives in the
// database rather than in process memory.
type ReplayGuard struct {
	db *sql.DB
}

// NewReplayGuard creates a new replay guard
func NewReplayGuard(db *sql.DB) *ReplayGuard {
	return &ReplayGuard{db: db}
}

// CheckAndRecord atomically records an assertion key and reports whether
// this caller won. accepted=false means the key was already used: the
// caller must abort the authentication attempt and emit a security event.
func (g *ReplayGuard) CheckAndRecord(ctx context.Context, tenantID, assertionID string, assertionType AssertionType, expiresAt time.Time) (accepted bool, err error) {
	return g.checkAndRecordIn(ctx, g.db, tenantID, assertionID, assertionType, expiresAt)
}

// checkAndRecordIn runs the atomic insert on the given transaction or
// connection. Inside a transaction a concurrent duplicate blocks until
// the winner commits and then observes the conflict, so the exactly-once
// guarantee is unchanged.
func (g *ReplayGuard) checkAndRecordIn(ctx context.Context, q dbtx, tenantID, assertionID string, assertionType AssertionType, expiresAt time.Time) (bool, error) {
	if tenantID == "" || assertionID == "" {
		return false, &ValidationError{Field: "assertion_id", Reason: "tenant id and assertion id are required"}
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO sso_used_assertions (tenant_id, assertion_id, assertion_type, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, assertion_id, assertion_type) DO NOTHING
	`, tenantID, assertionID, assertionType, expiresAt)
	if err != nil {
		// Some drivers surface the conflict instead of swallowing it;
		// that still means "already used", not a storage fault.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record assertion: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// PurgeExpired deletes assertion records whose expiry has passed. Run by
// the periodic sweeper; correctness of the check path does not depend on
// it.
func (g *ReplayGuard) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := g.db.ExecContext(ctx, `
		DELETE FROM sso_used_assertions WHERE expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired assertions: %w", err)
	}
	return result.RowsAffected()
}

// isUniqueViolation reports whether err is a postgres unique constraint
// violation (class 23505)
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
