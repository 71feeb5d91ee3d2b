package sso

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/fedsso/pkg/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	calls int
	role  auth.Role
	err   error
}

func (n *recordingNotifier) MemberProvisioned(ctx context.Context, tenantID, userID string, role auth.Role, profile *Profile) error {
	n.calls++
	n.role = role
	return n.err
}

func newMockProvisioner(t *testing.T, notifier MembershipNotifier) (*Provisioner, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewProvisioner(db, notifier), mock, db
}

func provisionConfig(autoProvision bool) *Configuration {
	return &Configuration{
		ID:            "22222222-2222-2222-2222-222222222222",
		TenantID:      "tenant-a",
		AutoProvision: autoProvision,
	}
}

func TestEnsureUser(t *testing.T) {
	profile := &Profile{Email: "jordan@example.com", DisplayName: "Jordan Doe"}

	t.Run("known identity bumps login bookkeeping", func(t *testing.T) {
		notifier := &recordingNotifier{}
		provisioner, mock, db := newMockProvisioner(t, notifier)
		defer db.Close()

		mock.ExpectQuery(`SELECT internal_user_id\s+FROM sso_user_links`).
			WithArgs("22222222-2222-2222-2222-222222222222", "ext-1").
			WillReturnRows(sqlmock.NewRows([]string{"internal_user_id"}).AddRow("user-1"))
		mock.ExpectExec(`UPDATE sso_user_links\s+SET last_login_at = NOW\(\)`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		userID, created, err := provisioner.EnsureUser(context.Background(), db, provisionConfig(false), "ext-1", profile, auth.RoleViewer)
		require.NoError(t, err)
		assert.Equal(t, "user-1", userID)
		assert.False(t, created)
		assert.Zero(t, notifier.calls, "existing users are not re-announced")
	})

	t.Run("unknown identity with auto-provision creates link and notifies", func(t *testing.T) {
		notifier := &recordingNotifier{}
		provisioner, mock, db := newMockProvisioner(t, notifier)
		defer db.Close()

		mock.ExpectQuery(`SELECT internal_user_id`).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO sso_user_links`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		userID, created, err := provisioner.EnsureUser(context.Background(), db, provisionConfig(true), "ext-new", profile, auth.RoleEditor)
		require.NoError(t, err)
		assert.NotEmpty(t, userID)
		assert.True(t, created)
		assert.Equal(t, 1, notifier.calls)
		assert.Equal(t, auth.RoleEditor, notifier.role)
	})

	t.Run("unknown identity without auto-provision is rejected", func(t *testing.T) {
		provisioner, mock, db := newMockProvisioner(t, nil)
		defer db.Close()

		mock.ExpectQuery(`SELECT internal_user_id`).
			WillReturnError(sql.ErrNoRows)

		_, _, err := provisioner.EnsureUser(context.Background(), db, provisionConfig(false), "ext-new", profile, auth.RoleViewer)
		assert.ErrorIs(t, err, ErrProvisioningDisabled)
	})

	t.Run("concurrent first login falls back to the winner's link", func(t *testing.T) {
		// The insert carries ON CONFLICT DO NOTHING so the losing side
		// sees zero rows affected instead of a unique violation, which
		// would abort the surrounding transaction and poison the re-read.
		notifier := &recordingNotifier{}
		provisioner, mock, db := newMockProvisioner(t, notifier)
		defer db.Close()

		mock.ExpectQuery(`SELECT internal_user_id`).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO sso_user_links[\s\S]+ON CONFLICT \(configuration_id, external_user_id\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT internal_user_id`).
			WillReturnRows(sqlmock.NewRows([]string{"internal_user_id"}).AddRow("user-winner"))

		userID, created, err := provisioner.EnsureUser(context.Background(), db, provisionConfig(true), "ext-race", profile, auth.RoleViewer)
		require.NoError(t, err)
		assert.Equal(t, "user-winner", userID)
		assert.False(t, created)
		assert.Zero(t, notifier.calls, "losing the race must not double-announce")
	})

	t.Run("membership service rejection fails provisioning", func(t *testing.T) {
		notifier := &recordingNotifier{err: errors.New("seat limit reached")}
		provisioner, mock, db := newMockProvisioner(t, notifier)
		defer db.Close()

		mock.ExpectQuery(`SELECT internal_user_id`).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec(`INSERT INTO sso_user_links`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, _, err := provisioner.EnsureUser(context.Background(), db, provisionConfig(true), "ext-new", profile, auth.RoleViewer)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "membership service rejected provisioning")
	})

	t.Run("empty external id is rejected", func(t *testing.T) {
		provisioner, _, db := newMockProvisioner(t, nil)
		defer db.Close()

		_, _, err := provisioner.EnsureUser(context.Background(), db, provisionConfig(true), "", profile, auth.RoleViewer)
		assert.True(t, IsValidationError(err))
	})
}

func TestDeleteUserLink(t *testing.T) {
	provisioner, mock, db := newMockProvisioner(t, nil)
	defer db.Close()

	t.Run("deletes the link", func(t *testing.T) {
		mock.ExpectExec(`DELETE FROM sso_user_links`).
			WithArgs("config-1", "ext-1", "tenant-a").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, provisioner.DeleteUserLink(context.Background(), "tenant-a", "config-1", "ext-1"))
	})

	t.Run("missing link", func(t *testing.T) {
		mock.ExpectExec(`DELETE FROM sso_user_links`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := provisioner.DeleteUserLink(context.Background(), "tenant-a", "config-1", "ext-missing")
		assert.ErrorIs(t, err, ErrConfigNotFound)
	})
}
