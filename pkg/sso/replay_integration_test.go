//go:build integration

package sso

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupReplayTestDB starts a PostgreSQL container and applies the SSO schema.
func setupReplayTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("replay_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	err = db.Ping()
	require.NoError(t, err)

	err = NewConfigStore(db).EnsureSchema(ctx)
	require.NoError(t, err, "Failed to apply schema")

	cleanup := func() {
		db.Close()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := postgresContainer.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: Failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

func TestReplayGuard_ConcurrentConsumption(t *testing.T) {
	db, cleanup := setupReplayTestDB(t)
	defer cleanup()

	guard := NewReplayGuard(db)
	expiresAt := time.Now().Add(time.Hour)

	const racers = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)

	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			ok, err := guard.CheckAndRecord(context.Background(), "tenant-race", "assertion-contested", AssertionTypeSAML, expiresAt)
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			if ok {
				accepted++
			} else {
				rejected++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, accepted, "exactly one racer must consume the assertion")
	assert.Equal(t, racers-1, rejected)

	var rows int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sso_used_assertions
		WHERE tenant_id = 'tenant-race' AND assertion_id = 'assertion-contested'
	`).Scan(&rows)
	require.NoError(t, err)
	assert.Equal(t, 1, rows, "a single consumption row must remain")
}

func TestReplayGuard_ConcurrentConsumptionInTransactions(t *testing.T) {
	db, cleanup := setupReplayTestDB(t)
	defer cleanup()

	guard := NewReplayGuard(db)
	expiresAt := time.Now().Add(time.Hour)

	const racers = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start

			ctx := context.Background()
			tx, err := db.BeginTx(ctx, nil)
			require.NoError(t, err)

			ok, err := guard.checkAndRecordIn(ctx, tx, "tenant-tx", "assertion-tx", AssertionTypeOIDCNonce, expiresAt)
			require.NoError(t, err)

			// The losing side's transaction must still be usable: a
			// raised constraint error here would poison every statement
			// that follows within the same transaction.
			var one int
			require.NoError(t, tx.QueryRowContext(ctx, `SELECT 1`).Scan(&one))
			require.NoError(t, tx.Commit())

			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, accepted, "exactly one transaction must win the assertion")
}
