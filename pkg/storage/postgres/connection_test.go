package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/fedsso/pkg/observability"
)

func newPingableDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func newTestManager(t *testing.T, primary *sql.DB, replicas ...*sql.DB) *ConnectionManager {
	t.Helper()
	return &ConnectionManager{
		primary:  primary,
		replicas: replicas,
		config:   ConnectionConfig{MaxConns: 10, MinConns: 2},
		logger:   observability.NewLogger(observability.ErrorLevel, io.Discard),
	}
}

func TestPrimary(t *testing.T) {
	db, _ := newPingableDB(t)
	cm := newTestManager(t, db)
	assert.Same(t, db, cm.Primary())
}

func TestReplicaFallsBackToPrimary(t *testing.T) {
	db, _ := newPingableDB(t)
	cm := newTestManager(t, db)
	assert.Same(t, db, cm.Replica())
}

func TestReplicaRoundRobin(t *testing.T) {
	primary, _ := newPingableDB(t)
	r1, _ := newPingableDB(t)
	r2, _ := newPingableDB(t)
	cm := newTestManager(t, primary, r1, r2)

	seen := map[*sql.DB]int{}
	for i := 0; i < 10; i++ {
		seen[cm.Replica()]++
	}

	assert.Equal(t, 5, seen[r1])
	assert.Equal(t, 5, seen[r2])
	assert.Zero(t, seen[primary])
}

func TestHealthCheck(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		primary, pmock := newPingableDB(t)
		replica, rmock := newPingableDB(t)
		pmock.ExpectPing()
		rmock.ExpectPing()

		cm := newTestManager(t, primary, replica)
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("primary down is fatal", func(t *testing.T) {
		primary, pmock := newPingableDB(t)
		pmock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := newTestManager(t, primary)
		err := cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("one replica down of two is tolerated", func(t *testing.T) {
		primary, pmock := newPingableDB(t)
		r1, r1mock := newPingableDB(t)
		r2, r2mock := newPingableDB(t)
		pmock.ExpectPing()
		r1mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		r2mock.ExpectPing()

		cm := newTestManager(t, primary, r1, r2)
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("all replicas down is reported", func(t *testing.T) {
		primary, pmock := newPingableDB(t)
		r1, r1mock := newPingableDB(t)
		pmock.ExpectPing()
		r1mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := newTestManager(t, primary, r1)
		err := cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})
}

func TestRemoveUnhealthyReplicas(t *testing.T) {
	primary, _ := newPingableDB(t)
	r1, r1mock := newPingableDB(t)
	r2, r2mock := newPingableDB(t)
	r1mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	r2mock.ExpectPing()

	cm := newTestManager(t, primary, r1, r2)
	removed := cm.RemoveUnhealthyReplicas(context.Background())

	assert.Equal(t, 1, removed)
	assert.Same(t, r2, cm.Replica())
	assert.Same(t, r2, cm.Replica())
}

func TestStats(t *testing.T) {
	primary, _ := newPingableDB(t)
	r1, _ := newPingableDB(t)

	cm := newTestManager(t, primary, r1)
	stats := cm.Stats()
	assert.Len(t, stats.Replicas, 1)
}

func TestReplicaMaxConns(t *testing.T) {
	tests := []struct {
		maxConns int
		want     int
	}{
		{maxConns: 10, want: 5},
		{maxConns: 25, want: 12},
		{maxConns: 3, want: 2},
		{maxConns: 0, want: 2},
	}
	for _, tt := range tests {
		cm := &ConnectionManager{config: ConnectionConfig{MaxConns: tt.maxConns}}
		assert.Equal(t, tt.want, cm.replicaMaxConns())
	}
}
