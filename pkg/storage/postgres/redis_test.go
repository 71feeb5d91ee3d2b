package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisClientGetSetDel(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, redis.Nil)

	require.NoError(t, client.Set(ctx, "key", "value", time.Minute))

	got, err := client.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	require.NoError(t, client.Del(ctx, "key"))
	_, err = client.Get(ctx, "key")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRedisClientSetTTL(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "key", "value", time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := client.Get(ctx, "key")
	assert.ErrorIs(t, err, redis.Nil)
}

func TestAcquireLease(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	acquired, err := client.AcquireLease(ctx, "sweeper:lease", "instance-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second holder cannot take a live lease.
	acquired, err = client.AcquireLease(ctx, "sweeper:lease", "instance-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// After expiry the lease is free again.
	mr.FastForward(2 * time.Minute)
	acquired, err = client.AcquireLease(ctx, "sweeper:lease", "instance-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestReleaseLease(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	acquired, err := client.AcquireLease(ctx, "sweeper:lease", "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, client.ReleaseLease(ctx, "sweeper:lease", "instance-a"))
	assert.False(t, mr.Exists("sweeper:lease"))

	// Releasing an already-gone lease is a no-op.
	require.NoError(t, client.ReleaseLease(ctx, "sweeper:lease", "instance-a"))
}

func TestReleaseLeaseHeldByAnother(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	acquired, err := client.AcquireLease(ctx, "sweeper:lease", "instance-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// instance-b's stale release must not steal instance-a's lease.
	require.NoError(t, client.ReleaseLease(ctx, "sweeper:lease", "instance-b"))
	assert.True(t, mr.Exists("sweeper:lease"))

	got, err := client.Get(ctx, "sweeper:lease")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", got)
}

func TestRedisClientPing(t *testing.T) {
	client, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	mr.Close()
	assert.Error(t, client.Ping(ctx))
}

func TestRedisClientPoolStats(t *testing.T) {
	client, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))
	stats := client.PoolStats()
	require.NotNil(t, stats)
	assert.GreaterOrEqual(t, stats.TotalConns, uint32(1))
}
