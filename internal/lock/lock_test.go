package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedis(client)
}

func TestRedisLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, locker := newMiniRedis(t)

	release, err := locker.Acquire(ctx, "renewals", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "renewals", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, release(ctx))

	release2, err := locker.Acquire(ctx, "renewals", time.Minute)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestRedisLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, locker := newMiniRedis(t)

	staleRelease, err := locker.Acquire(ctx, "renewals", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = locker.Acquire(ctx, "renewals", time.Minute)
	require.NoError(t, err)

	// the first holder's release must not free the new holder's lock
	require.NoError(t, staleRelease(ctx))
	assert.True(t, mr.Exists(keyPrefix+"renewals"))

	_, err = locker.Acquire(ctx, "renewals", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestRedisLockUnreachable(t *testing.T) {
	mr, locker := newMiniRedis(t)
	mr.Close()

	_, err := locker.Acquire(context.Background(), "renewals", time.Minute)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestMemoryLock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	m.clock = func() time.Time { return now }

	release, err := m.Acquire(ctx, "renewals", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "renewals", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	_, err = m.Acquire(ctx, "other", time.Minute)
	assert.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = m.Acquire(ctx, "renewals", time.Minute)
	require.NoError(t, err)

	require.NoError(t, release(ctx))
	_, err = m.Acquire(ctx, "renewals", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
}
