package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := Connect(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestAcquireAndRelease(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	l := New(client, "", "worker-a", 10*time.Second, nil)
	require.NoError(t, l.Acquire(ctx))
	assert.True(t, l.Held())

	value, err := mr.Get(DefaultKey)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", value)
	assert.Equal(t, 10*time.Second, mr.TTL(DefaultKey))

	require.NoError(t, l.Release(ctx))
	assert.False(t, l.Held())
	assert.False(t, mr.Exists(DefaultKey))
}

func TestAcquire_HeldByOther(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	first := New(client, "lease", "worker-a", time.Second, nil)
	second := New(client, "lease", "worker-b", time.Second, nil)

	require.NoError(t, first.Acquire(ctx))
	assert.ErrorIs(t, second.Acquire(ctx), ErrHeld)
	assert.False(t, second.Held())
}

func TestRelease_DoesNotDeleteOtherOwner(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("lease", "worker-b"))

	l := New(client, "lease", "worker-a", time.Second, nil)
	assert.ErrorIs(t, l.Release(ctx), ErrNotHeld)

	value, err := mr.Get("lease")
	require.NoError(t, err)
	assert.Equal(t, "worker-b", value)
}

func TestRefresh(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	l := New(client, "lease", "worker-a", 6*time.Second, nil)
	require.NoError(t, l.Acquire(ctx))

	mr.FastForward(4 * time.Second)
	require.NoError(t, l.Refresh(ctx))
	assert.Equal(t, 6*time.Second, mr.TTL("lease"))

	mr.FastForward(7 * time.Second)
	assert.ErrorIs(t, l.Refresh(ctx), ErrNotHeld)
	assert.False(t, l.Held())
}

func TestKeep_ReportsLoss(t *testing.T) {
	client, mr := setupTestRedis(t)

	l := New(client, "lease", "worker-a", 30*time.Millisecond, nil)
	require.NoError(t, l.Acquire(context.Background()))

	mr.Del("lease")

	lost := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go l.Keep(ctx, func(err error) { lost <- err })

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrNotHeld)
	case <-ctx.Done():
		t.Fatal("lease loss was not reported")
	}
}

func TestNew_GeneratesOwner(t *testing.T) {
	l := New(nil, "", "", 0, nil)

	assert.NotEmpty(t, l.Owner())
	assert.Equal(t, DefaultTTL, l.ttl)
	assert.Equal(t, DefaultKey, l.key)
}
