package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T) (Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCacheFromClient(client, "lds"), mr
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)

	v, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	v, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t)

	ok, err := c.Lease(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Lease(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// The holder renews.
	ok, err = c.Lease(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Only the holder can release.
	require.NoError(t, c.Unlease(ctx, "lock", "b"))
	held, err := c.Exists(ctx, "lock")
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, c.Unlease(ctx, "lock", "a"))
	held, err = c.Exists(ctx, "lock")
	require.NoError(t, err)
	assert.False(t, held)

	// An expired lease is free again.
	ok, err = c.Lease(ctx, "lock", "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)
	ok, err = c.Lease(ctx, "lock", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGenerateKey(t *testing.T) {
	c, _ := newCache(t)
	assert.Equal(t, "lds:sagalog:partition:a:00", c.GenerateKey("sagalog", "partition:a:00"))
}
