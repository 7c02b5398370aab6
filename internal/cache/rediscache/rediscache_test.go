package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/CustodyBox/internal/cache"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

var (
	_ cache.BytesCache = (*RedisCache)(nil)
	_ cache.Limiter    = (*RateLimiter)(nil)
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, ChainKey("0xABC"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, ChainKey("0xABC"), []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, ChainKey("0xabc"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, ChainKey("0xabc"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	key := ScanRateKey(" 0xWallet ")
	require.Equal(t, "custodybox:rl:scan:0xwallet", key)

	ok, n, err := rl.Allow(ctx, key, 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, key, 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, key, 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	// окно истекло, счётчик начинается заново
	mr.FastForward(time.Minute + time.Second)
	ok, n, _ = rl.Allow(ctx, key, 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestRateLimiter_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())
	mr.Close()

	_, _, err := rl.Allow(context.Background(), ChainRateKey, 1, time.Minute)
	require.Error(t, err)
}
