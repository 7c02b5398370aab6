package rediscache

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ScanRateKey is the per-wallet scan counter.
func ScanRateKey(wallet string) string {
	return keyPrefix + "rl:scan:" + strings.ToLower(strings.TrimSpace(wallet))
}

// ChainRateKey is the global counter of verifier calls made by the sweep.
const ChainRateKey = keyPrefix + "rl:chain"

type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return NewRateLimiterWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRateLimiterWithClient(c *redis.Client) *RateLimiter {
	return &RateLimiter{c: c}
}

// Allow делает INCR по ключу и ставит TTL, если ключ создаётся впервые.
// Возвращает (allowed, currentCount).
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}
