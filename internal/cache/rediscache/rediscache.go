package rediscache

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "custodybox:"

// ChainKey namespaces a cached chain corroboration for a shipment.
func ChainKey(shipmentHash string) string {
	return keyPrefix + "chain:" + strings.ToLower(shipmentHash)
}

type RedisCache struct {
	c *redis.Client
}

func New(addr string) *RedisCache {
	return NewWithClient(redis.NewClient(&redis.Options{
		Addr: addr,
	}))
}

// NewWithClient shares one client between the cache and the rate limiter.
func NewWithClient(c *redis.Client) *RedisCache {
	return &RedisCache{c: c}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get")
	}
	return val, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return errors.Wrap(r.c.Ping(ctx).Err(), "redis ping")
}

func (r *RedisCache) Close() error {
	return r.c.Close()
}
