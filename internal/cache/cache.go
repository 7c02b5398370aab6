// Package cache declares the small key/value and counter contracts used by the services.
package cache

import (
	"context"
	"time"
)

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Limiter counts hits per key inside a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Unlimited lets everything through; used when no redis is configured.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, int64, time.Duration) (bool, int64, error) {
	return true, 0, nil
}
