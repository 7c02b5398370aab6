package chain

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/CustodyBox/internal/cache"
	"github.com/BearBump/CustodyBox/internal/cache/rediscache"
)

// Cached keeps successful lookups for ttl. Cache failures degrade to a direct call.
type Cached struct {
	inner Verifier
	cache cache.BytesCache
	ttl   time.Duration
}

func NewCached(inner Verifier, c cache.BytesCache, ttl time.Duration) *Cached {
	return &Cached{inner: inner, cache: c, ttl: ttl}
}

func (c *Cached) IsAvailable(ctx context.Context) bool {
	return c.inner.IsAvailable(ctx)
}

func (c *Cached) GetShipment(ctx context.Context, shipmentHash string) (ShipmentState, error) {
	key := rediscache.ChainKey(shipmentHash)

	b, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("chain cache get failed", "shipment_hash", shipmentHash, "err", err)
	}
	if ok {
		var st ShipmentState
		if err := json.Unmarshal(b, &st); err == nil {
			return st, nil
		}
	}

	st, err := c.inner.GetShipment(ctx, shipmentHash)
	if err != nil {
		return ShipmentState{}, err
	}

	if b, err := json.Marshal(st); err == nil {
		if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
			slog.Warn("chain cache set failed", "shipment_hash", shipmentHash, "err", err)
		}
	}
	return st, nil
}
