// Package redislock arbitrates saga log partitions between the instances of a
// cluster with Redis leases.
package redislock

import (
	"context"
	"time"

	"github.com/descoped/linked-data-store-core/internal/pkg/cache"
)

const operation = "sagalog"

// Ownership implements sagalog.Ownership on top of a cache.Cache.
type Ownership struct {
	cache cache.Cache
}

// New returns an arbiter storing its leases in c.
func New(c cache.Cache) *Ownership {
	return &Ownership{cache: c}
}

// TryAcquire implements sagalog.Ownership.
func (o *Ownership) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return o.cache.Lease(ctx, o.cache.GenerateKey(operation, key), owner, ttl)
}

// Release implements sagalog.Ownership.
func (o *Ownership) Release(ctx context.Context, key, owner string) error {
	return o.cache.Unlease(ctx, o.cache.GenerateKey(operation, key), owner)
}

// Held implements sagalog.Ownership.
func (o *Ownership) Held(ctx context.Context, key string) (bool, error) {
	return o.cache.Exists(ctx, o.cache.GenerateKey(operation, key))
}
