package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Lease sets key to owner when it is free or already held by owner, and
	// (re)arms its expiry. It reports false when another owner holds key.
	Lease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Unlease deletes key only if owner holds it.
	Unlease(ctx context.Context, key, owner string) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	GenerateKey(operation, key string) string
}

// leaseScript takes or renews a lease atomically.
var leaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

// unleaseScript deletes a key only if it still holds the caller's token.
var unleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisCache struct {
	client      redis.UniversalClient
	serviceName string
}

// NewRedisCacheFromClient wraps an existing client, sharing its connection
// pool with other components.
func NewRedisCacheFromClient(client redis.UniversalClient, serviceName string) Cache {
	return &redisCache{client: client, serviceName: serviceName}
}

func (r redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r redisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	return value, nil
}

func (r redisCache) Lease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := leaseScript.Run(ctx, r.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("cache: lease %q: %w", key, err)
	}
	return n == 1, nil
}

func (r redisCache) Unlease(ctx context.Context, key, owner string) error {
	if err := unleaseScript.Run(ctx, r.client, []string{key}, owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache: unlease %q: %w", key, err)
	}
	return nil
}

func (r redisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r redisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r redisCache) GenerateKey(operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", r.serviceName, operation, key)
}
