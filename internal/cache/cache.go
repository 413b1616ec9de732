// Package cache holds the Redis read-through cache and the message
// idempotency markers shared by the inventory services.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"train-ticket/internal/lock"
)

type Cache struct {
	redis    *redis.Client
	locker   *lock.Locker
	lockWait time.Duration
	lockTTL  time.Duration
}

func New(redisClient *redis.Client, locker *lock.Locker) *Cache {
	return &Cache{
		redis:    redisClient,
		locker:   locker,
		lockWait: 3 * time.Second,
		lockTTL:  10 * time.Second,
	}
}

// SafeGet returns the JSON value stored at key. On a miss it takes a
// per-key lock, checks again and only then calls load, so concurrent
// misses across processes hit the backing store once.
func SafeGet[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if v, ok, err := get[T](ctx, c.redis, key); err != nil || ok {
		return v, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()
	lease, err := c.locker.Lock(lockCtx, "lock:"+key, c.lockTTL)
	if err != nil {
		return zero, err
	}
	defer lease.Unlock(context.WithoutCancel(ctx))

	if v, ok, err := get[T](ctx, c.redis, key); err != nil || ok {
		return v, err
	}

	v, err := load(ctx)
	if err != nil {
		return zero, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("store %s: %w", key, err)
	}
	return v, nil
}

func get[T any](ctx context.Context, client *redis.Client, key string) (T, bool, error) {
	var v T
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.redis.Del(ctx, keys...).Err()
}
