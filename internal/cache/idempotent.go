package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"train-ticket/internal/status"
)

const (
	stateConsuming = "consuming"
	stateConsumed  = "consumed"
)

// Idempotency marks messages as being consumed, then as consumed, so that
// at-least-once delivery runs each handler to completion once.
type Idempotency struct {
	redis        *redis.Client
	consumingTTL time.Duration
	consumedTTL  time.Duration
}

func NewIdempotency(redisClient *redis.Client) *Idempotency {
	return &Idempotency{
		redis:        redisClient,
		consumingTTL: 10 * time.Minute,
		consumedTTL:  2 * time.Hour,
	}
}

// Begin claims key. It returns false with a nil error when the message was
// already consumed, and status.ErrMessageInProgress while another consumer
// still holds it.
func (i *Idempotency) Begin(ctx context.Context, key string) (bool, error) {
	k := idempotencyKey(key)
	ok, err := i.redis.SetNX(ctx, k, stateConsuming, i.consumingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	state, err := i.redis.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return i.Begin(ctx, key)
	}
	if err != nil {
		return false, fmt.Errorf("read claim %s: %w", key, err)
	}
	if state == stateConsumed {
		return false, nil
	}
	return false, status.Contention("idempotency", status.ErrMessageInProgress)
}

func (i *Idempotency) Commit(ctx context.Context, key string) error {
	return i.redis.Set(ctx, idempotencyKey(key), stateConsumed, i.consumedTTL).Err()
}

// Abort releases the claim so a redelivery can retry.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.redis.Del(ctx, idempotencyKey(key)).Err()
}

func idempotencyKey(key string) string {
	return "ticket:idempotent:" + key
}
