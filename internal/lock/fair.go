package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"train-ticket/internal/clock"
)

// KEYS: lock, queue zset, waiter-timeout zset
// ARGV: token, lease ms, now ms, waiter ttl ms
// Returns 1 when the caller holds the lock, 0 when it is queued.
const fairAcquireScript = `
local lockKey, queueKey, timeoutKey = KEYS[1], KEYS[2], KEYS[3]
local token = ARGV[1]
local now = tonumber(ARGV[3])
local waiterTTL = tonumber(ARGV[4])

local stale = redis.call('ZRANGEBYSCORE', timeoutKey, '-inf', now)
for _, waiter in ipairs(stale) do
	redis.call('ZREM', queueKey, waiter)
	redis.call('ZREM', timeoutKey, waiter)
end

local holder = redis.call('GET', lockKey)
if holder == token then
	redis.call('PEXPIRE', lockKey, ARGV[2])
	return 1
end

if not holder then
	local head = redis.call('ZRANGE', queueKey, 0, 0)
	if #head == 0 or head[1] == token then
		redis.call('SET', lockKey, token, 'PX', ARGV[2])
		redis.call('ZREM', queueKey, token)
		redis.call('ZREM', timeoutKey, token)
		return 1
	end
end

redis.call('ZADD', queueKey, 'NX', now, token)
redis.call('ZADD', timeoutKey, now + waiterTTL, token)
redis.call('PEXPIRE', queueKey, waiterTTL * 2)
redis.call('PEXPIRE', timeoutKey, waiterTTL * 2)
return 0
`

const fairLeaveScript = `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`

// FairLocker is a cluster-wide FIFO lock. Waiters queue in a sorted set by
// arrival time and only the queue head may take a free lock. A waiter that
// stops polling drops out of the queue once its timeout entry lapses. A held
// lease is renewed in the background, so it only expires when its holder
// goes away.
type FairLocker struct {
	redis     *redis.Client
	clock     clock.Clock
	lease     time.Duration
	waiterTTL time.Duration
	pollMin   time.Duration
	pollMax   time.Duration
}

func NewFairLocker(redisClient *redis.Client, clk clock.Clock, lease time.Duration) *FairLocker {
	return &FairLocker{
		redis:     redisClient,
		clock:     clk,
		lease:     lease,
		waiterTTL: 2 * time.Second,
		pollMin:   5 * time.Millisecond,
		pollMax:   100 * time.Millisecond,
	}
}

// Lock waits in FIFO order for key until ctx is done.
func (f *FairLocker) Lock(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	keys := fairKeys(key)
	wait := f.pollMin

	for {
		acquired, err := f.tryAcquire(ctx, keys, token)
		if err != nil {
			f.leave(keys, token)
			return nil, fmt.Errorf("fair lock %s: %w", key, err)
		}
		if acquired {
			lease := &Lease{redis: f.redis, key: key, token: token}
			lease.keepAlive(f.lease)
			return lease, nil
		}

		select {
		case <-ctx.Done():
			f.leave(keys, token)
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, f.pollMax)
	}
}

func (f *FairLocker) tryAcquire(ctx context.Context, keys []string, token string) (bool, error) {
	res, err := f.redis.Eval(ctx, fairAcquireScript, keys,
		token,
		f.lease.Milliseconds(),
		f.clock.Now().UnixMilli(),
		f.waiterTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (f *FairLocker) leave(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.redis.Eval(ctx, fairLeaveScript, keys[1:], token).Err(); err != nil {
		slog.Warn("Failed to leave fair lock queue", "key", keys[0], "error", err)
	}
}

func fairKeys(key string) []string {
	return []string{key, key + ":queue", key + ":timeouts"}
}
