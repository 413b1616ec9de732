package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock: not acquired")
	ErrLeaseLost   = errors.New("lock: lease expired before release")
)

const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`

const renewScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Lease is a held Redis lock. Only the owner token can release it.
type Lease struct {
	redis *redis.Client
	key   string
	token string

	stop     chan struct{}
	stopOnce sync.Once
}

func (l *Lease) Key() string {
	return l.key
}

// keepAlive extends the lease by ttl every ttl/3 until Unlock, or until the
// lease turns out to belong to someone else.
func (l *Lease) keepAlive(ttl time.Duration) {
	l.stop = make(chan struct{})
	every := ttl / 3

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
			}

			ctx, cancel := context.WithTimeout(context.Background(), every)
			renewed, err := l.redis.Eval(ctx, renewScript, []string{l.key}, l.token, ttl.Milliseconds()).Int()
			cancel()
			switch {
			case errors.Is(err, redis.ErrClosed):
				return
			case err != nil:
				slog.Warn("Failed to renew lock lease", "key", l.key, "error", err)
			case renewed == 0:
				slog.Warn("Lock lease lost while held", "key", l.key)
				return
			}
		}
	}()
}

func (l *Lease) Unlock(ctx context.Context) error {
	if l.stop != nil {
		l.stopOnce.Do(func() { close(l.stop) })
	}
	released, err := l.redis.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if released == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

// Locker is a plain Redis mutex (SET NX PX) for short, unfair critical
// sections such as lazy cache loads.
type Locker struct {
	redis *redis.Client
	retry time.Duration
}

func NewLocker(redisClient *redis.Client) *Locker {
	return &Locker{redis: redisClient, retry: 25 * time.Millisecond}
}

// TryLock makes one attempt and returns ErrNotAcquired if key is held.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	return &Lease{redis: l.redis, key: key, token: token}, nil
}

// Lock retries TryLock until it succeeds or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	for {
		lease, err := l.TryLock(ctx, key, ttl)
		if err == nil || !errors.Is(err, ErrNotAcquired) {
			return lease, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

// Held reports whether some owner currently holds key.
func (l *Locker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
