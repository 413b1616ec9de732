package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"train-ticket/internal/cache"
	"train-ticket/internal/keys"
	"train-ticket/internal/lock"
	"train-ticket/internal/route"
	"train-ticket/internal/status"
	"train-ticket/models"
)

const appliedField = "__applied"

// deductLedgerScript decrements every loaded ledger hash in KEYS[2..] by the
// per-class demand, floored at zero, and records each applied delta in the
// receipt as "<ledger key>#<class>". Hashes that are not loaded are skipped
// and will be rebuilt from the seat store.
//
// KEYS: receipt, ledger keys...
// ARGV: receipt ttl, (class, demand)...
// Returns 0 applied, 1 already applied.
const deductLedgerScript = `
local receipt = KEYS[1]
if redis.call('EXISTS', receipt) == 1 then
	return 1
end
for k = 2, #KEYS do
	if redis.call('EXISTS', KEYS[k]) == 1 then
		for a = 2, #ARGV, 2 do
			local remain = redis.call('HGET', KEYS[k], ARGV[a])
			if remain then
				local delta = math.min(tonumber(remain), tonumber(ARGV[a + 1]))
				if delta > 0 then
					redis.call('HINCRBY', KEYS[k], ARGV[a], -delta)
					redis.call('HSET', receipt, KEYS[k] .. '#' .. ARGV[a], delta)
				end
			end
		end
	end
end
redis.call('HSET', receipt, '__applied', 1)
redis.call('EXPIRE', receipt, ARGV[1])
return 0
`

// restoreLedgerScript adds a receipt back onto the ledger hashes it names.
// Only hashes listed in KEYS that are still loaded are touched.
//
// KEYS: receipt, ledger keys...
// Returns 0 restored, 1 nothing to restore.
const restoreLedgerScript = `
local receipt = KEYS[1]
if redis.call('EXISTS', receipt) == 0 then
	return 1
end
local known = {}
for k = 2, #KEYS do
	known[KEYS[k]] = true
end
local entries = redis.call('HGETALL', receipt)
for i = 1, #entries, 2 do
	local key, class = string.match(entries[i], '^(.*)#(%d+)$')
	if key and known[key] and redis.call('EXISTS', key) == 1 then
		redis.call('HINCRBY', key, class, tonumber(entries[i + 1]))
	end
end
redis.call('DEL', receipt)
return 0
`

// Ledger caches remaining seat counts per (segment, class), derived from the
// seat store and adjusted as reservations come and go.
type Ledger struct {
	redis       *redis.Client
	seats       SeatStore
	cache       *cache.Cache
	locker      *lock.Locker
	ttl         time.Duration
	carriageTTL time.Duration
	lockWait    time.Duration
}

func NewLedger(redisClient *redis.Client, seats SeatStore, c *cache.Cache, locker *lock.Locker, ttl time.Duration) *Ledger {
	return &Ledger{
		redis:       redisClient,
		seats:       seats,
		cache:       c,
		locker:      locker,
		ttl:         ttl,
		carriageTTL: 30 * time.Second,
		lockWait:    3 * time.Second,
	}
}

// Remaining returns the remaining count of each class for one trip, loading
// the segment from the seat store when it is not cached.
func (l *Ledger) Remaining(ctx context.Context, trainID string, stations []string, seg models.Segment, classes []models.SeatClass) (map[models.SeatClass]int, error) {
	legs, ok := route.Locate(stations, seg.Departure, seg.Arrival)
	if !ok {
		return nil, status.Client("read remaining", status.ErrInvalidRoute)
	}

	key := keys.Remaining(trainID, seg)
	counts, missing, err := l.read(ctx, key, classes)
	if err != nil {
		return nil, status.Dependency("read remaining", err)
	}
	if !missing {
		return counts, nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.lockWait)
	defer cancel()
	lease, err := l.locker.Lock(lockCtx, keys.LedgerLock(trainID, seg), l.lockWait)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, status.Contention("load remaining", status.ErrLockTimeout)
		}
		return nil, status.Dependency("load remaining", err)
	}
	defer func() {
		if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to release ledger lock", "train_id", trainID, "segment", seg.String(), "error", err)
		}
	}()

	counts, missing, err = l.read(ctx, key, classes)
	if err != nil {
		return nil, status.Dependency("read remaining", err)
	}
	if !missing {
		return counts, nil
	}

	loaded, err := l.seats.CountAvailableByClass(ctx, trainID, legs, classes)
	if err != nil {
		return nil, status.Dependency("load remaining", err)
	}

	// fields already present carry deductions applied since they loaded
	fields := classFields(classes)
	var current *redis.SliceCmd
	if _, err := l.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, c := range classes {
			pipe.HSetNX(ctx, key, fields[i], loaded[c])
		}
		pipe.Expire(ctx, key, l.ttl)
		current = pipe.HMGet(ctx, key, fields...)
		return nil
	}); err != nil {
		return nil, status.Dependency("load remaining", err)
	}

	counts, _, err = parseCounts(key, fields, current.Val(), classes)
	if err != nil {
		return nil, status.Dependency("load remaining", err)
	}
	return counts, nil
}

// Preload loads every ledger hash a reservation's deduction touches, for
// the reservation's classes.
func (l *Ledger) Preload(ctx context.Context, stations []string, res models.Reservation) error {
	classes := models.SortedClasses(res.Demand)
	if len(classes) == 0 {
		return nil
	}
	for _, seg := range route.Deduction(stations, res.Departure, res.Arrival) {
		if _, err := l.Remaining(ctx, res.TrainID, stations, seg, classes); err != nil {
			return err
		}
	}
	return nil
}

func classFields(classes []models.SeatClass) []string {
	fields := make([]string, len(classes))
	for i, c := range classes {
		fields[i] = strconv.Itoa(int(c))
	}
	return fields
}

func (l *Ledger) read(ctx context.Context, key string, classes []models.SeatClass) (map[models.SeatClass]int, bool, error) {
	fields := classFields(classes)
	values, err := l.redis.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, false, err
	}
	return parseCounts(key, fields, values, classes)
}

// parseCounts reports missing when any field is absent.
func parseCounts(key string, fields []string, values []any, classes []models.SeatClass) (map[models.SeatClass]int, bool, error) {
	out := make(map[models.SeatClass]int, len(classes))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, true, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, false, fmt.Errorf("ledger field %s of %s: %w", fields[i], key, err)
		}
		out[classes[i]] = n
	}
	return out, false, nil
}

// CarriageRemaining returns per-carriage remaining seats of one class. It is
// a short-lived read-through cache and is never adjusted in place.
func (l *Ledger) CarriageRemaining(ctx context.Context, trainID string, stations []string, seg models.Segment, class models.SeatClass) (map[string]int, error) {
	legs, ok := route.Locate(stations, seg.Departure, seg.Arrival)
	if !ok {
		return nil, status.Client("read carriage remaining", status.ErrInvalidRoute)
	}
	counts, err := cache.SafeGet(ctx, l.cache, keys.CarriageRemaining(trainID, seg, class), l.carriageTTL,
		func(ctx context.Context) (map[string]int, error) {
			return l.seats.CountAvailableByCarriage(ctx, trainID, class, legs)
		})
	if err != nil {
		return nil, status.Dependency("read carriage remaining", err)
	}
	return counts, nil
}

// Deduct subtracts a reservation from every segment its seats overlap.
func (l *Ledger) Deduct(ctx context.Context, stations []string, res models.Reservation) error {
	ledgerKeys := l.reservationKeys(stations, res)
	classes := models.SortedClasses(res.Demand)
	args := make([]any, 0, 1+2*len(classes))
	args = append(args, int64(l.ttl.Seconds()))
	for _, c := range classes {
		args = append(args, int(c), res.Demand[c])
	}

	if err := l.redis.Eval(ctx, deductLedgerScript, ledgerKeys, args...).Err(); err != nil {
		return status.Dependency("deduct ledger", err)
	}
	return nil
}

// Restore adds a reservation's recorded deduction back. Calling it again for
// the same reservation changes nothing.
func (l *Ledger) Restore(ctx context.Context, stations []string, res models.Reservation) error {
	if err := l.redis.Eval(ctx, restoreLedgerScript, l.reservationKeys(stations, res)).Err(); err != nil {
		return fmt.Errorf("restore ledger for %s: %w", res.ID, err)
	}
	return nil
}

func (l *Ledger) reservationKeys(stations []string, res models.Reservation) []string {
	segments := route.Deduction(stations, res.Departure, res.Arrival)
	out := make([]string, 0, len(segments)+1)
	out = append(out, keys.LedgerReceipt(res.TrainID, res.ID))
	for _, seg := range segments {
		out = append(out, keys.Remaining(res.TrainID, seg))
	}
	return out
}
