package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"train-ticket/internal/keys"
	"train-ticket/internal/lock"
	"train-ticket/internal/route"
	"train-ticket/internal/status"
	"train-ticket/models"
	"train-ticket/monitoring"
)

const generationField = "__gen"

// takeTokensScript checks every through segment for every requested class
// and, only if all of them hold enough tokens, deducts the demand from the
// through and overlap-only segments. Overlap-only fields are floored at zero.
// Each applied deduction is written to the reservation receipt. A receipt
// that already exists means this reservation was granted before, so a
// replayed call grants again without deducting.
//
// KEYS: bucket, receipt
// ARGV: receipt ttl, class count, (class, demand)..., through count,
//
//	through segment prefixes..., overlap-only segment prefixes...
//
// Returns {0} granted, {1, class, shortfall, ...} insufficient, {2} no data.
const takeTokensScript = `
local bucket, receipt = KEYS[1], KEYS[2]
if redis.call('EXISTS', receipt) == 1 then
	return {0}
end
if redis.call('EXISTS', bucket) == 0 then
	return {2}
end

local nclasses = tonumber(ARGV[2])
local classes, counts = {}, {}
local idx = 3
for i = 1, nclasses do
	classes[i] = ARGV[idx]
	counts[i] = tonumber(ARGV[idx + 1])
	idx = idx + 2
end
local first = idx + 1
local lastThrough = idx + tonumber(ARGV[idx])

local shortfalls = {}
local short = false
for s = first, lastThrough do
	for i = 1, nclasses do
		local remain = redis.call('HGET', bucket, ARGV[s] .. '|' .. classes[i])
		if not remain then
			return {2}
		end
		local gap = counts[i] - tonumber(remain)
		if gap > 0 and gap > (shortfalls[i] or 0) then
			shortfalls[i] = gap
			short = true
		end
	end
end

if short then
	local result = {1}
	for i = 1, nclasses do
		if shortfalls[i] then
			table.insert(result, classes[i])
			table.insert(result, shortfalls[i])
		end
	end
	return result
end

for s = first, #ARGV do
	for i = 1, nclasses do
		local field = ARGV[s] .. '|' .. classes[i]
		local remain = tonumber(redis.call('HGET', bucket, field) or '0')
		local delta = math.min(remain, counts[i])
		if delta > 0 then
			redis.call('HINCRBY', bucket, field, -delta)
			redis.call('HSET', receipt, field, delta)
		end
	end
end
redis.call('HSET', receipt, '__gen', redis.call('HGET', bucket, '__gen') or '')
redis.call('EXPIRE', receipt, ARGV[1])
return {0}
`

// rollbackTokensScript replays a receipt onto the bucket once and deletes it.
// A receipt from an older bucket generation is dropped, since a rebuilt
// bucket was derived from the seat store.
//
// KEYS: bucket, receipt
// Returns 0 restored, 1 nothing to restore, 2 stale generation.
const rollbackTokensScript = `
local bucket, receipt = KEYS[1], KEYS[2]
if redis.call('EXISTS', receipt) == 0 then
	return 1
end
local gen = redis.call('HGET', receipt, '__gen')
if redis.call('EXISTS', bucket) == 0 or redis.call('HGET', bucket, '__gen') ~= gen then
	redis.call('DEL', receipt)
	return 2
end
local entries = redis.call('HGETALL', receipt)
for i = 1, #entries, 2 do
	if entries[i] ~= '__gen' then
		redis.call('HINCRBY', bucket, entries[i], tonumber(entries[i + 1]))
	end
end
redis.call('DEL', receipt)
return 0
`

type TakeStatus int

const (
	TakeGranted TakeStatus = iota
	TakeInsufficient
	TakeUnavailable
)

func (s TakeStatus) String() string {
	switch s {
	case TakeGranted:
		return "granted"
	case TakeInsufficient:
		return "insufficient"
	case TakeUnavailable:
		return "unavailable"
	}
	return "unknown"
}

type TakeResult struct {
	Status     TakeStatus
	Shortfalls []status.Shortfall
}

type RollbackOutcome int

const (
	RollbackApplied RollbackOutcome = iota
	RollbackNothing
	RollbackStale
)

func (o RollbackOutcome) String() string {
	switch o {
	case RollbackApplied:
		return "applied"
	case RollbackNothing:
		return "nothing"
	case RollbackStale:
		return "stale"
	}
	return "unknown"
}

type BucketState string

const (
	BucketUninitialized BucketState = "uninitialized"
	BucketInitializing  BucketState = "initializing"
	BucketReady         BucketState = "ready"
)

// TokenBucket is the per-train pool of reservable tokens keyed by
// (segment, seat class).
type TokenBucket struct {
	redis      *redis.Client
	seats      SeatStore
	locker     *lock.Locker
	monitor    *monitoring.Monitor
	ttl        time.Duration
	initWait   time.Duration
	initLease  time.Duration
	receiptTTL time.Duration
	inits      singleflight.Group
}

func NewTokenBucket(redisClient *redis.Client, seats SeatStore, locker *lock.Locker, monitor *monitoring.Monitor, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		redis:      redisClient,
		seats:      seats,
		locker:     locker,
		monitor:    monitor,
		ttl:        ttl,
		initWait:   5 * time.Second,
		initLease:  30 * time.Second,
		receiptTTL: ttl,
	}
}

// Take atomically deducts the reservation's demand, initializing the
// train's bucket first if needed.
func (b *TokenBucket) Take(ctx context.Context, train *models.Train, stations []string, res models.Reservation) (TakeResult, error) {
	through, overlapOnly := route.Split(stations, res.Departure, res.Arrival)
	if len(through) == 0 {
		return TakeResult{}, status.Client("take tokens", status.ErrInvalidRoute)
	}

	if err := b.ensureInitialized(ctx, train, stations); err != nil {
		return TakeResult{}, err
	}

	classes := models.SortedClasses(res.Demand)
	args := make([]any, 0, 3+2*len(classes)+len(through)+len(overlapOnly))
	args = append(args, int64(b.receiptTTL.Seconds()), len(classes))
	for _, c := range classes {
		args = append(args, int(c), res.Demand[c])
	}
	args = append(args, len(through))
	for _, s := range through {
		args = append(args, keys.SegmentPrefix(s))
	}
	for _, s := range overlapOnly {
		args = append(args, keys.SegmentPrefix(s))
	}

	raw, err := b.redis.Eval(ctx, takeTokensScript,
		[]string{keys.TokenBucket(train.ID), keys.TokenReceipt(train.ID, res.ID)},
		args...,
	).Slice()
	if err != nil {
		return TakeResult{}, status.Dependency("take tokens", err)
	}

	result, err := parseTakeResult(raw)
	if err != nil {
		return TakeResult{}, status.Consistency("take tokens", err)
	}
	b.monitor.TrackTokenTake(train.ID, result.Status.String())
	return result, nil
}

func parseTakeResult(raw []any) (TakeResult, error) {
	if len(raw) == 0 {
		return TakeResult{}, errors.New("empty script reply")
	}
	code, ok := raw[0].(int64)
	if !ok {
		return TakeResult{}, fmt.Errorf("unexpected script status %v", raw[0])
	}

	switch code {
	case 0:
		return TakeResult{Status: TakeGranted}, nil
	case 2:
		return TakeResult{Status: TakeUnavailable}, nil
	case 1:
		if len(raw)%2 != 1 {
			return TakeResult{}, fmt.Errorf("malformed shortfall reply of length %d", len(raw))
		}
		res := TakeResult{Status: TakeInsufficient}
		for i := 1; i < len(raw); i += 2 {
			class, err := strconv.Atoi(fmt.Sprint(raw[i]))
			if err != nil {
				return TakeResult{}, fmt.Errorf("malformed shortfall class %v", raw[i])
			}
			missing, ok := raw[i+1].(int64)
			if !ok {
				return TakeResult{}, fmt.Errorf("malformed shortfall count %v", raw[i+1])
			}
			res.Shortfalls = append(res.Shortfalls, status.Shortfall{SeatClass: class, Missing: int(missing)})
		}
		return res, nil
	}
	return TakeResult{}, fmt.Errorf("unknown script status %d", code)
}

// Rollback returns the tokens taken for a reservation. Calling it again for
// the same reservation changes nothing.
func (b *TokenBucket) Rollback(ctx context.Context, trainID, reservationID string) (RollbackOutcome, error) {
	code, err := b.redis.Eval(ctx, rollbackTokensScript,
		[]string{keys.TokenBucket(trainID), keys.TokenReceipt(trainID, reservationID)},
	).Int()
	if err != nil {
		return 0, fmt.Errorf("rollback tokens for %s: %w", reservationID, err)
	}

	switch RollbackOutcome(code) {
	case RollbackApplied, RollbackNothing:
		return RollbackOutcome(code), nil
	case RollbackStale:
		slog.Warn("Dropped token receipt from an older bucket generation",
			"train_id", trainID, "reservation_id", reservationID)
		return RollbackStale, nil
	}
	return 0, fmt.Errorf("rollback tokens for %s: unknown script status %d", reservationID, code)
}

// Invalidate drops the train's bucket so the next take rebuilds it from the
// seat store.
func (b *TokenBucket) Invalidate(ctx context.Context, trainID, reason string) error {
	if err := b.redis.Del(ctx, keys.TokenBucket(trainID)).Err(); err != nil {
		return fmt.Errorf("invalidate token bucket %s: %w", trainID, err)
	}
	b.monitor.TrackBucketInvalidation(trainID, reason)
	slog.Info("Invalidated token bucket", "train_id", trainID, "reason", reason)
	return nil
}

func (b *TokenBucket) State(ctx context.Context, trainID string) (BucketState, error) {
	n, err := b.redis.Exists(ctx, keys.TokenBucket(trainID)).Result()
	if err != nil {
		return "", err
	}
	if n == 1 {
		return BucketReady, nil
	}
	held, err := b.locker.Held(ctx, keys.TokenBucketLock(trainID))
	if err != nil {
		return "", err
	}
	if held {
		return BucketInitializing, nil
	}
	return BucketUninitialized, nil
}

// Snapshot returns the raw token counts by (segment, class) field.
func (b *TokenBucket) Snapshot(ctx context.Context, trainID string) (map[string]int, error) {
	fields, err := b.redis.HGetAll(ctx, keys.TokenBucket(trainID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(fields))
	for f, v := range fields {
		if f == generationField {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("token field %s: %w", f, err)
		}
		out[f] = n
	}
	return out, nil
}

func (b *TokenBucket) ensureInitialized(ctx context.Context, train *models.Train, stations []string) error {
	ready, err := b.exists(ctx, train.ID)
	if err != nil || ready {
		return err
	}

	_, err, _ = b.inits.Do(train.ID, func() (any, error) {
		lockCtx, cancel := context.WithTimeout(ctx, b.initWait)
		defer cancel()

		lease, err := b.locker.Lock(lockCtx, keys.TokenBucketLock(train.ID), b.initLease)
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, status.Contention("init token bucket", status.ErrBucketBusy)
		}
		if err != nil {
			return nil, status.Dependency("init token bucket", err)
		}
		defer func() {
			if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Failed to release token bucket init lock", "train_id", train.ID, "error", err)
			}
		}()

		ready, err := b.exists(ctx, train.ID)
		if err != nil || ready {
			return nil, err
		}
		return nil, b.initialize(ctx, train, stations)
	})
	return err
}

func (b *TokenBucket) exists(ctx context.Context, trainID string) (bool, error) {
	n, err := b.redis.Exists(ctx, keys.TokenBucket(trainID)).Result()
	if err != nil {
		return false, status.Dependency("read token bucket", err)
	}
	return n == 1, nil
}

func (b *TokenBucket) initialize(ctx context.Context, train *models.Train, stations []string) error {
	classes := train.Type.SeatClasses()
	fields := map[string]any{generationField: uuid.NewString()}

	for _, seg := range route.All(stations) {
		legs, _ := route.Locate(stations, seg.Departure, seg.Arrival)
		counts, err := b.seats.CountAvailableByClass(ctx, train.ID, legs, classes)
		if err != nil {
			return status.Dependency("init token bucket", err)
		}
		for _, c := range classes {
			fields[keys.TokenField(seg, c)] = counts[c]
		}
	}

	key := keys.TokenBucket(train.ID)
	_, err := b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, b.ttl)
		pipe.SAdd(ctx, keys.ActiveTrains, train.ID)
		return nil
	})
	if err != nil {
		return status.Dependency("init token bucket", err)
	}

	slog.Info("Initialized token bucket", "train_id", train.ID, "fields", len(fields)-1)
	return nil
}
