package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"train-ticket/internal/keys"
	"train-ticket/internal/lock"
	"train-ticket/internal/status"
	"train-ticket/models"
	"train-ticket/monitoring"
)

func second(n int) map[models.SeatClass]int {
	return map[models.SeatClass]int{models.SeatSecond: n}
}

func TestTokenBucket_InitializesOnceAcrossInstances(t *testing.T) {
	e := newTestEnv(t)
	other := NewTokenBucket(e.redis, e.seats, lock.NewLocker(e.redis), e.monitor, e.tokens.ttl)
	train := testTrain()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		bucket := e.tokens
		if i%2 == 1 {
			bucket = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bucket.Take(context.Background(), train, testStations, reservation(fmt.Sprintf("r%d", i), "A", "B", second(0)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// one count per segment of the full route
	assert.Equal(t, int32(6), e.seats.countCalls.Load())
	assert.True(t, e.mr.Exists(keys.TokenBucket("T1")))
	assert.True(t, e.mr.Exists(keys.ActiveTrains))
}

func TestTokenBucket_NoOversellUnderConcurrentTakers(t *testing.T) {
	e := newTestEnv(t)
	train := testTrain()

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.tokens.Take(context.Background(), train, testStations, reservation(fmt.Sprintf("r%d", i), "A", "C", second(1)))
			if assert.NoError(t, err) && res.Status == TakeGranted {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), granted.Load())
	snap, err := e.tokens.Snapshot(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap["A|C|2"])
	assert.Equal(t, 0, snap["B|D|2"])
	assert.Equal(t, 2, snap["C|D|2"])
}

func TestTokenBucket_TakeThenRollbackIsIdentity(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	train := testTrain()

	_, err := e.tokens.Take(ctx, train, testStations, reservation("warmup", "C", "D", second(0)))
	require.NoError(t, err)
	// an overlap-only segment with less stock than the demand is floored at zero
	e.mr.HSet(keys.TokenBucket("T1"), "B|D|2", "1")

	before, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)

	res, err := e.tokens.Take(ctx, train, testStations, reservation("r1", "A", "C", second(2)))
	require.NoError(t, err)
	require.Equal(t, TakeGranted, res.Status)

	during, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 0, during["B|D|2"])
	assert.Equal(t, 0, during["A|B|2"])
	assert.Equal(t, 2, during["C|D|2"])

	outcome, err := e.tokens.Rollback(ctx, "T1", "r1")
	require.NoError(t, err)
	assert.Equal(t, RollbackApplied, outcome)

	after, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	outcome, err = e.tokens.Rollback(ctx, "T1", "r1")
	require.NoError(t, err)
	assert.Equal(t, RollbackNothing, outcome)

	again, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, before, again)
}

func TestTokenBucket_ReplayedTakeDeductsOnce(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	train := testTrain()
	_, err := e.tokens.Take(ctx, train, testStations, reservation("warmup", "A", "B", second(0)))
	require.NoError(t, err)
	before, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	res := reservation("r1", "A", "C", second(1))

	first, err := e.tokens.Take(ctx, train, testStations, res)
	require.NoError(t, err)
	again, err := e.tokens.Take(ctx, train, testStations, res)
	require.NoError(t, err)

	assert.Equal(t, TakeGranted, first.Status)
	assert.Equal(t, TakeGranted, again.Status)
	during, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, during["A|C|2"])
	assert.Equal(t, 1, during["B|D|2"])

	_, err = e.tokens.Rollback(ctx, "T1", "r1")
	require.NoError(t, err)
	after, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTokenBucket_InsufficientLeavesBucketUntouched(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	train := testTrain()

	demand := map[models.SeatClass]int{models.SeatSecond: 3, models.SeatFirst: 1}
	res, err := e.tokens.Take(ctx, train, testStations, reservation("r1", "B", "D", demand))

	require.NoError(t, err)
	assert.Equal(t, TakeInsufficient, res.Status)
	assert.Equal(t, []status.Shortfall{{SeatClass: 2, Missing: 1}}, res.Shortfalls)

	snap, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap["B|D|2"])
	assert.Equal(t, 1, snap["B|D|1"])
	assert.False(t, e.mr.Exists(keys.TokenReceipt("T1", "r1")))
}

func TestTokenBucket_DisjointSubRangesBothSucceed(t *testing.T) {
	e := newTestEnv(t)
	e.seats = newFakeSeats().add(models.SeatSecond, "01", "01A")
	e.tokens = NewTokenBucket(e.redis, e.seats, e.locker, e.monitor, e.tokens.ttl)
	ctx := context.Background()
	train := testTrain()

	r1, err := e.tokens.Take(ctx, train, testStations, reservation("r1", "A", "B", second(1)))
	require.NoError(t, err)
	r2, err := e.tokens.Take(ctx, train, testStations, reservation("r2", "B", "C", second(1)))
	require.NoError(t, err)

	assert.Equal(t, TakeGranted, r1.Status)
	assert.Equal(t, TakeGranted, r2.Status)

	r3, err := e.tokens.Take(ctx, train, testStations, reservation("r3", "A", "C", second(1)))
	require.NoError(t, err)
	assert.Equal(t, TakeInsufficient, r3.Status)
}

func TestTokenBucket_MissingFieldIsUnavailable(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	train := testTrain()

	_, err := e.tokens.Take(ctx, train, testStations, reservation("warmup", "A", "B", second(0)))
	require.NoError(t, err)
	e.mr.HDel(keys.TokenBucket("T1"), "A|B|2")

	res, err := e.tokens.Take(ctx, train, testStations, reservation("r1", "A", "B", second(1)))

	require.NoError(t, err)
	assert.Equal(t, TakeUnavailable, res.Status)
}

func TestTokenBucket_StaleReceiptIsDroppedAfterRebuild(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	train := testTrain()

	_, err := e.tokens.Take(ctx, train, testStations, reservation("r1", "A", "B", second(1)))
	require.NoError(t, err)
	require.NoError(t, e.tokens.Invalidate(ctx, "T1", "test"))

	_, err = e.tokens.Take(ctx, train, testStations, reservation("r2", "C", "D", second(0)))
	require.NoError(t, err)
	before, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)

	outcome, err := e.tokens.Rollback(ctx, "T1", "r1")

	require.NoError(t, err)
	assert.Equal(t, RollbackStale, outcome)
	after, err := e.tokens.Snapshot(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, e.mr.Exists(keys.TokenReceipt("T1", "r1")))
}

func TestTokenBucket_State(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	state, err := e.tokens.State(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, BucketUninitialized, state)

	require.NoError(t, e.mr.Set(keys.TokenBucketLock("T1"), "someone"))
	state, err = e.tokens.State(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, BucketInitializing, state)
	e.mr.Del(keys.TokenBucketLock("T1"))

	_, err = e.tokens.Take(ctx, testTrain(), testStations, reservation("r1", "A", "B", second(0)))
	require.NoError(t, err)
	state, err = e.tokens.State(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, BucketReady, state)
}

func TestTokenBucket_RollbackSurfacesRedisErrors(t *testing.T) {
	db, mock := redismock.NewClientMock()
	bucket := NewTokenBucket(db, newFakeSeats(), lock.NewLocker(db), monitoring.NewMonitor(db), 0)

	mock.ExpectEval(rollbackTokensScript,
		[]string{keys.TokenBucket("T1"), keys.TokenReceipt("T1", "r1")},
	).SetErr(assert.AnError)

	_, err := bucket.Rollback(context.Background(), "T1", "r1")

	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseTakeResult(t *testing.T) {
	res, err := parseTakeResult([]any{int64(1), "2", int64(3), "1", int64(1)})
	require.NoError(t, err)
	assert.Equal(t, TakeInsufficient, res.Status)
	assert.Equal(t, []status.Shortfall{{SeatClass: 2, Missing: 3}, {SeatClass: 1, Missing: 1}}, res.Shortfalls)

	_, err = parseTakeResult([]any{int64(1), "2"})
	assert.Error(t, err)

	_, err = parseTakeResult([]any{int64(9)})
	assert.Error(t, err)
}
