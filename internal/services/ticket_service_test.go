package services

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"train-ticket/internal/keys"
	"train-ticket/internal/status"
	"train-ticket/models"
)

func callerCtx() context.Context {
	return WithCaller(context.Background(), testCaller)
}

func expectHappyPurchase(e *testEnv, orderRef string) {
	e.passengers.On("LookupPassengers", mock.Anything, "alice", mock.Anything).Return(passengersFor, nil)
	e.orders.On("CreateOrder", mock.Anything, mock.Anything).Return(orderRef, nil).Once()
	e.scheduler.On("ScheduleDelayClose", mock.Anything, mock.Anything).Return(nil).Once()
}

// purchaseOne buys one second-class seat from A to C.
func purchaseOne(t *testing.T, e *testEnv, orderRef string) (*models.PurchaseResult, models.Reservation) {
	t.Helper()
	expectHappyPurchase(e, orderRef)
	result, err := e.svc.Purchase(callerCtx(), purchaseRequest("A", "C", pax("p1", models.SeatSecond)))
	require.NoError(t, err)
	return result, reservation(result.ReservationID, "A", "C", second(1))
}

func tokenSnapshot(t *testing.T, e *testEnv) map[string]int {
	t.Helper()
	snap, err := e.tokens.Snapshot(context.Background(), "T1")
	require.NoError(t, err)
	return snap
}

// lostReplyHook lets the first EVAL of script reach Redis and then reports a
// read timeout, as if the reply was lost on the way back.
type lostReplyHook struct {
	script string
	fired  atomic.Bool
}

func (h *lostReplyHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h *lostReplyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *lostReplyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if err := next(ctx, cmd); err != nil {
			return err
		}
		args := cmd.Args()
		if len(args) > 1 && args[0] == "eval" && args[1] == h.script && h.fired.CompareAndSwap(false, true) {
			err := &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded}
			cmd.SetErr(err)
			return err
		}
		return nil
	}
}

func TestTicketService_PurchaseHappyPath(t *testing.T) {
	e := newTestEnv(t)
	expectHappyPurchase(e, "O-1")
	req := purchaseRequest("A", "C", pax("p1", models.SeatSecond), pax("p2", models.SeatFirst))

	result, err := e.svc.Purchase(callerCtx(), req)

	require.NoError(t, err)
	assert.Equal(t, "O-1", result.OrderRef)
	assert.Len(t, result.Assignments, 2)
	assert.Equal(t, 4, e.seats.held(result.ReservationID))

	snap := tokenSnapshot(t, e)
	assert.Equal(t, 1, snap["A|C|2"])
	assert.Equal(t, 0, snap["A|C|1"])
	assert.Equal(t, 2, snap["C|D|2"])

	remaining, err := e.ledger.Remaining(context.Background(), "T1", testStations, seg("A", "C"), bothClasses)
	require.NoError(t, err)
	assert.Equal(t, map[models.SeatClass]int{models.SeatFirst: 0, models.SeatSecond: 1}, remaining)

	e.orders.AssertCalled(t, "CreateOrder", mock.Anything, mock.MatchedBy(func(r models.CreateOrderRequest) bool {
		return r.ReservationID == result.ReservationID && r.UserID == "u1" && len(r.Passengers) == 2 && r.TrainNumber == "G101"
	}))
	e.scheduler.AssertCalled(t, "ScheduleDelayClose", mock.Anything, mock.MatchedBy(func(ev models.DelayCloseEvent) bool {
		return ev.OrderRef == "O-1" && ev.Reservation.ID == result.ReservationID && ev.CreatedAt.Equal(testNow)
	}))
}

func TestTicketService_PurchaseRequiresCaller(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.svc.Purchase(context.Background(), purchaseRequest("A", "C", pax("p1", models.SeatSecond)))

	assert.ErrorIs(t, err, status.ErrUnauthenticated)
}

func TestTicketService_DuplicateSubmissionIsRejected(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.mr.Set(keys.PurchaseGuard("u1", "key-1"), "other"))
	req := purchaseRequest("A", "C", pax("p1", models.SeatSecond))
	req.IdempotencyKey = "key-1"

	_, err := e.svc.Purchase(callerCtx(), req)

	assert.ErrorIs(t, err, status.ErrPurchaseInProgress)
	assert.Equal(t, status.KindContention, status.KindOf(err))
}

func TestTicketService_SoldOutReportsShortfall(t *testing.T) {
	e := newTestEnv(t)
	purchaseOne(t, e, "O-1")
	purchaseOne(t, e, "O-2")

	_, err := e.svc.Purchase(callerCtx(), purchaseRequest("B", "C", pax("p9", models.SeatSecond)))

	assert.Equal(t, status.KindCapacity, status.KindOf(err))
	assert.NotEmpty(t, status.ShortfallsOf(err))
}

func TestTicketService_ScheduleFailureCompensates(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.tokens.Take(context.Background(), testTrain(), testStations, reservation("warmup", "A", "B", second(0)))
	require.NoError(t, err)
	before := tokenSnapshot(t, e)

	e.passengers.On("LookupPassengers", mock.Anything, "alice", mock.Anything).Return(passengersFor, nil)
	e.orders.On("CreateOrder", mock.Anything, mock.Anything).Return("O-1", nil)
	e.orders.On("CloseOrder", mock.Anything, "O-1").Return(true, nil)
	e.scheduler.On("ScheduleDelayClose", mock.Anything, mock.Anything).Return(assert.AnError)

	_, err = e.svc.Purchase(callerCtx(), purchaseRequest("A", "C", pax("p1", models.SeatSecond)))

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, status.KindDependency, status.KindOf(err))
	e.orders.AssertCalled(t, "CloseOrder", mock.Anything, "O-1")
	assert.Equal(t, before, tokenSnapshot(t, e))
	assert.Equal(t, 0, e.seats.lockedLegs())

	remaining, err := e.ledger.Remaining(context.Background(), "T1", testStations, seg("A", "C"), bothClasses)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining[models.SeatSecond])
}

func TestTicketService_AllocationFailureReturnsTokens(t *testing.T) {
	e := newTestEnv(t)
	e.seats.lockErr = status.ErrSeatTaken
	e.passengers.On("LookupPassengers", mock.Anything, "alice", mock.Anything).Return(passengersFor, nil)

	_, err := e.svc.Purchase(callerCtx(), purchaseRequest("A", "C", pax("p1", models.SeatSecond)))

	assert.ErrorIs(t, err, status.ErrInsufficientSeats)
	assert.Equal(t, 2, tokenSnapshot(t, e)["A|C|2"])
	e.orders.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestTicketService_Remaining(t *testing.T) {
	e := newTestEnv(t)

	got, err := e.svc.Remaining(context.Background(), "T1", "B", "D")

	require.NoError(t, err)
	assert.Equal(t, 2, got.ByClass[models.SeatSecond])
	assert.Equal(t, 0, got.ByClass[models.SeatBusiness])
	assert.Equal(t, map[string]int{"01": 2}, got.ByCarriage[models.SeatSecond])

	_, err = e.svc.Remaining(context.Background(), "T1", "D", "B")
	assert.ErrorIs(t, err, status.ErrInvalidRoute)
}

func TestTicketService_BucketAdmin(t *testing.T) {
	e := newTestEnv(t)
	purchaseOne(t, e, "O-1")

	view, err := e.svc.Bucket(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, BucketReady, view.State)
	assert.Equal(t, 1, view.Tokens["A|C|2"])

	require.NoError(t, e.svc.InvalidateBucket(context.Background(), "T1"))

	view, err = e.svc.Bucket(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, BucketUninitialized, view.State)
	assert.Empty(t, view.Tokens)
}

func TestTicketService_LostTakeReplyReturnsTokens(t *testing.T) {
	e := newTestEnv(t)
	hook := &lostReplyHook{script: takeTokensScript}
	e.redis.AddHook(hook)

	_, err := e.svc.Purchase(callerCtx(), purchaseRequest("A", "C", pax("p1", models.SeatSecond)))

	require.True(t, hook.fired.Load())
	assert.Equal(t, status.KindDependency, status.KindOf(err))
	snap := tokenSnapshot(t, e)
	for _, field := range []string{"A|B|2", "A|C|2", "A|D|2", "B|C|2", "B|D|2", "C|D|2"} {
		assert.Equal(t, 2, snap[field], field)
	}
	assert.Equal(t, 0, e.seats.lockedLegs())
	e.orders.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything)
}

func TestTicketService_FailedCompensationIsScheduled(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.tokens.Take(context.Background(), testTrain(), testStations, reservation("warmup", "A", "B", second(0)))
	require.NoError(t, err)
	before := tokenSnapshot(t, e)
	e.seats.unlockErrs = []error{errors.New("seat store down")}

	var scheduled models.Reservation
	e.passengers.On("LookupPassengers", mock.Anything, "alice", mock.Anything).Return(passengersFor, nil)
	e.orders.On("CreateOrder", mock.Anything, mock.Anything).Return("O-1", nil)
	e.orders.On("CloseOrder", mock.Anything, "O-1").Return(true, nil)
	e.scheduler.On("ScheduleDelayClose", mock.Anything, mock.Anything).Return(assert.AnError)
	e.scheduler.On("ScheduleRelease", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		scheduled = args.Get(1).(models.Reservation)
	}).Return(nil).Once()

	_, err = e.svc.Purchase(callerCtx(), purchaseRequest("A", "C", pax("p1", models.SeatSecond)))

	assert.ErrorIs(t, err, assert.AnError)
	e.scheduler.AssertCalled(t, "ScheduleRelease", mock.Anything, mock.Anything)
	require.NotEmpty(t, scheduled.ID)
	assert.Equal(t, 2, e.seats.held(scheduled.ID))

	// the scheduled workflow runs the same release again
	require.NoError(t, e.reconciler.Release(context.Background(), scheduled, TriggerCompensate))

	assert.Equal(t, 0, e.seats.lockedLegs())
	assert.Equal(t, before, tokenSnapshot(t, e))
	remaining, err := e.ledger.Remaining(context.Background(), "T1", testStations, seg("A", "C"), bothClasses)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining[models.SeatSecond])
}

func TestTicketService_ResubmissionWithoutKeyIsRejected(t *testing.T) {
	e := newTestEnv(t)
	req := purchaseRequest("A", "C", pax("p1", models.SeatSecond))
	require.NoError(t, e.mr.Set(keys.PurchaseGuard("u1", defaultIdempotencyKey(req)), "other"))

	_, err := e.svc.Purchase(callerCtx(), req)

	assert.ErrorIs(t, err, status.ErrPurchaseInProgress)
	e.passengers.AssertNotCalled(t, "LookupPassengers", mock.Anything, mock.Anything, mock.Anything)
}

func TestDefaultIdempotencyKey(t *testing.T) {
	a := purchaseRequest("A", "C", pax("p1", models.SeatSecond))
	b := purchaseRequest("A", "C", pax("p1", models.SeatSecond))
	b.IdempotencyKey = "ignored"
	other := purchaseRequest("A", "C", pax("p2", models.SeatSecond))

	assert.Equal(t, defaultIdempotencyKey(a), defaultIdempotencyKey(b))
	assert.NotEqual(t, defaultIdempotencyKey(a), defaultIdempotencyKey(other))
	assert.NotEqual(t, defaultIdempotencyKey(a), defaultIdempotencyKey(purchaseRequest("A", "D", pax("p1", models.SeatSecond))))
}
