package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"train-ticket/internal/clock"
	"train-ticket/internal/keys"
	"train-ticket/internal/lock"
	"train-ticket/internal/route"
	"train-ticket/internal/status"
	"train-ticket/models"
	"train-ticket/monitoring"
)

type TicketServiceDeps struct {
	Locker     *lock.Locker
	Validation *ValidationChain
	Trains     *TrainDirectory
	Tokens     *TokenBucket
	Refresher  *TokenRefresher
	Locks      *LockCoordinator
	Allocator  *Allocator
	Ledger     *Ledger
	Reconciler *Reconciler
	Orders     OrderService
	Scheduler  ReconcileScheduler
	Notifier   Notifier
	Monitor    *monitoring.Monitor
	Clock      clock.Clock
}

// TicketService runs purchases end to end and answers availability reads.
type TicketService struct {
	TicketServiceDeps
	guardTTL time.Duration
}

func NewTicketService(deps TicketServiceDeps) *TicketService {
	return &TicketService{TicketServiceDeps: deps, guardTTL: time.Minute}
}

// Purchase sells seats to the caller in ctx. Once tokens are taken, any
// failure gives the reservation's inventory back before returning.
func (s *TicketService) Purchase(ctx context.Context, req models.PurchaseRequest) (*models.PurchaseResult, error) {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return nil, status.Client("purchase", status.ErrUnauthenticated)
	}

	idem := req.IdempotencyKey
	if idem == "" {
		idem = defaultIdempotencyKey(req)
	}
	guard, err := s.Locker.TryLock(ctx, keys.PurchaseGuard(caller.UserID, idem), s.guardTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.Monitor.TrackPurchase(status.KindContention.String())
		return nil, status.Contention("purchase", status.ErrPurchaseInProgress)
	}
	if err != nil {
		s.Monitor.TrackPurchase(status.KindDependency.String())
		return nil, status.Dependency("purchase", err)
	}
	defer func() {
		if err := guard.Unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to release purchase guard", "user_id", caller.UserID, "error", err)
		}
	}()

	result, err := s.purchase(ctx, caller, req)
	if err != nil {
		s.Monitor.TrackPurchase(status.KindOf(err).String())
		return nil, err
	}
	s.Monitor.TrackPurchase("success")
	return result, nil
}

func (s *TicketService) purchase(ctx context.Context, caller Caller, req models.PurchaseRequest) (*models.PurchaseResult, error) {
	pc := &PurchaseContext{Request: req}
	if err := s.Validation.Validate(ctx, pc); err != nil {
		return nil, err
	}

	res := models.Reservation{
		ID:        uuid.NewString(),
		TrainID:   pc.Train.ID,
		Departure: req.Departure,
		Arrival:   req.Arrival,
		UserID:    caller.UserID,
		Demand:    req.Demand(),
	}

	take, err := s.Tokens.Take(ctx, pc.Train, pc.Stations, res)
	if err != nil {
		// the script may have run even though its reply never arrived
		if status.KindOf(err) != status.KindClient {
			s.compensate(ctx, res, err)
		}
		return nil, err
	}
	switch take.Status {
	case TakeUnavailable:
		s.Refresher.Trigger(ctx, pc.Train, pc.Stations, res)
		return nil, status.Capacity("take tokens", status.ErrTokensUnavailable)
	case TakeInsufficient:
		s.Refresher.Trigger(ctx, pc.Train, pc.Stations, res)
		return nil, status.Capacity("take tokens", status.ErrInsufficientStock, take.Shortfalls...)
	}

	result, err := s.reserve(ctx, caller, pc, res)
	if err != nil {
		s.compensate(ctx, res, err)
		return nil, err
	}
	return result, nil
}

// compensate releases res after a failed purchase. When the release itself
// fails it is handed to the scheduler, which retries it until it succeeds.
func (s *TicketService) compensate(ctx context.Context, res models.Reservation, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := slog.With("train_id", res.TrainID, "reservation_id", res.ID, "cause", cause)

	relErr := s.Reconciler.Release(ctx, res, TriggerCompensate)
	if relErr == nil {
		return
	}
	log.Warn("Failed to compensate purchase, scheduling retry", "error", relErr)
	if err := s.Scheduler.ScheduleRelease(ctx, res); err != nil {
		log.Error("Failed to schedule compensation retry, inventory stays held until reconciled by hand",
			"release_error", relErr, "error", err)
	}
}

// defaultIdempotencyKey derives a guard key from the request body so that a
// client resubmitting the same purchase without a key is still caught.
func defaultIdempotencyKey(req models.PurchaseRequest) string {
	req.IdempotencyKey = ""
	body, err := json.Marshal(req)
	if err != nil {
		return uuid.NewString()
	}
	sum := blake2b.Sum256(body)
	return "body-" + hex.EncodeToString(sum[:16])
}

func (s *TicketService) reserve(ctx context.Context, caller Caller, pc *PurchaseContext, res models.Reservation) (*models.PurchaseResult, error) {
	held, err := s.Locks.Acquire(ctx, res.TrainID, pc.Request.Classes())
	if err != nil {
		return nil, err
	}
	// every segment the deduction touches must be loaded before seats lock,
	// or a load in between would already count them
	if err := s.Ledger.Preload(ctx, pc.Stations, res); err != nil {
		held.Release()
		return nil, err
	}
	assignments, err := s.Allocator.Allocate(ctx, pc.Train, pc.Stations, res, pc.Request, caller)
	held.Release()
	if err != nil {
		return nil, err
	}

	if err := s.Ledger.Deduct(ctx, pc.Stations, res); err != nil {
		return nil, err
	}

	passengers := make([]models.OrderPassenger, len(assignments))
	for i, a := range assignments {
		passengers[i] = models.OrderPassenger{
			PassengerID:  a.PassengerID,
			RealName:     a.RealName,
			IDType:       a.IDType,
			IDCard:       a.IDCard,
			Phone:        a.Phone,
			DiscountType: a.DiscountType,
			SeatClass:    a.SeatClass,
			Carriage:     a.Carriage,
			SeatNumber:   a.SeatNumber,
			Amount:       a.Amount,
		}
	}
	orderRef, err := s.Orders.CreateOrder(ctx, models.CreateOrderRequest{
		ReservationID: res.ID,
		UserID:        caller.UserID,
		Username:      caller.Username,
		TrainID:       pc.Train.ID,
		TrainNumber:   pc.Train.TrainNumber,
		Departure:     res.Departure,
		Arrival:       res.Arrival,
		DepartureTime: pc.Train.DepartureTime,
		Passengers:    passengers,
	})
	if err != nil {
		slog.Error("Failed to create order", "train_id", res.TrainID, "reservation_id", res.ID, "error", err)
		return nil, status.Dependency("create order", err)
	}

	ev := models.DelayCloseEvent{OrderRef: orderRef, Reservation: res, CreatedAt: s.Clock.Now()}
	if err := s.Scheduler.ScheduleDelayClose(ctx, ev); err != nil {
		slog.Error("Failed to schedule delay close", "order_ref", orderRef, "reservation_id", res.ID, "error", err)
		if _, closeErr := s.Orders.CloseOrder(context.WithoutCancel(ctx), orderRef); closeErr != nil {
			slog.Error("Failed to close unscheduled order", "order_ref", orderRef, "error", closeErr)
		}
		return nil, status.Dependency("schedule delay close", err)
	}

	msg := map[string]any{
		"type":      "tickets_purchased",
		"order_ref": orderRef,
		"train_id":  res.TrainID,
		"seats":     len(assignments),
	}
	if err := s.Notifier.Notify(ctx, caller.UserID, msg); err != nil {
		slog.Warn("Failed to notify purchase", "order_ref", orderRef, "error", err)
	}

	slog.Info("Tickets purchased", "order_ref", orderRef, "train_id", res.TrainID, "reservation_id", res.ID, "seats", len(assignments))
	return &models.PurchaseResult{OrderRef: orderRef, ReservationID: res.ID, Assignments: assignments}, nil
}

// Remaining reports ledger counts for a trip, by class and by carriage.
func (s *TicketService) Remaining(ctx context.Context, trainID, departure, arrival string) (*models.RemainingTickets, error) {
	train, err := s.Trains.Train(ctx, trainID)
	if errors.Is(err, status.ErrTrainNotFound) {
		return nil, status.Client("read remaining", status.ErrTrainNotFound)
	}
	if err != nil {
		return nil, status.Dependency("read remaining", err)
	}
	stations, err := s.Trains.Stations(ctx, trainID)
	if err != nil {
		return nil, status.Dependency("read remaining", err)
	}
	if _, ok := route.Locate(stations, departure, arrival); !ok {
		return nil, status.Client("read remaining", status.ErrInvalidRoute)
	}

	seg := models.Segment{Departure: departure, Arrival: arrival}
	classes := train.Type.SeatClasses()
	byClass, err := s.Ledger.Remaining(ctx, trainID, stations, seg, classes)
	if err != nil {
		return nil, err
	}

	byCarriage := make(map[models.SeatClass]map[string]int, len(classes))
	for _, class := range classes {
		counts, err := s.Ledger.CarriageRemaining(ctx, trainID, stations, seg, class)
		if err != nil {
			return nil, err
		}
		byCarriage[class] = counts
	}

	return &models.RemainingTickets{
		TrainID:    trainID,
		Departure:  departure,
		Arrival:    arrival,
		ByClass:    byClass,
		ByCarriage: byCarriage,
	}, nil
}

type BucketView struct {
	State  BucketState    `json:"state"`
	Tokens map[string]int `json:"tokens,omitempty"`
}

func (s *TicketService) Bucket(ctx context.Context, trainID string) (*BucketView, error) {
	state, err := s.Tokens.State(ctx, trainID)
	if err != nil {
		return nil, status.Dependency("read token bucket", err)
	}
	view := &BucketView{State: state}
	if state == BucketReady {
		if view.Tokens, err = s.Tokens.Snapshot(ctx, trainID); err != nil {
			return nil, status.Dependency("read token bucket", err)
		}
	}
	return view, nil
}

func (s *TicketService) InvalidateBucket(ctx context.Context, trainID string) error {
	if err := s.Tokens.Invalidate(ctx, trainID, "admin"); err != nil {
		return status.Dependency("invalidate token bucket", err)
	}
	return nil
}

// ForgetTrain drops everything cached from the catalog for trainID after an
// edit to the train, its stopovers or its prices.
func (s *TicketService) ForgetTrain(ctx context.Context, trainID string) error {
	if err := s.Trains.Forget(ctx, trainID); err != nil {
		return status.Dependency("forget train", err)
	}
	if err := s.Tokens.Invalidate(ctx, trainID, "catalog"); err != nil {
		return status.Dependency("forget train", err)
	}
	return nil
}
