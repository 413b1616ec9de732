package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"train-ticket/internal/cache"
	"train-ticket/internal/clock"
	"train-ticket/internal/lock"
	"train-ticket/internal/route"
	"train-ticket/internal/services/selector"
	"train-ticket/internal/status"
	"train-ticket/models"
	"train-ticket/monitoring"
)

var (
	testStations = []string{"A", "B", "C", "D"}
	testNow      = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
)

func testTrain() *models.Train {
	return &models.Train{
		ID:            "T1",
		TrainNumber:   "G101",
		Type:          models.TrainTypeHighSpeed,
		StartStation:  "A",
		EndStation:    "D",
		SaleTime:      testNow.Add(-24 * time.Hour),
		DepartureTime: testNow.Add(72 * time.Hour),
		SaleStatus:    models.SaleStatusOnSale,
	}
}

type fakeSeat struct {
	ref   models.SeatRef
	class models.SeatClass
	legs  []string
}

// fakeSeats keeps per-leg seat state in memory the way the seat store does.
type fakeSeats struct {
	mu         sync.Mutex
	seats      []*fakeSeat
	countCalls atomic.Int32
	countErr   error
	lockErr    error

	// unlockErrs are returned by successive UnlockSeats calls before any
	// seat is touched
	unlockErrs  []error
	afterUnlock func()
}

func newFakeSeats() *fakeSeats {
	return &fakeSeats{}
}

func (f *fakeSeats) add(class models.SeatClass, carriage string, numbers ...string) *fakeSeats {
	for _, n := range numbers {
		f.seats = append(f.seats, &fakeSeat{
			ref:   models.SeatRef{Carriage: carriage, Number: n},
			class: class,
			legs:  make([]string, len(testStations)-1),
		})
	}
	return f
}

func (f *fakeSeats) free(s *fakeSeat, legs route.Legs) bool {
	for k := legs.From; k < legs.To; k++ {
		if s.legs[k] != "" {
			return false
		}
	}
	return true
}

func (f *fakeSeats) CountAvailableByClass(_ context.Context, _ string, legs route.Legs, classes []models.SeatClass) (map[models.SeatClass]int, error) {
	f.countCalls.Add(1)
	if f.countErr != nil {
		return nil, f.countErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[models.SeatClass]int, len(classes))
	for _, c := range classes {
		out[c] = 0
	}
	for _, s := range f.seats {
		if _, ok := out[s.class]; ok && f.free(s, legs) {
			out[s.class]++
		}
	}
	return out, nil
}

func (f *fakeSeats) CountAvailableByCarriage(_ context.Context, _ string, class models.SeatClass, legs route.Legs) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]int)
	for _, s := range f.seats {
		if s.class == class && f.free(s, legs) {
			out[s.ref.Carriage]++
		}
	}
	return out, nil
}

func (f *fakeSeats) ListAvailableSeats(_ context.Context, _ string, class models.SeatClass, legs route.Legs) ([]models.SeatRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.SeatRef
	for _, s := range f.seats {
		if s.class == class && f.free(s, legs) {
			out = append(out, s.ref)
		}
	}
	return out, nil
}

func (f *fakeSeats) LockSeats(_ context.Context, reservationID, _ string, legs route.Legs, refs []models.SeatRef) error {
	if f.lockErr != nil {
		return f.lockErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	picked := make([]*fakeSeat, 0, len(refs))
	for _, ref := range refs {
		var found *fakeSeat
		for _, s := range f.seats {
			if s.ref == ref {
				found = s
			}
		}
		if found == nil || !f.free(found, legs) {
			return fmt.Errorf("lock seat %s-%s: %w", ref.Carriage, ref.Number, status.ErrSeatTaken)
		}
		picked = append(picked, found)
	}
	for _, s := range picked {
		for k := legs.From; k < legs.To; k++ {
			s.legs[k] = reservationID
		}
	}
	return nil
}

func (f *fakeSeats) UnlockSeats(_ context.Context, reservationID string) (int64, error) {
	f.mu.Lock()
	if len(f.unlockErrs) > 0 {
		err := f.unlockErrs[0]
		f.unlockErrs = f.unlockErrs[1:]
		f.mu.Unlock()
		return 0, err
	}

	var n int64
	for _, s := range f.seats {
		for k, holder := range s.legs {
			if holder == reservationID {
				s.legs[k] = ""
				n++
			}
		}
	}
	f.mu.Unlock()

	if f.afterUnlock != nil {
		f.afterUnlock()
	}
	return n, nil
}

// freeCount counts seats of class free on every leg of legs.
func (f *fakeSeats) freeCount(class models.SeatClass, legs route.Legs) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.seats {
		if s.class == class && f.free(s, legs) {
			n++
		}
	}
	return n
}

// held counts legs held by reservationID.
func (f *fakeSeats) held(reservationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.seats {
		for _, holder := range s.legs {
			if holder == reservationID && holder != "" {
				n++
			}
		}
	}
	return n
}

// lockedLegs counts legs held by anyone.
func (f *fakeSeats) lockedLegs() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, s := range f.seats {
		for _, holder := range s.legs {
			if holder != "" {
				n++
			}
		}
	}
	return n
}

type fakeCatalog struct {
	train    *models.Train
	stations []string
	prices   map[models.SeatClass]decimal.Decimal
}

func (c *fakeCatalog) GetTrain(_ context.Context, trainID string) (*models.Train, error) {
	if c.train == nil || c.train.ID != trainID {
		return nil, status.ErrTrainNotFound
	}
	t := *c.train
	return &t, nil
}

func (c *fakeCatalog) ListStations(_ context.Context, _ string) ([]string, error) {
	return c.stations, nil
}

func (c *fakeCatalog) GetPrice(_ context.Context, _, _, _ string, class models.SeatClass) (decimal.Decimal, error) {
	p, ok := c.prices[class]
	if !ok {
		return decimal.Zero, fmt.Errorf("price for class %d: %w", class, status.ErrReferenceData)
	}
	return p, nil
}

type MockOrders struct {
	mock.Mock
}

func (m *MockOrders) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockOrders) CloseOrder(ctx context.Context, orderRef string) (bool, error) {
	args := m.Called(ctx, orderRef)
	return args.Bool(0), args.Error(1)
}

func (m *MockOrders) QueryOrder(ctx context.Context, orderRef string) (*models.OrderDetail, error) {
	args := m.Called(ctx, orderRef)
	order, _ := args.Get(0).(*models.OrderDetail)
	return order, args.Error(1)
}

type MockPassengers struct {
	mock.Mock
}

func (m *MockPassengers) LookupPassengers(ctx context.Context, username string, ids []string) ([]models.Passenger, error) {
	args := m.Called(ctx, username, ids)
	if fn, ok := args.Get(0).(func(context.Context, string, []string) []models.Passenger); ok {
		return fn(ctx, username, ids), args.Error(1)
	}
	found, _ := args.Get(0).([]models.Passenger)
	return found, args.Error(1)
}

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) ScheduleDelayClose(ctx context.Context, ev models.DelayCloseEvent) error {
	return m.Called(ctx, ev).Error(0)
}

func (m *MockScheduler) ScheduleRelease(ctx context.Context, res models.Reservation) error {
	return m.Called(ctx, res).Error(0)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, userID string, message map[string]any) error {
	return m.Called(ctx, userID, message).Error(0)
}

// passengersFor answers every lookup with a record per requested id.
func passengersFor(_ context.Context, _ string, ids []string) []models.Passenger {
	out := make([]models.Passenger, len(ids))
	for i, id := range ids {
		out[i] = models.Passenger{ID: id, RealName: "Name " + id, IDCard: "ID-" + id, Phone: "555"}
	}
	return out
}

type testEnv struct {
	mr         *miniredis.Miniredis
	redis      *redis.Client
	seats      *fakeSeats
	catalog    *fakeCatalog
	orders     *MockOrders
	passengers *MockPassengers
	scheduler  *MockScheduler
	notifier   *MockNotifier
	monitor    *monitoring.Monitor
	locker     *lock.Locker
	cache      *cache.Cache
	trains     *TrainDirectory
	tokens     *TokenBucket
	ledger     *Ledger
	reconciler *Reconciler
	refresher  *TokenRefresher
	locks      *LockCoordinator
	allocator  *Allocator
	svc        *TicketService
	cdcMode    bool
}

type envOption func(*testEnv)

func withCDC() envOption {
	return func(e *testEnv) { e.cdcMode = true }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	e := &testEnv{
		mr:    mr,
		redis: rdb,
		seats: newFakeSeats().
			add(models.SeatSecond, "01", "01A", "01B").
			add(models.SeatFirst, "02", "01A"),
		catalog: &fakeCatalog{
			train:    testTrain(),
			stations: testStations,
			prices: map[models.SeatClass]decimal.Decimal{
				models.SeatSecond: decimal.RequireFromString("120.50"),
				models.SeatFirst:  decimal.RequireFromString("310.00"),
			},
		},
		orders:     &MockOrders{},
		passengers: &MockPassengers{},
		scheduler:  &MockScheduler{},
		notifier:   &MockNotifier{},
		monitor:    monitoring.NewMonitor(rdb),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	clk := clock.NewFixed(testNow)
	ttl := 15 * 24 * time.Hour

	e.locker = lock.NewLocker(rdb)
	e.cache = cache.New(rdb, e.locker)
	e.trains = NewTrainDirectory(e.catalog, e.cache, ttl)
	e.tokens = NewTokenBucket(rdb, e.seats, e.locker, e.monitor, ttl)
	e.ledger = NewLedger(rdb, e.seats, e.cache, e.locker, ttl)
	e.reconciler = NewReconciler(rdb, e.seats, e.ledger, e.tokens, e.trains, e.orders, e.notifier,
		cache.NewIdempotency(rdb), e.monitor, ReconcilerConfig{CDCMode: e.cdcMode, OrderTable: "t_order", DoneTTL: ttl})
	e.refresher = NewTokenRefresher(e.tokens, e.seats, e.locker, clk, 0, 10*time.Minute)
	t.Cleanup(e.refresher.Stop)
	e.locks = NewLockCoordinator(lock.NewRegistry(), lock.NewFairLocker(rdb, clock.NewSystem(), 30*time.Second), e.monitor, 2*time.Second)
	e.allocator = NewAllocator(e.seats, e.passengers, e.catalog, selector.DefaultRegistry(), 4, 5*time.Second, e.monitor)
	e.svc = NewTicketService(TicketServiceDeps{
		Locker:     e.locker,
		Validation: NewPurchaseValidation(e.trains, e.ledger, clk, false),
		Trains:     e.trains,
		Tokens:     e.tokens,
		Refresher:  e.refresher,
		Locks:      e.locks,
		Allocator:  e.allocator,
		Ledger:     e.ledger,
		Reconciler: e.reconciler,
		Orders:     e.orders,
		Scheduler:  e.scheduler,
		Notifier:   e.notifier,
		Monitor:    e.monitor,
		Clock:      clk,
	})
	return e
}

func reservation(id, dep, arr string, demand map[models.SeatClass]int) models.Reservation {
	return models.Reservation{ID: id, TrainID: "T1", Departure: dep, Arrival: arr, UserID: "u1", Demand: demand}
}
