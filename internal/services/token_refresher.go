package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"train-ticket/internal/clock"
	"train-ticket/internal/keys"
	"train-ticket/internal/lock"
	"train-ticket/internal/route"
	"train-ticket/models"
)

// TokenRefresher rebuilds a train's token bucket when a rejected take turns
// out to be covered by authoritative stock. Checks are debounced per train,
// locally and across the cluster.
type TokenRefresher struct {
	tokens   *TokenBucket
	seats    SeatStore
	locker   *lock.Locker
	clock    clock.Clock
	delay    time.Duration
	debounce time.Duration

	mu      sync.Mutex
	recent  map[string]time.Time
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

func NewTokenRefresher(tokens *TokenBucket, seats SeatStore, locker *lock.Locker, clk clock.Clock, delay, debounce time.Duration) *TokenRefresher {
	ctx, cancel := context.WithCancel(context.Background())
	return &TokenRefresher{
		tokens:   tokens,
		seats:    seats,
		locker:   locker,
		clock:    clk,
		delay:    delay,
		debounce: debounce,
		recent:   make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Trigger schedules a stock check for the trip unless one ran for the train
// within the debounce window. It reports whether a check was scheduled.
func (t *TokenRefresher) Trigger(ctx context.Context, train *models.Train, stations []string, res models.Reservation) bool {
	if !t.claimLocal(train.ID) {
		return false
	}

	// The lease is left to expire so other instances stay debounced too.
	if _, err := t.locker.TryLock(ctx, keys.TokenRefreshLock(train.ID), t.debounce); err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			slog.Warn("Failed to claim token refresh", "train_id", train.ID, "error", err)
		}
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.check(train, stations, res)
	}()
	return true
}

func (t *TokenRefresher) claimLocal(trainID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for id, at := range t.recent {
		if now.Sub(at) >= t.debounce {
			delete(t.recent, id)
		}
	}
	if _, ok := t.recent[trainID]; ok {
		return false
	}
	t.recent[trainID] = now
	return true
}

func (t *TokenRefresher) check(train *models.Train, stations []string, res models.Reservation) {
	select {
	case <-t.ctx.Done():
		return
	case <-time.After(t.delay):
	}

	legs, ok := route.Locate(stations, res.Departure, res.Arrival)
	if !ok {
		return
	}
	classes := models.SortedClasses(res.Demand)
	stock, err := t.seats.CountAvailableByClass(t.ctx, train.ID, legs, classes)
	if err != nil {
		slog.Error("Failed to count stock for token refresh", "train_id", train.ID, "error", err)
		return
	}

	for _, class := range classes {
		if res.Demand[class] <= stock[class] {
			slog.Warn("Token bucket rejected a take that stock covers",
				"train_id", train.ID, "seat_class", int(class), "demand", res.Demand[class], "stock", stock[class])
			if err := t.tokens.Invalidate(t.ctx, train.ID, "divergence"); err != nil {
				slog.Error("Failed to invalidate token bucket", "train_id", train.ID, "error", err)
			}
			return
		}
	}
}

// Stop cancels pending checks and waits for them to return.
func (t *TokenRefresher) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}
