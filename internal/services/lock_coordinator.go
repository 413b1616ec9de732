package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"train-ticket/internal/keys"
	"train-ticket/internal/lock"
	"train-ticket/internal/status"
	"train-ticket/models"
	"train-ticket/monitoring"
)

// LockCoordinator serializes purchases per (train, seat class). Each key is
// taken first in this process and then across the cluster, keys in
// ascending class order.
type LockCoordinator struct {
	local   *lock.Registry
	cluster *lock.FairLocker
	monitor *monitoring.Monitor
	wait    time.Duration
}

func NewLockCoordinator(local *lock.Registry, cluster *lock.FairLocker, monitor *monitoring.Monitor, wait time.Duration) *LockCoordinator {
	return &LockCoordinator{local: local, cluster: cluster, monitor: monitor, wait: wait}
}

// Held is a set of acquired purchase locks.
type Held struct {
	once     sync.Once
	releases []func()
}

// Release drops every lock in reverse acquisition order. Only the first call
// has any effect.
func (h *Held) Release() {
	h.once.Do(func() {
		for i := len(h.releases) - 1; i >= 0; i-- {
			h.releases[i]()
		}
	})
}

// Acquire takes the purchase locks for every class within the configured
// wait. On failure nothing stays held.
func (c *LockCoordinator) Acquire(ctx context.Context, trainID string, classes []models.SeatClass) (*Held, error) {
	ctx, cancel := context.WithTimeout(ctx, c.wait)
	defer cancel()

	held := &Held{}
	for _, class := range sortedUnique(classes) {
		key := keys.PurchaseLock(trainID, class)

		start := time.Now()
		unlock, err := c.local.Lock(ctx, key)
		c.monitor.TrackLockWait("local", time.Since(start))
		if err != nil {
			held.Release()
			return nil, lockError(err)
		}
		held.releases = append(held.releases, unlock)

		start = time.Now()
		lease, err := c.cluster.Lock(ctx, key)
		c.monitor.TrackLockWait("cluster", time.Since(start))
		if err != nil {
			held.Release()
			return nil, lockError(err)
		}
		held.releases = append(held.releases, func() {
			if err := lease.Unlock(context.Background()); err != nil {
				slog.Warn("Failed to release purchase lock", "key", key, "error", err)
			}
		})
	}
	return held, nil
}

func lockError(err error) error {
	if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return status.Contention("acquire purchase lock", status.ErrLockTimeout)
	}
	return status.Dependency("acquire purchase lock", err)
}

func sortedUnique(classes []models.SeatClass) []models.SeatClass {
	demand := make(map[models.SeatClass]int, len(classes))
	for _, c := range classes {
		demand[c]++
	}
	return models.SortedClasses(demand)
}
