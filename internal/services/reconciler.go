package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"train-ticket/internal/cache"
	"train-ticket/internal/keys"
	"train-ticket/internal/status"
	"train-ticket/models"
	"train-ticket/monitoring"
)

const (
	TriggerCancel      = "cancel"
	TriggerDelayClose  = "delay-close"
	TriggerOrderClosed = "order-closed"
	TriggerRowChange   = "row-change"
	TriggerCompensate  = "compensate"
)

// Reconciler gives a reservation's inventory back: seat legs first, then the
// ledger, then the token bucket.
type Reconciler struct {
	redis       *redis.Client
	seats       SeatStore
	ledger      *Ledger
	tokens      *TokenBucket
	trains      *TrainDirectory
	orders      OrderService
	notifier    Notifier
	idempotency *cache.Idempotency
	monitor     *monitoring.Monitor
	cdcMode     bool
	orderTable  string
	doneTTL     time.Duration
}

type ReconcilerConfig struct {
	CDCMode    bool
	OrderTable string
	DoneTTL    time.Duration
}

func NewReconciler(redisClient *redis.Client, seats SeatStore, ledger *Ledger, tokens *TokenBucket, trains *TrainDirectory, orders OrderService, notifier Notifier, idempotency *cache.Idempotency, monitor *monitoring.Monitor, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		redis:       redisClient,
		seats:       seats,
		ledger:      ledger,
		tokens:      tokens,
		trains:      trains,
		orders:      orders,
		notifier:    notifier,
		idempotency: idempotency,
		monitor:     monitor,
		cdcMode:     cfg.CDCMode,
		orderTable:  cfg.OrderTable,
		doneTTL:     cfg.DoneTTL,
	}
}

// Release restores everything held by res. A reservation that was already
// released is skipped. Any failed step is returned so the caller can retry.
func (r *Reconciler) Release(ctx context.Context, res models.Reservation, trigger string) error {
	log := slog.With("train_id", res.TrainID, "reservation_id", res.ID, "trigger", trigger)
	doneKey := keys.Reconciled(res.TrainID, res.ID)

	done, err := r.redis.Exists(ctx, doneKey).Result()
	if err != nil {
		r.monitor.TrackReconciliation(trigger, "error")
		return status.Dependency("reconcile", err)
	}
	if done == 1 {
		log.Info("Reservation already reconciled")
		r.monitor.TrackReconciliation(trigger, "duplicate")
		return nil
	}

	stations, err := r.trains.Stations(ctx, res.TrainID)
	if err != nil {
		r.monitor.TrackReconciliation(trigger, "error")
		return status.Dependency("reconcile", err)
	}

	// a segment loaded after the unlock would already count the freed seats
	if err := r.ledger.Preload(ctx, stations, res); err != nil {
		r.monitor.TrackReconciliation(trigger, "error")
		return err
	}

	unlocked, err := r.seats.UnlockSeats(ctx, res.ID)
	if err != nil {
		log.Error("Failed to unlock seats", "error", err)
		r.monitor.TrackReconciliation(trigger, "error")
		return status.Consistency("unlock seats", err)
	}

	if err := r.ledger.Restore(ctx, stations, res); err != nil {
		log.Error("Failed to restore ledger", "error", err)
		r.monitor.TrackReconciliation(trigger, "error")
		return status.Consistency("restore ledger", err)
	}

	outcome, err := r.tokens.Rollback(ctx, res.TrainID, res.ID)
	if err != nil {
		log.Error("Failed to roll back tokens", "error", err)
		r.monitor.TrackReconciliation(trigger, "error")
		return status.Consistency("rollback tokens", err)
	}

	if err := r.redis.Set(ctx, doneKey, trigger, r.doneTTL).Err(); err != nil {
		log.Error("Failed to mark reservation reconciled", "error", err)
		r.monitor.TrackReconciliation(trigger, "error")
		return status.Consistency("mark reconciled", err)
	}

	log.Info("Reconciled reservation", "legs_unlocked", unlocked, "token_rollback", outcome)
	r.monitor.TrackReconciliation(trigger, "success")

	if res.UserID != "" {
		msg := map[string]any{
			"type":           "tickets_released",
			"train_id":       res.TrainID,
			"reservation_id": res.ID,
			"reason":         trigger,
		}
		if err := r.notifier.Notify(ctx, res.UserID, msg); err != nil {
			log.Warn("Failed to notify release", "error", err)
		}
	}
	return nil
}

// HandleDelayClose closes an unpaid order once its payment window lapsed.
// In cdc mode the change stream reconciles the closed order.
func (r *Reconciler) HandleDelayClose(ctx context.Context, ev models.DelayCloseEvent) error {
	closed, err := r.orders.CloseOrder(ctx, ev.OrderRef)
	if err != nil {
		slog.Error("Failed to close order", "order_ref", ev.OrderRef, "error", err)
		return status.Dependency("close order", err)
	}
	if r.cdcMode {
		return nil
	}
	if !closed {
		// A retry after a failed release finds the order already closed.
		order, err := r.orders.QueryOrder(ctx, ev.OrderRef)
		if err != nil {
			return status.Dependency("query order", err)
		}
		if order.Status != models.OrderClosed {
			slog.Info("Order left open by delay close", "order_ref", ev.OrderRef, "status", int(order.Status))
			return nil
		}
	}
	return r.Release(ctx, ev.Reservation, TriggerDelayClose)
}

// HandleOrderClosed reconciles an order the order subsystem reported closed.
func (r *Reconciler) HandleOrderClosed(ctx context.Context, ev models.OrderClosedEvent) error {
	if r.cdcMode {
		return nil
	}
	return r.once(ctx, "order-closed:"+ev.EventID, func(ctx context.Context) error {
		order, err := r.orders.QueryOrder(ctx, ev.OrderRef)
		if err != nil {
			return status.Dependency("query order", err)
		}
		if order.Status != models.OrderClosed {
			slog.Warn("Ignoring close event for open order", "order_ref", ev.OrderRef, "status", int(order.Status))
			return nil
		}
		return r.Release(ctx, models.ReservationFromOrder(order), TriggerOrderClosed)
	})
}

// HandleRowChange reconciles orders whose status column moved to closed.
func (r *Reconciler) HandleRowChange(ctx context.Context, ev models.RowChangeEvent, dedupKey string) error {
	if !r.cdcMode || ev.IsDDL || !strings.EqualFold(ev.Type, "UPDATE") || ev.Table != r.orderTable {
		return nil
	}

	return r.once(ctx, "row-change:"+dedupKey, func(ctx context.Context) error {
		for i, row := range ev.Data {
			if i >= len(ev.Old) {
				break
			}
			old, changed := ev.Old[i]["status"]
			if !changed || fieldInt(old) == int(models.OrderClosed) || fieldInt(row["status"]) != int(models.OrderClosed) {
				continue
			}
			orderRef := fieldString(row["order_sn"])
			if orderRef == "" {
				slog.Warn("Closed order row without order_sn", "table", ev.Table, "event_id", ev.ID)
				continue
			}

			order, err := r.orders.QueryOrder(ctx, orderRef)
			if err != nil {
				return status.Dependency("query order", err)
			}
			if err := r.Release(ctx, models.ReservationFromOrder(order), TriggerRowChange); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel closes the caller's own order and releases its inventory.
func (r *Reconciler) Cancel(ctx context.Context, caller Caller, orderRef string) error {
	order, err := r.orders.QueryOrder(ctx, orderRef)
	if err != nil {
		return err
	}
	if order.UserID != caller.UserID {
		return status.Client("cancel order", status.ErrOrderNotFound)
	}

	closed, err := r.orders.CloseOrder(ctx, orderRef)
	if err != nil {
		slog.Error("Failed to close order", "order_ref", orderRef, "error", err)
		return status.Dependency("close order", err)
	}
	if !closed && order.Status != models.OrderClosed {
		return status.Client("cancel order", status.ErrOrderNotClosable)
	}
	return r.Release(ctx, models.ReservationFromOrder(order), TriggerCancel)
}

func (r *Reconciler) once(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	first, err := r.idempotency.Begin(ctx, key)
	if err != nil {
		return err
	}
	if !first {
		slog.Info("Skipping consumed message", "key", key)
		return nil
	}

	if err := fn(ctx); err != nil {
		if abortErr := r.idempotency.Abort(context.WithoutCancel(ctx), key); abortErr != nil {
			slog.Error("Failed to release message claim", "key", key, "error", abortErr)
		}
		return err
	}
	if err := r.idempotency.Commit(ctx, key); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func fieldString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func fieldInt(v any) int {
	n, err := strconv.Atoi(fieldString(v))
	if err != nil {
		return -1
	}
	return n
}
