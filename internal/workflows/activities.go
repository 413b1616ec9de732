package workflows

import (
	"context"
	"log/slog"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"train-ticket/internal/status"
	"train-ticket/models"
)

type Reconciler interface {
	HandleDelayClose(ctx context.Context, ev models.DelayCloseEvent) error
	Release(ctx context.Context, res models.Reservation, trigger string) error
}

type Activities struct {
	Reconciler Reconciler
}

func (a *Activities) CloseOrderAndReconcile(ctx context.Context, ev models.DelayCloseEvent) error {
	err := a.Reconciler.HandleDelayClose(ctx, ev)
	if err == nil {
		return nil
	}
	slog.Error("Close and reconcile failed", "order_ref", ev.OrderRef, "reservation_id", ev.Reservation.ID,
		"attempt", activity.GetInfo(ctx).Attempt, "error", err)
	return retryable(err)
}

func (a *Activities) ReleaseReservation(ctx context.Context, in ReleaseInput) error {
	err := a.Reconciler.Release(ctx, in.Reservation, in.Trigger)
	if err == nil {
		return nil
	}
	slog.Error("Release retry failed", "train_id", in.Reservation.TrainID, "reservation_id", in.Reservation.ID,
		"attempt", activity.GetInfo(ctx).Attempt, "error", err)
	return retryable(err)
}

// retryable stops retries for errors no retry can fix.
func retryable(err error) error {
	if status.KindOf(err) == status.KindClient {
		return temporal.NewNonRetryableApplicationError(err.Error(), status.KindClient.String(), err)
	}
	return err
}

// Register adds the delay-close and release workflows and their activities
// to a worker.
func Register(r worker.Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(DelayCloseOrderWorkflow, workflow.RegisterOptions{Name: DelayCloseWorkflowName})
	r.RegisterWorkflowWithOptions(ReleaseReservationWorkflow, workflow.RegisterOptions{Name: ReleaseWorkflowName})
	r.RegisterActivityWithOptions(acts.CloseOrderAndReconcile, activity.RegisterOptions{Name: CloseActivityName})
	r.RegisterActivityWithOptions(acts.ReleaseReservation, activity.RegisterOptions{Name: ReleaseActivityName})
}
