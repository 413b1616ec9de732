package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"train-ticket/models"
)

const (
	ReleaseWorkflowName = "ReleaseReservationWorkflow"
	ReleaseActivityName = "ReleaseReservation"

	compensateTrigger = "compensate"
)

type ReleaseInput struct {
	Reservation models.Reservation `json:"reservation"`
	Trigger     string             `json:"trigger"`
}

// ReleaseReservationWorkflow gives a reservation's inventory back, retrying
// until the release goes through. Release is idempotent, so a retry after a
// partial run is safe.
func ReleaseReservationWorkflow(ctx workflow.Context, input ReleaseInput) error {
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
		},
	})

	if err := workflow.ExecuteActivity(ctx, ReleaseActivityName, input).Get(ctx, nil); err != nil {
		logger.Error("Release failed", "reservationID", input.Reservation.ID, "error", err)
		return err
	}
	logger.Info("Release finished", "reservationID", input.Reservation.ID, "trigger", input.Trigger)
	return nil
}
