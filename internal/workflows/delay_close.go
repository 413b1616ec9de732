// Package workflows schedules the delayed close of unpaid orders on Temporal.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"train-ticket/models"
)

const (
	DelayCloseWorkflowName = "DelayCloseOrderWorkflow"
	CloseActivityName      = "CloseOrderAndReconcile"
)

type DelayCloseInput struct {
	Event models.DelayCloseEvent `json:"event"`
	Delay time.Duration          `json:"delay"`
}

// DelayCloseOrderWorkflow waits out the payment window measured from the
// order's creation, then closes the order and reconciles its inventory.
func DelayCloseOrderWorkflow(ctx workflow.Context, input DelayCloseInput) error {
	logger := workflow.GetLogger(ctx)

	if wait := input.Event.CreatedAt.Add(input.Delay).Sub(workflow.Now(ctx)); wait > 0 {
		logger.Info("Waiting for payment window", "orderRef", input.Event.OrderRef, "wait", wait)
		if err := workflow.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	})

	if err := workflow.ExecuteActivity(ctx, CloseActivityName, input.Event).Get(ctx, nil); err != nil {
		logger.Error("Delay close failed", "orderRef", input.Event.OrderRef, "error", err)
		return err
	}
	logger.Info("Delay close finished", "orderRef", input.Event.OrderRef)
	return nil
}
