package workflows

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"

	"train-ticket/models"
)

// TemporalScheduler starts one delay-close workflow per order and one release
// workflow per failed compensation.
type TemporalScheduler struct {
	client    client.Client
	taskQueue string
	delay     time.Duration
}

func NewTemporalScheduler(c client.Client, taskQueue string, delay time.Duration) *TemporalScheduler {
	return &TemporalScheduler{client: c, taskQueue: taskQueue, delay: delay}
}

func WorkflowID(orderRef string) string {
	return "delay-close-" + orderRef
}

func (s *TemporalScheduler) ScheduleDelayClose(ctx context.Context, ev models.DelayCloseEvent) error {
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(ev.OrderRef),
		TaskQueue: s.taskQueue,
	}
	if _, err := s.client.ExecuteWorkflow(ctx, opts, DelayCloseWorkflowName, DelayCloseInput{Event: ev, Delay: s.delay}); err != nil {
		return fmt.Errorf("start delay close for %s: %w", ev.OrderRef, err)
	}
	return nil
}

func ReleaseWorkflowID(reservationID string) string {
	return "release-" + reservationID
}

func (s *TemporalScheduler) ScheduleRelease(ctx context.Context, res models.Reservation) error {
	opts := client.StartWorkflowOptions{
		ID:        ReleaseWorkflowID(res.ID),
		TaskQueue: s.taskQueue,
	}
	input := ReleaseInput{Reservation: res, Trigger: compensateTrigger}
	if _, err := s.client.ExecuteWorkflow(ctx, opts, ReleaseWorkflowName, input); err != nil {
		return fmt.Errorf("start release for %s: %w", res.ID, err)
	}
	return nil
}
