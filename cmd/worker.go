package cmd

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"golang.org/x/sync/errgroup"

	"train-ticket/config"
	"train-ticket/internal/messaging"
	"train-ticket/internal/workflows"
	"train-ticket/monitoring"
)

const shutdownGrace = 15 * time.Second

func newWorkerCommand(app *pocketbase.PocketBase, cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Runs the delay-close and release workflow worker and the order event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), app, cfg)
		},
	}
}

func runWorker(ctx context.Context, app *pocketbase.PocketBase, cfg *config.Config) error {
	stopped := make(chan struct{})
	defer close(stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go handleShutdown(cancel)

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		cancel()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			log.Println("Worker did not stop in time")
		}
		return e.Next()
	})

	eng, err := newEngine(ctx, app, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	w := worker.New(eng.temporal, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w, &workflows.Activities{Reconciler: eng.reconciler})
	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()
	log.Printf("Workflow worker polling %s", cfg.TemporalTaskQueue)

	dlq, err := messaging.NewSaramaProducer(cfg.KafkaBrokers)
	if err != nil {
		return err
	}
	defer dlq.Close()

	handler := messaging.NewHandler(eng.reconciler, dlq, messaging.Topics{
		OrderClosed: cfg.OrderClosedTopic,
		OrderChange: cfg.OrderChangeTopic,
		DeadLetter:  cfg.DeadLetterTopic,
	}, cfg.ReconcileMaxAttempts)

	topics := []string{cfg.OrderClosedTopic}
	if cfg.CDCMode() {
		topics = []string{cfg.OrderChangeTopic}
	}
	consumer, err := messaging.NewConsumer("order-events", cfg.KafkaBrokers, cfg.KafkaGroupID, topics, handler)
	if err != nil {
		return err
	}
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Start(ctx)
	})
	g.Go(func() error {
		eng.monitor.Start(ctx, cfg.MetricsInterval)
		return nil
	})
	if cfg.EnableMetrics {
		g.Go(func() error {
			return monitoring.Serve(ctx, ":"+cfg.MetricsPort, monitoring.NewOpsRouter(eng.healthChecks()))
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Println("Worker stopped")
	return nil
}
