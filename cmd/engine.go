package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"

	"train-ticket/config"
	"train-ticket/internal/cache"
	"train-ticket/internal/clock"
	"train-ticket/internal/lock"
	"train-ticket/internal/notify"
	"train-ticket/internal/remote"
	"train-ticket/internal/services"
	"train-ticket/internal/services/selector"
	"train-ticket/internal/storage/catalog"
	"train-ticket/internal/storage/postgres"
	seatmigrations "train-ticket/internal/storage/postgres/migrations"
	"train-ticket/internal/workflows"
	"train-ticket/monitoring"
	"train-ticket/utils"
)

// engine holds the connections and services shared by the API server and the
// worker.
type engine struct {
	redis      *redis.Client
	pool       *pgxpool.Pool
	temporal   client.Client
	monitor    *monitoring.Monitor
	tickets    *services.TicketService
	reconciler *services.Reconciler
	refresher  *services.TokenRefresher
	closers    []func()
}

func newEngine(ctx context.Context, app core.App, cfg *config.Config) (_ *engine, err error) {
	eng := &engine{}
	defer func() {
		if err != nil {
			eng.Close()
		}
	}()

	eng.redis, err = utils.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	eng.onClose(func() { _ = eng.redis.Close() })

	eng.pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open seat store: %w", err)
	}
	eng.onClose(eng.pool.Close)
	if err = eng.pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping seat store: %w", err)
	}
	if err = seatmigrations.Apply(ctx, eng.pool); err != nil {
		return nil, err
	}
	log.Println("Seat store migrations applied")

	eng.temporal, err = client.Dial(client.Options{
		HostPort:  cfg.TemporalHostPort,
		Namespace: cfg.TemporalNamespace,
		Logger:    tlog.NewStructuredLogger(slog.Default()),
	})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	eng.onClose(eng.temporal.Close)

	orders, err := remote.NewOrderClient(cfg.OrderServiceURL, cfg.RemoteTimeout)
	if err != nil {
		return nil, err
	}
	passengers, err := remote.NewPassengerClient(cfg.UserServiceURL, cfg.RemoteTimeout)
	if err != nil {
		return nil, err
	}

	var notifier services.Notifier = notify.Discard{}
	if cfg.PubNubPublishKey != "" {
		notifier = notify.NewPublisher(notify.NewPubNub(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey, "train-ticket"))
	} else {
		slog.Warn("PubNub keys not set, purchase notifications are disabled")
	}

	clk := clock.NewSystem()
	ttl := cfg.AdvanceSaleTTL()
	eng.monitor = monitoring.NewMonitor(eng.redis)

	locker := lock.NewLocker(eng.redis)
	c := cache.New(eng.redis, locker)
	seats := postgres.NewSeatRepository(eng.pool)
	trainCatalog := catalog.New(app.DB())

	trains := services.NewTrainDirectory(trainCatalog, c, ttl)
	ledger := services.NewLedger(eng.redis, seats, c, locker, ttl)
	tokens := services.NewTokenBucket(eng.redis, seats, locker, eng.monitor, ttl)

	eng.refresher = services.NewTokenRefresher(tokens, seats, locker, clk, cfg.TokenRefreshDelay, cfg.TokenRefreshDebounce)
	eng.onClose(eng.refresher.Stop)

	eng.reconciler = services.NewReconciler(eng.redis, seats, ledger, tokens, trains, orders, notifier,
		cache.NewIdempotency(eng.redis), eng.monitor, services.ReconcilerConfig{
			CDCMode:    cfg.CDCMode(),
			OrderTable: cfg.OrderTable,
			DoneTTL:    ttl,
		})

	eng.tickets = services.NewTicketService(services.TicketServiceDeps{
		Locker:     locker,
		Validation: services.NewPurchaseValidation(trains, ledger, clk, cfg.SaleWindowBypass),
		Trains:     trains,
		Tokens:     tokens,
		Refresher:  eng.refresher,
		Locks: services.NewLockCoordinator(lock.NewRegistry(),
			lock.NewFairLocker(eng.redis, clk, cfg.LockLease), eng.monitor, cfg.LockWaitTimeout),
		Allocator: services.NewAllocator(seats, passengers, trainCatalog, selector.DefaultRegistry(),
			cfg.AllocationWorkers, cfg.AllocationTimeout, eng.monitor),
		Ledger:     ledger,
		Reconciler: eng.reconciler,
		Orders:     orders,
		Scheduler:  workflows.NewTemporalScheduler(eng.temporal, cfg.TemporalTaskQueue, cfg.DelayCloseAfter),
		Notifier:   notifier,
		Monitor:    eng.monitor,
		Clock:      clk,
	})

	slog.Info("Ticket engine ready", "cacheUpdateMode", cfg.CacheUpdateMode, "saleWindowBypass", cfg.SaleWindowBypass)
	return eng, nil
}

func (e *engine) onClose(fn func()) {
	e.closers = append(e.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func (e *engine) healthChecks() map[string]monitoring.HealthCheck {
	return map[string]monitoring.HealthCheck{
		"redis": func(ctx context.Context) error {
			return utils.RedisHealthCheck(ctx, e.redis)
		},
		"postgres": func(ctx context.Context) error {
			return e.pool.Ping(ctx)
		},
	}
}
