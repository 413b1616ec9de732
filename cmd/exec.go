package cmd

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"

	"train-ticket/config"
	"train-ticket/internal/handlers"
	_ "train-ticket/migrations"
	"train-ticket/monitoring"
	"train-ticket/security"
	"train-ticket/utils"
)

// catalogCollections maps each catalog collection to the field holding the
// train id of a record.
var catalogCollections = map[string]string{
	"trains":               "id",
	"train_stations":       "train",
	"train_station_prices": "train",
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	app.RootCmd.AddCommand(newWorkerCommand(app, cfg))

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		ctx, cancel := context.WithCancel(context.Background())

		eng, err := newEngine(ctx, app, cfg)
		if err != nil {
			cancel()
			return err
		}

		app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
			log.Println("Shutdown signal received, cleaning up...")
			cancel()
			eng.Close()
			return e.Next()
		})

		go eng.monitor.Start(ctx, cfg.MetricsInterval)
		if cfg.EnableMetrics {
			go func() {
				if err := monitoring.Serve(ctx, ":"+cfg.MetricsPort, monitoring.NewOpsRouter(eng.healthChecks())); err != nil {
					slog.Error("Ops server stopped", "error", err)
				}
			}()
		}

		registerRoutes(se, eng, cfg)
		setupCatalogHooks(app, eng)

		return se.Next()
	})

	// Start server
	return app.Start()
}

func registerRoutes(se *core.ServeEvent, eng *engine, cfg *config.Config) {
	limiter := security.NewRateLimiter(eng.redis)
	ticketHandler := handlers.NewTicketHandler(eng.tickets, eng.reconciler)
	adminHandler := handlers.NewAdminHandler(eng.tickets)

	api := se.Router.Group("/api/v1")
	api.BindFunc(limiter.AntiBot())

	// Ticket endpoints
	api.POST("/tickets/purchase", ticketHandler.Purchase).
		Bind(apis.RequireAuth()).
		BindFunc(limiter.PurchaseRateLimit(cfg.PurchaseRateLimit, cfg.PurchaseRateWindow))
	api.GET("/trains/{trainId}/remaining", ticketHandler.Remaining)
	api.POST("/orders/{orderRef}/cancel", ticketHandler.CancelOrder).
		Bind(apis.RequireAuth())

	// Admin endpoints
	admin := api.Group("/admin")
	admin.Bind(apis.RequireSuperuserAuth())
	admin.GET("/trains/{trainId}/token-bucket", adminHandler.GetTokenBucket)
	admin.POST("/trains/{trainId}/token-bucket/invalidate", adminHandler.InvalidateTokenBucket)

	// Health check
	se.Router.GET("/health", func(e *core.RequestEvent) error {
		ctx := e.Request.Context()
		if err := utils.RedisHealthCheck(ctx, eng.redis); err != nil {
			return e.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		if err := eng.pool.Ping(ctx); err != nil {
			return e.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	log.Println("Server routes registered")
}

// setupCatalogHooks drops cached train data whenever a catalog record changes,
// whether through the dashboard, the API or a migration.
func setupCatalogHooks(app core.App, eng *engine) {
	forget := func(e *core.RecordEvent) error {
		field := catalogCollections[e.Record.Collection().Name]
		trainID := e.Record.GetString(field)
		if field == "id" {
			trainID = e.Record.Id
		}
		if trainID == "" {
			return e.Next()
		}

		if err := eng.tickets.ForgetTrain(e.Context, trainID); err != nil {
			// the record change itself succeeded; cached entries expire on their own
			slog.Error("Failed to drop cached train data",
				"trainID", trainID,
				"collection", e.Record.Collection().Name,
				"error", err,
			)
			return e.Next()
		}
		slog.Info("Dropped cached train data", "trainID", trainID, "collection", e.Record.Collection().Name)
		return e.Next()
	}

	for name := range catalogCollections {
		app.OnRecordAfterCreateSuccess(name).BindFunc(forget)
		app.OnRecordAfterUpdateSuccess(name).BindFunc(forget)
		app.OnRecordAfterDeleteSuccess(name).BindFunc(forget)
	}
}

// handleShutdown cancels the worker context on SIGINT or SIGTERM.
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, cleaning up...")
	cancel()
}
