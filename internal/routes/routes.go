package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/everesthood/payments/internal/billing"
	"github.com/everesthood/payments/internal/config"
	"github.com/everesthood/payments/internal/events"
	"github.com/everesthood/payments/internal/ledger"
	"github.com/everesthood/payments/internal/middleware"
	"github.com/everesthood/payments/internal/report"
	"github.com/everesthood/payments/internal/transfer"
	"github.com/everesthood/payments/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Store overrides the backend selection; tests inject a memory store.
	Store ledger.Store
}

// Setup configures middlewares and all application routes, and returns the
// report scheduler so main can attach the worker pool to the same queue.
func Setup(app *fiber.App, d Deps) (*report.Scheduler, error) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	store := d.Store
	if store == nil {
		if d.DB != nil {
			store = ledger.NewPostgres(d.DB)
		} else {
			store = ledger.NewMemory()
		}
	}

	var publisher events.Publisher = events.NewLoggerPublisher(d.Logger)
	if d.Cache != nil {
		publisher = events.Fanout{events.NewRedisPublisher(d.Cache), publisher}
	}

	transferSvc := transfer.NewService(store, publisher, d.Logger, d.Cfg.TransferMaxAttempts)
	transferHandler := transfer.NewHandler(transferSvc)

	walletSvc := wallet.NewService(store)
	walletHandler := wallet.NewHandler(walletSvc)

	reconciler := billing.NewReconciler(store, d.Logger)
	webhookHandler := billing.NewHandler(reconciler, d.Cfg.WebhookSecret, d.Logger)

	var scheduler *report.Scheduler
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	api.Post("/transfers", transferHandler.Execute)
	api.Get("/transfers/:transferId", transferHandler.Get)
	api.Get("/wallets/:ownerId", walletHandler.Balance)
	api.Get("/wallets/:ownerId/entries", walletHandler.History)
	api.Post("/webhooks/billing", webhookHandler.Receive)

	if d.Cache != nil {
		scheduler = report.NewScheduler(store, d.Cache)
		reportHandler := report.NewHandler(scheduler, store)
		api.Post("/reports", reportHandler.Schedule)
		api.Get("/reports/:reportId", reportHandler.Get)
	}

	return scheduler, nil
}
