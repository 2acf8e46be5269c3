package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/assetafk/bankir/internal/admin"
	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/config"
	"github.com/assetafk/bankir/internal/fraud"
	"github.com/assetafk/bankir/internal/idempotency"
	"github.com/assetafk/bankir/internal/kv"
	"github.com/assetafk/bankir/internal/ledger"
	"github.com/assetafk/bankir/internal/middleware"
	"github.com/assetafk/bankir/internal/transfer"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// backends selects the Postgres and Redis implementations, or in-memory ones
// when running in development without them.
func backends(d Deps) (ledger.Store, audit.Log, kv.Store, map[string]pinger) {
	checks := map[string]pinger{}

	var (
		store    ledger.Store
		auditLog audit.Log
	)
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB, d.Cfg.Transfer.LockTimeout)
		auditLog = audit.NewPostgresLog(d.DB)
		checks["postgres"] = d.DB.Ping
	} else {
		mem := ledger.NewInMemory(ledger.WithLockTimeout(d.Cfg.Transfer.LockTimeout))
		store, auditLog = mem, mem.AuditLog()
	}

	var counters kv.Store
	if d.Cache != nil {
		counters = kv.NewRedis(d.Cache)
	} else {
		counters = kv.NewMemory()
	}
	checks["redis"] = counters.Ping
	return store, auditLog, counters, checks
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.AccessLog(d.Logger))

	store, auditLog, counters, checks := backends(d)
	RegisterHealthRoutes(app, checks)

	// Services and handlers
	coordinator := idempotency.NewCoordinator(counters, d.Cfg.Idempotency, d.Logger)
	evaluator := fraud.NewEvaluator(counters, auditLog, d.Cfg.Fraud, d.Logger)
	transferSvc := transfer.NewService(store, coordinator, evaluator, auditLog, d.Cfg.Transfer, d.Logger)
	adminSvc := admin.NewService(store, auditLog, d.Logger)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Operator routes, registered ahead of the requestor group so they only
	// need the operator token.
	RegisterAdminRoutes(api.Group("/admin", middleware.AdminToken(d.Cfg.AdminToken)), admin.NewHandler(adminSvc))

	// Requestor-scoped routes
	RegisterTransferRoutes(api.Group("", middleware.Requestor()), transfer.NewHandler(transferSvc))

	return nil
}

