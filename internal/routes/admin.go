package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/assetafk/bankir/internal/admin"
)

// RegisterAdminRoutes wires operator endpoints.
func RegisterAdminRoutes(r fiber.Router, h *admin.Handler) {
	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/:id", h.GetAccount)
	r.Delete("/accounts/:id", h.DeleteAccount)
	r.Post("/accounts/:id/restore", h.RestoreAccount)
	r.Get("/accounts/:id/verify", h.VerifyLedger)
	r.Get("/fraud/stats", h.FraudStats)
	r.Get("/audit-logs", h.AuditLog)
}
