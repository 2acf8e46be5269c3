package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/ledger"
	"github.com/assetafk/bankir/internal/middleware"
	"github.com/assetafk/bankir/internal/transfer"
)

// Handler exposes operator endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createAccountRequest struct {
	OwnerID        int64           `json:"owner_id"`
	Currency       string          `json:"currency"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

func accountJSON(acc ledger.Account) fiber.Map {
	return fiber.Map{
		"id":         acc.ID,
		"owner_id":   acc.OwnerID,
		"currency":   acc.Currency,
		"balance":    acc.Balance,
		"is_deleted": acc.Deleted,
		"deleted_at": acc.DeletedAt,
		"created_at": acc.CreatedAt,
	}
}

func actorFrom(c *fiber.Ctx) Actor {
	actor := Actor{IP: c.IP(), UserAgent: c.Get(fiber.HeaderUserAgent), RequestID: middleware.RequestIDFrom(c)}
	if uid, ok := middleware.UserID(c); ok {
		actor.UserID = &uid
	}
	return actor
}

func accountID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid account id")
	}
	return id, nil
}

func accountError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAccountNotDeleted):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrUnsupportedCurrency), errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

// CreateAccount opens an account, optionally with an opening balance.
func (h *Handler) CreateAccount(c *fiber.Ctx) error {
	var req createAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.OwnerID <= 0 {
		return fiber.NewError(http.StatusBadRequest, "owner_id is required")
	}
	acc, err := h.service.CreateAccount(c.UserContext(), actorFrom(c), ledger.NewAccount{
		OwnerID:        req.OwnerID,
		Currency:       req.Currency,
		InitialBalance: req.InitialBalance,
	})
	if err != nil {
		return accountError(err)
	}
	return c.Status(http.StatusCreated).JSON(accountJSON(acc))
}

func (h *Handler) GetAccount(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	acc, err := h.service.Account(c.UserContext(), id)
	if err != nil {
		return accountError(err)
	}
	return c.JSON(accountJSON(acc))
}

func (h *Handler) DeleteAccount(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	if err := h.service.DeleteAccount(c.UserContext(), actorFrom(c), id); err != nil {
		return accountError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func (h *Handler) RestoreAccount(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	if err := h.service.RestoreAccount(c.UserContext(), actorFrom(c), id); err != nil {
		return accountError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// VerifyLedger reports whether an account's balance matches its ledger.
// Mismatches are returned as data with alarm set.
func (h *Handler) VerifyLedger(c *fiber.Ctx) error {
	id, err := accountID(c)
	if err != nil {
		return err
	}
	v, err := h.service.VerifyLedger(c.UserContext(), id)
	if err != nil && !errors.Is(err, transfer.ErrIntegrity) {
		return accountError(err)
	}
	return c.JSON(fiber.Map{
		"account_id":        v.AccountID,
		"balanced":          v.Balanced,
		"computed_balance":  v.ComputedBalance,
		"stored_balance":    v.StoredBalance,
		"difference":        v.Difference,
		"entries":           v.Entries,
		"continuity_breaks": v.ContinuityBreaks,
		"alarm":             err != nil,
	})
}

func parseTime(c *fiber.Ctx, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fiber.NewError(http.StatusBadRequest, "invalid "+name+": expected RFC3339")
	}
	return t, nil
}

func (h *Handler) FraudStats(c *fiber.Ctx) error {
	from, err := parseTime(c, "from")
	if err != nil {
		return err
	}
	to, err := parseTime(c, "to")
	if err != nil {
		return err
	}
	stats, err := h.service.FraudStats(c.UserContext(), from, to)
	if err != nil {
		if errors.Is(err, transfer.ErrValidation) {
			return fiber.NewError(http.StatusBadRequest, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"total_checks": stats.Total,
		"allowed":      stats.Allowed,
		"blocked":      stats.Blocked,
		"block_rate":   stats.BlockRate,
	})
}

func (h *Handler) AuditLog(c *fiber.Ctx) error {
	from, err := parseTime(c, "from")
	if err != nil {
		return err
	}
	to, err := parseTime(c, "to")
	if err != nil {
		return err
	}
	filter := audit.Filter{
		Action:       audit.Action(c.Query("action")),
		ResourceType: c.Query("resource_type"),
		From:         from,
		To:           to,
		Page:         c.QueryInt("page", 1),
		PageSize:     c.QueryInt("page_size", 50),
	}
	if raw := c.Query("user_id"); raw != "" {
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid user_id")
		}
		filter.UserID = &uid
	}

	page, err := h.service.AuditLog(c.UserContext(), filter)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	items := make([]fiber.Map, 0, len(page.Entries))
	for _, e := range page.Entries {
		items = append(items, fiber.Map{
			"id":            e.ID,
			"user_id":       e.UserID,
			"action":        e.Action,
			"resource_type": e.ResourceType,
			"resource_id":   e.ResourceID,
			"ip_address":    e.IP,
			"user_agent":    e.UserAgent,
			"request_id":    e.RequestID,
			"details":       e.Details,
			"status":        e.Status,
			"error_message": e.ErrorMessage,
			"created_at":    e.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{
		"items":     items,
		"total":     page.Total,
		"page":      page.Page,
		"page_size": page.PageSize,
	})
}
