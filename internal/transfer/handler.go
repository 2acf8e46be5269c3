package transfer

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/assetafk/bankir/internal/ledger"
	"github.com/assetafk/bankir/internal/middleware"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayHeader         = "Idempotent-Replayed"
)

// Handler exposes transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transferRequest struct {
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// Create processes an account-to-account transfer.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing requestor identity")
	}

	res, err := h.service.Transfer(c.UserContext(), Request{
		RequestorID:    uid,
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: c.Get(idempotencyKeyHeader),
		IP:             c.IP(),
		UserAgent:      c.Get(fiber.HeaderUserAgent),
		RequestID:      middleware.RequestIDFrom(c),
	})
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}

	if res.Replayed {
		c.Set(replayHeader, "true")
	}
	return c.Status(http.StatusCreated).JSON(res)
}

// Get returns a transaction visible to the requestor.
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid transaction id")
	}
	uid, ok := middleware.UserID(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "missing requestor identity")
	}

	tx, err := h.service.Transaction(c.UserContext(), uid, id)
	if err != nil {
		return fiber.NewError(StatusCode(err), err.Error())
	}
	return c.JSON(fiber.Map{
		"id":              tx.ID,
		"from_account_id": tx.FromAccountID,
		"to_account_id":   tx.ToAccountID,
		"amount":          tx.Amount,
		"currency":        tx.Currency,
		"status":          tx.Status,
		"failure_reason":  tx.FailureReason,
		"retry_count":     tx.RetryCount,
		"created_at":      tx.CreatedAt,
	})
}

// StatusCode maps a transfer error onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrFraud):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrSystem):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
