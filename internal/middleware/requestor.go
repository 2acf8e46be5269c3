package middleware

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

const (
	userIDHeader = "X-User-ID"
	userIDLocal  = "user_id"
)

// Requestor resolves the authenticated caller. Session handling lives in a
// gateway in front of this service, which forwards the user id in X-User-ID.
func Requestor() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw := c.Get(userIDHeader)
		if raw == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing requestor identity")
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return fiber.NewError(http.StatusUnauthorized, "invalid requestor identity")
		}
		c.Locals(userIDLocal, id)
		return c.Next()
	}
}

// UserID returns the requestor stored by Requestor.
func UserID(c *fiber.Ctx) (int64, bool) {
	id, ok := c.Locals(userIDLocal).(int64)
	return id, ok
}

// RequestIDFrom returns the id assigned by RequestID.
func RequestIDFrom(c *fiber.Ctx) string {
	id, _ := c.Locals(requestIDHeader).(string)
	return id
}
