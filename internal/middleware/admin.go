package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

const adminTokenHeader = "X-Admin-Token"

// AdminToken admits requests carrying the configured operator token. An empty
// token rejects every request.
func AdminToken(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return fiber.NewError(http.StatusForbidden, "operator endpoints are disabled")
		}
		got := c.Get(adminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			return fiber.NewError(http.StatusUnauthorized, "invalid operator token")
		}
		return c.Next()
	}
}
