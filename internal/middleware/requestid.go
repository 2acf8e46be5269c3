package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
)

const (
	requestIDHeader = "X-Request-ID"
	// maxRequestIDLen matches audit_logs.request_id.
	maxRequestIDLen = 64
)

// RequestID tags each request with the caller's X-Request-ID, or a fresh UUID
// when the header is missing or too long to audit. The id is echoed back and
// stored in locals for handlers and the access log.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// The header value aliases a pooled buffer; audit rows outlive the request.
		reqID := utils.CopyString(c.Get(requestIDHeader))
		if reqID == "" || len(reqID) > maxRequestIDLen {
			reqID = uuid.NewString()
		}
		c.Set(requestIDHeader, reqID)
		c.Locals(requestIDHeader, reqID)
		return c.Next()
	}
}
