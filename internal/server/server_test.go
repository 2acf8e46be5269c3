package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetafk/bankir/internal/config"
	"github.com/assetafk/bankir/internal/logging"
)

const adminToken = "operator-secret"

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	cfg := config.Config{
		AppName:     "bankir-test",
		AppEnv:      "development",
		AdminToken:  adminToken,
		Idempotency: config.DefaultIdempotency(),
		Transfer:    config.Transfer{MaxAttempts: 3, RetryDelay: time.Millisecond, LockTimeout: time.Second},
		Fraud:       config.DefaultFraud(),
	}
	srv, err := New(cfg, nil, nil, logging.Discard())
	require.NoError(t, err)
	return srv.App()
}

type call struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func do(t *testing.T, app *fiber.App, c call) (int, http.Header, map[string]any) {
	t.Helper()
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	payload := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	}
	return resp.StatusCode, resp.Header, payload
}

func asDecimal(t *testing.T, v any) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(fmt.Sprint(v))
	require.NoError(t, err)
	return d
}

func openAccount(t *testing.T, app *fiber.App, owner int64, balance string) int64 {
	t.Helper()
	status, _, body := do(t, app, call{
		method:  fiber.MethodPost,
		path:    "/api/v1/admin/accounts",
		body:    fmt.Sprintf(`{"owner_id":%d,"currency":"usd","initial_balance":"%s"}`, owner, balance),
		headers: map[string]string{"X-Admin-Token": adminToken},
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "USD", body["currency"])
	return int64(body["id"].(float64))
}

func TestNewRequiresBackendsOutsideDev(t *testing.T) {
	_, err := New(config.Config{AppEnv: "production"}, nil, nil, logging.Discard())
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t)
	status, _, body := do(t, app, call{method: fiber.MethodGet, path: "/healthz"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"redis": "ok"}, body["status"])
}

func TestTransferLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)
	from := openAccount(t, app, 1, "100.00")
	to := openAccount(t, app, 2, "0")

	transferBody := fmt.Sprintf(`{"from_account_id":%d,"to_account_id":%d,"amount":"25.50","currency":"USD"}`, from, to)
	post := call{
		method:  fiber.MethodPost,
		path:    "/api/v1/transfers",
		body:    transferBody,
		headers: map[string]string{"X-User-ID": "1", "Idempotency-Key": "order-1"},
	}

	status, headers, first := do(t, app, post)
	require.Equal(t, http.StatusCreated, status, first)
	assert.Empty(t, headers.Get("Idempotent-Replayed"))
	assert.Equal(t, "COMPLETED", first["status"])
	assert.True(t, asDecimal(t, first["from_balance"]).Equal(decimal.RequireFromString("74.50")))
	assert.True(t, asDecimal(t, first["to_balance"]).Equal(decimal.RequireFromString("25.50")))

	status, headers, replay := do(t, app, post)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "true", headers.Get("Idempotent-Replayed"))
	assert.Equal(t, first["transaction_id"], replay["transaction_id"])

	txPath := fmt.Sprintf("/api/v1/transactions/%s", first["transaction_id"])
	status, _, tx := do(t, app, call{method: fiber.MethodGet, path: txPath, headers: map[string]string{"X-User-ID": "2"}})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, tx["retry_count"])

	status, _, _ = do(t, app, call{method: fiber.MethodGet, path: txPath, headers: map[string]string{"X-User-ID": "3"}})
	assert.Equal(t, http.StatusNotFound, status)

	// Owner 2 cannot spend from owner 1's account.
	status, _, denied := do(t, app, call{
		method:  fiber.MethodPost,
		path:    "/api/v1/transfers",
		body:    transferBody,
		headers: map[string]string{"X-User-ID": "2", "Idempotency-Key": "order-2"},
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.NotEmpty(t, denied["error"])

	status, _, _ = do(t, app, call{method: fiber.MethodPost, path: "/api/v1/transfers", body: transferBody})
	assert.Equal(t, http.StatusUnauthorized, status)

	adminHeaders := map[string]string{"X-Admin-Token": adminToken}
	status, _, verify := do(t, app, call{
		method:  fiber.MethodGet,
		path:    fmt.Sprintf("/api/v1/admin/accounts/%d/verify", from),
		headers: adminHeaders,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, verify["balanced"])
	assert.Equal(t, false, verify["alarm"])
	assert.EqualValues(t, 2, verify["entries"])

	status, _, stats := do(t, app, call{method: fiber.MethodGet, path: "/api/v1/admin/fraud/stats", headers: adminHeaders})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, stats["total_checks"])
	assert.EqualValues(t, 1, stats["allowed"])

	status, _, logs := do(t, app, call{
		method:  fiber.MethodGet,
		path:    "/api/v1/admin/audit-logs?action=transfer&page_size=10",
		headers: adminHeaders,
	})
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, logs["total"])
	items := logs["items"].([]any)
	require.Len(t, items, 2)
	// Newest first: the rejected attempt, then the completed transfer.
	assert.Equal(t, "failed", items[0].(map[string]any)["status"])
	assert.Equal(t, "success", items[1].(map[string]any)["status"])
}

func TestAuditRowsKeepTheirOwnRequestValues(t *testing.T) {
	app := newTestApp(t)
	from := openAccount(t, app, 1, "100.00")
	to := openAccount(t, app, 2, "0")
	body := fmt.Sprintf(`{"from_account_id":%d,"to_account_id":%d,"amount":"1.00","currency":"USD"}`, from, to)

	for i := 0; i < 3; i++ {
		status, _, res := do(t, app, call{
			method: fiber.MethodPost,
			path:   "/api/v1/transfers",
			body:   body,
			headers: map[string]string{
				"X-User-ID":       "1",
				"User-Agent":      fmt.Sprintf("agent-AAAA-%d", i),
				"X-Request-ID":    fmt.Sprintf("req-AAAA-%d", i),
				"Idempotency-Key": fmt.Sprintf("key-AAAA-%d", i),
			},
		})
		require.Equal(t, http.StatusCreated, status, res)
	}

	status, _, logs := do(t, app, call{
		method:  fiber.MethodGet,
		path:    "/api/v1/admin/audit-logs?action=transfer&page_size=10",
		headers: map[string]string{"X-Admin-Token": adminToken},
	})
	require.Equal(t, http.StatusOK, status)
	items := logs["items"].([]any)
	require.Len(t, items, 3)
	// Newest first.
	for n, raw := range items {
		i := len(items) - 1 - n
		row := raw.(map[string]any)
		assert.Equal(t, fmt.Sprintf("agent-AAAA-%d", i), row["user_agent"])
		assert.Equal(t, fmt.Sprintf("req-AAAA-%d", i), row["request_id"])
		details := row["details"].(map[string]any)
		assert.Equal(t, fmt.Sprintf("key-AAAA-%d", i), details["idempotency_key"])
	}
}

func TestAccountLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)
	from := openAccount(t, app, 1, "10")
	to := openAccount(t, app, 2, "0")
	adminHeaders := map[string]string{"X-Admin-Token": adminToken}
	accountPath := fmt.Sprintf("/api/v1/admin/accounts/%d", to)

	status, _, _ := do(t, app, call{method: fiber.MethodDelete, path: accountPath, headers: adminHeaders})
	require.Equal(t, http.StatusNoContent, status)

	status, _, acc := do(t, app, call{method: fiber.MethodGet, path: accountPath, headers: adminHeaders})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, acc["is_deleted"])

	body := fmt.Sprintf(`{"from_account_id":%d,"to_account_id":%d,"amount":"1.00","currency":"USD"}`, from, to)
	status, _, _ = do(t, app, call{
		method:  fiber.MethodPost,
		path:    "/api/v1/transfers",
		body:    body,
		headers: map[string]string{"X-User-ID": "1", "Idempotency-Key": "to-deleted"},
	})
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = do(t, app, call{method: fiber.MethodPost, path: accountPath + "/restore", headers: adminHeaders})
	require.Equal(t, http.StatusNoContent, status)

	status, _, _ = do(t, app, call{method: fiber.MethodPost, path: accountPath + "/restore", headers: adminHeaders})
	assert.Equal(t, http.StatusConflict, status)

	status, _, _ = do(t, app, call{
		method:  fiber.MethodPost,
		path:    "/api/v1/transfers",
		body:    body,
		headers: map[string]string{"X-User-ID": "1", "Idempotency-Key": "to-restored"},
	})
	assert.Equal(t, http.StatusCreated, status)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app := newTestApp(t)
	status, _, body := do(t, app, call{method: fiber.MethodGet, path: "/api/v1/admin/fraud/stats"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.NotEmpty(t, body["error"])
}
