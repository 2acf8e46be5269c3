package fraud

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/config"
	"github.com/assetafk/bankir/internal/kv"
	"github.com/assetafk/bankir/internal/logging"
)

var baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type harness struct {
	eval  *Evaluator
	store *kv.Memory
	log   *audit.MemoryLog
	now   time.Time
}

func newHarness(t *testing.T, cfg config.Fraud) *harness {
	t.Helper()
	h := &harness{store: kv.NewMemory(), log: audit.NewMemoryLog(), now: baseTime}
	h.store.SetClock(func() time.Time { return h.now })
	h.eval = NewEvaluator(h.store, h.log, cfg, logging.Discard())
	h.eval.now = func() time.Time { return h.now }
	return h
}

func request(amount string) Request {
	return Request{UserID: 42, AccountID: 1, Amount: decimal.RequireFromString(amount), Currency: "USD", IP: "10.0.0.1"}
}

func (h *harness) seedTransfers(t *testing.T, n int, amount string, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.eval.RecordTransfer(context.Background(), 42, uuid.New(), decimal.RequireFromString(amount), at))
	}
}

func TestAllowsOrdinaryTransfer(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	d := h.eval.Evaluate(context.Background(), request("100.00"))
	assert.True(t, d.Allowed)

	entries := h.log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionFraudCheck, entries[0].Action)
	assert.Equal(t, audit.StatusSuccess, entries[0].Status)
}

func TestIPRateDeniesEleventhRequest(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		h.now = baseTime.Add(time.Duration(i) * time.Second)
		require.True(t, h.eval.Evaluate(ctx, request("1.00")).Allowed, "request %d", i+1)
	}
	h.now = baseTime.Add(10 * time.Second)
	d := h.eval.Evaluate(ctx, request("1.00"))
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleIPRate, d.Rule)

	// the window slides: a minute later the same IP is allowed again
	h.now = baseTime.Add(2 * time.Minute)
	assert.True(t, h.eval.Evaluate(ctx, request("1.00")).Allowed)

	// other IPs are unaffected
	other := request("1.00")
	other.IP = "10.0.0.2"
	assert.True(t, h.eval.Evaluate(ctx, other).Allowed)
}

func TestIPRuleSkippedWithoutIP(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	req := request("1.00")
	req.IP = ""
	for i := 0; i < 15; i++ {
		require.True(t, h.eval.Evaluate(context.Background(), req).Allowed)
	}
}

func TestAmountBounds(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	ctx := context.Background()

	for _, amount := range []string{"0.009", "1000000.01"} {
		d := h.eval.Evaluate(ctx, request(amount))
		assert.False(t, d.Allowed, amount)
		assert.Equal(t, RuleAmountBounds, d.Rule, amount)
	}
	for _, amount := range []string{"0.01", "1000000"} {
		assert.True(t, h.eval.Evaluate(ctx, request(amount)).Allowed, amount)
	}
}

func TestHourlyFrequency(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	h.seedTransfers(t, 49, "1", baseTime.Add(-30*time.Minute))

	req := request("1")
	req.IP = ""
	assert.True(t, h.eval.Evaluate(context.Background(), req).Allowed)

	h.seedTransfers(t, 1, "1", baseTime.Add(-time.Minute))
	d := h.eval.Evaluate(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleHourlyFrequency, d.Rule)
}

func TestDailyFrequency(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	h.seedTransfers(t, 200, "1", baseTime.Add(-5*time.Hour))

	req := request("1")
	req.IP = ""
	d := h.eval.Evaluate(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleDailyFrequency, d.Rule)

	// activity older than a day no longer counts
	h.now = baseTime.Add(20 * time.Hour)
	assert.True(t, h.eval.Evaluate(context.Background(), req).Allowed)
}

func TestDailyVolume(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	h.seedTransfers(t, 4, "1000000", baseTime.Add(-2*time.Hour))

	req := request("1000000")
	req.IP = ""
	assert.True(t, h.eval.Evaluate(context.Background(), req).Allowed, "exactly at the limit")

	req.Amount = decimal.RequireFromString("1000000.01")
	d := h.eval.Evaluate(context.Background(), req)
	assert.False(t, d.Allowed)
	// amount bounds comes first
	assert.Equal(t, RuleAmountBounds, d.Rule)

	h.seedTransfers(t, 1, "0.01", baseTime.Add(-time.Hour))
	req.Amount = decimal.RequireFromString("1000000")
	d = h.eval.Evaluate(context.Background(), req)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleDailyVolume, d.Rule)
}

func TestFirstFailingRuleWins(t *testing.T) {
	cfg := config.DefaultFraud()
	cfg.IPMaxRequests = 0
	h := newHarness(t, cfg)

	d := h.eval.Evaluate(context.Background(), request("0.001"))
	assert.Equal(t, RuleIPRate, d.Rule)
}

func TestFailsClosedWhenCountersUnavailable(t *testing.T) {
	h := newHarness(t, config.DefaultFraud())
	h.store.FailWith(errors.New("connection refused"))

	for i := 0; i < 8; i++ {
		d := h.eval.Evaluate(context.Background(), request("1.00"))
		require.False(t, d.Allowed)
		assert.Equal(t, RuleCounterUnavailable, d.Rule)
	}
	// the breaker is open now; still denied even once the store recovers
	h.store.FailWith(nil)
	d := h.eval.Evaluate(context.Background(), request("1.00"))
	assert.False(t, d.Allowed)

	stats, err := h.log.FraudStats(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 9, stats.Blocked)
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, audit.Entry) error { return errors.New("db down") }

func TestAuditFailureDoesNotChangeDecision(t *testing.T) {
	store := kv.NewMemory()
	eval := NewEvaluator(store, failingRecorder{}, config.DefaultFraud(), logging.Discard())
	assert.True(t, eval.Evaluate(context.Background(), request("5.00")).Allowed)
}

func TestRedisBackedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := audit.NewMemoryLog()
	eval := NewEvaluator(kv.NewRedis(client), log, config.DefaultFraud(), logging.Discard())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, eval.RecordTransfer(ctx, 42, uuid.New(), decimal.NewFromInt(10), time.Now()))
	}
	req := request("10")
	req.IP = ""
	d := eval.Evaluate(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, RuleHourlyFrequency, d.Rule)
	assert.Contains(t, d.Reason, fmt.Sprint(50))
}
