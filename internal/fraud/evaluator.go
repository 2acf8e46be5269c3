// Package fraud gates transfers on recent activity before any balance moves.
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/config"
	"github.com/assetafk/bankir/internal/kv"
	"github.com/assetafk/bankir/internal/logging"
)

// Rule names the check that produced a decision.
type Rule string

const (
	RuleIPRate             Rule = "ip_rate"
	RuleAmountBounds       Rule = "amount_bounds"
	RuleHourlyFrequency    Rule = "hourly_frequency"
	RuleDailyFrequency     Rule = "daily_frequency"
	RuleDailyVolume        Rule = "daily_volume"
	RuleCounterUnavailable Rule = "counter_unavailable"
)

const (
	hour = time.Hour
	day  = 24 * time.Hour
)

// Request is the input of a fraud evaluation.
type Request struct {
	UserID    int64
	AccountID int64
	Amount    decimal.Decimal
	Currency  string
	IP        string
	UserAgent string
	RequestID string
}

// Decision is Allow when Allowed is true, otherwise Deny with the failing rule.
type Decision struct {
	Allowed bool
	Rule    Rule
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(rule Rule, format string, args ...any) Decision {
	return Decision{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

// Evaluator runs the ordered rule set. Counter reads go through a circuit
// breaker; any counter failure denies.
type Evaluator struct {
	counters kv.Store
	audit    audit.Recorder
	cfg      config.Fraud
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvaluator wires an evaluator over the shared counter store.
func NewEvaluator(counters kv.Store, recorder audit.Recorder, cfg config.Fraud, logger *slog.Logger) *Evaluator {
	logger = logging.Component(logger, "fraud")
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultFraud().Timeout
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fraud-counters",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return &Evaluator{
		counters: counters,
		audit:    recorder,
		cfg:      cfg,
		breaker:  breaker,
		logger:   logger,
		now:      time.Now,
	}
}

func ipKey(ip string) string { return "fraud:ip:" + ip + ":requests" }
func userKey(userID int64) string { return "fraud:user:" + strconv.FormatInt(userID, 10) + ":transfers" }

// Evaluate applies the rules in order; the first failing rule wins. Every
// evaluation is audit-logged, and an audit failure never changes the decision.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Decision {
	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	decision := e.evaluate(evalCtx, req)
	cancel()

	if !decision.Allowed {
		e.logger.Info("transfer denied",
			slog.Int64("user_id", req.UserID), slog.String("rule", string(decision.Rule)),
			slog.String("reason", decision.Reason))
	}
	e.record(ctx, req, decision)
	return decision
}

func (e *Evaluator) evaluate(ctx context.Context, req Request) Decision {
	now := e.now().UTC()

	if req.IP != "" {
		count, err := e.touchIP(ctx, req.IP, now)
		if err != nil {
			return e.unavailable(err)
		}
		if count > e.cfg.IPMaxRequests {
			return deny(RuleIPRate, "too many requests from %s: %d in %s", req.IP, count, e.cfg.IPWindow)
		}
	}

	if req.Amount.LessThan(e.cfg.MinAmount) || req.Amount.GreaterThan(e.cfg.MaxAmount) {
		return deny(RuleAmountBounds, "amount %s outside [%s, %s]", req.Amount, e.cfg.MinAmount, e.cfg.MaxAmount)
	}

	samples, err := e.userActivity(ctx, req.UserID, now.Add(-day))
	if err != nil {
		return e.unavailable(err)
	}

	hourly := 0
	volume := decimal.Zero
	for _, s := range samples {
		if !s.At.Before(now.Add(-hour)) {
			hourly++
		}
		volume = volume.Add(e.sampleAmount(s))
	}
	if hourly >= e.cfg.HourlyMaxTransfers {
		return deny(RuleHourlyFrequency, "%d transfers in the last hour", hourly)
	}
	if len(samples) >= e.cfg.DailyMaxTransfers {
		return deny(RuleDailyFrequency, "%d transfers in the last 24 hours", len(samples))
	}
	if total := volume.Add(req.Amount); total.GreaterThan(e.cfg.DailyMaxVolume) {
		return deny(RuleDailyVolume, "daily volume %s would exceed %s", total, e.cfg.DailyMaxVolume)
	}
	return allow()
}

func (e *Evaluator) unavailable(err error) Decision {
	e.logger.Error("fraud counters unavailable, failing closed", slog.Any("error", err))
	return deny(RuleCounterUnavailable, "risk counters unavailable")
}

// touchIP records this evaluation in the IP window and returns the number of
// requests from ip inside it, including this one.
func (e *Evaluator) touchIP(ctx context.Context, ip string, now time.Time) (int, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		key := ipKey(ip)
		if err := e.counters.WindowAdd(ctx, key, uuid.NewString(), now, e.cfg.IPWindow); err != nil {
			return nil, err
		}
		return e.counters.WindowSince(ctx, key, now.Add(-e.cfg.IPWindow))
	})
	if err != nil {
		return 0, err
	}
	return len(out.([]kv.Sample)), nil
}

func (e *Evaluator) userActivity(ctx context.Context, userID int64, since time.Time) ([]kv.Sample, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.counters.WindowSince(ctx, userKey(userID), since)
	})
	if err != nil {
		return nil, err
	}
	return out.([]kv.Sample), nil
}

// sampleAmount parses the amount suffix of a "txid:amount" member.
func (e *Evaluator) sampleAmount(s kv.Sample) decimal.Decimal {
	i := strings.LastIndexByte(s.Member, ':')
	if i < 0 {
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(s.Member[i+1:])
	if err != nil {
		e.logger.Warn("malformed activity sample", slog.String("member", s.Member))
		return decimal.Zero
	}
	return amount
}

// RecordTransfer adds a committed transfer to the requestor's activity
// window. Callers treat failures as best effort.
func (e *Evaluator) RecordTransfer(ctx context.Context, userID int64, txID uuid.UUID, amount decimal.Decimal, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	_, err := e.breaker.Execute(func() (interface{}, error) {
		member := txID.String() + ":" + amount.String()
		return nil, e.counters.WindowAdd(ctx, userKey(userID), member, at.UTC(), day)
	})
	if err != nil {
		return fmt.Errorf("record transfer activity: %w", err)
	}
	return nil
}

func (e *Evaluator) record(ctx context.Context, req Request, d Decision) {
	if e.audit == nil {
		return
	}
	entry := audit.Entry{
		UserID:       &req.UserID,
		Action:       audit.ActionFraudCheck,
		ResourceType: audit.ResourceFraudCheck,
		ResourceID:   strconv.FormatInt(req.AccountID, 10),
		IP:           req.IP,
		UserAgent:    req.UserAgent,
		RequestID:    req.RequestID,
		Status:       audit.StatusSuccess,
		Details: map[string]any{
			"amount":   req.Amount.String(),
			"currency": req.Currency,
			"allowed":  d.Allowed,
		},
	}
	if !d.Allowed {
		entry.Status = audit.StatusBlocked
		entry.ErrorMessage = d.Reason
		entry.Details["rule"] = string(d.Rule)
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()
	if err := e.audit.Record(auditCtx, entry); err != nil {
		e.logger.Error("failed to audit fraud check", slog.Int64("user_id", req.UserID), slog.Any("error", err))
	}
}
