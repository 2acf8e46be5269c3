// Package admin serves read-side operator queries and account lifecycle.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/ledger"
	"github.com/assetafk/bankir/internal/logging"
	"github.com/assetafk/bankir/internal/transfer"
)

// Service answers operator queries over the ledger and audit stores.
type Service struct {
	store  ledger.Store
	audit  audit.Log
	logger *slog.Logger
}

func NewService(store ledger.Store, log audit.Log, logger *slog.Logger) *Service {
	return &Service{store: store, audit: log, logger: logging.Component(logger, "admin")}
}

// VerifyLedger recomputes an account balance from its entries. A mismatch is
// returned together with an integrity error and raised as an alarm; it is
// never corrected automatically.
func (s *Service) VerifyLedger(ctx context.Context, accountID int64) (ledger.Verification, error) {
	v, err := ledger.Verify(ctx, s.store, accountID)
	if err != nil {
		return ledger.Verification{}, err
	}
	if v.Balanced && v.ContinuityBreaks == 0 {
		return v, nil
	}
	s.logger.Error("ledger integrity alarm",
		slog.Int64("account_id", accountID),
		slog.String("stored", v.StoredBalance.String()),
		slog.String("computed", v.ComputedBalance.String()),
		slog.Int("continuity_breaks", v.ContinuityBreaks))
	return v, transfer.Integrity(fmt.Sprintf("account %d: stored %s, computed %s",
		accountID, v.StoredBalance, v.ComputedBalance))
}

// FraudStats aggregates fraud-check outcomes; zero bounds are open.
func (s *Service) FraudStats(ctx context.Context, from, to time.Time) (audit.FraudStats, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return audit.FraudStats{}, fmt.Errorf("%w: range end before start", transfer.ErrValidation)
	}
	return s.audit.FraudStats(ctx, from, to)
}

// AuditLog lists audit entries for operators.
func (s *Service) AuditLog(ctx context.Context, filter audit.Filter) (audit.Page, error) {
	return s.audit.List(ctx, filter)
}

// Account returns an account including soft-deleted ones.
func (s *Service) Account(ctx context.Context, id int64) (ledger.Account, error) {
	return s.store.Account(ctx, id)
}

// Actor describes the operator issuing a lifecycle change.
type Actor struct {
	UserID    *int64
	IP        string
	UserAgent string
	RequestID string
}

func (s *Service) CreateAccount(ctx context.Context, actor Actor, req ledger.NewAccount) (ledger.Account, error) {
	acc, err := s.store.CreateAccount(ctx, req)
	s.record(ctx, actor, audit.ActionCreate, acc.ID, err, map[string]any{
		"owner_id":        req.OwnerID,
		"currency":        req.Currency,
		"initial_balance": req.InitialBalance.String(),
	})
	return acc, err
}

func (s *Service) DeleteAccount(ctx context.Context, actor Actor, id int64) error {
	err := s.store.SoftDeleteAccount(ctx, id)
	s.record(ctx, actor, audit.ActionDelete, id, err, nil)
	return err
}

func (s *Service) RestoreAccount(ctx context.Context, actor Actor, id int64) error {
	err := s.store.RestoreAccount(ctx, id)
	s.record(ctx, actor, audit.ActionUpdate, id, err, map[string]any{"restored": true})
	return err
}

func (s *Service) record(ctx context.Context, actor Actor, action audit.Action, accountID int64, opErr error, details map[string]any) {
	entry := audit.Entry{
		UserID:       actor.UserID,
		Action:       action,
		ResourceType: audit.ResourceAccount,
		IP:           actor.IP,
		UserAgent:    actor.UserAgent,
		RequestID:    actor.RequestID,
		Details:      details,
		Status:       audit.StatusSuccess,
	}
	if accountID != 0 {
		entry.ResourceID = strconv.FormatInt(accountID, 10)
	}
	if opErr != nil {
		entry.Status = audit.StatusFailed
		entry.ErrorMessage = opErr.Error()
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("failed to audit account change", slog.String("action", string(action)), slog.Any("error", err))
	}
}
