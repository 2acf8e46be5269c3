// Package transfer sequences idempotency, fraud screening and the locked
// ledger write into one all-or-nothing transfer.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/config"
	"github.com/assetafk/bankir/internal/fraud"
	"github.com/assetafk/bankir/internal/idempotency"
	"github.com/assetafk/bankir/internal/ledger"
	"github.com/assetafk/bankir/internal/logging"
	"github.com/assetafk/bankir/internal/outbox"
)

const cleanupTimeout = 2 * time.Second

// Coordinator is the idempotency contract the service relies on.
type Coordinator interface {
	Begin(ctx context.Context, owner int64, key, requestHash string) (idempotency.Decision, error)
	Complete(ctx context.Context, r idempotency.Reservation, response any) error
	Abort(ctx context.Context, r idempotency.Reservation) error
}

// RiskEvaluator screens transfers and tracks committed activity.
type RiskEvaluator interface {
	Evaluate(ctx context.Context, req fraud.Request) fraud.Decision
	RecordTransfer(ctx context.Context, userID int64, txID uuid.UUID, amount decimal.Decimal, at time.Time) error
}

// Request captures everything needed to move funds between two accounts.
type Request struct {
	RequestorID    int64
	FromAccountID  int64
	ToAccountID    int64
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	IP             string
	UserAgent      string
	RequestID      string
}

func (r Request) hash() string {
	return idempotency.HashRequest(
		strconv.FormatInt(r.FromAccountID, 10),
		strconv.FormatInt(r.ToAccountID, 10),
		r.Amount.String(),
		r.Currency,
	)
}

// Result describes a completed transfer. It is also the cached idempotent response.
type Result struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	TransferID    uuid.UUID       `json:"transfer_id"`
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        ledger.Status   `json:"status"`
	FromBalance   decimal.Decimal `json:"from_balance"`
	ToBalance     decimal.Decimal `json:"to_balance"`
	CreatedAt     time.Time       `json:"created_at"`
	// Replayed is set when the result of an earlier commit was served again.
	Replayed bool `json:"-"`
}

// Service is the transfer orchestrator.
type Service struct {
	store  ledger.Store
	idem   Coordinator
	risk   RiskEvaluator
	audit  audit.Recorder
	cfg    config.Transfer
	logger *slog.Logger
}

// NewService constructs the orchestrator.
func NewService(store ledger.Store, idem Coordinator, risk RiskEvaluator, recorder audit.Recorder, cfg config.Transfer, logger *slog.Logger) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = config.DefaultTransfer().MaxAttempts
	}
	return &Service{
		store:  store,
		idem:   idem,
		risk:   risk,
		audit:  recorder,
		cfg:    cfg,
		logger: logging.Component(logger, "transfer"),
	}
}

// Transfer moves req.Amount from the source to the destination account at
// most once per (requestor, idempotency key).
func (s *Service) Transfer(ctx context.Context, req Request) (Result, error) {
	if err := s.validate(ctx, &req); err != nil {
		s.recordOutcome(ctx, req, "", audit.StatusFailed, err.Error(), nil)
		return Result{}, err
	}

	decision, err := s.idem.Begin(ctx, req.RequestorID, req.IdempotencyKey, req.hash())
	if err != nil {
		terminal := newError(KindSystem, "idempotency store unavailable", err)
		if errors.Is(err, idempotency.ErrKeyReuse) {
			terminal = validationError(err)
		}
		s.recordOutcome(ctx, req, "", audit.StatusFailed, terminal.Error(), nil)
		return Result{}, terminal
	}

	switch decision.Outcome {
	case idempotency.Cached:
		var cached Result
		if err := json.Unmarshal(decision.Response, &cached); err != nil {
			return Result{}, newError(KindSystem, "corrupt idempotent response", err)
		}
		cached.Replayed = true
		return cached, nil
	case idempotency.Conflict:
		terminal := newError(KindConflict, "a request with this idempotency key is already in progress", nil)
		s.recordOutcome(ctx, req, "", audit.StatusFailed, terminal.Error(), map[string]any{"outcome": decision.Outcome.String()})
		return Result{}, terminal
	}

	return s.run(ctx, req, decision.Reservation)
}

// run owns the reservation: it is completed on success and aborted on every
// other exit path, panics included.
func (s *Service) run(ctx context.Context, req Request, reservation idempotency.Reservation) (Result, error) {
	settled := false
	defer func() {
		if settled {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if abortErr := s.idem.Abort(cleanupCtx, reservation); abortErr != nil {
			s.logger.Error("failed to clear idempotency marker",
				slog.String("key", reservation.Key()), slog.Any("error", abortErr))
		}
	}()

	// A lost or expired idempotency record must not let the key move funds twice.
	prior, found, err := s.committedResult(ctx, req)
	if err != nil {
		s.recordOutcome(ctx, req, "", audit.StatusFailed, err.Error(), nil)
		return Result{}, err
	}
	if found {
		settled = true
		s.complete(context.WithoutCancel(ctx), reservation, prior)
		return prior, nil
	}

	verdict := s.risk.Evaluate(ctx, fraud.Request{
		UserID:    req.RequestorID,
		AccountID: req.FromAccountID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		RequestID: req.RequestID,
	})
	if !verdict.Allowed {
		s.recordOutcome(ctx, req, "", audit.StatusBlocked, verdict.Reason, map[string]any{"rule": string(verdict.Rule)})
		return Result{}, newError(KindFraud, verdict.Reason, nil)
	}

	// From here on the caller can no longer cancel the operation.
	work := context.WithoutCancel(ctx)

	result, attempts, err := s.commitWithRetry(work, req)
	if errors.Is(err, ledger.ErrDuplicateTransfer) {
		// A concurrent request with the same key committed first.
		prior, found, lookupErr := s.committedResult(work, req)
		if lookupErr != nil {
			s.recordOutcome(work, req, "", audit.StatusFailed, lookupErr.Error(), nil)
			return Result{}, lookupErr
		}
		if found {
			settled = true
			s.complete(work, reservation, prior)
			return prior, nil
		}
	}
	if err != nil {
		return Result{}, s.fail(work, req, attempts, err)
	}

	settled = true
	s.complete(work, reservation, result)
	if err := s.risk.RecordTransfer(work, req.RequestorID, result.TransactionID, req.Amount, result.CreatedAt); err != nil {
		s.logger.Warn("failed to record transfer activity",
			slog.String("transaction_id", result.TransactionID.String()), slog.Any("error", err))
	}
	return result, nil
}

func (s *Service) complete(ctx context.Context, reservation idempotency.Reservation, result Result) {
	if err := s.idem.Complete(ctx, reservation, result); err != nil {
		s.logger.Error("failed to cache transfer result",
			slog.String("transaction_id", result.TransactionID.String()), slog.Any("error", err))
	}
}

// committedResult rebuilds the result of a transfer already completed under
// req's key. found is false when the key has not moved funds yet.
func (s *Service) committedResult(ctx context.Context, req Request) (Result, bool, error) {
	prior, err := s.store.CompletedTransfer(ctx, req.FromAccountID, req.IdempotencyKey)
	if errors.Is(err, ledger.ErrTransferNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, newError(KindSystem, "transfer lookup failed", err)
	}
	if prior.ToAccountID != req.ToAccountID || !prior.Amount.Equal(req.Amount) || prior.Currency != req.Currency {
		return Result{}, false, validationError(idempotency.ErrKeyReuse)
	}

	fromBalance, err := s.balanceAfter(ctx, prior.FromAccountID, prior.TransactionID)
	if err != nil {
		return Result{}, false, newError(KindSystem, "transfer lookup failed", err)
	}
	toBalance, err := s.balanceAfter(ctx, prior.ToAccountID, prior.TransactionID)
	if err != nil {
		return Result{}, false, newError(KindSystem, "transfer lookup failed", err)
	}
	s.logger.Info("replaying committed transfer",
		slog.String("transaction_id", prior.TransactionID.String()), slog.String("key", req.IdempotencyKey))
	return Result{
		TransactionID: prior.TransactionID,
		TransferID:    prior.ID,
		FromAccountID: prior.FromAccountID,
		ToAccountID:   prior.ToAccountID,
		Amount:        prior.Amount,
		Currency:      prior.Currency,
		Status:        prior.Status,
		FromBalance:   fromBalance,
		ToBalance:     toBalance,
		CreatedAt:     prior.CreatedAt,
		Replayed:      true,
	}, true, nil
}

func (s *Service) balanceAfter(ctx context.Context, accountID int64, txID uuid.UUID) (decimal.Decimal, error) {
	entries, err := s.store.Entries(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	for _, e := range entries {
		if e.TransactionID == txID {
			return e.BalanceAfter, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no entry for transaction %s on account %d", txID, accountID)
}

// commitWithRetry runs the unit of work, retrying transient failures with a
// linear backoff. It returns the number of attempts made.
func (s *Service) commitWithRetry(ctx context.Context, req Request) (Result, int, error) {
	var (
		result  Result
		attempt int
	)
	op := func() error {
		attempt++
		s.logger.Debug("transfer attempt", slog.Int("attempt", attempt), slog.String("key", req.IdempotencyKey))
		r, err := s.commit(ctx, req, attempt)
		if err == nil {
			result = r
			return nil
		}
		if ledger.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("transient transfer failure, retrying",
			slog.Int("attempt", attempt), slog.Duration("wait", wait), slog.Any("error", err))
	}

	policy := backoff.WithMaxRetries(&linearBackOff{step: s.cfg.RetryDelay}, uint64(s.cfg.MaxAttempts-1))
	err := backoff.RetryNotify(op, policy, notify)
	return result, attempt, err
}

// commit is one attempt: lock both accounts in ascending id order, re-check
// under lock, then write balances, transaction, transfer, entries, audit and
// outbox event together.
func (s *Service) commit(ctx context.Context, req Request, attempt int) (Result, error) {
	var result Result
	err := s.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow ledger.UnitOfWork) error {
		locked := make(map[int64]ledger.Account, 2)
		for _, id := range lockOrder(req.FromAccountID, req.ToAccountID) {
			acc, err := uow.LockAccount(ctx, id)
			if err != nil {
				return err
			}
			locked[id] = acc
		}
		from, to := locked[req.FromAccountID], locked[req.ToAccountID]

		if from.OwnerID != req.RequestorID {
			return ErrNotOwner
		}
		if from.Currency != req.Currency || to.Currency != req.Currency {
			return ErrCurrencyMismatch
		}
		if from.Balance.LessThan(req.Amount) {
			return ledger.ErrInsufficientFunds
		}

		now := time.Now().UTC()
		tx := ledger.Transaction{
			ID:            uuid.New(),
			FromAccountID: &from.ID,
			ToAccountID:   to.ID,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Status:        ledger.StatusCompleted,
			RetryCount:    attempt - 1,
			CreatedAt:     now,
		}
		if err := uow.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		posting := ledger.NewPosting(tx, from, to, now)
		if err := ledger.Post(ctx, uow, posting); err != nil {
			return err
		}

		projection := ledger.Transfer{
			ID:             uuid.New(),
			TransactionID:  tx.ID,
			FromAccountID:  from.ID,
			ToAccountID:    to.ID,
			Amount:         tx.Amount,
			Currency:       tx.Currency,
			Status:         ledger.StatusCompleted,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}
		if err := uow.InsertTransfer(ctx, projection); err != nil {
			return err
		}

		if err := uow.RecordAudit(ctx, s.auditEntry(req, tx.ID.String(), audit.StatusSuccess, "", map[string]any{
			"amount":       tx.Amount.String(),
			"currency":     tx.Currency,
			"from_balance": posting.Debit.BalanceAfter.String(),
			"to_balance":   posting.Credit.BalanceAfter.String(),
			"attempt":      attempt,
		})); err != nil {
			return err
		}

		event, err := outbox.NewEvent(outbox.AggregateTransaction, tx.ID.String(), outbox.EventTransferCompleted, outbox.TransferCompleted{
			TransactionID: tx.ID.String(),
			FromAccountID: from.ID,
			ToAccountID:   to.ID,
			Amount:        tx.Amount.String(),
			Currency:      tx.Currency,
			UserID:        req.RequestorID,
		})
		if err != nil {
			return err
		}
		if err := uow.EnqueueEvent(ctx, event); err != nil {
			return err
		}

		result = Result{
			TransactionID: tx.ID,
			TransferID:    projection.ID,
			FromAccountID: from.ID,
			ToAccountID:   to.ID,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			Status:        ledger.StatusCompleted,
			FromBalance:   posting.Debit.BalanceAfter,
			ToBalance:     posting.Credit.BalanceAfter,
			CreatedAt:     now,
		}
		return nil
	})
	return result, err
}

// fail turns a unit-of-work error into a terminal outcome. Exhausted
// transient failures leave a FAILED transaction behind; business failures
// are only audited.
func (s *Service) fail(ctx context.Context, req Request, attempts int, err error) error {
	if !ledger.IsTransient(err) {
		s.recordOutcome(ctx, req, "", audit.StatusFailed, err.Error(), nil)
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds),
			errors.Is(err, ledger.ErrAccountNotFound),
			errors.Is(err, ErrNotOwner),
			errors.Is(err, ErrCurrencyMismatch):
			return validationError(err)
		}
		s.logger.Error("transfer failed", slog.String("key", req.IdempotencyKey), slog.Any("error", err))
		return newError(KindSystem, "transfer failed", err)
	}

	s.logger.Error("transfer retries exhausted",
		slog.Int("attempts", attempts), slog.String("key", req.IdempotencyKey), slog.Any("error", err))

	now := time.Now().UTC()
	tx := ledger.Transaction{
		ID:            uuid.New(),
		FromAccountID: &req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        ledger.StatusFailed,
		FailureReason: err.Error(),
		RetryCount:    attempts - 1,
		CreatedAt:     now,
	}
	writeErr := s.store.WithinUnitOfWork(ctx, func(ctx context.Context, uow ledger.UnitOfWork) error {
		if err := uow.InsertTransaction(ctx, tx); err != nil {
			return err
		}
		if err := uow.InsertTransfer(ctx, ledger.Transfer{
			ID:             uuid.New(),
			TransactionID:  tx.ID,
			FromAccountID:  req.FromAccountID,
			ToAccountID:    req.ToAccountID,
			Amount:         req.Amount,
			Currency:       req.Currency,
			Status:         ledger.StatusFailed,
			IdempotencyKey: req.IdempotencyKey,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		return uow.RecordAudit(ctx, s.auditEntry(req, tx.ID.String(), audit.StatusFailed, err.Error(),
			map[string]any{"retry_count": tx.RetryCount}))
	})
	if writeErr != nil {
		s.logger.Error("failed to record failed transaction", slog.Any("error", writeErr))
		s.recordOutcome(ctx, req, tx.ID.String(), audit.StatusFailed, err.Error(), map[string]any{"retry_count": tx.RetryCount})
	}
	return newError(KindSystem, fmt.Sprintf("transfer failed after %d attempts", attempts), err)
}

// Transaction returns a transaction when the requestor owns either side of it.
func (s *Service) Transaction(ctx context.Context, requestorID int64, id uuid.UUID) (ledger.Transaction, error) {
	tx, err := s.store.Transaction(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return ledger.Transaction{}, validationError(err)
		}
		return ledger.Transaction{}, newError(KindSystem, "transaction lookup failed", err)
	}
	ids := []int64{tx.ToAccountID}
	if tx.FromAccountID != nil {
		ids = append(ids, *tx.FromAccountID)
	}
	for _, accountID := range ids {
		acc, err := s.store.Account(ctx, accountID)
		if err != nil {
			continue
		}
		if acc.OwnerID == requestorID {
			return tx, nil
		}
	}
	// Hide the existence of transactions the requestor cannot see.
	return ledger.Transaction{}, validationError(ledger.ErrTransactionNotFound)
}

func (s *Service) validate(ctx context.Context, req *Request) error {
	if err := idempotency.ValidateKey(req.IdempotencyKey); err != nil {
		return validationError(err)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return validationError(ErrInvalidAmount)
	}
	currency, err := ledger.NormalizeCurrency(req.Currency)
	if err != nil {
		return validationError(err)
	}
	req.Currency = currency
	if req.FromAccountID == req.ToAccountID {
		return validationError(ErrSameAccount)
	}

	from, err := s.store.ActiveAccount(ctx, req.FromAccountID)
	if err != nil {
		return s.lookupError(err)
	}
	to, err := s.store.ActiveAccount(ctx, req.ToAccountID)
	if err != nil {
		return s.lookupError(err)
	}
	if from.OwnerID != req.RequestorID {
		return validationError(ErrNotOwner)
	}
	if from.Currency != currency || to.Currency != currency {
		return validationError(ErrCurrencyMismatch)
	}
	return nil
}

func (s *Service) lookupError(err error) error {
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return validationError(err)
	}
	return newError(KindSystem, "account lookup failed", err)
}

func (s *Service) auditEntry(req Request, resourceID string, status audit.Status, message string, details map[string]any) audit.Entry {
	if details == nil {
		details = map[string]any{}
	}
	details["from_account_id"] = req.FromAccountID
	details["to_account_id"] = req.ToAccountID
	details["idempotency_key"] = req.IdempotencyKey
	if _, ok := details["amount"]; !ok {
		details["amount"] = req.Amount.String()
	}
	requestor := req.RequestorID
	return audit.Entry{
		UserID:       &requestor,
		Action:       audit.ActionTransfer,
		ResourceType: audit.ResourceTransaction,
		ResourceID:   resourceID,
		IP:           req.IP,
		UserAgent:    req.UserAgent,
		RequestID:    req.RequestID,
		Details:      details,
		Status:       status,
		ErrorMessage: message,
	}
}

// recordOutcome audits a terminal outcome outside any unit of work.
func (s *Service) recordOutcome(ctx context.Context, req Request, resourceID string, status audit.Status, message string, details map[string]any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := s.audit.Record(ctx, s.auditEntry(req, resourceID, status, message, details)); err != nil {
		s.logger.Error("failed to audit transfer outcome", slog.String("status", string(status)), slog.Any("error", err))
	}
}

func lockOrder(a, b int64) [2]int64 {
	if a < b {
		return [2]int64{a, b}
	}
	return [2]int64{b, a}
}

// linearBackOff waits n*step before retry n.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
