package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/outbox"
)

var (
	// ErrInsufficientFunds occurs when the source account lacks available balance
	// to cover a requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateTransaction indicates a transaction with the same identifier
	// was already written.
	ErrDuplicateTransaction = errors.New("duplicate transaction")

	// ErrAccountNotFound is returned for unknown and soft-deleted accounts alike.
	ErrAccountNotFound = errors.New("account not found")

	ErrAccountNotDeleted = errors.New("account is not deleted")

	ErrTransactionNotFound = errors.New("transaction not found")

	ErrTransferNotFound = errors.New("transfer not found")

	// ErrDuplicateTransfer means a completed transfer already exists for the
	// same source account and idempotency key.
	ErrDuplicateTransfer = errors.New("transfer already completed for this idempotency key")

	// ErrLockTimeout means an account lock could not be acquired within the
	// configured lock timeout. It is transient.
	ErrLockTimeout = errors.New("account lock timeout")

	// ErrSerialization mirrors a serialization failure from the store. It is transient.
	ErrSerialization = errors.New("serialization failure")

	// ErrNotLocked guards balance writes issued without holding the row lock.
	ErrNotLocked = errors.New("account not locked by this unit of work")
)

// EntryType is the side of a double-entry posting.
type EntryType string

const (
	Debit  EntryType = "DEBIT"
	Credit EntryType = "CREDIT"
)

// Status is the lifecycle state of a transaction or transfer.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Account holds a balance in a single currency.
type Account struct {
	ID        int64
	OwnerID   int64
	Currency  string
	Balance   decimal.Decimal
	Deleted   bool
	DeletedAt *time.Time
	CreatedAt time.Time
}

// Transaction is the canonical record of a money movement. FromAccountID is
// nil for system credits such as opening balances.
type Transaction struct {
	ID            uuid.UUID
	FromAccountID *int64
	ToAccountID   int64
	Amount        decimal.Decimal
	Currency      string
	Status        Status
	FailureReason string
	RetryCount    int
	Deleted       bool
	DeletedAt     *time.Time
	CreatedAt     time.Time
}

// Transfer is the user-facing projection of a transaction.
type Transfer struct {
	ID             uuid.UUID
	TransactionID  uuid.UUID
	FromAccountID  int64
	ToAccountID    int64
	Amount         decimal.Decimal
	Currency       string
	Status         Status
	IdempotencyKey string
	CreatedAt      time.Time
}

// Entry is one immutable side of a posting with balance snapshots.
type Entry struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountID     int64
	Type          EntryType
	Amount        decimal.Decimal
	Currency      string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	CreatedAt     time.Time
}

// Delta is the signed effect of the entry on its account balance.
func (e Entry) Delta() decimal.Decimal {
	if e.Type == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// NewAccount describes an account to open.
type NewAccount struct {
	OwnerID        int64
	Currency       string
	InitialBalance decimal.Decimal
}

// Reader exposes the read paths used for verification and lookups.
type Reader interface {
	// ActiveAccount reads through the active-only view.
	ActiveAccount(ctx context.Context, id int64) (Account, error)
	// Account includes soft-deleted accounts; operator paths only.
	Account(ctx context.Context, id int64) (Account, error)
	Transaction(ctx context.Context, id uuid.UUID) (Transaction, error)
	// Entries returns every entry of an account in creation order.
	Entries(ctx context.Context, accountID int64) ([]Entry, error)
	// CompletedTransfer returns the completed transfer recorded for key on
	// the source account, or ErrTransferNotFound.
	CompletedTransfer(ctx context.Context, fromAccountID int64, key string) (Transfer, error)
}

// Store is the relational store behind transfers.
type Store interface {
	Reader
	CreateAccount(ctx context.Context, req NewAccount) (Account, error)
	SoftDeleteAccount(ctx context.Context, id int64) error
	RestoreAccount(ctx context.Context, id int64) error
	// WithinUnitOfWork runs fn in one atomic unit. Everything fn writes commits
	// together or not at all; locks are released when fn returns.
	WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// UnitOfWork is the write surface available inside WithinUnitOfWork.
type UnitOfWork interface {
	// LockAccount takes an exclusive lock on an active account, waiting at
	// most the configured lock timeout.
	LockAccount(ctx context.Context, id int64) (Account, error)
	// SetBalance overwrites the balance of an account locked by this unit.
	SetBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, tx Transaction) error
	InsertTransfer(ctx context.Context, transfer Transfer) error
	InsertEntries(ctx context.Context, entries ...Entry) error
	RecordAudit(ctx context.Context, entry audit.Entry) error
	EnqueueEvent(ctx context.Context, event outbox.Event) error
}

// Posting is the double-entry pair written for one transfer.
type Posting struct {
	Debit  Entry
	Credit Entry
}

// NewPosting builds the debit and credit entries that move tx.Amount from
// the source to the destination, snapshotting both balances.
func NewPosting(tx Transaction, from, to Account, at time.Time) Posting {
	fromAfter := from.Balance.Sub(tx.Amount)
	toAfter := to.Balance.Add(tx.Amount)
	return Posting{
		Debit: Entry{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			AccountID:     from.ID,
			Type:          Debit,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			BalanceBefore: from.Balance,
			BalanceAfter:  fromAfter,
			CreatedAt:     at,
		},
		Credit: Entry{
			ID:            uuid.New(),
			TransactionID: tx.ID,
			AccountID:     to.ID,
			Type:          Credit,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			BalanceBefore: to.Balance,
			BalanceAfter:  toAfter,
			CreatedAt:     at,
		},
	}
}

// Post applies a posting inside uow: it rejects overdrafts, writes both
// balances and appends the entries.
func Post(ctx context.Context, uow UnitOfWork, p Posting) error {
	if p.Debit.BalanceAfter.IsNegative() {
		return ErrInsufficientFunds
	}
	if err := uow.SetBalance(ctx, p.Debit.AccountID, p.Debit.BalanceAfter); err != nil {
		return err
	}
	if err := uow.SetBalance(ctx, p.Credit.AccountID, p.Credit.BalanceAfter); err != nil {
		return err
	}
	return uow.InsertEntries(ctx, p.Debit, p.Credit)
}

// openingCredit records an initial balance as a system credit: a completed
// transaction without a source account and a single CREDIT entry.
func openingCredit(ctx context.Context, uow UnitOfWork, accountID int64, amount decimal.Decimal) error {
	acc, err := uow.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	tx := Transaction{
		ID:          uuid.New(),
		ToAccountID: acc.ID,
		Amount:      amount,
		Currency:    acc.Currency,
		Status:      StatusCompleted,
		CreatedAt:   now,
	}
	if err := uow.InsertTransaction(ctx, tx); err != nil {
		return err
	}
	after := acc.Balance.Add(amount)
	if err := uow.SetBalance(ctx, acc.ID, after); err != nil {
		return err
	}
	return uow.InsertEntries(ctx, Entry{
		ID:            uuid.New(),
		TransactionID: tx.ID,
		AccountID:     acc.ID,
		Type:          Credit,
		Amount:        amount,
		Currency:      acc.Currency,
		BalanceBefore: acc.Balance,
		BalanceAfter:  after,
		CreatedAt:     now,
	})
}
