package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/outbox"
)

const accountColumns = `id, owner_id, currency, balance, is_deleted, deleted_at, created_at`

// activeAccounts is the active-only view every transfer path reads through.
const activeAccounts = `SELECT ` + accountColumns + ` FROM accounts WHERE is_deleted = false`

// PostgresStore persists accounts, transactions and ledger entries in PostgreSQL.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store. lockTimeout bounds how
// long a unit of work waits for a row lock.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func scanAccount(row pgx.Row) (Account, error) {
	var acc Account
	if err := row.Scan(&acc.ID, &acc.OwnerID, &acc.Currency, &acc.Balance, &acc.Deleted, &acc.DeletedAt, &acc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acc, nil
}

// ActiveAccount returns an account that has not been soft-deleted.
func (s *PostgresStore) ActiveAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(s.db.QueryRow(ctx, activeAccounts+` AND id = $1`, id))
}

// Account returns an account regardless of its deletion state.
func (s *PostgresStore) Account(ctx context.Context, id int64) (Account, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *PostgresStore) Transaction(ctx context.Context, id uuid.UUID) (Transaction, error) {
	var (
		tx     Transaction
		status string
	)
	err := s.db.QueryRow(ctx, `SELECT id, from_account_id, to_account_id, amount, currency, status,
        COALESCE(failure_reason, ''), retry_count, is_deleted, deleted_at, created_at
        FROM transactions WHERE id = $1 AND is_deleted = false`, id).
		Scan(&tx.ID, &tx.FromAccountID, &tx.ToAccountID, &tx.Amount, &tx.Currency, &status,
			&tx.FailureReason, &tx.RetryCount, &tx.Deleted, &tx.DeletedAt, &tx.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	tx.Status = Status(status)
	return tx, nil
}

// completedTransferKeyIndex backs ErrDuplicateTransfer; see schema.sql.
const completedTransferKeyIndex = "transfers_completed_idempotency_key"

func (s *PostgresStore) CompletedTransfer(ctx context.Context, fromAccountID int64, key string) (Transfer, error) {
	var (
		t      Transfer
		status string
	)
	err := s.db.QueryRow(ctx, `SELECT id, transaction_id, from_account_id, to_account_id, amount, currency,
        status, idempotency_key, created_at
        FROM transfers WHERE from_account_id = $1 AND idempotency_key = $2 AND status = 'COMPLETED'`,
		fromAccountID, key).
		Scan(&t.ID, &t.TransactionID, &t.FromAccountID, &t.ToAccountID, &t.Amount, &t.Currency,
			&status, &t.IdempotencyKey, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, err
	}
	t.Status = Status(status)
	return t, nil
}

// Entries returns the ledger entries of an account in creation order.
func (s *PostgresStore) Entries(ctx context.Context, accountID int64) ([]Entry, error) {
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `SELECT id, transaction_id, account_id, entry_type, amount, currency,
        balance_before, balance_after, created_at
        FROM ledger_entries WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e         Entry
			entryType string
		)
		err := row.Scan(&e.ID, &e.TransactionID, &e.AccountID, &entryType, &e.Amount, &e.Currency,
			&e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt)
		e.Type = EntryType(entryType)
		return e, err
	})
}

// CreateAccount opens an account; a positive initial balance is recorded as
// a system credit in the same transaction.
func (s *PostgresStore) CreateAccount(ctx context.Context, req NewAccount) (Account, error) {
	currency, err := NormalizeCurrency(req.Currency)
	if err != nil {
		return Account{}, err
	}
	if req.InitialBalance.IsNegative() {
		return Account{}, ErrInsufficientFunds
	}

	var id int64
	err = s.WithinUnitOfWork(ctx, func(ctx context.Context, uow UnitOfWork) error {
		pu := uow.(*pgUnit)
		if err := pu.tx.QueryRow(ctx, `INSERT INTO accounts (owner_id, currency, balance)
            VALUES ($1, $2, 0) RETURNING id`, req.OwnerID, currency).Scan(&id); err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		if !req.InitialBalance.IsPositive() {
			return nil
		}
		return openingCredit(ctx, uow, id, req.InitialBalance)
	})
	if err != nil {
		return Account{}, err
	}
	return s.ActiveAccount(ctx, id)
}

func (s *PostgresStore) SoftDeleteAccount(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET is_deleted = true, deleted_at = now()
        WHERE id = $1 AND is_deleted = false`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *PostgresStore) RestoreAccount(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `UPDATE accounts SET is_deleted = false, deleted_at = NULL
        WHERE id = $1 AND is_deleted = true`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Account(ctx, id); err != nil {
		return err
	}
	return ErrAccountNotDeleted
}

// WithinUnitOfWork runs fn inside a read-committed transaction with a local
// lock_timeout. The transaction is rolled back unless fn succeeds and commit
// goes through.
func (s *PostgresStore) WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
		fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		return err
	}

	u := &pgUnit{tx: tx, locked: make(map[int64]struct{})}
	if err := fn(ctx, u); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError turns constraint violations into domain errors and leaves
// everything else (including transient codes) untouched.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case "transactions_pkey":
			return ErrDuplicateTransaction
		case completedTransferKeyIndex:
			return ErrDuplicateTransfer
		}
	case pgerrcode.CheckViolation:
		if pgErr.ConstraintName == "accounts_balance_non_negative" {
			return ErrInsufficientFunds
		}
	}
	return err
}

type pgUnit struct {
	tx     pgx.Tx
	locked map[int64]struct{}
}

func (u *pgUnit) LockAccount(ctx context.Context, id int64) (Account, error) {
	acc, err := scanAccount(u.tx.QueryRow(ctx, activeAccounts+` AND id = $1 FOR UPDATE`, id))
	if err != nil {
		return Account{}, mapPgError(err)
	}
	u.locked[id] = struct{}{}
	return acc, nil
}

func (u *pgUnit) SetBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	if _, ok := u.locked[id]; !ok {
		return ErrNotLocked
	}
	if balance.IsNegative() {
		return ErrInsufficientFunds
	}
	if _, err := u.tx.Exec(ctx, `UPDATE accounts SET balance = $2 WHERE id = $1`, id, balance); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (u *pgUnit) InsertTransaction(ctx context.Context, tx Transaction) error {
	_, err := u.tx.Exec(ctx, `INSERT INTO transactions
        (id, from_account_id, to_account_id, amount, currency, status, failure_reason, retry_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		tx.ID, tx.FromAccountID, tx.ToAccountID, tx.Amount, tx.Currency, string(tx.Status),
		tx.FailureReason, tx.RetryCount, tx.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (u *pgUnit) InsertTransfer(ctx context.Context, t Transfer) error {
	_, err := u.tx.Exec(ctx, `INSERT INTO transfers
        (id, transaction_id, from_account_id, to_account_id, amount, currency, status, idempotency_key, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.TransactionID, t.FromAccountID, t.ToAccountID, t.Amount, t.Currency, string(t.Status),
		t.IdempotencyKey, t.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (u *pgUnit) InsertEntries(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		_, err := u.tx.Exec(ctx, `INSERT INTO ledger_entries
            (id, transaction_id, account_id, entry_type, amount, currency, balance_before, balance_after, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.TransactionID, e.AccountID, string(e.Type), e.Amount, e.Currency,
			e.BalanceBefore, e.BalanceAfter, e.CreatedAt)
		if err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (u *pgUnit) RecordAudit(ctx context.Context, entry audit.Entry) error {
	return audit.Insert(ctx, u.tx, entry)
}

func (u *pgUnit) EnqueueEvent(ctx context.Context, event outbox.Event) error {
	return outbox.Insert(ctx, u.tx, event)
}
