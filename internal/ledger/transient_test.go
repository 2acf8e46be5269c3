package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"lock timeout", ErrLockTimeout, true},
		{"wrapped serialization", fmt.Errorf("commit: %w", ErrSerialization), true},
		{"pg serialization", &pgconn.PgError{Code: pgerrcode.SerializationFailure}, true},
		{"pg deadlock", &pgconn.PgError{Code: pgerrcode.DeadlockDetected}, true},
		{"pg lock not available", &pgconn.PgError{Code: pgerrcode.LockNotAvailable}, true},
		{"pg connection failure", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, true},
		{"pg unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation}, false},
		{"context deadline", context.DeadlineExceeded, true},
		{"insufficient funds", ErrInsufficientFunds, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestMapPgError(t *testing.T) {
	dup := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "transactions_pkey"}
	assert.ErrorIs(t, mapPgError(dup), ErrDuplicateTransaction)

	repeated := &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "transfers_completed_idempotency_key"}
	assert.ErrorIs(t, mapPgError(repeated), ErrDuplicateTransfer)
	assert.False(t, IsTransient(mapPgError(repeated)))

	overdraft := &pgconn.PgError{Code: pgerrcode.CheckViolation, ConstraintName: "accounts_balance_non_negative"}
	assert.ErrorIs(t, mapPgError(overdraft), ErrInsufficientFunds)

	other := &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	assert.Same(t, other, mapPgError(other))
}
