package transfer

import (
	"errors"
)

// Kind classifies a terminal transfer failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindFraud
	KindConflict
	KindSystem
	KindIntegrity
)

// Sentinels matched with errors.Is against any *Error of the same kind.
var (
	ErrValidation = errors.New("validation error")
	ErrFraud      = errors.New("fraud check failed")
	ErrConflict   = errors.New("request already in progress")
	ErrSystem     = errors.New("system error")
	ErrIntegrity  = errors.New("ledger integrity violation")
)

// Validation causes callers may want to tell apart.
var (
	ErrNotOwner         = errors.New("source account does not belong to requestor")
	ErrSameAccount      = errors.New("source and destination accounts must differ")
	ErrCurrencyMismatch = errors.New("currency does not match both accounts")
	ErrInvalidAmount    = errors.New("amount must be positive with at most two decimal places")
)

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindFraud:
		return ErrFraud
	case KindConflict:
		return ErrConflict
	case KindSystem:
		return ErrSystem
	case KindIntegrity:
		return ErrIntegrity
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown"
}

// Error is returned by every terminal transfer outcome other than success.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Reason {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrValidation) and friends match by kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func validationError(err error) *Error { return newError(KindValidation, err.Error(), err) }

// Integrity builds the error operators receive when verification fails.
func Integrity(reason string) *Error { return newError(KindIntegrity, reason, nil) }
