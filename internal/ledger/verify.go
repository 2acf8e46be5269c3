package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Verification compares an account's stored balance with the fold of its
// ledger entries.
type Verification struct {
	AccountID       int64
	Balanced        bool
	ComputedBalance decimal.Decimal
	StoredBalance   decimal.Decimal
	Difference      decimal.Decimal
	Entries         int
	// ContinuityBreaks counts entries whose BalanceBefore differs from the
	// previous entry's BalanceAfter.
	ContinuityBreaks int
}

// Verify folds CREDIT entries as +amount and DEBIT entries as -amount in
// creation order and compares the result with the stored balance.
// Soft-deleted accounts are verified too.
func Verify(ctx context.Context, r Reader, accountID int64) (Verification, error) {
	acc, err := r.Account(ctx, accountID)
	if err != nil {
		return Verification{}, err
	}
	entries, err := r.Entries(ctx, accountID)
	if err != nil {
		return Verification{}, err
	}

	computed := decimal.Zero
	breaks := 0
	for _, e := range entries {
		if !e.BalanceBefore.Equal(computed) {
			breaks++
		}
		computed = computed.Add(e.Delta())
	}

	return Verification{
		AccountID:        accountID,
		Balanced:         computed.Equal(acc.Balance),
		ComputedBalance:  computed,
		StoredBalance:    acc.Balance,
		Difference:       acc.Balance.Sub(computed),
		Entries:          len(entries),
		ContinuityBreaks: breaks,
	}, nil
}
