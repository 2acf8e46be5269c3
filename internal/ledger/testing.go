package ledger

import (
	"github.com/shopspring/decimal"
)

// SeedAccount is a test helper that inserts an active account with the given
// balance directly, bypassing the ledger. Verify will report it unbalanced
// unless the balance is zero; use CreateAccount for a balanced opening.
func SeedAccount(m *InMemory, ownerID int64, currency string, balance decimal.Decimal) Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	acc := Account{ID: m.nextID, OwnerID: ownerID, Currency: currency, Balance: balance}
	m.accounts[acc.ID] = acc
	return acc
}

// SetBalanceUnsafe overwrites a stored balance without writing entries, to
// simulate drift in integrity tests.
func SetBalanceUnsafe(m *InMemory, id int64, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.accounts[id]
	acc.Balance = balance
	m.accounts[id] = acc
}

// FailNextCommits makes the next len(errs) commits fail with the given errors
// in order, discarding the staged writes.
func FailNextCommits(m *InMemory, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitFaults = append(m.commitFaults, errs...)
}

// LockSequences returns, per finished unit of work, the account ids it locked
// in acquisition order.
func LockSequences(m *InMemory) [][]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]int64, len(m.lockTrace))
	copy(out, m.lockTrace)
	return out
}
