package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/assetafk/bankir/internal/audit"
	"github.com/assetafk/bankir/internal/outbox"
)

const defaultLockTimeout = 5 * time.Second

// InMemory is a concurrency-safe Store useful for unit tests. Account locks
// are real and time out like row locks; writes are staged per unit of work
// and applied atomically on commit.
type InMemory struct {
	mu           sync.RWMutex
	nextID       int64
	accounts     map[int64]Account
	locks        map[int64]chan struct{}
	transactions map[uuid.UUID]Transaction
	transfers    map[uuid.UUID]Transfer
	completed    map[transferKey]uuid.UUID
	entries      []Entry
	audit        *audit.MemoryLog
	outbox       *outbox.MemoryOutbox
	lockTimeout  time.Duration

	commitFaults []error
	lockTrace    [][]int64
}

// transferKey identifies a completed transfer by source account and idempotency key.
type transferKey struct {
	from int64
	key  string
}

// InMemoryOption configures NewInMemory.
type InMemoryOption func(*InMemory)

// WithAuditLog shares an audit log with other components.
func WithAuditLog(log *audit.MemoryLog) InMemoryOption {
	return func(m *InMemory) { m.audit = log }
}

func WithOutbox(box *outbox.MemoryOutbox) InMemoryOption {
	return func(m *InMemory) { m.outbox = box }
}

func WithLockTimeout(d time.Duration) InMemoryOption {
	return func(m *InMemory) { m.lockTimeout = d }
}

// NewInMemory creates an empty in-memory store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{
		accounts:     make(map[int64]Account),
		locks:        make(map[int64]chan struct{}),
		transactions: make(map[uuid.UUID]Transaction),
		transfers:    make(map[uuid.UUID]Transfer),
		completed:    make(map[transferKey]uuid.UUID),
		lockTimeout:  defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.audit == nil {
		m.audit = audit.NewMemoryLog()
	}
	if m.outbox == nil {
		m.outbox = outbox.NewMemoryOutbox()
	}
	return m
}

// AuditLog returns the log that committed audit entries land in.
func (m *InMemory) AuditLog() *audit.MemoryLog { return m.audit }

// Outbox returns the outbox that committed events land in.
func (m *InMemory) Outbox() *outbox.MemoryOutbox { return m.outbox }

func (m *InMemory) ActiveAccount(_ context.Context, id int64) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok || acc.Deleted {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (m *InMemory) Account(_ context.Context, id int64) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acc, nil
}

func (m *InMemory) Transaction(_ context.Context, id uuid.UUID) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok || tx.Deleted {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

// Transfers returns every transfer projection row, oldest first.
func (m *InMemory) Transfers() []Transfer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Transactions returns every transaction, oldest first.
func (m *InMemory) Transactions() []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transaction, 0, len(m.transactions))
	for _, t := range m.transactions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CompletedTransfer finds the completed transfer written for an idempotency
// key on a source account.
func (m *InMemory) CompletedTransfer(_ context.Context, fromAccountID int64, key string) (Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.completed[transferKey{fromAccountID, key}]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return m.transfers[id], nil
}

// checkTransferKeys enforces one completed transfer per (source account,
// idempotency key). Must be called with mu held.
func (m *InMemory) checkTransferKeys(staged []Transfer) error {
	seen := make(map[transferKey]struct{}, len(staged))
	for _, t := range staged {
		if t.Status != StatusCompleted {
			continue
		}
		k := transferKey{t.FromAccountID, t.IdempotencyKey}
		if _, dup := m.completed[k]; dup {
			return ErrDuplicateTransfer
		}
		if _, dup := seen[k]; dup {
			return ErrDuplicateTransfer
		}
		seen[k] = struct{}{}
	}
	return nil
}

func (m *InMemory) Entries(_ context.Context, accountID int64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}
	var out []Entry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *InMemory) CreateAccount(ctx context.Context, req NewAccount) (Account, error) {
	currency, err := NormalizeCurrency(req.Currency)
	if err != nil {
		return Account{}, err
	}
	if req.InitialBalance.IsNegative() {
		return Account{}, ErrInsufficientFunds
	}

	m.mu.Lock()
	m.nextID++
	acc := Account{
		ID:        m.nextID,
		OwnerID:   req.OwnerID,
		Currency:  currency,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	m.accounts[acc.ID] = acc
	m.mu.Unlock()

	if !req.InitialBalance.IsPositive() {
		return acc, nil
	}
	err = m.WithinUnitOfWork(ctx, func(ctx context.Context, uow UnitOfWork) error {
		return openingCredit(ctx, uow, acc.ID, req.InitialBalance)
	})
	if err != nil {
		return Account{}, err
	}
	return m.ActiveAccount(ctx, acc.ID)
}

func (m *InMemory) SoftDeleteAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok || acc.Deleted {
		return ErrAccountNotFound
	}
	now := time.Now().UTC()
	acc.Deleted = true
	acc.DeletedAt = &now
	m.accounts[id] = acc
	return nil
}

func (m *InMemory) RestoreAccount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	if !acc.Deleted {
		return ErrAccountNotDeleted
	}
	acc.Deleted = false
	acc.DeletedAt = nil
	m.accounts[id] = acc
	return nil
}

func (m *InMemory) WithinUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error {
	u := &memUnit{store: m, balances: make(map[int64]decimal.Decimal)}
	defer u.release()

	if err := fn(ctx, u); err != nil {
		return err
	}
	return m.commit(u)
}

func (m *InMemory) lockFor(id int64) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[id] = ch
	}
	return ch
}

func (m *InMemory) commit(u *memUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.commitFaults) > 0 {
		err := m.commitFaults[0]
		m.commitFaults = m.commitFaults[1:]
		return err
	}
	for _, tx := range u.transactions {
		if _, exists := m.transactions[tx.ID]; exists {
			return ErrDuplicateTransaction
		}
	}
	if err := m.checkTransferKeys(u.transfers); err != nil {
		return err
	}
	// Audit rows go first so a failing log leaves nothing applied.
	if err := m.audit.RecordBatch(context.Background(), u.audits...); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}

	for id, balance := range u.balances {
		acc := m.accounts[id]
		acc.Balance = balance
		m.accounts[id] = acc
	}
	for _, tx := range u.transactions {
		m.transactions[tx.ID] = tx
	}
	for _, t := range u.transfers {
		m.transfers[t.ID] = t
		if t.Status == StatusCompleted {
			m.completed[transferKey{t.FromAccountID, t.IdempotencyKey}] = t.ID
		}
	}
	m.entries = append(m.entries, u.entries...)
	m.outbox.Append(u.events...)
	return nil
}

type memUnit struct {
	store        *InMemory
	held         []int64
	balances     map[int64]decimal.Decimal
	transactions []Transaction
	transfers    []Transfer
	entries      []Entry
	audits       []audit.Entry
	events       []outbox.Event
}

func (u *memUnit) holds(id int64) bool {
	for _, h := range u.held {
		if h == id {
			return true
		}
	}
	return false
}

func (u *memUnit) LockAccount(ctx context.Context, id int64) (Account, error) {
	if !u.holds(id) {
		ch := u.store.lockFor(id)
		timer := time.NewTimer(u.store.lockTimeout)
		defer timer.Stop()
		select {
		case ch <- struct{}{}:
		case <-timer.C:
			return Account{}, ErrLockTimeout
		case <-ctx.Done():
			return Account{}, ctx.Err()
		}
		u.held = append(u.held, id)
	}

	acc, err := u.store.ActiveAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if staged, ok := u.balances[id]; ok {
		acc.Balance = staged
	}
	return acc, nil
}

func (u *memUnit) SetBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	if !u.holds(id) {
		return ErrNotLocked
	}
	if balance.IsNegative() {
		return ErrInsufficientFunds
	}
	u.balances[id] = balance
	return nil
}

func (u *memUnit) InsertTransaction(_ context.Context, tx Transaction) error {
	u.transactions = append(u.transactions, tx)
	return nil
}

func (u *memUnit) InsertTransfer(_ context.Context, transfer Transfer) error {
	u.transfers = append(u.transfers, transfer)
	return nil
}

func (u *memUnit) InsertEntries(_ context.Context, entries ...Entry) error {
	u.entries = append(u.entries, entries...)
	return nil
}

func (u *memUnit) RecordAudit(_ context.Context, entry audit.Entry) error {
	u.audits = append(u.audits, entry)
	return nil
}

func (u *memUnit) EnqueueEvent(_ context.Context, event outbox.Event) error {
	u.events = append(u.events, event)
	return nil
}

func (u *memUnit) release() {
	if len(u.held) == 0 {
		return
	}
	u.store.mu.Lock()
	u.store.lockTrace = append(u.store.lockTrace, append([]int64(nil), u.held...))
	u.store.mu.Unlock()

	for _, id := range u.held {
		<-u.store.lockFor(id)
	}
	u.held = nil
}
