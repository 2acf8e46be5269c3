// Package audit records an append-only trail of sensitive actions.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action identifies what was attempted.
type Action string

const (
	ActionCreate        Action = "create"
	ActionUpdate        Action = "update"
	ActionDelete        Action = "delete"
	ActionTransfer      Action = "transfer"
	ActionLogin         Action = "login"
	ActionLogout        Action = "logout"
	ActionFraudCheck    Action = "fraud_check"
	ActionAccountAccess Action = "account_access"
)

// Status is the outcome of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusBlocked Status = "blocked"
)

// Resource types used across the service.
const (
	ResourceTransaction = "transaction"
	ResourceAccount     = "account"
	ResourceFraudCheck  = "fraud_check"
)

// Entry is one audit record. Entries are never mutated once written.
type Entry struct {
	ID           uuid.UUID
	UserID       *int64
	Action       Action
	ResourceType string
	ResourceID   string
	IP           string
	UserAgent    string
	RequestID    string
	Details      map[string]any
	Status       Status
	ErrorMessage string
	CreatedAt    time.Time
}

// normalized fills the identity and timestamp of an entry about to be stored.
func (e Entry) normalized() Entry {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	return e
}

// Recorder appends entries outside of any caller transaction.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Filter narrows an operator audit query. Zero values mean "any".
type Filter struct {
	UserID       *int64
	Action       Action
	ResourceType string
	From         time.Time
	To           time.Time
	Page         int
	PageSize     int
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func (f Filter) normalized() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f Filter) matches(e Entry) bool {
	if f.UserID != nil && (e.UserID == nil || *e.UserID != *f.UserID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	return inRange(e.CreatedAt, f.From, f.To)
}

func inRange(at, from, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && at.After(to) {
		return false
	}
	return true
}

// Page is one page of audit entries, newest first.
type Page struct {
	Entries  []Entry
	Total    int
	Page     int
	PageSize int
}

// FraudStats aggregates fraud-check outcomes over a date range.
type FraudStats struct {
	Total     int
	Allowed   int
	Blocked   int
	BlockRate float64
}

func newFraudStats(allowed, blocked, total int) FraudStats {
	stats := FraudStats{Total: total, Allowed: allowed, Blocked: blocked}
	if total > 0 {
		stats.BlockRate = float64(blocked) / float64(total) * 100
	}
	return stats
}

// Log is the full audit store: writer plus operator read queries.
type Log interface {
	Recorder
	List(ctx context.Context, filter Filter) (Page, error)
	FraudStats(ctx context.Context, from, to time.Time) (FraudStats, error)
}
