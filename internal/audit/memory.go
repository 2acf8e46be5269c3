package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLog is a concurrency-safe in-memory audit log useful for unit tests.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	fail    error
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// FailWith makes every subsequent write return err; nil restores normal behaviour.
func (l *MemoryLog) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

func (l *MemoryLog) Record(ctx context.Context, entry Entry) error {
	return l.RecordBatch(ctx, entry)
}

// RecordBatch appends every entry or none of them.
func (l *MemoryLog) RecordBatch(_ context.Context, entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	for _, e := range entries {
		l.entries = append(l.entries, e.normalized())
	}
	return nil
}

// Entries returns a copy of everything recorded, oldest first.
func (l *MemoryLog) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *MemoryLog) List(_ context.Context, filter Filter) (Page, error) {
	filter = filter.normalized()

	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		if filter.matches(l.entries[i]) {
			matched = append(matched, l.entries[i])
		}
	}

	page := Page{Total: len(matched), Page: filter.Page, PageSize: filter.PageSize}
	start := (filter.Page - 1) * filter.PageSize
	if start < len(matched) {
		end := min(start+filter.PageSize, len(matched))
		page.Entries = matched[start:end]
	}
	return page, nil
}

func (l *MemoryLog) FraudStats(_ context.Context, from, to time.Time) (FraudStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var allowed, blocked, total int
	for _, e := range l.entries {
		if e.Action != ActionFraudCheck || !inRange(e.CreatedAt, from, to) {
			continue
		}
		total++
		switch e.Status {
		case StatusSuccess:
			allowed++
		case StatusBlocked:
			blocked++
		}
	}
	return newFraudStats(allowed, blocked, total), nil
}
