// Package kv abstracts the shared key-value store used for idempotency records
// and fraud counters. Redis backs it in production; Memory backs unit tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Sample is one timestamped member of a sliding window.
type Sample struct {
	Member string
	At     time.Time
}

// Store is a key-value store with atomic check-and-set and TTL semantics.
// Every implementation must be safe for concurrent use across processes that
// share the same backend.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value only when it currently equals old.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes the key only when its value equals old.
	CompareAndDelete(ctx context.Context, key, old string) (bool, error)
	// WindowAdd appends member at the given instant and drops members older
	// than retention relative to it.
	WindowAdd(ctx context.Context, key, member string, at time.Time, retention time.Duration) error
	// WindowSince lists members recorded at or after since, oldest first.
	WindowSince(ctx context.Context, key string, since time.Time) ([]Sample, error)
	Ping(ctx context.Context) error
}
