package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryValue struct {
	value   string
	expires time.Time
}

// Memory is a process-local Store for unit tests. It honours TTLs against an
// injectable clock and can be told to fail every call.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	values  map[string]memoryValue
	windows map[string][]Sample
	fail    error
}

// NewMemory creates an empty in-memory store on the wall clock.
func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		values:  make(map[string]memoryValue),
		windows: make(map[string][]Sample),
	}
}

// SetClock replaces the clock used for TTL expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailWith makes every subsequent call return err; nil restores normal behaviour.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// lookup must be called with mu held.
func (m *Memory) lookup(key string) (string, bool) {
	v, ok := m.values[key]
	if !ok {
		return "", false
	}
	if !v.expires.IsZero() && !m.now().Before(v.expires) {
		delete(m.values, key)
		return "", false
	}
	return v.value, true
}

func (m *Memory) store(key, value string, ttl time.Duration) {
	v := memoryValue{value: value}
	if ttl > 0 {
		v.expires = m.now().Add(ttl)
	}
	m.values[key] = v
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	value, ok := m.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	current, ok := m.lookup(key)
	if !ok || current != old {
		return false, nil
	}
	m.store(key, value, ttl)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key, old string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	current, ok := m.lookup(key)
	if !ok || current != old {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *Memory) WindowAdd(_ context.Context, key, member string, at time.Time, retention time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	cutoff := at.Add(-retention)
	kept := m.windows[key][:0]
	for _, s := range m.windows[key] {
		if !s.At.Before(cutoff) && s.Member != member {
			kept = append(kept, s)
		}
	}
	kept = append(kept, Sample{Member: member, At: at.UTC()})
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].At.Before(kept[j].At) })
	m.windows[key] = kept
	return nil
}

func (m *Memory) WindowSince(_ context.Context, key string, since time.Time) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []Sample
	for _, s := range m.windows[key] {
		if !s.At.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail
}
