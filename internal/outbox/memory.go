package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryOutbox keeps events in insertion order.
type MemoryOutbox struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{}
}

// Append stores committed events.
func (o *MemoryOutbox) Append(events ...Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, events...)
}

// Events returns a copy of every stored event.
func (o *MemoryOutbox) Events() []Event {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Event, len(o.events))
	copy(out, o.events)
	return out
}

func (o *MemoryOutbox) Pending(_ context.Context, limit int) ([]Event, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []Event
	for _, e := range o.events {
		if limit > 0 && len(out) == limit {
			break
		}
		if !e.Processed() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (o *MemoryOutbox) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.events {
		if o.events[i].ID != id {
			continue
		}
		if o.events[i].Processed() {
			return ErrAlreadyProcessed
		}
		at = at.UTC()
		o.events[i].ProcessedAt = &at
		return nil
	}
	return ErrEventNotFound
}
