// Package outbox stores domain events in the same transaction as the state
// change that produced them. A separate relay publishes pending events.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	AggregateTransaction   = "transaction"
	EventTransferCompleted = "transfer.completed"
)

var (
	ErrEventNotFound     = errors.New("outbox event not found")
	ErrAlreadyProcessed  = errors.New("outbox event already processed")
	ErrAggregateRequired = errors.New("aggregate type and id are required")
	ErrEventTypeRequired = errors.New("event type is required")
	ErrPayloadRequired   = errors.New("payload is required")
)

// Event is a pending or processed outbox row.
type Event struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// Processed reports whether a relay has acknowledged the event.
func (e Event) Processed() bool {
	return e.ProcessedAt != nil
}

// NewEvent validates and encodes payload into a new unprocessed event.
func NewEvent(aggregateType, aggregateID, eventType string, payload any) (Event, error) {
	if strings.TrimSpace(aggregateType) == "" || strings.TrimSpace(aggregateID) == "" {
		return Event{}, ErrAggregateRequired
	}
	if strings.TrimSpace(eventType) == "" {
		return Event{}, ErrEventTypeRequired
	}
	if payload == nil {
		return Event{}, ErrPayloadRequired
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode outbox payload: %w", err)
	}
	return Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// TransferCompleted is the payload of EventTransferCompleted.
type TransferCompleted struct {
	TransactionID string `json:"transaction_id"`
	FromAccountID int64  `json:"from_account_id"`
	ToAccountID   int64  `json:"to_account_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	UserID        int64  `json:"user_id"`
}

// Source is the contract a relay consumes: read pending events in creation
// order, then acknowledge each one after it has been published.
type Source interface {
	Pending(ctx context.Context, limit int) ([]Event, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error
}
