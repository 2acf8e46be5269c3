package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventValidates(t *testing.T) {
	_, err := NewEvent("", "1", EventTransferCompleted, map[string]string{})
	assert.ErrorIs(t, err, ErrAggregateRequired)

	_, err = NewEvent(AggregateTransaction, "1", " ", map[string]string{})
	assert.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = NewEvent(AggregateTransaction, "1", EventTransferCompleted, nil)
	assert.ErrorIs(t, err, ErrPayloadRequired)

	event, err := NewEvent(AggregateTransaction, "tx-1", EventTransferCompleted, TransferCompleted{
		TransactionID: "tx-1", FromAccountID: 1, ToAccountID: 2, Amount: "100.00", Currency: "USD", UserID: 7,
	})
	require.NoError(t, err)
	assert.False(t, event.Processed())

	var payload TransferCompleted
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "100.00", payload.Amount)
}

func TestMemoryRelayContract(t *testing.T) {
	ctx := context.Background()
	box := NewMemoryOutbox()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		event, err := NewEvent(AggregateTransaction, uuid.NewString(), EventTransferCompleted, map[string]int{"n": i})
		require.NoError(t, err)
		box.Append(event)
		ids = append(ids, event.ID)
	}

	pending, err := box.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[0], pending[0].ID)

	require.NoError(t, box.MarkProcessed(ctx, ids[0], time.Now()))
	assert.ErrorIs(t, box.MarkProcessed(ctx, ids[0], time.Now()), ErrAlreadyProcessed)
	assert.ErrorIs(t, box.MarkProcessed(ctx, uuid.New(), time.Now()), ErrEventNotFound)

	pending, err = box.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)
}
