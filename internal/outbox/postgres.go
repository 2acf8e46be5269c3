package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert writes event through db, normally the transaction that made the change.
func Insert(ctx context.Context, db Execer, event Event) error {
	_, err := db.Exec(ctx, `INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, string(event.Payload), event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// PostgresOutbox serves relays from the outbox table.
type PostgresOutbox struct {
	db *pgxpool.Pool
}

func NewPostgresOutbox(db *pgxpool.Pool) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (o *PostgresOutbox) Pending(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := o.db.Query(ctx, `SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed_at
        FROM outbox WHERE processed_at IS NULL ORDER BY created_at, seq LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending outbox: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			e       Event
			payload []byte
		)
		if err := row.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &e.CreatedAt, &e.ProcessedAt); err != nil {
			return Event{}, err
		}
		e.Payload = payload
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan outbox: %w", err)
	}
	return events, nil
}

func (o *PostgresOutbox) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := o.db.Exec(ctx, `UPDATE outbox SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark outbox processed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var processed bool
	err = o.db.QueryRow(ctx, `SELECT processed_at IS NOT NULL FROM outbox WHERE id = $1`, id).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup outbox event: %w", err)
	}
	return ErrAlreadyProcessed
}
