package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx, so entries can be written
// inside a caller's transaction or on their own.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Insert writes one entry through db.
func Insert(ctx context.Context, db Execer, entry Entry) error {
	entry = entry.normalized()

	var details []byte
	if len(entry.Details) > 0 {
		var err error
		if details, err = json.Marshal(entry.Details); err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}

	_, err := db.Exec(ctx, `INSERT INTO audit_logs
        (id, user_id, action, resource_type, resource_id, ip_address, user_agent, request_id, details, status, error_message, created_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, NULLIF($11, ''), $12)`,
		entry.ID, entry.UserID, string(entry.Action), entry.ResourceType, entry.ResourceID, entry.IP,
		entry.UserAgent, entry.RequestID, details, string(entry.Status), entry.ErrorMessage, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// PostgresLog persists audit entries in PostgreSQL.
type PostgresLog struct {
	db *pgxpool.Pool
}

// NewPostgresLog constructs a Postgres-backed audit log.
func NewPostgresLog(db *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{db: db}
}

// Record writes an entry in its own implicit transaction.
func (l *PostgresLog) Record(ctx context.Context, entry Entry) error {
	return Insert(ctx, l.db, entry)
}

// List returns one page of entries matching filter, newest first.
func (l *PostgresLog) List(ctx context.Context, filter Filter) (Page, error) {
	filter = filter.normalized()
	where, args := filter.where()

	var total int
	if err := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count audit logs: %w", err)
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := fmt.Sprintf(`SELECT id, user_id, action, resource_type, COALESCE(resource_id, ''),
        COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(request_id, ''), details, status,
        COALESCE(error_message, ''), created_at
        FROM audit_logs%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := l.db.Query(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list audit logs: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return Page{}, fmt.Errorf("scan audit logs: %w", err)
	}
	return Page{Entries: entries, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// FraudStats counts fraud-check outcomes between from and to (zero = unbounded).
func (l *PostgresLog) FraudStats(ctx context.Context, from, to time.Time) (FraudStats, error) {
	filter := Filter{Action: ActionFraudCheck, From: from, To: to}
	where, args := filter.where()
	query := `SELECT
        COUNT(*) FILTER (WHERE status = 'success'),
        COUNT(*) FILTER (WHERE status = 'blocked'),
        COUNT(*)
        FROM audit_logs` + where

	var allowed, blocked, total int
	if err := l.db.QueryRow(ctx, query, args...).Scan(&allowed, &blocked, &total); err != nil {
		return FraudStats{}, fmt.Errorf("fraud stats: %w", err)
	}
	return newFraudStats(allowed, blocked, total), nil
}

func (f Filter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != nil {
		add("user_id = $%d", *f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(row pgx.CollectableRow) (Entry, error) {
	var (
		e       Entry
		action  string
		status  string
		details []byte
	)
	if err := row.Scan(&e.ID, &e.UserID, &action, &e.ResourceType, &e.ResourceID, &e.IP, &e.UserAgent,
		&e.RequestID, &details, &status, &e.ErrorMessage, &e.CreatedAt); err != nil {
		return Entry{}, err
	}
	e.Action = Action(action)
	e.Status = Status(status)
	e.CreatedAt = e.CreatedAt.UTC()
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return Entry{}, fmt.Errorf("decode audit details: %w", err)
		}
	}
	return e, nil
}
