package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyOpen signals the one-open-dispute-per-order guardrail.
	ErrAlreadyOpen = errors.New("dispute: already open for order")
	ErrBadStatus   = errors.New("dispute: invalid status transition")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts an open dispute inside the caller's transaction. A partial
// unique index on (order_id) WHERE status = 'open' enforces at most one open
// dispute per order.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, rec Record) error {
	const insertSQL = `
INSERT INTO disputes (id, order_id, status, opened_by)
VALUES ($1, $2, 'open', $3);
`
	if _, err := tx.Exec(ctx, insertSQL, rec.ID, rec.OrderID, rec.OpenedBy); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyOpen
		}
		return fmt.Errorf("dispute: create: %w", err)
	}
	return nil
}

// Resolve closes the open dispute for an order inside the caller's
// transaction.
func (r *Repository) Resolve(ctx context.Context, tx pgx.Tx, orderID string, outcome Outcome, now time.Time) (Record, error) {
	const updateSQL = `
UPDATE disputes
SET status = 'resolved',
    outcome = $2,
    resolved_at = $3
WHERE order_id = $1 AND status = 'open'
RETURNING id, order_id, status::text, opened_by, outcome, created_at, resolved_at;
`
	var rec Record
	err := tx.QueryRow(ctx, updateSQL, orderID, string(outcome), now).Scan(
		&rec.ID, &rec.OrderID, &rec.Status, &rec.OpenedBy, &rec.Outcome,
		&rec.CreatedAt, &rec.ResolvedAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return Record{}, fmt.Errorf("dispute: resolve check: %w", err)
	}
	if exists {
		return Record{}, ErrBadStatus
	}
	return Record{}, ErrNotFound
}

// HasOpen reports whether the order currently has an open dispute.
func (r *Repository) HasOpen(ctx context.Context, orderID string) (bool, error) {
	var open bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE order_id = $1 AND status = 'open')`, orderID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("dispute: has open: %w", err)
	}
	return open, nil
}

// List returns dispute history for an order, newest first.
func (r *Repository) List(ctx context.Context, orderID string) ([]Record, error) {
	const query = `
SELECT id, order_id, status::text, opened_by, outcome, created_at, resolved_at
FROM disputes
WHERE order_id = $1
ORDER BY created_at DESC;
`
	rows, err := r.pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Status, &rec.OpenedBy,
			&rec.Outcome, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
