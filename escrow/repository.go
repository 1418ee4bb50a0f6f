package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("escrow: not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `
id, order_id, buyer_id, payee_id, amount_minor, platform_fee_minor,
payee_minor, escrow_address_id, status::text, dispute_locked, funded_at,
auto_release_at, released_at, release_reference
`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.OrderID, &rec.BuyerID, &rec.PayeeID, &rec.AmountMinor,
		&rec.PlatformFeeMinor, &rec.PayeeMinor, &rec.EscrowAddressID,
		&rec.Status, &rec.DisputeLocked, &rec.FundedAt, &rec.AutoReleaseAt,
		&rec.ReleasedAt, &rec.ReleaseReference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: scan: %w", err)
	}
	return rec, nil
}

// Insert persists a freshly funded escrow inside the caller's transaction.
// The sum invariant is also enforced by a table check constraint.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	const insertSQL = `
INSERT INTO escrows
  (id, order_id, buyer_id, payee_id, amount_minor, platform_fee_minor,
   payee_minor, escrow_address_id, funded_at, auto_release_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`
	_, err := tx.Exec(ctx, insertSQL,
		rec.ID, rec.OrderID, rec.BuyerID, rec.PayeeID, rec.AmountMinor,
		rec.PlatformFeeMinor, rec.PayeeMinor, rec.EscrowAddressID,
		rec.FundedAt, rec.AutoReleaseAt)
	if err != nil {
		return fmt.Errorf("escrow: insert: %w", err)
	}
	return nil
}

// GetByOrder loads the escrow record bound to an order.
func (r *Repository) GetByOrder(ctx context.Context, orderID string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM escrows WHERE order_id = $1`, orderID)
	return scanRecord(row)
}

// ClaimSettle atomically moves a funded escrow to its terminal status inside
// the caller's transaction. The status guard in the WHERE clause is the
// single-fire mechanism: a row already settled (or mid-settlement in another
// transaction) matches zero rows.
func (r *Repository) ClaimSettle(ctx context.Context, tx pgx.Tx, orderID string, to Status, reference string, now time.Time) (Record, error) {
	const claimSQL = `
UPDATE escrows
SET status = $2::escrow_status,
    released_at = $3,
    release_reference = $4
WHERE order_id = $1 AND status = 'funded'
RETURNING ` + recordColumns + `;`

	rec, err := scanRecord(tx.QueryRow(ctx, claimSQL, orderID, string(to), now, reference))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	// Distinguish "no such escrow" from "already settled".
	var status string
	checkErr := tx.QueryRow(ctx, `SELECT status::text FROM escrows WHERE order_id = $1`, orderID).Scan(&status)
	if checkErr != nil {
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: claim check: %w", checkErr)
	}
	return Record{}, fmt.Errorf("%w: escrow for order %s is %s", ErrAlreadySettled, orderID, status)
}

// ClaimAutoRelease is the scheduled scan's variant of ClaimSettle. Its WHERE
// clause re-checks the dispute lock, so a lock committed after the scan query
// still suppresses the release; only explicit settlement may touch a locked
// escrow.
func (r *Repository) ClaimAutoRelease(ctx context.Context, tx pgx.Tx, orderID, reference string, now time.Time) (Record, error) {
	const claimSQL = `
UPDATE escrows
SET status = 'released',
    released_at = $2,
    release_reference = $3
WHERE order_id = $1 AND status = 'funded' AND NOT dispute_locked
RETURNING ` + recordColumns + `;`

	rec, err := scanRecord(tx.QueryRow(ctx, claimSQL, orderID, now, reference))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	var status string
	var locked bool
	checkErr := tx.QueryRow(ctx, `SELECT status::text, dispute_locked FROM escrows WHERE order_id = $1`, orderID).Scan(&status, &locked)
	if checkErr != nil {
		if errors.Is(checkErr, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: claim check: %w", checkErr)
	}
	if status != string(StatusFunded) {
		return Record{}, fmt.Errorf("%w: escrow for order %s is %s", ErrAlreadySettled, orderID, status)
	}
	return Record{}, fmt.Errorf("%w: order %s", ErrDisputeLocked, orderID)
}

// SetDisputeLock flips the dispute lock inside the caller's transaction. The
// lock suppresses auto-release only; it does not touch status.
func (r *Repository) SetDisputeLock(ctx context.Context, tx pgx.Tx, orderID string, locked bool) error {
	tag, err := tx.Exec(ctx, `UPDATE escrows SET dispute_locked = $2 WHERE order_id = $1`, orderID, locked)
	if err != nil {
		return fmt.Errorf("escrow: set dispute lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DueForRelease lists funded escrows past their auto-release deadline with
// no active dispute lock.
func (r *Repository) DueForRelease(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	const query = `
SELECT ` + recordColumns + `
FROM escrows
WHERE status = 'funded' AND auto_release_at < $1 AND NOT dispute_locked
ORDER BY auto_release_at
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: due for release: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate due: %w", err)
	}
	return out, nil
}
