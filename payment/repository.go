package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("payment: request not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const requestColumns = `
id, owner_id, payee_id, kind, expected_minor, expected_fiat, address_id,
order_id, status::text, created_at, expires_at, paid_at
`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	err := row.Scan(
		&req.ID, &req.OwnerID, &req.PayeeID, &req.Kind, &req.ExpectedMinor,
		&req.ExpectedFiat, &req.AddressID, &req.OrderID, &req.Status,
		&req.CreatedAt, &req.ExpiresAt, &req.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("payment: scan request: %w", err)
	}
	return req, nil
}

// Insert persists a new pending request inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, req Request) error {
	const insertSQL = `
INSERT INTO payment_requests
  (id, owner_id, payee_id, kind, expected_minor, expected_fiat, address_id, order_id, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err := tx.Exec(ctx, insertSQL,
		req.ID, req.OwnerID, req.PayeeID, string(req.Kind), req.ExpectedMinor,
		req.ExpectedFiat, req.AddressID, req.OrderID, req.ExpiresAt)
	if err != nil {
		return fmt.Errorf("payment: insert request: %w", err)
	}
	return nil
}

// Get loads one request by id without locking.
func (r *Repository) Get(ctx context.Context, id string) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1`, id)
	return scanRequest(row)
}

// GetByOrder loads the request bound to an order, if any.
func (r *Repository) GetByOrder(ctx context.Context, orderID string) (Request, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE order_id = $1`, orderID)
	return scanRequest(row)
}

// GetForUpdate locks the request row for the duration of the transaction so
// overlapping reconciliation passes serialize per request.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	row := tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1 FOR UPDATE`, id)
	return scanRequest(row)
}

// AddressString resolves the receiving address text for a request.
func (r *Repository) AddressString(ctx context.Context, requestID string) (string, error) {
	const query = `
SELECT ra.address
FROM payment_requests pr
JOIN receiving_addresses ra ON ra.id = pr.address_id
WHERE pr.id = $1;
`
	var addr string
	if err := r.pool.QueryRow(ctx, query, requestID).Scan(&addr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("payment: resolve address: %w", err)
	}
	return addr, nil
}

// UpsertFundingTx records a funding transaction once per (address, txid) and
// refreshes its confirmation data on later polls. Reports whether the row was
// newly inserted.
func (r *Repository) UpsertFundingTx(ctx context.Context, tx pgx.Tx, ft FundingTx) (bool, error) {
	const upsertSQL = `
INSERT INTO funding_transactions
  (address_id, txid, amount_minor, confirmations, block_height, first_seen_at, confirmed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (address_id, txid)
DO UPDATE SET confirmations = EXCLUDED.confirmations,
              block_height = EXCLUDED.block_height,
              confirmed_at = COALESCE(funding_transactions.confirmed_at, EXCLUDED.confirmed_at)
RETURNING (xmax = 0);
`
	var inserted bool
	err := tx.QueryRow(ctx, upsertSQL,
		ft.AddressID, ft.TxID, ft.AmountMinor, ft.Confirmations,
		ft.BlockHeight, ft.FirstSeenAt, ft.ConfirmedAt).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("payment: upsert funding tx: %w", err)
	}
	return inserted, nil
}

// ConfirmedSum totals funding transactions at or above the confirmation
// threshold for one address, inside the caller's transaction.
func (r *Repository) ConfirmedSum(ctx context.Context, tx pgx.Tx, addressID string, threshold int) (int64, error) {
	const query = `
SELECT COALESCE(SUM(amount_minor), 0)
FROM funding_transactions
WHERE address_id = $1 AND confirmations >= $2;
`
	var sum int64
	if err := tx.QueryRow(ctx, query, addressID, threshold).Scan(&sum); err != nil {
		return 0, fmt.Errorf("payment: confirmed sum: %w", err)
	}
	return sum, nil
}

// SetStatus applies a lifecycle transition inside the caller's transaction.
func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, paidAt *time.Time) error {
	const updateSQL = `
UPDATE payment_requests
SET status = $2::payment_status,
    paid_at = COALESCE($3, paid_at)
WHERE id = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, id, string(status), paidAt)
	if err != nil {
		return fmt.Errorf("payment: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireDue transitions every overdue, non-terminal request to expired. The
// status guard makes the sweep idempotent: a request expires exactly once no
// matter how often the sweep runs.
func (r *Repository) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	const updateSQL = `
UPDATE payment_requests
SET status = 'expired'
WHERE status IN ('pending', 'partial') AND expires_at < $1;
`
	tag, err := r.pool.Exec(ctx, updateSQL, now)
	if err != nil {
		return 0, fmt.Errorf("payment: expire due: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DueForReconciliation lists open requests the next reconciliation batch
// should visit, oldest first.
func (r *Repository) DueForReconciliation(ctx context.Context, limit int) ([]string, error) {
	const query = `
SELECT id
FROM payment_requests
WHERE status IN ('pending', 'partial')
ORDER BY created_at
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("payment: due for reconciliation: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("payment: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate ids: %w", err)
	}
	return ids, nil
}

// Summary reports the persisted view of a request: the received total at the
// caller's confirmation threshold — the same sum that drives transitions —
// and the highest confirmation count seen. It never consults a provider, so
// it keeps answering during ledger outages.
func (r *Repository) Summary(ctx context.Context, requestID string, threshold int) (StatusSummary, error) {
	req, err := r.Get(ctx, requestID)
	if err != nil {
		return StatusSummary{}, err
	}

	const query = `
SELECT COALESCE(SUM(amount_minor) FILTER (WHERE confirmations >= $2), 0),
       COALESCE(MAX(confirmations), 0)
FROM funding_transactions
WHERE address_id = $1;
`
	summary := StatusSummary{Status: req.Status}
	err = r.pool.QueryRow(ctx, query, req.AddressID, threshold).Scan(&summary.ReceivedMinor, &summary.Confirmations)
	if err != nil {
		return StatusSummary{}, fmt.Errorf("payment: summary: %w", err)
	}
	return summary, nil
}
