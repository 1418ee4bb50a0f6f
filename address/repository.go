package address

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("address: not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// NextIndex allocates the next derivation index for a purpose inside the
// caller's transaction. The upsert increments and returns atomically, so two
// concurrent issuances can never observe the same value.
func (r *Repository) NextIndex(ctx context.Context, tx pgx.Tx, purpose Purpose) (uint32, error) {
	const allocSQL = `
INSERT INTO address_counters (purpose, next_index)
VALUES ($1, 1)
ON CONFLICT (purpose)
DO UPDATE SET next_index = address_counters.next_index + 1
RETURNING next_index - 1;
`
	var index int64
	if err := tx.QueryRow(ctx, allocSQL, string(purpose)).Scan(&index); err != nil {
		return 0, fmt.Errorf("address: allocate index: %w", err)
	}
	return uint32(index), nil
}

// Insert persists a freshly derived address inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	const insertSQL = `
INSERT INTO receiving_addresses (id, address, derivation_index, derivation_path, purpose, owner_id)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := tx.Exec(ctx, insertSQL,
		rec.ID, rec.Address, int64(rec.DerivationIndex), rec.DerivationPath, string(rec.Purpose), rec.OwnerID)
	if err != nil {
		return fmt.Errorf("address: insert: %w", err)
	}
	return nil
}

// Get loads one address row by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	const query = `
SELECT id, address, derivation_index, derivation_path, purpose, owner_id, balance_minor, is_used, created_at
FROM receiving_addresses
WHERE id = $1;
`
	var (
		rec   Record
		index int64
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Address, &index, &rec.DerivationPath, &rec.Purpose,
		&rec.OwnerID, &rec.BalanceMinor, &rec.IsUsed, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("address: get: %w", err)
	}
	rec.DerivationIndex = uint32(index)
	return rec, nil
}

// MarkFunded records the first observed funding and the latest balance inside
// the caller's transaction.
func (r *Repository) MarkFunded(ctx context.Context, tx pgx.Tx, id string, balanceMinor int64) error {
	const updateSQL = `
UPDATE receiving_addresses
SET balance_minor = $2,
    is_used = TRUE
WHERE id = $1;
`
	tag, err := tx.Exec(ctx, updateSQL, id, balanceMinor)
	if err != nil {
		return fmt.Errorf("address: mark funded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
