package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IndexAllocator races the per-purpose derivation counter and inserts an
// address row for each index it wins. Duplicate indexes surface through the
// (purpose, derivation_index) unique constraint and the allocation oracle.
func IndexAllocator(ctx context.Context, pool *pgxpool.Pool, purpose string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var index int64
		err = tx.QueryRow(ctx, `INSERT INTO address_counters (purpose, next_index) VALUES ($1, 1)
                                ON CONFLICT (purpose) DO UPDATE SET next_index = address_counters.next_index + 1
                                RETURNING next_index - 1`, purpose).Scan(&index)
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO receiving_addresses (id, address, derivation_index, derivation_path, purpose, owner_id)
                                   VALUES ($1, $2, $3, $4, $5::address_purpose, 'stress-owner')`,
				uuid.NewString(), fmt.Sprintf("bc1q%s%d", purpose, index), index,
				fmt.Sprintf("m/84'/0'/0'/0/%d", index), purpose)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			if isUniqueViolation(err) {
				return fmt.Errorf("allocator: duplicate derivation index: %w", err)
			}
			return fmt.Errorf("allocator: %w", err)
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// FundingWriter replays a small set of txids against one address, imitating
// repeated reconciliation passes seeing the same on-chain events with rising
// confirmation counts. The (address_id, txid) constraint must collapse the
// replays into one row per txid.
func FundingWriter(ctx context.Context, pool *pgxpool.Pool, addressID string, stop <-chan struct{}) error {
	txids := []string{"tx-a", "tx-b", "tx-c"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		txid := txids[rand.Intn(len(txids))]
		conf := rand.Intn(7)
		_, err := pool.Exec(ctx, `INSERT INTO funding_transactions (address_id, txid, amount_minor, confirmations)
                                  VALUES ($1, $2, 50000, $3)
                                  ON CONFLICT (address_id, txid)
                                  DO UPDATE SET confirmations = GREATEST(funding_transactions.confirmations, EXCLUDED.confirmations)`,
			addressID, txid, conf)
		if err != nil {
			return fmt.Errorf("funding writer: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Settler races the compare-and-set settlement claim for one order. Every
// loser must observe zero rows; exactly one release instruction may ever be
// appended per order, which the single-fire oracle checks.
func Settler(ctx context.Context, pool *pgxpool.Pool, orderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var escrowID string
		var payeeMinor int64
		err = tx.QueryRow(ctx, `UPDATE escrows SET status = 'released', released_at = now(), release_reference = 'buyer_confirmed'
                                WHERE order_id = $1 AND status = 'funded'
                                RETURNING id, payee_minor`, orderID).Scan(&escrowID, &payeeMinor)
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                   VALUES ('escrow.release_instruction', jsonb_build_object('order_id', $1::text, 'amount_minor', $2::bigint))`,
				orderID, payeeMinor)
			if err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("settler outbox: %w", err)
			}
			_ = tx.Commit(ctx)
		} else if errors.Is(err, pgx.ErrNoRows) {
			_ = tx.Rollback(ctx)
		} else {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("settler claim: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer opens and resolves disputes against one order. The partial unique
// index allows at most one open dispute; concurrent opens losing with a
// unique violation is the expected outcome, anything else is a failure.
func Disputer(ctx context.Context, pool *pgxpool.Pool, orderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO disputes (id, order_id, opened_by) VALUES ($1, $2, 'stress-buyer')`,
			uuid.NewString(), orderID)
		if err != nil && !isUniqueViolation(err) {
			return fmt.Errorf("disputer open: %w", err)
		}
		if err == nil {
			_, _ = pool.Exec(ctx, `UPDATE escrows SET dispute_locked = TRUE WHERE order_id = $1 AND status = 'funded'`, orderID)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
		_, _ = pool.Exec(ctx, `UPDATE disputes SET status = 'resolved', outcome = 'vendor', resolved_at = now()
                               WHERE order_id = $1 AND status = 'open'`, orderID)
		_, _ = pool.Exec(ctx, `UPDATE escrows SET dispute_locked = FALSE WHERE order_id = $1`, orderID)
	}
}

// AutoReleaser imitates the background release scan: it picks due unlocked
// escrows and runs the same claim as an explicit release. Rows claimed by a
// Settler in the gap between scan and claim simply match zero rows here.
func AutoReleaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `SELECT order_id, payee_minor FROM escrows
                                      WHERE status = 'funded' AND NOT dispute_locked AND auto_release_at < now()
                                      LIMIT 10`)
		if err != nil {
			return fmt.Errorf("auto-release scan: %w", err)
		}
		type due struct {
			orderID    string
			payeeMinor int64
		}
		batch := make([]due, 0, 10)
		for rows.Next() {
			var d due
			_ = rows.Scan(&d.orderID, &d.payeeMinor)
			batch = append(batch, d)
		}
		rows.Close()
		for _, d := range batch {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			var id string
			err = tx.QueryRow(ctx, `UPDATE escrows SET status = 'released', released_at = now(), release_reference = 'auto_release'
                                    WHERE order_id = $1 AND status = 'funded' AND NOT dispute_locked
                                    RETURNING id`, d.orderID).Scan(&id)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                     VALUES ('escrow.release_instruction', jsonb_build_object('order_id', $1::text, 'amount_minor', $2::bigint))`,
					d.orderID, d.payeeMinor)
				_ = tx.Commit(ctx)
			} else {
				_ = tx.Rollback(ctx)
			}
		}
		time.Sleep(150 * time.Millisecond)
	}
}

// Expirer sweeps overdue open payment requests. The status guard in the
// UPDATE makes the sweep idempotent under concurrent runs.
func Expirer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE payment_requests SET status = 'expired'
                                  WHERE status IN ('pending', 'partial') AND expires_at < now()`)
		if err != nil {
			return fmt.Errorf("expirer: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
