package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant queries. Each query selects violating rows; a
// healthy database returns zero rows for every oracle.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_derivation_index_unique",
			SQL: `SELECT purpose, derivation_index, COUNT(*) FROM receiving_addresses
                  GROUP BY purpose, derivation_index HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_counter_covers_allocations",
			SQL: `SELECT a.purpose, MAX(a.derivation_index) AS max_index, c.next_index
                  FROM receiving_addresses a
                  JOIN address_counters c ON c.purpose = a.purpose::text
                  GROUP BY a.purpose, c.next_index
                  HAVING MAX(a.derivation_index) >= c.next_index`,
		},
		{
			Name: "O3_funding_txid_unique",
			SQL: `SELECT address_id, txid, COUNT(*) FROM funding_transactions
                  GROUP BY address_id, txid HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_settlement_single_fire",
			SQL: `SELECT payload->>'order_id' AS order_id, COUNT(*) FROM outbox
                  WHERE topic IN ('escrow.release_instruction', 'escrow.refund_instruction')
                  GROUP BY payload->>'order_id' HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_settled_escrow_complete",
			SQL: `SELECT id, order_id, status FROM escrows
                  WHERE status IN ('released', 'refunded')
                    AND (released_at IS NULL OR release_reference IS NULL)`,
		},
		{
			Name: "O6_split_sum_exact",
			SQL: `SELECT id, order_id FROM escrows
                  WHERE platform_fee_minor + payee_minor <> amount_minor`,
		},
		{
			Name: "O7_one_open_dispute",
			SQL: `SELECT order_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_no_premature_expiry",
			SQL: `SELECT id, order_id FROM payment_requests
                  WHERE status = 'expired' AND expires_at >= now()`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
