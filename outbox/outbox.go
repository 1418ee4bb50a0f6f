// Package outbox persists integration events in the same transaction as the
// state change they describe. An external relay publishes rows to the signer,
// reputation, and notification consumers; the engine only ever appends.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Topics consumed by external collaborators.
const (
	TopicReleaseInstruction = "escrow.release_instruction"
	TopicRefundInstruction  = "escrow.refund_instruction"
	TopicSettlementOutcome  = "settlement.outcome"
	TopicPaymentCompleted   = "payment.completed"
)

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue appends one event row inside the caller's transaction. The row id
// doubles as the downstream idempotency key.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("outbox: insert message: %w", err)
	}
	return nil
}
