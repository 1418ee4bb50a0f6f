package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"escrowflow/outbox"
	"escrowflow/settlement"
)

var (
	// ErrAlreadySettled is returned when release or refund is attempted on an
	// escrow that is not funded. The operation has no side effect; the error
	// exists for observability, not retry.
	ErrAlreadySettled = errors.New("escrow: already settled")
	// ErrDisputeLocked is returned when the auto-release claim finds the
	// dispute lock set. The escrow stays funded; resolution decides it.
	ErrDisputeLocked = errors.New("escrow: dispute locked")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// LedgerRepository defines the data access required by the service.
type LedgerRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
	GetByOrder(ctx context.Context, orderID string) (Record, error)
	ClaimSettle(ctx context.Context, tx pgx.Tx, orderID string, to Status, reference string, now time.Time) (Record, error)
	ClaimAutoRelease(ctx context.Context, tx pgx.Tx, orderID, reference string, now time.Time) (Record, error)
	SetDisputeLock(ctx context.Context, tx pgx.Tx, orderID string, locked bool) error
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]Record, error)
}

// OutboxWriter appends integration events inside the same transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Config struct {
	FeeRateBps    uint32
	ReleaseWindow time.Duration
	ScanBatch     int
}

type Service struct {
	pool   TxBeginner
	repo   LedgerRepository
	events OutboxWriter
	log    *zap.Logger

	feeRateBps    uint32
	releaseWindow time.Duration
	scanBatch     int

	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo LedgerRepository, events OutboxWriter, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	window := cfg.ReleaseWindow
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	batch := cfg.ScanBatch
	if batch <= 0 {
		batch = 100
	}
	return &Service{
		pool:          pool,
		repo:          repo,
		events:        events,
		log:           log,
		feeRateBps:    cfg.FeeRateBps,
		releaseWindow: window,
		scanBatch:     batch,
		idGenerator:   func() string { return uuid.NewString() },
		now:           time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

type FundParams struct {
	OrderID     string
	BuyerID     string
	PayeeID     string
	AmountMinor int64
	AddressID   string
}

// FundTx opens the escrow inside the caller's transaction, at the moment the
// payment request completes. The fee split is captured now, at the current
// configured rate, and fixed for the escrow's lifetime.
func (s *Service) FundTx(ctx context.Context, tx pgx.Tx, params FundParams) (Record, error) {
	if params.OrderID == "" {
		return Record{}, fmt.Errorf("escrow: missing order id")
	}
	if params.BuyerID == "" || params.PayeeID == "" {
		return Record{}, fmt.Errorf("escrow: missing buyer or payee id")
	}
	if params.AmountMinor <= 0 {
		return Record{}, fmt.Errorf("escrow: amount must be positive")
	}

	fee, payee := settlement.Split(params.AmountMinor, s.feeRateBps)

	now := s.now().UTC()
	rec := Record{
		ID:               s.idGenerator(),
		OrderID:          params.OrderID,
		BuyerID:          params.BuyerID,
		PayeeID:          params.PayeeID,
		AmountMinor:      params.AmountMinor,
		PlatformFeeMinor: fee,
		PayeeMinor:       payee,
		EscrowAddressID:  params.AddressID,
		Status:           StatusFunded,
		FundedAt:         now,
		AutoReleaseAt:    now.Add(s.releaseWindow),
	}
	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Record{}, err
	}

	err := s.events.Enqueue(ctx, tx, "escrow.funded", map[string]any{
		"escrow_id":       rec.ID,
		"order_id":        rec.OrderID,
		"amount_minor":    rec.AmountMinor,
		"fee_minor":       rec.PlatformFeeMinor,
		"payee_minor":     rec.PayeeMinor,
		"auto_release_at": rec.AutoReleaseAt,
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns the escrow bound to an order.
func (s *Service) Get(ctx context.Context, orderID string) (Record, error) {
	return s.repo.GetByOrder(ctx, orderID)
}

// Release settles a funded escrow in the payee's favor. Single-fire: a
// second invocation fails with ErrAlreadySettled and performs no side
// effect. The release instruction carries the payee amount for the external
// signer.
func (s *Service) Release(ctx context.Context, orderID, reference string) (Record, error) {
	return s.settle(ctx, orderID, StatusReleased, reference)
}

// Refund settles a funded escrow in the buyer's favor. The full amount is
// returned; the platform fee is waived on refund.
func (s *Service) Refund(ctx context.Context, orderID, reference string) (Record, error) {
	return s.settle(ctx, orderID, StatusRefunded, reference)
}

// ReleaseTx settles in the payee's favor inside the caller's transaction,
// for callers that must commit the settlement atomically with their own
// writes (dispute resolution).
func (s *Service) ReleaseTx(ctx context.Context, tx pgx.Tx, orderID, reference string) (Record, error) {
	return s.settleTx(ctx, tx, orderID, StatusReleased, reference)
}

// RefundTx settles in the buyer's favor inside the caller's transaction.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, orderID, reference string) (Record, error) {
	return s.settleTx(ctx, tx, orderID, StatusRefunded, reference)
}

func (s *Service) settle(ctx context.Context, orderID string, to Status, reference string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.settleTx(ctx, tx, orderID, to, reference)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return rec, nil
}

func (s *Service) settleTx(ctx context.Context, tx pgx.Tx, orderID string, to Status, reference string) (Record, error) {
	if orderID == "" {
		return Record{}, fmt.Errorf("escrow: missing order id")
	}

	rec, err := s.repo.ClaimSettle(ctx, tx, orderID, to, reference, s.now().UTC())
	if err != nil {
		return Record{}, err
	}
	if err := s.emitSettlement(ctx, tx, rec, to, reference); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Service) emitSettlement(ctx context.Context, tx pgx.Tx, rec Record, to Status, reference string) error {
	instruction := map[string]any{
		"escrow_id": rec.ID,
		"order_id":  rec.OrderID,
		"reference": reference,
	}
	switch to {
	case StatusReleased:
		instruction["recipient_id"] = rec.PayeeID
		instruction["amount_minor"] = rec.PayeeMinor
		if err := s.events.Enqueue(ctx, tx, outbox.TopicReleaseInstruction, instruction); err != nil {
			return err
		}
	case StatusRefunded:
		instruction["recipient_id"] = rec.BuyerID
		instruction["amount_minor"] = rec.AmountMinor
		if err := s.events.Enqueue(ctx, tx, outbox.TopicRefundInstruction, instruction); err != nil {
			return err
		}
	}

	return s.events.Enqueue(ctx, tx, outbox.TopicSettlementOutcome, map[string]any{
		"escrow_id": rec.ID,
		"order_id":  rec.OrderID,
		"buyer_id":  rec.BuyerID,
		"payee_id":  rec.PayeeID,
		"outcome":   string(to),
		"reference": reference,
	})
}

// Lock sets the dispute lock inside the caller's transaction. Auto-release
// becomes a no-op for the order until the lock clears.
func (s *Service) Lock(ctx context.Context, tx pgx.Tx, orderID string) error {
	return s.repo.SetDisputeLock(ctx, tx, orderID, true)
}

// Unlock clears the dispute lock inside the caller's transaction.
func (s *Service) Unlock(ctx context.Context, tx pgx.Tx, orderID string) error {
	return s.repo.SetDisputeLock(ctx, tx, orderID, false)
}

// ReleaseDue scans for funded escrows past their deadline with no dispute
// lock and releases each. The per-row claim re-checks both the status and the
// lock, so concurrent scans, explicit settlements, and disputes opened after
// the scan query all surface here as skips, never double releases.
func (s *Service) ReleaseDue(ctx context.Context) (int, error) {
	due, err := s.repo.DueForRelease(ctx, s.now().UTC(), s.scanBatch)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, rec := range due {
		if _, err := s.autoRelease(ctx, rec.OrderID); err != nil {
			switch {
			case errors.Is(err, ErrAlreadySettled):
				s.log.Debug("auto-release skipped, already settled", zap.String("order_id", rec.OrderID))
				continue
			case errors.Is(err, ErrDisputeLocked):
				s.log.Debug("auto-release skipped, dispute opened", zap.String("order_id", rec.OrderID))
				continue
			}
			return released, err
		}
		s.log.Info("escrow auto-released",
			zap.String("order_id", rec.OrderID),
			zap.Int64("payee_minor", rec.PayeeMinor))
		released++
	}
	return released, nil
}

func (s *Service) autoRelease(ctx context.Context, orderID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.ClaimAutoRelease(ctx, tx, orderID, "auto_release", s.now().UTC())
	if err != nil {
		return Record{}, err
	}
	if err := s.emitSettlement(ctx, tx, rec, StatusReleased, "auto_release"); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return rec, nil
}
