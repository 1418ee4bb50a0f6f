package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"escrowflow/escrow"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DisputeRepository defines the data access required by the service.
type DisputeRepository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) error
	Resolve(ctx context.Context, tx pgx.Tx, orderID string, outcome Outcome, now time.Time) (Record, error)
	HasOpen(ctx context.Context, orderID string) (bool, error)
	List(ctx context.Context, orderID string) ([]Record, error)
}

// EscrowLocker flips the dispute lock on the order's escrow.
type EscrowLocker interface {
	Lock(ctx context.Context, tx pgx.Tx, orderID string) error
	Unlock(ctx context.Context, tx pgx.Tx, orderID string) error
}

// EscrowSettler drives the settlement a resolution decides, inside the
// resolution's own transaction.
type EscrowSettler interface {
	ReleaseTx(ctx context.Context, tx pgx.Tx, orderID, reference string) (escrow.Record, error)
	RefundTx(ctx context.Context, tx pgx.Tx, orderID, reference string) (escrow.Record, error)
}

type Service struct {
	pool        TxBeginner
	repo        DisputeRepository
	locker      EscrowLocker
	settler     EscrowSettler
	log         *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo DisputeRepository, locker EscrowLocker, settler EscrowSettler, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		locker:      locker,
		settler:     settler,
		log:         log,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Open records a dispute and sets the escrow dispute lock in the same
// transaction, so no auto-release scan can slip between the two writes.
func (s *Service) Open(ctx context.Context, orderID, openedBy string) (Record, error) {
	if orderID == "" {
		return Record{}, fmt.Errorf("dispute: missing order id")
	}
	if openedBy == "" {
		return Record{}, fmt.Errorf("dispute: missing opener id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Record{
		ID:       s.idGenerator(),
		OrderID:  orderID,
		Status:   StatusOpen,
		OpenedBy: openedBy,
	}
	if err := s.repo.Create(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	if err := s.locker.Lock(ctx, tx, orderID); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	return rec, nil
}

// Resolve closes the dispute, clears the lock, and drives the decided
// settlement — buyer-favour refunds, vendor-favour releases — all in one
// transaction, so no auto-release scan can slip between the unlock and the
// settlement claim. A settlement that already happened (buyer confirmed
// receipt mid-dispute) is logged and ignored per the single-fire contract.
func (s *Service) Resolve(ctx context.Context, orderID string, outcome Outcome) (Record, error) {
	if !outcome.Valid() {
		return Record{}, fmt.Errorf("dispute: unknown outcome %q", outcome)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.Resolve(ctx, tx, orderID, outcome, s.now().UTC())
	if err != nil {
		return Record{}, err
	}
	if err := s.locker.Unlock(ctx, tx, orderID); err != nil {
		return Record{}, err
	}

	reference := "dispute_" + string(outcome)
	var settleErr error
	switch outcome {
	case OutcomeBuyer:
		_, settleErr = s.settler.RefundTx(ctx, tx, orderID, reference)
	case OutcomeVendor:
		_, settleErr = s.settler.ReleaseTx(ctx, tx, orderID, reference)
	}
	if settleErr != nil {
		if !errors.Is(settleErr, escrow.ErrAlreadySettled) {
			return Record{}, settleErr
		}
		s.log.Warn("dispute resolved on settled escrow",
			zap.String("order_id", orderID),
			zap.String("outcome", string(outcome)))
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit tx: %w", err)
	}
	return rec, nil
}

// HasOpen reports whether the order is currently disputed.
func (s *Service) HasOpen(ctx context.Context, orderID string) (bool, error) {
	return s.repo.HasOpen(ctx, orderID)
}

// List returns the dispute history for an order.
func (s *Service) List(ctx context.Context, orderID string) ([]Record, error) {
	return s.repo.List(ctx, orderID)
}
