package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/address"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

// ErrRequestExpired is returned when reconciliation is attempted on a
// request that already expired. It is a no-op, surfaced for observability.
var ErrRequestExpired = errors.New("payment: request expired")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// RequestRepository defines the data access required by the service.
type RequestRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, req Request) error
	Get(ctx context.Context, id string) (Request, error)
	GetByOrder(ctx context.Context, orderID string) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	AddressString(ctx context.Context, requestID string) (string, error)
	UpsertFundingTx(ctx context.Context, tx pgx.Tx, ft FundingTx) (bool, error)
	ConfirmedSum(ctx context.Context, tx pgx.Tx, addressID string, threshold int) (int64, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, paidAt *time.Time) error
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	DueForReconciliation(ctx context.Context, limit int) ([]string, error)
	Summary(ctx context.Context, requestID string, threshold int) (StatusSummary, error)
}

// LedgerObserver supplies funding evidence for an address.
type LedgerObserver interface {
	QueryAddress(ctx context.Context, addr string) (ledger.Funding, error)
}

// AddressIssuer allocates a fresh receiving address inside a transaction.
type AddressIssuer interface {
	IssueTx(ctx context.Context, tx pgx.Tx, purpose address.Purpose, ownerID string) (address.Record, error)
}

// AddressMarker records observed funding on the address row.
type AddressMarker interface {
	MarkFunded(ctx context.Context, tx pgx.Tx, id string, balanceMinor int64) error
}

// EscrowFunder opens the escrow record when a request completes.
type EscrowFunder interface {
	FundTx(ctx context.Context, tx pgx.Tx, params escrow.FundParams) (escrow.Record, error)
}

// OutboxWriter appends integration events inside the same transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// ReconcileMetrics counts reconciliation pass outcomes.
type ReconcileMetrics interface {
	ObserveReconcile(outcome string)
}

type Config struct {
	ConfirmationThreshold int
	Expiry                time.Duration
	BatchSize             int
	Concurrency           int
}

type Service struct {
	pool      TxBeginner
	repo      RequestRepository
	observer  LedgerObserver
	addresses AddressIssuer
	marker    AddressMarker
	escrow    EscrowFunder
	outbox    OutboxWriter
	metrics   ReconcileMetrics
	log       *zap.Logger

	threshold   int
	expiry      time.Duration
	batchSize   int
	concurrency int

	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo RequestRepository, observer LedgerObserver,
	addresses AddressIssuer, marker AddressMarker, escrowLedger EscrowFunder,
	outbox OutboxWriter, cfg Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	threshold := cfg.ConfirmationThreshold
	if threshold < 1 {
		threshold = 1
	}
	if threshold > 6 {
		threshold = 6
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		observer:    observer,
		addresses:   addresses,
		marker:      marker,
		escrow:      escrowLedger,
		outbox:      outbox,
		log:         log,
		threshold:   threshold,
		expiry:      expiry,
		batchSize:   batch,
		concurrency: concurrency,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
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

func (s *Service) WithMetrics(m ReconcileMetrics) *Service {
	s.metrics = m
	return s
}

type IssueParams struct {
	Kind          Kind
	OwnerID       string
	PayeeID       string
	ExpectedMinor int64
	ExpectedFiat  *float64
	OrderID       string
}

// IssueResult is what the surrounding app receives for a new obligation.
type IssueResult struct {
	Request Request
	Address string
}

// Issue opens a pending payment request with a freshly derived address. The
// counter allocation, address row, and request row commit atomically.
func (s *Service) Issue(ctx context.Context, params IssueParams) (IssueResult, error) {
	if !params.Kind.Valid() {
		return IssueResult{}, fmt.Errorf("payment: unknown kind %q", params.Kind)
	}
	if params.OwnerID == "" {
		return IssueResult{}, fmt.Errorf("payment: missing owner id")
	}
	if params.ExpectedMinor <= 0 {
		return IssueResult{}, fmt.Errorf("payment: expected amount must be positive")
	}
	if params.Kind == KindOrderPayment {
		if params.OrderID == "" {
			return IssueResult{}, fmt.Errorf("payment: order payment requires an order id")
		}
		if params.PayeeID == "" {
			return IssueResult{}, fmt.Errorf("payment: order payment requires a payee id")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return IssueResult{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	addr, err := s.addresses.IssueTx(ctx, tx, address.Purpose(params.Kind), params.OwnerID)
	if err != nil {
		return IssueResult{}, err
	}

	now := s.now().UTC()
	req := Request{
		ID:            s.idGenerator(),
		OwnerID:       params.OwnerID,
		Kind:          params.Kind,
		ExpectedMinor: params.ExpectedMinor,
		ExpectedFiat:  params.ExpectedFiat,
		AddressID:     addr.ID,
		Status:        StatusPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.expiry),
	}
	if params.OrderID != "" {
		req.OrderID = &params.OrderID
	}
	if params.PayeeID != "" {
		req.PayeeID = &params.PayeeID
	}

	if err := s.repo.Insert(ctx, tx, req); err != nil {
		return IssueResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return IssueResult{}, fmt.Errorf("payment: commit tx: %w", err)
	}
	return IssueResult{Request: req, Address: addr.Address}, nil
}

// ByOrder returns the request bound to an order.
func (s *Service) ByOrder(ctx context.Context, orderID string) (Request, error) {
	return s.repo.GetByOrder(ctx, orderID)
}

// Status reports the persisted view of a request at the configured
// confirmation threshold. Provider outages do not affect it: the answer is
// always the last reconciled state.
func (s *Service) Status(ctx context.Context, requestID string) (StatusSummary, error) {
	return s.repo.Summary(ctx, requestID, s.threshold)
}

// Reconcile runs one reconciliation pass for a single request. The observer
// call happens before the transaction opens so slow providers never hold row
// locks; the FOR UPDATE read serializes overlapping passes per request.
//
// A ledger.ErrUnavailable result leaves the request untouched. Re-running
// with no new chain data changes nothing.
func (s *Service) Reconcile(ctx context.Context, requestID string) error {
	req, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		if req.Status == StatusExpired {
			return ErrRequestExpired
		}
		return nil
	}

	addr, err := s.repo.AddressString(ctx, requestID)
	if err != nil {
		return err
	}

	funding, err := s.observer.QueryAddress(ctx, addr)
	if err != nil {
		// Includes ledger.ErrUnavailable: no new information, try next pass.
		return fmt.Errorf("payment: reconcile %s: %w", requestID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err = s.repo.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		// A concurrent pass or the expiry sweep got here first.
		if req.Status == StatusExpired {
			return ErrRequestExpired
		}
		return nil
	}

	now := s.now().UTC()
	for _, candidate := range funding.Transactions {
		ft := FundingTx{
			AddressID:     req.AddressID,
			TxID:          candidate.TxID,
			AmountMinor:   candidate.AmountMinor,
			Confirmations: candidate.Confirmations,
			BlockHeight:   candidate.BlockHeight,
			FirstSeenAt:   now,
		}
		if candidate.Confirmations >= s.threshold {
			confirmedAt := now
			ft.ConfirmedAt = &confirmedAt
		}
		if _, err := s.repo.UpsertFundingTx(ctx, tx, ft); err != nil {
			return err
		}
	}

	if len(funding.Transactions) > 0 {
		if err := s.marker.MarkFunded(ctx, tx, req.AddressID, funding.BalanceMinor); err != nil {
			return err
		}
	}

	confirmedSum, err := s.repo.ConfirmedSum(ctx, tx, req.AddressID, s.threshold)
	if err != nil {
		return err
	}

	switch {
	case confirmedSum >= req.ExpectedMinor:
		if err := s.complete(ctx, tx, req, confirmedSum, now); err != nil {
			return err
		}
	case confirmedSum > 0 && req.Status == StatusPending:
		if err := s.repo.SetStatus(ctx, tx, req.ID, StatusPartial, nil); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit tx: %w", err)
	}
	return nil
}

// complete applies the terminal completed transition and, for order
// payments, opens the escrow in the same transaction. Over-payment is
// accepted but only the expected amount is escrowed.
func (s *Service) complete(ctx context.Context, tx pgx.Tx, req Request, confirmedSum int64, now time.Time) error {
	paidAt := now
	if err := s.repo.SetStatus(ctx, tx, req.ID, StatusCompleted, &paidAt); err != nil {
		return err
	}

	payload := map[string]any{
		"request_id":     req.ID,
		"owner_id":       req.OwnerID,
		"kind":           string(req.Kind),
		"expected_minor": req.ExpectedMinor,
		"received_minor": confirmedSum,
	}

	if req.Kind == KindOrderPayment && req.OrderID != nil && req.PayeeID != nil {
		rec, err := s.escrow.FundTx(ctx, tx, escrow.FundParams{
			OrderID:     *req.OrderID,
			BuyerID:     req.OwnerID,
			PayeeID:     *req.PayeeID,
			AmountMinor: req.ExpectedMinor,
			AddressID:   req.AddressID,
		})
		if err != nil {
			return err
		}
		payload["order_id"] = *req.OrderID
		payload["escrow_id"] = rec.ID
	}

	if err := s.outbox.Enqueue(ctx, tx, "payment.completed", payload); err != nil {
		return err
	}

	if surplus := confirmedSum - req.ExpectedMinor; surplus > 0 {
		s.log.Info("over-payment recorded, surplus not escrowed",
			zap.String("request_id", req.ID),
			zap.Int64("surplus_minor", surplus))
	}
	return nil
}

// ReconcileDue runs a reconciliation batch over open requests, bounded
// concurrency across requests, then sweeps expiries. Unavailable providers
// and already-expired requests are logged, never fatal for the batch.
func (s *Service) ReconcileDue(ctx context.Context) error {
	ids, err := s.repo.DueForReconciliation(ctx, s.batchSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			err := s.Reconcile(gctx, id)
			s.observeReconcile(err)
			switch {
			case err == nil:
			case errors.Is(err, ledger.ErrUnavailable):
				s.log.Warn("reconciliation deferred, ledger unavailable", zap.String("request_id", id))
			case errors.Is(err, ErrRequestExpired):
				s.log.Debug("reconciliation skipped, request expired", zap.String("request_id", id))
			default:
				s.log.Error("reconciliation failed", zap.String("request_id", id), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	expired, err := s.repo.ExpireDue(ctx, s.now().UTC())
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("expired overdue payment requests", zap.Int64("count", expired))
	}
	return nil
}

func (s *Service) observeReconcile(err error) {
	if s.metrics == nil {
		return
	}
	switch {
	case err == nil:
		s.metrics.ObserveReconcile("ok")
	case errors.Is(err, ledger.ErrUnavailable):
		s.metrics.ObserveReconcile("ledger_unavailable")
	case errors.Is(err, ErrRequestExpired):
		s.metrics.ObserveReconcile("expired")
	default:
		s.metrics.ObserveReconcile("error")
	}
}
