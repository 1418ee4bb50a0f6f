package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"escrowflow/escrow"
)

func newDisputeService(repo *fakeRepo, locker *fakeLocker, settler *fakeSettler) *Service {
	return NewService(&fakePool{}, repo, locker, settler, zap.NewNop())
}

func TestOpenLocksEscrowInSameTx(t *testing.T) {
	repo := newDisputeFakeRepo()
	locker := &fakeLocker{}
	svc := newDisputeService(repo, locker, &fakeSettler{})

	rec, err := svc.Open(context.Background(), "order-1", "buyer-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rec.Status != StatusOpen {
		t.Errorf("status = %s, want open", rec.Status)
	}
	if locker.locked["order-1"] != 1 {
		t.Errorf("lock calls = %d, want 1", locker.locked["order-1"])
	}
	if locker.lockTx != repo.createTx {
		t.Error("lock and dispute insert ran in different transactions")
	}
}

func TestOpenRejectsSecondOpenDispute(t *testing.T) {
	repo := newDisputeFakeRepo()
	locker := &fakeLocker{}
	svc := newDisputeService(repo, locker, &fakeSettler{})

	if _, err := svc.Open(context.Background(), "order-1", "buyer-1"); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := svc.Open(context.Background(), "order-1", "vendor-1"); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second open: expected ErrAlreadyOpen, got %v", err)
	}
	if locker.locked["order-1"] != 1 {
		t.Errorf("lock calls = %d after failed open, want 1", locker.locked["order-1"])
	}
}

func TestOpenValidation(t *testing.T) {
	svc := newDisputeService(newDisputeFakeRepo(), &fakeLocker{}, &fakeSettler{})
	if _, err := svc.Open(context.Background(), "", "buyer-1"); err == nil {
		t.Error("expected error for missing order id")
	}
	if _, err := svc.Open(context.Background(), "order-1", ""); err == nil {
		t.Error("expected error for missing opener")
	}
}

func TestResolveBuyerRefunds(t *testing.T) {
	repo := newDisputeFakeRepo()
	locker := &fakeLocker{}
	settler := &fakeSettler{}
	svc := newDisputeService(repo, locker, settler)
	mustOpen(t, svc)

	rec, err := svc.Resolve(context.Background(), "order-1", OutcomeBuyer)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rec.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", rec.Status)
	}
	if rec.Outcome == nil || *rec.Outcome != OutcomeBuyer {
		t.Errorf("outcome = %v, want buyer", rec.Outcome)
	}
	if locker.unlocked["order-1"] != 1 {
		t.Errorf("unlock calls = %d, want 1", locker.unlocked["order-1"])
	}
	if len(settler.refunds) != 1 || settler.refunds[0] != "dispute_buyer" {
		t.Errorf("refunds = %v, want one with reference dispute_buyer", settler.refunds)
	}
	if len(settler.releases) != 0 {
		t.Errorf("unexpected releases %v", settler.releases)
	}
}

func TestResolveVendorReleases(t *testing.T) {
	repo := newDisputeFakeRepo()
	locker := &fakeLocker{}
	settler := &fakeSettler{}
	svc := newDisputeService(repo, locker, settler)
	mustOpen(t, svc)

	if _, err := svc.Resolve(context.Background(), "order-1", OutcomeVendor); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(settler.releases) != 1 || settler.releases[0] != "dispute_vendor" {
		t.Errorf("releases = %v, want one with reference dispute_vendor", settler.releases)
	}
	if len(settler.refunds) != 0 {
		t.Errorf("unexpected refunds %v", settler.refunds)
	}
}

func TestResolveSettlesInSameTx(t *testing.T) {
	repo := newDisputeFakeRepo()
	locker := &fakeLocker{}
	settler := &fakeSettler{}
	svc := newDisputeService(repo, locker, settler)
	mustOpen(t, svc)

	if _, err := svc.Resolve(context.Background(), "order-1", OutcomeBuyer); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The unlock and the decided settlement must commit atomically with the
	// resolution. A settlement in its own later transaction would leave a
	// window where the auto-release scan claims the just-unlocked escrow.
	if repo.resolveTx == nil || settler.settleTx == nil {
		t.Fatal("resolve or settle never saw a transaction")
	}
	if settler.settleTx != repo.resolveTx {
		t.Error("settlement ran outside the resolution transaction")
	}
	if locker.unlockTx != repo.resolveTx {
		t.Error("unlock ran outside the resolution transaction")
	}
}

func TestResolveToleratesSettledEscrow(t *testing.T) {
	repo := newDisputeFakeRepo()
	settler := &fakeSettler{settleErr: escrow.ErrAlreadySettled}
	svc := newDisputeService(repo, &fakeLocker{}, settler)
	mustOpen(t, svc)

	// Buyer confirmed receipt while the dispute was open; the escrow is
	// already released. Resolution still closes the dispute record.
	rec, err := svc.Resolve(context.Background(), "order-1", OutcomeVendor)
	if err != nil {
		t.Fatalf("resolve on settled escrow: %v", err)
	}
	if rec.Status != StatusResolved {
		t.Errorf("status = %s, want resolved", rec.Status)
	}
}

func TestResolveErrors(t *testing.T) {
	svc := newDisputeService(newDisputeFakeRepo(), &fakeLocker{}, &fakeSettler{})

	if _, err := svc.Resolve(context.Background(), "order-1", Outcome("split")); err == nil {
		t.Error("expected error for unknown outcome")
	}
	if _, err := svc.Resolve(context.Background(), "order-none", OutcomeBuyer); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveTwice(t *testing.T) {
	svc := newDisputeService(newDisputeFakeRepo(), &fakeLocker{}, &fakeSettler{})
	mustOpen(t, svc)

	if _, err := svc.Resolve(context.Background(), "order-1", OutcomeBuyer); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), "order-1", OutcomeVendor); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("second resolve: expected ErrBadStatus, got %v", err)
	}
}

func mustOpen(t *testing.T, svc *Service) {
	t.Helper()
	if _, err := svc.Open(context.Background(), "order-1", "buyer-1"); err != nil {
		t.Fatalf("open: %v", err)
	}
}

// --- fakes ---

type fakeRepo struct {
	mu        sync.Mutex
	records   map[string]Record
	createTx  pgx.Tx
	resolveTx pgx.Tx
}

func newDisputeFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]Record)}
}

func (f *fakeRepo) Create(_ context.Context, tx pgx.Tx, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.records[rec.OrderID]; ok && existing.Status == StatusOpen {
		return ErrAlreadyOpen
	}
	f.records[rec.OrderID] = rec
	f.createTx = tx
	return nil
}

func (f *fakeRepo) Resolve(_ context.Context, tx pgx.Tx, orderID string, outcome Outcome, now time.Time) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveTx = tx
	rec, ok := f.records[orderID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusOpen {
		return Record{}, ErrBadStatus
	}
	rec.Status = StatusResolved
	rec.Outcome = &outcome
	rec.ResolvedAt = &now
	f.records[orderID] = rec
	return rec, nil
}

func (f *fakeRepo) HasOpen(_ context.Context, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[orderID]
	return ok && rec.Status == StatusOpen, nil
}

func (f *fakeRepo) List(_ context.Context, orderID string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[orderID]; ok {
		return []Record{rec}, nil
	}
	return nil, nil
}

type fakeLocker struct {
	mu       sync.Mutex
	locked   map[string]int
	unlocked map[string]int
	lockTx   pgx.Tx
	unlockTx pgx.Tx
}

func (f *fakeLocker) Lock(_ context.Context, tx pgx.Tx, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locked == nil {
		f.locked = make(map[string]int)
	}
	f.locked[orderID]++
	f.lockTx = tx
	return nil
}

func (f *fakeLocker) Unlock(_ context.Context, tx pgx.Tx, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unlocked == nil {
		f.unlocked = make(map[string]int)
	}
	f.unlocked[orderID]++
	f.unlockTx = tx
	return nil
}

type fakeSettler struct {
	mu        sync.Mutex
	releases  []string
	refunds   []string
	settleTx  pgx.Tx
	settleErr error
}

func (f *fakeSettler) ReleaseTx(_ context.Context, tx pgx.Tx, _ string, reference string) (escrow.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleTx = tx
	if f.settleErr != nil {
		return escrow.Record{}, f.settleErr
	}
	f.releases = append(f.releases, reference)
	return escrow.Record{Status: escrow.StatusReleased}, nil
}

func (f *fakeSettler) RefundTx(_ context.Context, tx pgx.Tx, _ string, reference string) (escrow.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settleTx = tx
	if f.settleErr != nil {
		return escrow.Record{}, f.settleErr
	}
	f.refunds = append(f.refunds, reference)
	return escrow.Record{Status: escrow.StatusRefunded}, nil
}

type fakePool struct {
	begun int
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.begun++
	return &fakeTx{}, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
