package address

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIssueAllocatesAndPersists(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	svc := NewService(pool, repo, stubDeriver{})

	rec, err := svc.Issue(context.Background(), PurposeOrderPayment, "buyer-1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if rec.DerivationIndex != 0 {
		t.Errorf("first index = %d, want 0", rec.DerivationIndex)
	}
	if rec.Address == "" || rec.DerivationPath == "" {
		t.Errorf("expected derived address and path, got %+v", rec)
	}
	if !pool.lastTx.committed {
		t.Errorf("expected commit")
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("expected 1 inserted row, got %d", len(repo.inserted))
	}

	next, err := svc.Issue(context.Background(), PurposeOrderPayment, "buyer-2")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if next.DerivationIndex != 1 {
		t.Errorf("second index = %d, want 1", next.DerivationIndex)
	}
	if next.Address == rec.Address {
		t.Errorf("addresses must never repeat: %s", next.Address)
	}
}

func TestIssueRejectsUnknownPurpose(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeRepo(), stubDeriver{})
	if _, err := svc.Issue(context.Background(), Purpose("lottery"), "user-1"); err == nil {
		t.Fatal("expected error for unknown purpose")
	}
}

func TestIssueRejectsMissingOwner(t *testing.T) {
	svc := NewService(&fakePool{}, newFakeRepo(), stubDeriver{})
	if _, err := svc.Issue(context.Background(), PurposeUserDeposit, ""); err == nil {
		t.Fatal("expected error for missing owner id")
	}
}

func TestIssuePurposesHaveIndependentCounters(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	svc := NewService(pool, repo, stubDeriver{})

	for i := 0; i < 3; i++ {
		if _, err := svc.Issue(context.Background(), PurposeOrderPayment, "u"); err != nil {
			t.Fatalf("issue order payment: %v", err)
		}
	}
	bond, err := svc.Issue(context.Background(), PurposeVendorBond, "v")
	if err != nil {
		t.Fatalf("issue vendor bond: %v", err)
	}
	if bond.DerivationIndex != 0 {
		t.Errorf("vendor bond index = %d, want independent counter starting at 0", bond.DerivationIndex)
	}
}

func TestIssueConcurrentNeverRepeatsIndex(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	svc := NewService(pool, repo, stubDeriver{})

	const n = 64
	results := make(chan Record, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := svc.Issue(context.Background(), PurposeOrderPayment, "buyer")
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			results <- rec
		}()
	}
	wg.Wait()
	close(results)

	seenIndex := make(map[uint32]bool, n)
	seenAddr := make(map[string]bool, n)
	for rec := range results {
		if seenIndex[rec.DerivationIndex] {
			t.Fatalf("duplicate derivation index %d", rec.DerivationIndex)
		}
		if seenAddr[rec.Address] {
			t.Fatalf("duplicate address %s", rec.Address)
		}
		seenIndex[rec.DerivationIndex] = true
		seenAddr[rec.Address] = true
	}
}

func TestIssueDerivationFailureRollsBack(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepo()
	svc := NewService(pool, repo, failingDeriver{})

	if _, err := svc.Issue(context.Background(), PurposeOrderPayment, "buyer"); !errors.Is(err, ErrDerivation) {
		t.Fatalf("expected ErrDerivation, got %v", err)
	}
	if pool.lastTx.committed {
		t.Errorf("expected no commit on derivation failure")
	}
	if len(repo.inserted) != 0 {
		t.Errorf("expected no inserted rows, got %d", len(repo.inserted))
	}
}

type stubDeriver struct{}

func (stubDeriver) Derive(purpose Purpose, index uint32) (string, string, error) {
	return fmt.Sprintf("bc1q-%s-%d", purpose, index), fmt.Sprintf("m/84'/0'/0'/0/%d", index), nil
}

type failingDeriver struct{}

func (failingDeriver) Derive(Purpose, uint32) (string, string, error) {
	return "", "", fmt.Errorf("%w: corrupt key material", ErrDerivation)
}

type fakeRepo struct {
	mu       sync.Mutex
	counters map[Purpose]uint32
	inserted []Record
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{counters: make(map[Purpose]uint32)}
}

func (f *fakeRepo) NextIndex(_ context.Context, _ pgx.Tx, purpose Purpose) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	index := f.counters[purpose]
	f.counters[purpose] = index + 1
	return index, nil
}

func (f *fakeRepo) Insert(_ context.Context, _ pgx.Tx, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rec)
	return nil
}

type fakePool struct {
	mu     sync.Mutex
	lastTx *fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
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
