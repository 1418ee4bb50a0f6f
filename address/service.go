package address

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// IssueRepository defines the data access required by the service.
type IssueRepository interface {
	NextIndex(ctx context.Context, tx pgx.Tx, purpose Purpose) (uint32, error)
	Insert(ctx context.Context, tx pgx.Tx, rec Record) error
}

// KeyDeriver computes the address for an allocated index.
type KeyDeriver interface {
	Derive(purpose Purpose, index uint32) (addr string, path string, err error)
}

type Service struct {
	pool        TxBeginner
	repo        IssueRepository
	deriver     KeyDeriver
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo IssueRepository, deriver KeyDeriver) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		deriver:     deriver,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Issue allocates the next index for the purpose, derives the address, and
// persists both in one transaction. The counter commit happens strictly
// before the address is handed out, so a crash after commit can skip an
// index but never reuse one.
func (s *Service) Issue(ctx context.Context, purpose Purpose, ownerID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("address: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.IssueTx(ctx, tx, purpose, ownerID)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("address: commit tx: %w", err)
	}
	return rec, nil
}

// IssueTx performs the allocation inside an existing transaction so callers
// opening a payment request can bind address and request atomically.
func (s *Service) IssueTx(ctx context.Context, tx pgx.Tx, purpose Purpose, ownerID string) (Record, error) {
	if !purpose.Valid() {
		return Record{}, fmt.Errorf("address: unknown purpose %q", purpose)
	}
	if ownerID == "" {
		return Record{}, fmt.Errorf("address: missing owner id")
	}

	index, err := s.repo.NextIndex(ctx, tx, purpose)
	if err != nil {
		return Record{}, err
	}

	addr, path, err := s.deriver.Derive(purpose, index)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:              s.idGenerator(),
		Address:         addr,
		DerivationIndex: index,
		DerivationPath:  path,
		Purpose:         purpose,
		OwnerID:         ownerID,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
