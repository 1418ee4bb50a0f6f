package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestSettlementConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ESCROWFLOW_TEST_PG_DSN") != "":
		dsn = os.Getenv("ESCROWFLOW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	// migrations
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	// seed minimal data
	seedData := mustSeed(t, ctx, pool)

	// run actors
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// allocators racing the derivation counter
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.IndexAllocator(ctx2, pool, "order_payment", stop)
		})
	}
	g.Go(func() error { return actors.IndexAllocator(ctx2, pool, "vendor_bond", stop) })

	// reconciliation replays against one address
	for i := 0; i < *flConcurrency/2; i++ {
		g.Go(func() error { return actors.FundingWriter(ctx2, pool, seedData.addressID, stop) })
	}

	// settlers and disputer battling over the same escrow
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Settler(ctx2, pool, seedData.contestedOrder, stop) })
	}
	g.Go(func() error { return actors.Disputer(ctx2, pool, seedData.disputedOrder, stop) })
	// background sweeps
	g.Go(func() error { return actors.AutoReleaser(ctx2, pool, stop) })
	g.Go(func() error { return actors.Expirer(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	// schedule oracle checks until duration reached
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	addressID      string
	contestedOrder string
	disputedOrder  string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{
		contestedOrder: fmt.Sprintf("order-contested-%d", rand.Int63()),
		disputedOrder:  fmt.Sprintf("order-disputed-%d", rand.Int63()),
	}

	// address for funding-transaction replays
	s.addressID = uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO receiving_addresses (id, address, derivation_index, derivation_path, purpose, owner_id)
                                 VALUES ($1, $2, 0, 'm/84''/0''/0''/0/0', 'order_payment', 'stress-buyer')`,
		s.addressID, fmt.Sprintf("bc1qseed%d", rand.Int63())); err != nil {
		t.Fatalf("seed address: %v", err)
	}

	// overdue payment request for the expirer sweep
	reqAddr := uuid.NewString()
	if _, err := pool.Exec(ctx, `INSERT INTO receiving_addresses (id, address, derivation_index, derivation_path, purpose, owner_id)
                                 VALUES ($1, $2, 1, 'm/84''/0''/0''/0/1', 'order_payment', 'stress-buyer')`,
		reqAddr, fmt.Sprintf("bc1qreq%d", rand.Int63())); err != nil {
		t.Fatalf("seed request address: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO payment_requests (id, owner_id, kind, expected_minor, address_id, expires_at)
                                 VALUES ($1, 'stress-buyer', 'order_payment', 100000, $2, now() - interval '1 hour')`,
		uuid.NewString(), reqAddr); err != nil {
		t.Fatalf("seed payment request: %v", err)
	}

	// one escrow past its deadline for settlers and the auto-releaser to race
	if _, err := pool.Exec(ctx, `INSERT INTO escrows (id, order_id, buyer_id, payee_id, amount_minor, platform_fee_minor, payee_minor, escrow_address_id, funded_at, auto_release_at)
                                 VALUES ($1, $2, 'stress-buyer', 'stress-vendor', 100000, 5000, 95000, $3, now() - interval '8 days', now() - interval '1 day')`,
		uuid.NewString(), s.contestedOrder, s.addressID); err != nil {
		t.Fatalf("seed contested escrow: %v", err)
	}

	// one escrow under dispute churn, also past its deadline
	if _, err := pool.Exec(ctx, `INSERT INTO escrows (id, order_id, buyer_id, payee_id, amount_minor, platform_fee_minor, payee_minor, escrow_address_id, funded_at, auto_release_at)
                                 VALUES ($1, $2, 'stress-buyer', 'stress-vendor', 200000, 10000, 190000, $3, now() - interval '8 days', now() - interval '1 day')`,
		uuid.NewString(), s.disputedOrder, s.addressID); err != nil {
		t.Fatalf("seed disputed escrow: %v", err)
	}

	// counter rows so allocator and seeded indexes cannot collide
	if _, err := pool.Exec(ctx, `INSERT INTO address_counters (purpose, next_index) VALUES ('order_payment', 2)
                                 ON CONFLICT (purpose) DO NOTHING`); err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrows", `SELECT id, order_id, status, dispute_locked, release_reference, released_at FROM escrows ORDER BY funded_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, payload, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"funding_transactions", `SELECT address_id, txid, amount_minor, confirmations FROM funding_transactions ORDER BY id DESC LIMIT 50`},
		{"payment_requests", `SELECT id, order_id, status, expires_at FROM payment_requests ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
