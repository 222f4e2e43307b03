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

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"gigflow/test/actors"
	"gigflow/test/chaos"
	"gigflow/test/infra"
	"gigflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestMarketplaceConcurrency(t *testing.T) {
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
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
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

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// acceptors battling over the same proposal
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Acceptor(ctx2, pool, seedData.jobID, seedData.proposalID, seedData.clientID, seedData.proID, seedData.bid, stop)
		})
	}
	// funding and release racers
	for i := 0; i < *flConcurrency/2+1; i++ {
		g.Go(func() error { return actors.Funder(ctx2, pool, stop) })
		g.Go(func() error { return actors.Releaser(ctx2, pool, stop) })
	}
	// webhook retries against a fixed event key
	g.Go(func() error {
		return actors.WebhookReplayer(ctx2, pool, fmt.Sprintf("evt_stress_%s", seedData.jobID), stop)
	})
	// outbox drain
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// billing and dispute churn
	g.Go(func() error { return actors.Disputer(ctx2, pool, seedData.clientID, seedData.proID, stop) })
	g.Go(func() error { return actors.ChangeOrderer(ctx2, pool, seedData.clientID, seedData.proID, stop) })
	g.Go(func() error { return actors.TimeLogger(ctx2, pool, seedData.proID, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

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
	clientID   string
	proID      string
	jobID      string
	proposalID string
	bid        float64
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{bid: 1000}

	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,'Stress Client','client') RETURNING id`,
		fmt.Sprintf("client%d@example.com", rand.Int63())).Scan(&s.clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role, compliance_status, payout_ready, payout_account_id)
                                   VALUES ($1,'Stress Pro','pro','approved',true,'acct_stress') RETURNING id`,
		fmt.Sprintf("pro%d@example.com", rand.Int63())).Scan(&s.proID); err != nil {
		t.Fatalf("seed pro: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO jobs (client_id, title, description, budget) VALUES ($1,'Stress Job','load test',$2) RETURNING id`,
		s.clientID, s.bid).Scan(&s.jobID); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO proposals (pro_id, job_id, bid_amount) VALUES ($1,$2,$3) RETURNING id`,
		s.proID, s.jobID, s.bid).Scan(&s.proposalID); err != nil {
		t.Fatalf("seed proposal: %v", err)
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
		{"bookings", `SELECT id, job_id, status, total_amount FROM bookings ORDER BY created_at DESC LIMIT 20`},
		{"milestones", `SELECT id, booking_id, status, hold_id, transfer_id FROM milestones ORDER BY created_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, booking_id, type, created_at FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
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
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
