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

	"prospectflow/test/actors"
	"prospectflow/test/chaos"
	"prospectflow/test/infra"
	"prospectflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of sweepers and call taskers")
	flProspects   = flag.Int("prospects", 6, "prospects to seed, two contacts each")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "seed for generated data")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestOutreachConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in short mode")
	}
	seed := *flSeed
	t.Logf("seed=%d", seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	var (
		pgC        = &infra.PGContainer{}
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn, usedShared = *flDSN, true
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn, usedShared = os.Getenv("STRESS_TEST_PG_DSN"), true
	case dockerAvailable(ctx):
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	default:
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, int32(4*(*flConcurrency)+8), usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()
	if err := infra.Reset(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	targets := mustSeed(t, ctx, pool, rand.New(rand.NewSource(seed)), *flProspects)

	ledger := actors.NewLedger()
	services, err := actors.Wire(pool, ledger)
	if err != nil {
		t.Fatalf("wire services: %v", err)
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Sweeper(ctx2, services, stop) })
		g.Go(func() error { return actors.CallTasker(ctx2, services, targets, stop) })
	}
	g.Go(func() error { return actors.Unsubscriber(ctx2, services, targets, stop) })
	g.Go(func() error { return actors.ReplyStormer(ctx2, services, targets, stop) })
	g.Go(func() error { return actors.ReplyStormer(ctx2, services, targets, stop) })
	g.Go(func() error { return actors.ClickReplayer(ctx2, pool, services, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			if v := ledger.Violation(); v != "" {
				failed = true
				close(stop)
				t.Fatalf("dispatch after unsubscribe: %s (seed=%d)", v, seed)
			}
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own backend
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				close(stop)
				dumpRecent(t, ctx, pool)
				t.Fatalf("oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}
	if v := ledger.Violation(); v != "" {
		t.Fatalf("dispatch after unsubscribe: %s (seed=%d)", v, seed)
	}
	if name, row, err := oracles.Run(context.Background(), pool); err != nil {
		t.Fatalf("final oracle run: %v", err)
	} else if name != "" {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("oracle %s failed after shutdown. First row: %s (seed=%d)", name, row, seed)
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

// mustSeed creates prospects with two contacts each. Every contact gets a
// QUEUED three-step sequence whose first step is already due.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool, rng *rand.Rand, prospects int) []actors.Target {
	t.Helper()
	if _, err := pool.Exec(ctx, `INSERT INTO users (email, full_name, password_hash, role) VALUES ('stress-admin@prospectflow.test', 'Stress Admin', 'x', 'admin')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	var targets []actors.Target
	for p := 0; p < prospects; p++ {
		var prospectID, runID string
		domain := fmt.Sprintf("stress-%d-%d.test", p, rng.Int63())
		if err := pool.QueryRow(ctx, `INSERT INTO prospects (domain, company_name, status) VALUES ($1, $2, 'READY') RETURNING id`,
			domain, fmt.Sprintf("Stress Co %d", p)).Scan(&prospectID); err != nil {
			t.Fatalf("seed prospect: %v", err)
		}
		if err := pool.QueryRow(ctx, `INSERT INTO research_runs (prospect_id, status) VALUES ($1, 'COMPLETED') RETURNING id`,
			prospectID).Scan(&runID); err != nil {
			t.Fatalf("seed research run: %v", err)
		}
		if _, err := pool.Exec(ctx, `UPDATE prospects SET research_run_id = $2 WHERE id = $1`, prospectID, runID); err != nil {
			t.Fatalf("link research run: %v", err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO evidence_items (prospect_id, research_run_id, source_type, source_url, snippet, workflow_tag, confidence_score)
                                     VALUES ($1, $2, 'CAREERS', $3, 'Hiring two planners for manual scheduling', 'planning', 0.9)`,
			prospectID, runID, "https://"+domain+"/jobs"); err != nil {
			t.Fatalf("seed evidence: %v", err)
		}

		for c := 0; c < 2; c++ {
			email := fmt.Sprintf("contact%d@%s", c, domain)
			var contactID, sequenceID string
			if err := pool.QueryRow(ctx, `INSERT INTO contacts (prospect_id, first_name, email, outreach_status) VALUES ($1, $2, $3, 'QUEUED') RETURNING id`,
				prospectID, fmt.Sprintf("Contact%d", c), email).Scan(&contactID); err != nil {
				t.Fatalf("seed contact: %v", err)
			}
			if err := pool.QueryRow(ctx, `INSERT INTO outreach_sequences (contact_id, prospect_id, status) VALUES ($1, $2, 'QUEUED') RETURNING id`,
				contactID, prospectID).Scan(&sequenceID); err != nil {
				t.Fatalf("seed sequence: %v", err)
			}
			for step := 1; step <= 3; step++ {
				status, due := "DRAFTED", any(nil)
				if step == 1 {
					status, due = "QUEUED", time.Now().Add(-time.Minute)
				}
				if _, err := pool.Exec(ctx, `INSERT INTO outreach_steps (sequence_id, step_order, status, delay_days, due_at, subject, body_text)
                                             VALUES ($1, $2, $3, 0, $4, $5, $6)`,
					sequenceID, step, status, due, fmt.Sprintf("Step %d for %s", step, domain), "Short note about your planning team."); err != nil {
					t.Fatalf("seed step: %v", err)
				}
			}
			targets = append(targets, actors.Target{ContactID: contactID, ProspectID: prospectID, Email: email})
		}
	}
	return targets
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"contacts", `SELECT id, email, outreach_status, opted_out_at, last_contacted_at FROM contacts ORDER BY updated_at DESC LIMIT 20`},
		{"outreach_sequences", `SELECT id, contact_id, status, close_reason FROM outreach_sequences ORDER BY updated_at DESC LIMIT 20`},
		{"outreach_steps", `SELECT id, sequence_id, step_order, status, attempts, last_error FROM outreach_steps ORDER BY updated_at DESC LIMIT 30`},
		{"outreach_logs", `SELECT id, step_id, channel, status, sent_at, metadata->>'trigger_source' FROM outreach_logs ORDER BY created_at DESC LIMIT 30`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 30`},
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
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
