package compliance

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"prospectflow/contact"
	"prospectflow/logging"
	"prospectflow/migrations"
	"prospectflow/outbox"
)

// TestUnsubscribe_Integration runs the full opt-out cascade against a live
// PostgreSQL named by DATABASE_URL.
func TestUnsubscribe_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	email := fmt.Sprintf("dana+%d@example.com", time.Now().UnixNano())
	var contactID, sequenceID, openStepID, draftStepID, callLogID string
	if err := pool.QueryRow(ctx, `INSERT INTO contacts (first_name, email, outreach_status) VALUES ('Dana', $1, 'EMAIL_SENT') RETURNING id`,
		email).Scan(&contactID); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO outreach_sequences (contact_id, status) VALUES ($1, 'ACTIVE') RETURNING id`,
		contactID).Scan(&sequenceID); err != nil {
		t.Fatalf("seed sequence: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO outreach_steps (sequence_id, step_order, status, due_at, subject) VALUES ($1, 1, 'QUEUED', now(), 'Hello') RETURNING id`,
		sequenceID).Scan(&openStepID); err != nil {
		t.Fatalf("seed queued step: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO outreach_steps (sequence_id, step_order, status, subject) VALUES ($1, 2, 'DRAFTED', 'Again') RETURNING id`,
		sequenceID).Scan(&draftStepID); err != nil {
		t.Fatalf("seed drafted step: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO outreach_logs (id, contact_id, channel, type, status) VALUES (gen_random_uuid(), $1, 'call', 'engagement_call', 'touch_open') RETURNING id`,
		contactID).Scan(&callLogID); err != nil {
		t.Fatalf("seed call task: %v", err)
	}

	signer, err := NewSigner("integration-secret")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	svc := NewService(pool, NewRepository(), contact.NewRepository(pool), signer, outbox.NewWriter(), logging.Discard())

	if _, err := svc.Unsubscribe(ctx, contactID, signer.Issue(contactID, "someone-else@example.com")); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for a token bound to another address, got %v", err)
	}

	res, err := svc.Unsubscribe(ctx, contactID, signer.Issue(contactID, email))
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if res.AlreadyOptedOut {
		t.Fatal("first unsubscribe must not report already opted out")
	}
	if len(res.ClosedSequences) != 1 || res.ClosedSequences[0] != sequenceID {
		t.Fatalf("closed sequences = %v", res.ClosedSequences)
	}
	if res.CancelledSteps != 2 || res.CancelledLogs != 1 {
		t.Fatalf("cancelled steps=%d logs=%d", res.CancelledSteps, res.CancelledLogs)
	}

	var status string
	var optedOutAt *time.Time
	if err := pool.QueryRow(ctx, `SELECT outreach_status, opted_out_at FROM contacts WHERE id = $1`, contactID).Scan(&status, &optedOutAt); err != nil {
		t.Fatalf("load contact: %v", err)
	}
	if status != "OPTED_OUT" || optedOutAt == nil {
		t.Fatalf("contact status=%s opted_out_at=%v", status, optedOutAt)
	}

	var seqStatus, reason string
	if err := pool.QueryRow(ctx, `SELECT status, close_reason FROM outreach_sequences WHERE id = $1`, sequenceID).Scan(&seqStatus, &reason); err != nil {
		t.Fatalf("load sequence: %v", err)
	}
	if seqStatus != "CLOSED_LOST" || reason != "opted_out" {
		t.Fatalf("sequence status=%s reason=%s", seqStatus, reason)
	}

	for _, id := range []string{openStepID, draftStepID} {
		var stepStatus string
		if err := pool.QueryRow(ctx, `SELECT status FROM outreach_steps WHERE id = $1`, id).Scan(&stepStatus); err != nil {
			t.Fatalf("load step: %v", err)
		}
		if stepStatus != "CANCELLED" {
			t.Fatalf("step %s status=%s", id, stepStatus)
		}
	}

	var logStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM outreach_logs WHERE id = $1`, callLogID).Scan(&logStatus); err != nil {
		t.Fatalf("load call task: %v", err)
	}
	if logStatus != "cancelled" {
		t.Fatalf("call task status=%s", logStatus)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'contact_id' = $2`,
		outbox.TopicContactOptedOut, contactID).Scan(&events); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected 1 opted-out event, got %d", events)
	}

	again, err := svc.Unsubscribe(ctx, contactID, signer.Issue(contactID, email))
	if err != nil {
		t.Fatalf("repeat unsubscribe: %v", err)
	}
	if !again.AlreadyOptedOut || len(again.ClosedSequences) != 0 {
		t.Fatalf("repeat unsubscribe result = %+v", again)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'contact_id' = $2`,
		outbox.TopicContactOptedOut, contactID).Scan(&events); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if events != 1 {
		t.Fatalf("repeat unsubscribe must not enqueue another event, got %d", events)
	}
}
