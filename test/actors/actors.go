package actors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"prospectflow/cadence"
	"prospectflow/compliance"
	"prospectflow/contact"
	"prospectflow/engagement"
	"prospectflow/logging"
	"prospectflow/outbox"
	"prospectflow/outreach"
	"prospectflow/prospect"
	"prospectflow/replies"
)

// Ledger records what left the process: provider dispatches and confirmed
// unsubscribes, both keyed by lowercased address.
type Ledger struct {
	mu           sync.Mutex
	dispatches   map[string][]time.Time
	unsubscribed map[string]time.Time
	byKey        map[string]string
}

func NewLedger() *Ledger {
	return &Ledger{
		dispatches:   map[string][]time.Time{},
		unsubscribed: map[string]time.Time{},
		byKey:        map[string]string{},
	}
}

func (l *Ledger) confirmUnsubscribe(email string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	email = strings.ToLower(email)
	if _, ok := l.unsubscribed[email]; !ok {
		l.unsubscribed[email] = at
	}
}

// Violation returns a description of the first dispatch that started after
// its recipient's unsubscribe had already been confirmed.
func (l *Ledger) Violation() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for email, at := range l.unsubscribed {
		for _, sent := range l.dispatches[email] {
			if sent.After(at) {
				return fmt.Sprintf("%s dispatched at %s after unsubscribe at %s", email, sent.Format(time.RFC3339Nano), at.Format(time.RFC3339Nano))
			}
		}
	}
	return ""
}

// Mailer is an in-process provider. It dedupes on the idempotency key the
// way a real provider does and fails one dispatch in ten.
type Mailer struct {
	ledger *Ledger
}

func NewMailer(l *Ledger) *Mailer { return &Mailer{ledger: l} }

func (m *Mailer) Send(ctx context.Context, msg outreach.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	if id, ok := m.ledger.byKey[msg.IdempotencyKey]; ok && msg.IdempotencyKey != "" {
		return id, nil
	}
	if rand.Intn(10) == 0 {
		return "", fmt.Errorf("%w: status 503", outreach.ErrProviderRejected)
	}
	to := strings.ToLower(msg.To)
	m.ledger.dispatches[to] = append(m.ledger.dispatches[to], time.Now())
	sum := sha256.Sum256([]byte(msg.IdempotencyKey + "|" + to + "|" + msg.Subject))
	id := "stress-" + hex.EncodeToString(sum[:8])
	if msg.IdempotencyKey == "" {
		id += "-" + uuid.NewString()[:8]
	}
	m.ledger.byKey[msg.IdempotencyKey] = id
	return id, nil
}

// Services is the production wiring pointed at the stress database.
type Services struct {
	Signer     *compliance.Signer
	Compliance *compliance.Service
	Cadence    *cadence.Service
	Replies    *replies.Service
	CallTasks  *engagement.CallTaskService
	Events     *engagement.EventService
	Ledger     *Ledger
}

// Wire builds the services the way cmd/api does, with the in-process mailer
// and without the evidence gate.
func Wire(pool *pgxpool.Pool, ledger *Ledger) (*Services, error) {
	log := logging.Discard()
	signer, err := compliance.NewSigner("stress-unsubscribe-secret")
	if err != nil {
		return nil, err
	}
	out := outbox.NewWriter()
	contacts := contact.NewRepository(pool)
	logs := outreach.NewLogRepository()
	complianceService := compliance.NewService(pool, compliance.NewRepository(), contacts, signer, out, log)

	sender := outreach.NewSender(pool, contacts, logs, nil, complianceService, NewMailer(ledger), outreach.Identity{
		From:          "Stress <stress@prospectflow.test>",
		PublicURL:     "https://prospectflow.test",
		CompanyName:   "Prospectflow Stress",
		PostalAddress: "1 Test Street",
	}, 2*time.Second, log)

	cadenceService := cadence.NewService(pool, cadence.NewRepository(), logs, sender, out, cadence.Policy{
		BatchSize:    10,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
	}, log)
	replyService := replies.NewService(pool, replies.NewRepository(), contacts, cadenceService, complianceService, out, true, log)

	engagementRepo := engagement.NewRepository()
	callTasks := engagement.NewCallTaskService(pool, engagementRepo, out, log)
	events := engagement.NewEventService(pool, engagementRepo, logs, prospect.NewRepository(pool), callTasks, log)

	return &Services{
		Signer:     signer,
		Compliance: complianceService,
		Cadence:    cadenceService,
		Replies:    replyService,
		CallTasks:  callTasks,
		Events:     events,
		Ledger:     ledger,
	}, nil
}

// Target is one seeded contact.
type Target struct {
	ContactID  string
	ProspectID string
	Email      string
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func jitter(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// transient reports errors the chaos actor is expected to cause.
func transient(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"terminating connection", "conn closed", "unexpected EOF", "connection reset", "broken pipe", "57P01", "40P01", "40001"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Sweeper runs the cadence sweep in a loop. Several sweepers race for the
// same due steps.
func Sweeper(ctx context.Context, s *Services, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := s.Cadence.Sweep(ctx); err != nil && !transient(ctx, err) {
			return fmt.Errorf("sweeper: %w", err)
		}
		jitter(5, 20)
	}
	return nil
}

// Unsubscriber opts random targets out through the signed link and records
// the moment each unsubscribe is confirmed.
func Unsubscriber(ctx context.Context, s *Services, targets []Target, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		t := targets[rand.Intn(len(targets))]
		token := s.Signer.Issue(t.ContactID, t.Email)
		if _, err := s.Compliance.Unsubscribe(ctx, t.ContactID, token); err != nil {
			if transient(ctx, err) {
				continue
			}
			return fmt.Errorf("unsubscriber: %w", err)
		}
		s.Ledger.confirmUnsubscribe(t.Email, time.Now())
		jitter(50, 150)
	}
	return nil
}

var replyBodies = []string{
	"Thanks, interesting. Can we talk next week?",
	"Please remove me from your list.",
	"I'm out of office until Monday.",
	"Not interested, thanks.",
}

// ReplyStormer redelivers the same provider message many times, the way a
// webhook retries. Only the first delivery may be captured.
func ReplyStormer(ctx context.Context, s *Services, targets []Target, stop <-chan struct{}) error {
	auto := true
	for !stopped(ctx, stop) {
		i := rand.Intn(len(targets))
		t := targets[i]
		_, err := s.Replies.Ingest(ctx, replies.InboundReply{
			FromEmail:         t.Email,
			Subject:           "Re: quick question",
			BodyText:          replyBodies[i%len(replyBodies)],
			Source:            "stress",
			Provider:          "stress",
			ProviderMessageID: "reply-" + t.ContactID,
			AutoTriage:        &auto,
			Metadata:          map[string]any{},
		})
		if err != nil && !transient(ctx, err) {
			return fmt.Errorf("reply stormer: %w", err)
		}
		jitter(20, 60)
	}
	return nil
}

// CallTasker asks for the same engagement call task concurrently.
func CallTasker(ctx context.Context, s *Services, targets []Target, stop <-chan struct{}) error {
	triggers := []string{engagement.TriggerEmailClick, "manual"}
	for !stopped(ctx, stop) {
		t := targets[rand.Intn(len(targets))]
		_, err := s.CallTasks.CreateEngagementCallTask(ctx, t.ProspectID, triggers[rand.Intn(len(triggers))])
		if err != nil && !transient(ctx, err) {
			return fmt.Errorf("call tasker: %w", err)
		}
		jitter(10, 30)
	}
	return nil
}

// ClickReplayer delivers click events for messages that were actually sent,
// reusing event ids so some deliveries are duplicates.
func ClickReplayer(ctx context.Context, pool *pgxpool.Pool, s *Services, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		var messageID string
		err := pool.QueryRow(ctx, `SELECT metadata->>'provider_message_id' FROM outreach_logs
                                   WHERE status = 'sent' ORDER BY random() LIMIT 1`).Scan(&messageID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || transient(ctx, err) {
				jitter(50, 50)
				continue
			}
			return fmt.Errorf("click replayer: %w", err)
		}
		body, _ := json.Marshal(map[string]any{
			"type":       engagement.EventClicked,
			"created_at": time.Now().UTC(),
			"data": map[string]any{
				"email_id": messageID,
				"click":    map[string]any{"link": "https://prospectflow.test/report", "timestamp": time.Now().UTC(), "userAgent": "stress"},
			},
		})
		eventID := fmt.Sprintf("evt-%s-%d", messageID, rand.Intn(3))
		if _, err := s.Events.HandleDeliveryEvent(ctx, eventID, body); err != nil && !transient(ctx, err) {
			return fmt.Errorf("click replayer: %w", err)
		}
		jitter(20, 40)
	}
	return nil
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED, failing some at random.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		tx, err := pool.Begin(ctx)
		if err != nil {
			if transient(ctx, err) {
				jitter(50, 50)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			jitter(50, 50)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now() WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		jitter(100, 1)
	}
	return nil
}
