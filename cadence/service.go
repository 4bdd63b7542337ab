package cadence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"prospectflow/db"
	"prospectflow/outbox"
	"prospectflow/outreach"
)

// Store is the persistence the state machine drives.
type Store interface {
	InsertSequence(ctx context.Context, tx pgx.Tx, seq *Sequence, steps []Step) error
	LockSequence(ctx context.Context, tx pgx.Tx, id string) (Sequence, error)
	ContactOptedOut(ctx context.Context, tx pgx.Tx, contactID string) (bool, error)
	ClaimDueStep(ctx context.Context, tx pgx.Tx, now time.Time, skip []string) (DueStep, bool, error)
	MarkStepSent(ctx context.Context, tx pgx.Tx, stepID, logID string, at time.Time) error
	RescheduleStep(ctx context.Context, tx pgx.Tx, stepID string, dueAt time.Time, lastError string, countAttempt bool) (int, error)
	QueueFirstStep(ctx context.Context, tx pgx.Tx, sequenceID string, now time.Time) (bool, error)
	QueueNextStep(ctx context.Context, tx pgx.Tx, sequenceID string, afterOrder int, now time.Time) (bool, error)
	DeferQueuedStep(ctx context.Context, tx pgx.Tx, sequenceID string, dueAt time.Time) (bool, error)
	SetSequenceStatus(ctx context.Context, tx pgx.Tx, id string, status SequenceStatus) error
	CloseSequence(ctx context.Context, tx pgx.Tx, id string, status SequenceStatus, reason string, at time.Time) (int64, error)
	ActiveSequenceForContact(ctx context.Context, tx pgx.Tx, contactID, preferredID string) (Sequence, error)
}

// Dispatcher sends one email inside the sweep's transaction.
type Dispatcher interface {
	SendTx(ctx context.Context, tx pgx.Tx, req outreach.SendRequest) (outreach.SendResult, error)
}

// LogStore covers the outreach log access the sweep needs directly.
type LogStore interface {
	FindSentForStep(ctx context.Context, tx pgx.Tx, stepID string) (outreach.Log, bool, error)
	InsertLog(ctx context.Context, tx pgx.Tx, l *outreach.Log) error
}

// Policy tunes the sweep.
type Policy struct {
	BatchSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

type Service struct {
	pool       db.TxBeginner
	store      Store
	logs       LogStore
	dispatcher Dispatcher
	outbox     outbox.Enqueuer
	policy     Policy
	log        *slog.Logger
	now        func() time.Time
	idGen      func() string
}

func NewService(pool db.TxBeginner, store Store, logs LogStore, dispatcher Dispatcher, out outbox.Enqueuer, policy Policy, log *slog.Logger) *Service {
	if policy.BatchSize <= 0 {
		policy.BatchSize = 50
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.RetryBackoff <= 0 {
		policy.RetryBackoff = time.Hour
	}
	return &Service{
		pool:       pool,
		store:      store,
		logs:       logs,
		dispatcher: dispatcher,
		outbox:     out,
		policy:     policy,
		log:        log.With("module", "cadence"),
		now:        time.Now,
		idGen:      uuid.NewString,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides id generation (tests).
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Create stores a DRAFTED sequence with its steps in order.
func (s *Service) Create(ctx context.Context, in NewSequence) (Sequence, error) {
	if in.ContactID == "" {
		return Sequence{}, fmt.Errorf("cadence: missing contact id")
	}
	if len(in.Steps) == 0 {
		return Sequence{}, ErrNoSteps
	}
	seq := Sequence{ID: s.idGen(), ContactID: in.ContactID, Status: SequenceDrafted}
	if in.ProspectID != "" {
		p := in.ProspectID
		seq.ProspectID = &p
	}
	steps := make([]Step, 0, len(in.Steps))
	for i, d := range in.Steps {
		ch := d.Channel
		if ch == "" {
			ch = outreach.ChannelEmail
		}
		if d.DelayDays < 0 {
			return Sequence{}, fmt.Errorf("cadence: step %d negative delay", i+1)
		}
		steps = append(steps, Step{
			ID:         s.idGen(),
			SequenceID: seq.ID,
			StepOrder:  i + 1,
			Channel:    ch,
			Status:     StepDrafted,
			DelayDays:  d.DelayDays,
			Subject:    d.Subject,
			BodyHTML:   d.BodyHTML,
			BodyText:   d.BodyText,
		})
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Sequence{}, fmt.Errorf("cadence: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.InsertSequence(ctx, tx, &seq, steps); err != nil {
		return Sequence{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Sequence{}, fmt.Errorf("cadence: commit create: %w", err)
	}
	return seq, nil
}

// Enqueue moves a DRAFTED sequence to QUEUED and schedules its first step.
func (s *Service) Enqueue(ctx context.Context, sequenceID string) error {
	return s.inTx(ctx, "enqueue", func(tx pgx.Tx) error {
		seq, err := s.store.LockSequence(ctx, tx, sequenceID)
		if err != nil {
			return err
		}
		if !CanTransition(seq.Status, SequenceQueued) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, seq.Status, SequenceQueued)
		}
		optedOut, err := s.store.ContactOptedOut(ctx, tx, seq.ContactID)
		if err != nil {
			return err
		}
		if optedOut {
			return ErrContactOptedOut
		}
		queued, err := s.store.QueueFirstStep(ctx, tx, seq.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if !queued {
			return ErrNoSteps
		}
		return s.store.SetSequenceStatus(ctx, tx, seq.ID, SequenceQueued)
	})
}

// Close ends a sequence in its own transaction.
func (s *Service) Close(ctx context.Context, sequenceID string, status SequenceStatus, reason string) (bool, error) {
	var changed bool
	err := s.inTx(ctx, "close", func(tx pgx.Tx) error {
		var err error
		changed, err = s.CloseTx(ctx, tx, sequenceID, status, reason)
		return err
	})
	return changed, err
}

// CloseTx sets a terminal status and cascades CLOSED_LOST to open steps.
// Closing an already closed sequence is a no-op that reports false.
func (s *Service) CloseTx(ctx context.Context, tx pgx.Tx, sequenceID string, status SequenceStatus, reason string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("%w: close with %s", ErrInvalidTransition, status)
	}
	seq, err := s.store.LockSequence(ctx, tx, sequenceID)
	if err != nil {
		return false, err
	}
	if seq.Status.Terminal() {
		return false, nil
	}
	return true, s.closeLocked(ctx, tx, seq, status, reason)
}

func (s *Service) closeLocked(ctx context.Context, tx pgx.Tx, seq Sequence, status SequenceStatus, reason string) error {
	steps, err := s.store.CloseSequence(ctx, tx, seq.ID, status, reason, s.now().UTC())
	if err != nil {
		return err
	}
	s.log.Info("sequence closed", "sequence_id", seq.ID, "status", status, "reason", reason, "closed_steps", steps)
	return s.outbox.Enqueue(ctx, tx, outbox.TopicSequenceClosed, map[string]any{
		"sequence_id": seq.ID,
		"contact_id":  seq.ContactID,
		"status":      string(status),
		"reason":      reason,
	})
}

// DeferTx pushes the sequence's open step days into the future. Only
// sequences the sweep is working (QUEUED or ACTIVE) can be deferred; the
// status itself never changes.
func (s *Service) DeferTx(ctx context.Context, tx pgx.Tx, sequenceID string, days int) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, fmt.Errorf("cadence: defer days must be positive, got %d", days)
	}
	seq, err := s.store.LockSequence(ctx, tx, sequenceID)
	if err != nil {
		return time.Time{}, err
	}
	if !seq.Status.Sweepable() {
		return time.Time{}, fmt.Errorf("%w: defer %s sequence", ErrInvalidTransition, seq.Status)
	}
	dueAt := s.now().UTC().AddDate(0, 0, days)
	if _, err := s.store.DeferQueuedStep(ctx, tx, seq.ID, dueAt); err != nil {
		return time.Time{}, err
	}
	return dueAt, nil
}

// MarkBookingTx moves the sequence to BOOKING. The sweep ignores BOOKING
// sequences, which pauses the remaining steps.
func (s *Service) MarkBookingTx(ctx context.Context, tx pgx.Tx, sequenceID string) error {
	seq, err := s.store.LockSequence(ctx, tx, sequenceID)
	if err != nil {
		return err
	}
	if seq.Status == SequenceBooking {
		return nil
	}
	if !CanTransition(seq.Status, SequenceBooking) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, seq.Status, SequenceBooking)
	}
	if err := s.store.SetSequenceStatus(ctx, tx, seq.ID, SequenceBooking); err != nil {
		return err
	}
	return s.outbox.Enqueue(ctx, tx, outbox.TopicSequenceBooking, map[string]any{
		"sequence_id": seq.ID,
		"contact_id":  seq.ContactID,
	})
}

// ActiveSequenceForContact returns the sequence replies should act on.
func (s *Service) ActiveSequenceForContact(ctx context.Context, tx pgx.Tx, contactID, preferredID string) (Sequence, error) {
	return s.store.ActiveSequenceForContact(ctx, tx, contactID, preferredID)
}

func (s *Service) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cadence: begin %s tx: %w", op, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cadence: commit %s: %w", op, err)
	}
	return nil
}

func stepIdempotencyKey(stepID string) string {
	return "step:" + stepID
}

func callTrigger(stepID string) string {
	return "cadence_step:" + stepID
}

func attemptsNote(attempts, max int) string {
	return strconv.Itoa(attempts) + "/" + strconv.Itoa(max)
}
