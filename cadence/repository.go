package cadence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrSequenceNotFound signals the sequence does not exist.
	ErrSequenceNotFound = errors.New("cadence: sequence not found")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("cadence: invalid sequence transition")
	// ErrNoSteps is returned when enqueueing a sequence without steps.
	ErrNoSteps = errors.New("cadence: sequence has no steps")
	// ErrContactOptedOut is returned when enqueueing for a suppressed contact.
	ErrContactOptedOut = errors.New("cadence: contact opted out")
)

// Repository runs every statement inside the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// InsertSequence stores a DRAFTED sequence and its steps.
func (r *Repository) InsertSequence(ctx context.Context, tx pgx.Tx, seq *Sequence, steps []Step) error {
	const seqSQL = `
		INSERT INTO outreach_sequences (id, contact_id, prospect_id, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`
	if err := tx.QueryRow(ctx, seqSQL, seq.ID, seq.ContactID, seq.ProspectID, string(seq.Status)).
		Scan(&seq.CreatedAt, &seq.UpdatedAt); err != nil {
		return fmt.Errorf("cadence: insert sequence: %w", err)
	}
	const stepSQL = `
		INSERT INTO outreach_steps (id, sequence_id, step_order, channel, status, delay_days, subject, body_html, body_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, st := range steps {
		if _, err := tx.Exec(ctx, stepSQL, st.ID, seq.ID, st.StepOrder, string(st.Channel), string(st.Status),
			st.DelayDays, st.Subject, st.BodyHTML, st.BodyText); err != nil {
			return fmt.Errorf("cadence: insert step %d: %w", st.StepOrder, err)
		}
	}
	return nil
}

// LockSequence takes the contact lock and then the sequence lock, the same
// order suppression uses.
func (r *Repository) LockSequence(ctx context.Context, tx pgx.Tx, id string) (Sequence, error) {
	const lockContactSQL = `
		SELECT c.id FROM contacts c
		JOIN outreach_sequences q ON q.contact_id = c.id
		WHERE q.id = $1
		FOR UPDATE OF c
	`
	var contactID string
	if err := tx.QueryRow(ctx, lockContactSQL, id).Scan(&contactID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sequence{}, ErrSequenceNotFound
		}
		return Sequence{}, fmt.Errorf("cadence: lock contact: %w", err)
	}
	seq, err := scanSequence(tx.QueryRow(ctx, selectSequenceSQL+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sequence{}, ErrSequenceNotFound
		}
		return Sequence{}, fmt.Errorf("cadence: lock sequence: %w", err)
	}
	return seq, nil
}

// ContactOptedOut reports the suppression state of a sequence's contact.
func (r *Repository) ContactOptedOut(ctx context.Context, tx pgx.Tx, contactID string) (bool, error) {
	var optedOut bool
	err := tx.QueryRow(ctx, `SELECT outreach_status = 'OPTED_OUT' FROM contacts WHERE id = $1`, contactID).Scan(&optedOut)
	if err != nil {
		return false, fmt.Errorf("cadence: contact status: %w", err)
	}
	return optedOut, nil
}

// ClaimDueStep locks one due step together with its contact. Rows locked by
// another sweep or by a suppression in flight are skipped. Steps in skip
// are excluded so a failing step is not retried within one sweep.
func (r *Repository) ClaimDueStep(ctx context.Context, tx pgx.Tx, now time.Time, skip []string) (DueStep, bool, error) {
	if skip == nil {
		skip = []string{}
	}
	const query = `
		SELECT s.id, s.sequence_id, s.step_order, s.channel, s.status, s.delay_days, s.due_at,
		       s.subject, s.body_html, s.body_text, s.attempts, s.last_error,
		       c.id, c.outreach_status, q.prospect_id::text, q.status
		FROM outreach_steps s
		JOIN outreach_sequences q ON q.id = s.sequence_id
		JOIN contacts c ON c.id = q.contact_id
		WHERE s.status = 'QUEUED'
		  AND s.due_at <= $1
		  AND q.status IN ('QUEUED', 'ACTIVE')
		  AND NOT (s.id::text = ANY($2::text[]))
		ORDER BY s.due_at ASC, s.id ASC
		LIMIT 1
		FOR UPDATE OF s, c SKIP LOCKED
	`
	var d DueStep
	err := tx.QueryRow(ctx, query, now, skip).Scan(
		&d.Step.ID, &d.Step.SequenceID, &d.Step.StepOrder, &d.Step.Channel, &d.Step.Status, &d.Step.DelayDays,
		&d.Step.DueAt, &d.Step.Subject, &d.Step.BodyHTML, &d.Step.BodyText, &d.Step.Attempts, &d.Step.LastError,
		&d.ContactID, &d.ContactStatus, &d.ProspectID, &d.SequenceState,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DueStep{}, false, nil
		}
		return DueStep{}, false, fmt.Errorf("cadence: claim due step: %w", err)
	}
	return d, true, nil
}

func (r *Repository) MarkStepSent(ctx context.Context, tx pgx.Tx, stepID, logID string, at time.Time) error {
	const query = `
		UPDATE outreach_steps
		SET status = 'SENT', sent_at = $3, log_id = $2, last_error = '', updated_at = get_tx_timestamp()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, stepID, logID, at); err != nil {
		return fmt.Errorf("cadence: mark step sent: %w", err)
	}
	return nil
}

// RescheduleStep keeps the step QUEUED with a new due time. When
// countAttempt is set the attempt counter moves; the new count is returned.
func (r *Repository) RescheduleStep(ctx context.Context, tx pgx.Tx, stepID string, dueAt time.Time, lastError string, countAttempt bool) (int, error) {
	const query = `
		UPDATE outreach_steps
		SET due_at = $2,
		    last_error = $3,
		    attempts = attempts + CASE WHEN $4 THEN 1 ELSE 0 END,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING attempts
	`
	var attempts int
	if err := tx.QueryRow(ctx, query, stepID, dueAt, lastError, countAttempt).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("cadence: reschedule step: %w", err)
	}
	return attempts, nil
}

// QueueNextStep queues the first DRAFTED step after afterOrder, due delay_days
// from now. It reports false when no step is left.
func (r *Repository) QueueNextStep(ctx context.Context, tx pgx.Tx, sequenceID string, afterOrder int, now time.Time) (bool, error) {
	const query = `
		UPDATE outreach_steps
		SET status = 'QUEUED',
		    due_at = $3::timestamptz + make_interval(days => delay_days),
		    updated_at = get_tx_timestamp()
		WHERE id = (
			SELECT id FROM outreach_steps
			WHERE sequence_id = $1 AND step_order > $2 AND status = 'DRAFTED'
			ORDER BY step_order ASC
			LIMIT 1
		)
	`
	tag, err := tx.Exec(ctx, query, sequenceID, afterOrder, now)
	if err != nil {
		return false, fmt.Errorf("cadence: queue next step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeferQueuedStep moves the open step of a sequence to dueAt. A sequence
// with no queued step gets its next drafted step queued instead.
func (r *Repository) DeferQueuedStep(ctx context.Context, tx pgx.Tx, sequenceID string, dueAt time.Time) (bool, error) {
	const query = `
		UPDATE outreach_steps
		SET status = 'QUEUED', due_at = $2, updated_at = get_tx_timestamp()
		WHERE id = (
			SELECT id FROM outreach_steps
			WHERE sequence_id = $1 AND status IN ('QUEUED', 'DRAFTED')
			ORDER BY (status = 'QUEUED') DESC, step_order ASC
			LIMIT 1
		)
	`
	tag, err := tx.Exec(ctx, query, sequenceID, dueAt)
	if err != nil {
		return false, fmt.Errorf("cadence: defer step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) SetSequenceStatus(ctx context.Context, tx pgx.Tx, id string, status SequenceStatus) error {
	const query = `UPDATE outreach_sequences SET status = $2, updated_at = get_tx_timestamp() WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, string(status)); err != nil {
		return fmt.Errorf("cadence: set sequence status: %w", err)
	}
	return nil
}

// CloseSequence sets a terminal status and cascades CLOSED_LOST to the
// sequence's open steps.
func (r *Repository) CloseSequence(ctx context.Context, tx pgx.Tx, id string, status SequenceStatus, reason string, at time.Time) (int64, error) {
	const seqSQL = `
		UPDATE outreach_sequences
		SET status = $2, close_reason = $3, closed_at = $4, updated_at = get_tx_timestamp()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, seqSQL, id, string(status), reason, at); err != nil {
		return 0, fmt.Errorf("cadence: close sequence: %w", err)
	}
	const stepSQL = `
		UPDATE outreach_steps
		SET status = 'CLOSED_LOST', updated_at = get_tx_timestamp()
		WHERE sequence_id = $1 AND status IN ('DRAFTED', 'QUEUED')
	`
	tag, err := tx.Exec(ctx, stepSQL, id)
	if err != nil {
		return 0, fmt.Errorf("cadence: close steps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueueFirstStep queues the lowest-ordered drafted step, due delay_days from now.
func (r *Repository) QueueFirstStep(ctx context.Context, tx pgx.Tx, sequenceID string, now time.Time) (bool, error) {
	return r.QueueNextStep(ctx, tx, sequenceID, 0, now)
}

// ActiveSequenceForContact returns a non-terminal sequence of the contact:
// preferredID when it is one of them, otherwise the most recently updated.
func (r *Repository) ActiveSequenceForContact(ctx context.Context, tx pgx.Tx, contactID, preferredID string) (Sequence, error) {
	seq, err := scanSequence(tx.QueryRow(ctx, selectSequenceSQL+`
		WHERE contact_id = $1 AND status NOT IN ('CONVERTED', 'CLOSED_LOST')
		ORDER BY (id::text = $2) DESC, updated_at DESC, id ASC
		LIMIT 1`, contactID, preferredID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sequence{}, ErrSequenceNotFound
		}
		return Sequence{}, fmt.Errorf("cadence: active sequence: %w", err)
	}
	return seq, nil
}

const selectSequenceSQL = `
	SELECT id, contact_id, prospect_id::text, status, close_reason, closed_at, created_at, updated_at
	FROM outreach_sequences`

func scanSequence(row pgx.Row) (Sequence, error) {
	var s Sequence
	err := row.Scan(&s.ID, &s.ContactID, &s.ProspectID, &s.Status, &s.CloseReason, &s.ClosedAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}
