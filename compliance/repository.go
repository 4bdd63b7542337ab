package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"prospectflow/contact"
)

// SuppressionCommand is one opt-out applied as a single unit by the store.
type SuppressionCommand struct {
	ContactID string
	Reason    string
	Source    string
	At        time.Time
}

// SuppressionResult reports what the command changed. A repeat command for
// an already opted-out contact reports AlreadyOptedOut and only whatever
// stragglers it still had to cancel.
type SuppressionResult struct {
	ContactID       string
	Email           string
	AlreadyOptedOut bool
	CancelledLogs   int64
	ClosedSequences []string
	CancelledSteps  int64
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ApplySuppression locks the contact and cascades the opt-out through logs,
// sequences and steps inside tx.
func (r *Repository) ApplySuppression(ctx context.Context, tx pgx.Tx, cmd SuppressionCommand) (SuppressionResult, error) {
	res := SuppressionResult{ContactID: cmd.ContactID}

	var status contact.Status
	err := tx.QueryRow(ctx, `SELECT outreach_status, email FROM contacts WHERE id = $1 FOR UPDATE`, cmd.ContactID).
		Scan(&status, &res.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return res, contact.ErrNotFound
		}
		return res, fmt.Errorf("compliance: lock contact: %w", err)
	}
	res.AlreadyOptedOut = status == contact.StatusOptedOut

	if !res.AlreadyOptedOut {
		note := fmt.Sprintf("[%s] opted out via %s: %s", cmd.At.UTC().Format(time.RFC3339), cmd.Source, cmd.Reason)
		const markSQL = `
			UPDATE contacts
			SET outreach_status = 'OPTED_OUT',
			    opted_out_at = $2,
			    outreach_notes = CASE WHEN outreach_notes = '' THEN $3 ELSE outreach_notes || E'\n' || $3 END,
			    updated_at = get_tx_timestamp()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, markSQL, cmd.ContactID, cmd.At, note); err != nil {
			return res, fmt.Errorf("compliance: mark opted out: %w", err)
		}
	}

	const cancelLogsSQL = `
		UPDATE outreach_logs
		SET status = 'cancelled', updated_at = get_tx_timestamp()
		WHERE contact_id = $1 AND status IN ('draft', 'queued', 'touch_open')
	`
	tag, err := tx.Exec(ctx, cancelLogsSQL, cmd.ContactID)
	if err != nil {
		return res, fmt.Errorf("compliance: cancel logs: %w", err)
	}
	res.CancelledLogs = tag.RowsAffected()

	const closeSequencesSQL = `
		UPDATE outreach_sequences
		SET status = 'CLOSED_LOST', close_reason = 'opted_out', closed_at = $2, updated_at = get_tx_timestamp()
		WHERE contact_id = $1 AND status NOT IN ('CONVERTED', 'CLOSED_LOST')
		RETURNING id
	`
	rows, err := tx.Query(ctx, closeSequencesSQL, cmd.ContactID, cmd.At)
	if err != nil {
		return res, fmt.Errorf("compliance: close sequences: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return res, fmt.Errorf("compliance: scan sequence: %w", err)
		}
		res.ClosedSequences = append(res.ClosedSequences, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("compliance: iterate sequences: %w", err)
	}

	// Covers every closed sequence of the contact, not only the ones closed above.
	const cancelStepsSQL = `
		UPDATE outreach_steps
		SET status = 'CANCELLED', updated_at = get_tx_timestamp()
		WHERE status IN ('DRAFTED', 'QUEUED')
		  AND sequence_id IN (SELECT id FROM outreach_sequences WHERE contact_id = $1 AND status = 'CLOSED_LOST')
	`
	tag, err = tx.Exec(ctx, cancelStepsSQL, cmd.ContactID)
	if err != nil {
		return res, fmt.Errorf("compliance: cancel steps: %w", err)
	}
	res.CancelledSteps = tag.RowsAffected()

	return res, nil
}
