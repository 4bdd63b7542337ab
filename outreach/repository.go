package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"prospectflow/db"
)

var (
	// ErrLogNotFound signals no outreach log matched.
	ErrLogNotFound = errors.New("outreach: log not found")
	// ErrDuplicateStepSend is returned when a step already has a sent log.
	ErrDuplicateStepSend = errors.New("outreach: step already sent")
)

// LogRepository persists outreach_logs rows inside the caller's transaction.
type LogRepository struct{}

func NewLogRepository() *LogRepository {
	return &LogRepository{}
}

func (r *LogRepository) InsertLog(ctx context.Context, tx pgx.Tx, l *Log) error {
	meta := l.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("outreach: marshal log metadata: %w", err)
	}
	const query = `
		INSERT INTO outreach_logs (id, contact_id, prospect_id, sequence_id, step_id, channel, type, status,
		                           subject, body_html, body_text, metadata, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13)
		RETURNING created_at
	`
	err = tx.QueryRow(ctx, query, l.ID, l.ContactID, l.ProspectID, l.SequenceID, l.StepID, string(l.Channel), l.Type,
		string(l.Status), l.Subject, l.BodyHTML, l.BodyText, body, l.SentAt).Scan(&l.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) && l.Status == LogSent {
			return ErrDuplicateStepSend
		}
		return fmt.Errorf("outreach: insert log: %w", err)
	}
	return nil
}

// FindSentForStep returns the sent log for a step, if one was committed by an
// earlier sweep.
func (r *LogRepository) FindSentForStep(ctx context.Context, tx pgx.Tx, stepID string) (Log, bool, error) {
	l, err := scanLog(tx.QueryRow(ctx, selectLogSQL+` WHERE step_id = $1 AND status = 'sent' LIMIT 1`, stepID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Log{}, false, nil
		}
		return Log{}, false, fmt.Errorf("outreach: find sent log: %w", err)
	}
	return l, true, nil
}

// LockByProviderMessageID locks the earliest log carrying the provider id.
func (r *LogRepository) LockByProviderMessageID(ctx context.Context, tx pgx.Tx, providerMessageID string) (Log, error) {
	if providerMessageID == "" {
		return Log{}, ErrLogNotFound
	}
	l, err := scanLog(tx.QueryRow(ctx, selectLogSQL+`
		WHERE metadata->>'provider_message_id' = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE`, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Log{}, ErrLogNotFound
		}
		return Log{}, fmt.Errorf("outreach: lock log by provider id: %w", err)
	}
	return l, nil
}

// MarkOpened sets opened_at once; later opens leave it unchanged.
func (r *LogRepository) MarkOpened(ctx context.Context, tx pgx.Tx, id string, at time.Time) (bool, error) {
	const query = `
		UPDATE outreach_logs
		SET opened_at = $2, updated_at = get_tx_timestamp()
		WHERE id = $1 AND opened_at IS NULL
	`
	tag, err := tx.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("outreach: mark opened: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendClick appends one click event to metadata.clicks.
func (r *LogRepository) AppendClick(ctx context.Context, tx pgx.Tx, id string, click map[string]any) error {
	body, err := json.Marshal(click)
	if err != nil {
		return fmt.Errorf("outreach: marshal click: %w", err)
	}
	const query = `
		UPDATE outreach_logs
		SET metadata = jsonb_set(metadata, '{clicks}', COALESCE(metadata->'clicks', '[]'::jsonb) || jsonb_build_array($2::jsonb)),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query, id, body); err != nil {
		return fmt.Errorf("outreach: append click: %w", err)
	}
	return nil
}

const selectLogSQL = `
	SELECT id, contact_id, prospect_id::text, sequence_id::text, step_id::text, channel, type, status,
	       subject, body_html, body_text, metadata, sent_at, opened_at, created_at
	FROM outreach_logs`

func scanLog(row pgx.Row) (Log, error) {
	var (
		l    Log
		meta []byte
	)
	if err := row.Scan(&l.ID, &l.ContactID, &l.ProspectID, &l.SequenceID, &l.StepID, &l.Channel, &l.Type, &l.Status,
		&l.Subject, &l.BodyHTML, &l.BodyText, &meta, &l.SentAt, &l.OpenedAt, &l.CreatedAt); err != nil {
		return Log{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &l.Metadata); err != nil {
			return Log{}, fmt.Errorf("decode log metadata: %w", err)
		}
	}
	return l, nil
}
