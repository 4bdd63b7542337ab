package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository holds call-task and event-idempotency queries. Every method
// runs inside the caller's transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ClaimEvent records an event id. It reports false when the id was seen
// before.
func (r *Repository) ClaimEvent(ctx context.Context, tx pgx.Tx, key string) (bool, error) {
	tag, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("engagement: claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindOpenCallTask returns the id of the open call task for the pair.
func (r *Repository) FindOpenCallTask(ctx context.Context, tx pgx.Tx, prospectID, trigger string) (string, bool, error) {
	const query = `
		SELECT id FROM outreach_logs
		WHERE prospect_id = $1 AND channel = 'call' AND status = 'touch_open'
		  AND metadata->>'trigger_source' = $2
		LIMIT 1
	`
	var id string
	if err := tx.QueryRow(ctx, query, prospectID, trigger).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("engagement: find open call task: %w", err)
	}
	return id, true, nil
}

// ResolveContact picks the contact a prospect's call task is for: the
// contact of the most recently updated sequence, else the earliest contact
// that has not opted out. The chosen contact is locked and re-checked.
func (r *Repository) ResolveContact(ctx context.Context, tx pgx.Tx, prospectID string) (string, bool, error) {
	const viaSequence = `
		SELECT q.contact_id FROM outreach_sequences q
		WHERE q.prospect_id = $1
		ORDER BY q.updated_at DESC, q.id ASC
		LIMIT 1
	`
	var candidate string
	err := tx.QueryRow(ctx, viaSequence, prospectID).Scan(&candidate)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("engagement: resolve via sequence: %w", err)
	}
	if candidate != "" {
		ok, err := lockActiveContact(ctx, tx, candidate)
		if err != nil {
			return "", false, err
		}
		if ok {
			return candidate, true, nil
		}
	}

	const earliest = `
		SELECT id FROM contacts
		WHERE prospect_id = $1 AND outreach_status <> 'OPTED_OUT'
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`
	candidate = ""
	if err := tx.QueryRow(ctx, earliest, prospectID).Scan(&candidate); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("engagement: resolve earliest contact: %w", err)
	}
	ok, err := lockActiveContact(ctx, tx, candidate)
	if err != nil || !ok {
		return "", false, err
	}
	return candidate, true, nil
}

func lockActiveContact(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	var optedOut bool
	err := tx.QueryRow(ctx, `SELECT outreach_status = 'OPTED_OUT' FROM contacts WHERE id = $1 FOR UPDATE`, id).Scan(&optedOut)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("engagement: lock contact: %w", err)
	}
	return !optedOut, nil
}

// InsertCallTask writes an open call task. It reports false when an open
// task for the same prospect and trigger already exists.
func (r *Repository) InsertCallTask(ctx context.Context, tx pgx.Tx, id, contactID, prospectID, trigger string, meta map[string]any) (bool, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["trigger_source"] = trigger
	body, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("engagement: marshal call task metadata: %w", err)
	}
	const query = `
		INSERT INTO outreach_logs (id, contact_id, prospect_id, channel, type, status, subject, metadata)
		VALUES ($1, $2, $3, 'call', 'engagement_call', 'touch_open', $4, $5::jsonb)
		ON CONFLICT (prospect_id, (metadata->>'trigger_source')) WHERE channel = 'call' AND status = 'touch_open'
		DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, id, contactID, prospectID, "Follow up: "+trigger, body)
	if err != nil {
		return false, fmt.Errorf("engagement: insert call task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
