package replies

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Reply mirrors reply_logs.
type Reply struct {
	ID                string
	ContactID         string
	SequenceID        *string
	DedupeKey         string
	Provider          string
	ProviderMessageID string
	FromEmail         string
	Subject           string
	BodyText          string
	BodyHTML          string
	Source            string
	Metadata          map[string]any
	ReceivedAt        time.Time
}

// DedupeKey identifies a reply across provider retries: the provider's
// message id when present, otherwise a hash of sender and content.
func DedupeKey(in InboundReply) string {
	if in.ProviderMessageID != "" {
		provider := in.Provider
		if provider == "" {
			provider = "generic"
		}
		return provider + ":" + in.ProviderMessageID
	}
	h := sha256.New()
	for _, part := range []string{strings.ToLower(in.FromEmail), in.Subject, in.BodyText, in.BodyHTML} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Capture inserts the reply unless its dedupe key is already stored. On a
// duplicate, r.ID is set to the stored row and true is returned.
func (r *Repository) Capture(ctx context.Context, tx pgx.Tx, reply *Reply) (bool, error) {
	meta := reply.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("replies: marshal metadata: %w", err)
	}
	const insertSQL = `
		INSERT INTO reply_logs (id, contact_id, sequence_id, dedupe_key, provider, provider_message_id, from_email,
		                        subject, body_text, body_html, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING received_at
	`
	err = tx.QueryRow(ctx, insertSQL, reply.ID, reply.ContactID, reply.SequenceID, reply.DedupeKey, reply.Provider,
		reply.ProviderMessageID, reply.FromEmail, reply.Subject, reply.BodyText, reply.BodyHTML, reply.Source, body).
		Scan(&reply.ReceivedAt)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("replies: capture: %w", err)
	}
	if err := tx.QueryRow(ctx, `SELECT id, received_at FROM reply_logs WHERE dedupe_key = $1`, reply.DedupeKey).
		Scan(&reply.ID, &reply.ReceivedAt); err != nil {
		return false, fmt.Errorf("replies: load duplicate: %w", err)
	}
	return true, nil
}

func (r *Repository) SetTriage(ctx context.Context, tx pgx.Tx, id string, t Triage) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("replies: marshal triage: %w", err)
	}
	const query = `UPDATE reply_logs SET intent = $2, triage = $3::jsonb WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, string(t.Intent), body); err != nil {
		return fmt.Errorf("replies: set triage: %w", err)
	}
	return nil
}
