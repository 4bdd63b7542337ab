package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested contact does not exist.
var ErrNotFound = errors.New("contact: not found")

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
	SELECT id, prospect_id::text, first_name, last_name, email, phone, outreach_status, outreach_notes,
	       last_contacted_at, opted_out_at, created_at, updated_at
	FROM contacts`

// GetByID fetches a contact without locking.
func (r *Repository) GetByID(ctx context.Context, id string) (Contact, error) {
	return getByID(ctx, r.pool, id, false)
}

// LockForUpdate loads the contact inside tx and holds its row lock until the
// transaction ends. Sends and suppressions both take this lock first.
func (r *Repository) LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (Contact, error) {
	return getByID(ctx, tx, id, true)
}

// FindByEmail resolves a contact by case-insensitive email. When several
// contacts share an address the most recently updated wins.
func (r *Repository) FindByEmail(ctx context.Context, email string) (Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return Contact{}, ErrNotFound
	}
	c, err := scan(r.pool.QueryRow(ctx, selectColumns+`
		WHERE lower(email) = $1
		ORDER BY updated_at DESC, id ASC
		LIMIT 1`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("contact: find by email: %w", err)
	}
	return c, nil
}

// RecordSend marks a successful send. Contacts that already replied or
// converted keep their status; last_contacted_at always moves.
func (r *Repository) RecordSend(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	const query = `
		UPDATE contacts
		SET outreach_status = CASE
		        WHEN outreach_status IN ('NOT_CONTACTED', 'QUEUED', 'EMAIL_SENT') THEN 'EMAIL_SENT'
		        ELSE outreach_status
		    END,
		    last_contacted_at = $2,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND outreach_status <> 'OPTED_OUT'
	`
	tag, err := tx.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("contact: record send: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReplied moves an active contact to REPLIED. Opted-out and converted
// contacts are left untouched.
func (r *Repository) MarkReplied(ctx context.Context, tx pgx.Tx, id string) error {
	const query = `
		UPDATE contacts
		SET outreach_status = 'REPLIED', updated_at = get_tx_timestamp()
		WHERE id = $1 AND outreach_status NOT IN ('OPTED_OUT', 'CONVERTED')
	`
	if _, err := tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("contact: mark replied: %w", err)
	}
	return nil
}

func getByID(ctx context.Context, q Querier, id string, lock bool) (Contact, error) {
	// ids come from links and webhooks; anything that is not a uuid cannot exist.
	if _, err := uuid.Parse(id); err != nil {
		return Contact{}, ErrNotFound
	}
	query := selectColumns + ` WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	c, err := scan(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("contact: query by id: %w", err)
	}
	return c, nil
}

func scan(row pgx.Row) (Contact, error) {
	var c Contact
	err := row.Scan(&c.ID, &c.ProspectID, &c.FirstName, &c.LastName, &c.Email, &c.Phone, &c.OutreachStatus,
		&c.OutreachNotes, &c.LastContactedAt, &c.OptedOutAt, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
