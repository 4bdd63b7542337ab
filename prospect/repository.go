package prospect

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested prospect does not exist.
var ErrNotFound = errors.New("prospect: not found")

// Repository provides access to prospects.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
	SELECT id, domain, company_name, industry, employee_range, city, country, status, research_run_id::text,
	       created_at, updated_at
	FROM prospects`

// GetByID fetches a prospect by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Prospect, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Prospect{}, ErrNotFound
	}
	p, err := scan(r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Prospect{}, ErrNotFound
		}
		return Prospect{}, fmt.Errorf("prospect: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit prospects, most recently updated first.
func (r *Repository) List(ctx context.Context, limit int) ([]Prospect, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, selectColumns+` WHERE status <> 'ARCHIVED' ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("prospect: list: %w", err)
	}
	defer rows.Close()

	prospects := make([]Prospect, 0, limit)
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("prospect: scan: %w", err)
		}
		prospects = append(prospects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prospect: iterate: %w", err)
	}

	return prospects, nil
}

// Advance moves the prospect to next if it is currently at an earlier
// stage. It reports whether the row changed.
func (r *Repository) Advance(ctx context.Context, tx pgx.Tx, id string, next Status) (bool, error) {
	before := next.Before()
	if len(before) == 0 {
		return false, nil
	}
	names := make([]string, len(before))
	for i, st := range before {
		names[i] = string(st)
	}
	const query = `
		UPDATE prospects
		SET status = $2, updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = ANY($3::text[])
	`
	tag, err := tx.Exec(ctx, query, id, string(next), names)
	if err != nil {
		return false, fmt.Errorf("prospect: advance: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scan(row pgx.Row) (Prospect, error) {
	var p Prospect
	err := row.Scan(&p.ID, &p.Domain, &p.CompanyName, &p.Industry, &p.EmployeeRange, &p.City, &p.Country, &p.Status,
		&p.ResearchRunID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}
