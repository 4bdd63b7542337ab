package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrRunNotFound is returned when no research run matches.
	ErrRunNotFound = errors.New("quality: research run not found")
	// ErrProspectNotFound is returned when the prospect does not exist.
	ErrProspectNotFound = errors.New("quality: prospect not found")
	// ErrInvalidDraft flags adapter output that cannot be stored.
	ErrInvalidDraft = errors.New("quality: invalid evidence draft")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListEvidence returns every evidence item for a prospect, oldest first.
func (r *Repository) ListEvidence(ctx context.Context, prospectID string) ([]EvidenceItem, error) {
	const query = `
		SELECT id, prospect_id, research_run_id, source_type, source_url, snippet, workflow_tag,
		       confidence_score::float8, ai_relevance::float8, metadata, created_at
		FROM evidence_items
		WHERE prospect_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, prospectID)
	if err != nil {
		return nil, fmt.Errorf("quality: list evidence: %w", err)
	}
	defer rows.Close()

	items := make([]EvidenceItem, 0, 16)
	for rows.Next() {
		var (
			item EvidenceItem
			meta []byte
		)
		if err := rows.Scan(&item.ID, &item.ProspectID, &item.ResearchRunID, &item.SourceType, &item.SourceURL,
			&item.Snippet, &item.WorkflowTag, &item.ConfidenceScore, &item.AIRelevance, &meta, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("quality: scan evidence: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Metadata); err != nil {
				return nil, fmt.Errorf("quality: decode evidence metadata: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quality: iterate evidence: %w", err)
	}
	return items, nil
}

// CurrentRun loads the research run referenced by the prospect. A prospect
// without a run yields (nil, nil).
func (r *Repository) CurrentRun(ctx context.Context, prospectID string) (*ResearchRun, error) {
	if !validID(prospectID) {
		return nil, ErrProspectNotFound
	}
	var runID *string
	if err := r.pool.QueryRow(ctx, `SELECT research_run_id::text FROM prospects WHERE id = $1`, prospectID).Scan(&runID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProspectNotFound
		}
		return nil, fmt.Errorf("quality: load prospect run: %w", err)
	}
	if runID == nil {
		return nil, nil
	}
	run, err := scanRun(r.pool.QueryRow(ctx, selectRunSQL+` WHERE id = $1`, *runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("quality: load run: %w", err)
	}
	return &run, nil
}

// SetApproval records an admin review of the run.
func (r *Repository) SetApproval(ctx context.Context, tx pgx.Tx, runID string, approved bool, reviewerID string) (ResearchRun, error) {
	if !validID(runID) {
		return ResearchRun{}, ErrRunNotFound
	}
	var reviewer any
	if reviewerID != "" {
		reviewer = reviewerID
	}
	const query = `
		UPDATE research_runs
		SET quality_approved = $2,
		    quality_reviewed_by = $3::uuid,
		    quality_reviewed_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING id, prospect_id, status, quality_approved, quality_reviewed_by::text, quality_reviewed_at, created_at, updated_at
	`
	run, err := scanRun(tx.QueryRow(ctx, query, runID, approved, reviewer))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ResearchRun{}, ErrRunNotFound
		}
		return ResearchRun{}, fmt.Errorf("quality: set approval: %w", err)
	}
	return run, nil
}

// InsertDrafts persists adapter output for a run. Confidence and relevance
// are clamped to [0,1]; drafts without a snippet or with an unknown source
// type are rejected.
func (r *Repository) InsertDrafts(ctx context.Context, tx pgx.Tx, prospectID, runID string, drafts []EvidenceDraft) (int, error) {
	if !validID(prospectID) {
		return 0, ErrProspectNotFound
	}
	if !validID(runID) {
		return 0, fmt.Errorf("%w: research run id %q", ErrInvalidDraft, runID)
	}
	inserted := 0
	for i, d := range drafts {
		if !d.SourceType.Valid() {
			return inserted, fmt.Errorf("%w: draft %d source type %q", ErrInvalidDraft, i, d.SourceType)
		}
		if strings.TrimSpace(d.Snippet) == "" {
			return inserted, fmt.Errorf("%w: draft %d empty snippet", ErrInvalidDraft, i)
		}
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		body, err := json.Marshal(meta)
		if err != nil {
			return inserted, fmt.Errorf("quality: marshal draft metadata: %w", err)
		}
		var relevance any
		if d.AIRelevance != nil {
			relevance = clamp01(*d.AIRelevance)
		}
		const insertSQL = `
			INSERT INTO evidence_items (prospect_id, research_run_id, source_type, source_url, snippet, workflow_tag,
			                            confidence_score, ai_relevance, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
		`
		if _, err := tx.Exec(ctx, insertSQL, prospectID, runID, string(d.SourceType), d.SourceURL,
			strings.TrimSpace(d.Snippet), strings.TrimSpace(d.WorkflowTag), clamp01(d.ConfidenceScore), relevance, body); err != nil {
			return inserted, fmt.Errorf("quality: insert evidence: %w", err)
		}
		inserted++
	}
	return inserted, nil
}

const selectRunSQL = `
	SELECT id, prospect_id, status, quality_approved, quality_reviewed_by::text, quality_reviewed_at, created_at, updated_at
	FROM research_runs`

func scanRun(row pgx.Row) (ResearchRun, error) {
	var run ResearchRun
	err := row.Scan(&run.ID, &run.ProspectID, &run.Status, &run.QualityApproved, &run.QualityReviewedBy,
		&run.QualityReviewedAt, &run.CreatedAt, &run.UpdatedAt)
	return run, err
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
