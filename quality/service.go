package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"prospectflow/db"
	"prospectflow/outbox"
)

// ErrOutreachBlocked is returned when the gate refuses outreach for a prospect.
var ErrOutreachBlocked = errors.New("quality: outreach blocked by evidence gate")

// Store is the data access the service needs.
type Store interface {
	ListEvidence(ctx context.Context, prospectID string) ([]EvidenceItem, error)
	CurrentRun(ctx context.Context, prospectID string) (*ResearchRun, error)
	SetApproval(ctx context.Context, tx pgx.Tx, runID string, approved bool, reviewerID string) (ResearchRun, error)
	InsertDrafts(ctx context.Context, tx pgx.Tx, prospectID, runID string, drafts []EvidenceDraft) (int, error)
}

type Service struct {
	pool   db.TxBeginner
	store  Store
	outbox outbox.Enqueuer
	group  singleflight.Group
	log    *slog.Logger
}

func NewService(pool db.TxBeginner, store Store, out outbox.Enqueuer, log *slog.Logger) *Service {
	return &Service{pool: pool, store: store, outbox: out, log: log.With("module", "quality")}
}

// Assess evaluates the gate for a prospect. Concurrent callers for the same
// prospect share one evaluation.
func (s *Service) Assess(ctx context.Context, prospectID string) (Assessment, error) {
	v, err, _ := s.group.Do(prospectID, func() (any, error) {
		items, err := s.store.ListEvidence(ctx, prospectID)
		if err != nil {
			return nil, err
		}
		run, err := s.store.CurrentRun(ctx, prospectID)
		if err != nil {
			return nil, err
		}
		verdict := Evaluate(items)
		ok, reason := OutreachAllowed(verdict, run)
		return Assessment{
			ProspectID:    prospectID,
			Verdict:       verdict,
			ConfirmedTags: ConfirmedWorkflowTags(items),
			Run:           run,
			OutreachOK:    ok,
			BlockedReason: reason,
		}, nil
	})
	if err != nil {
		return Assessment{}, err
	}
	return v.(Assessment), nil
}

// Evidence lists the stored evidence of a prospect.
func (s *Service) Evidence(ctx context.Context, prospectID string) ([]EvidenceItem, error) {
	return s.store.ListEvidence(ctx, prospectID)
}

// CheckOutreachAllowed returns ErrOutreachBlocked (wrapped with the reason)
// unless the prospect's evidence passes the gate.
func (s *Service) CheckOutreachAllowed(ctx context.Context, prospectID string) error {
	a, err := s.Assess(ctx, prospectID)
	if err != nil {
		return err
	}
	if !a.OutreachOK {
		return fmt.Errorf("%w: %s (%s)", ErrOutreachBlocked, a.BlockedReason, a.Verdict.Level)
	}
	return nil
}

// Approve records an admin decision on an AMBER run.
func (s *Service) Approve(ctx context.Context, runID string, approved bool, reviewerID string) (ResearchRun, error) {
	if runID == "" {
		return ResearchRun{}, fmt.Errorf("quality: missing run id")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ResearchRun{}, fmt.Errorf("quality: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	run, err := s.store.SetApproval(ctx, tx, runID, approved, reviewerID)
	if err != nil {
		return ResearchRun{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicRunQualityReview, map[string]any{
		"research_run_id": run.ID,
		"prospect_id":     run.ProspectID,
		"approved":        approved,
		"reviewer_id":     reviewerID,
	}); err != nil {
		return ResearchRun{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ResearchRun{}, fmt.Errorf("quality: commit approval: %w", err)
	}
	s.log.Info("quality review recorded", "research_run_id", run.ID, "approved", approved)
	return run, nil
}

// RecordEvidence stores enrichment adapter output in one transaction.
func (s *Service) RecordEvidence(ctx context.Context, prospectID, runID string, drafts []EvidenceDraft) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("quality: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := s.store.InsertDrafts(ctx, tx, prospectID, runID, drafts)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("quality: commit evidence: %w", err)
	}
	return n, nil
}
