package engagement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"prospectflow/db"
	"prospectflow/outbox"
)

// CallTaskStore is the persistence CallTaskService needs.
type CallTaskStore interface {
	FindOpenCallTask(ctx context.Context, tx pgx.Tx, prospectID, trigger string) (string, bool, error)
	ResolveContact(ctx context.Context, tx pgx.Tx, prospectID string) (string, bool, error)
	InsertCallTask(ctx context.Context, tx pgx.Tx, id, contactID, prospectID, trigger string, meta map[string]any) (bool, error)
}

type CallTaskService struct {
	pool   db.TxBeginner
	store  CallTaskStore
	outbox outbox.Enqueuer
	log    *slog.Logger
	idGen  func() string
}

func NewCallTaskService(pool db.TxBeginner, store CallTaskStore, out outbox.Enqueuer, log *slog.Logger) *CallTaskService {
	return &CallTaskService{pool: pool, store: store, outbox: out, log: log.With("module", "engagement"), idGen: uuid.NewString}
}

// WithIDGenerator overrides log id generation (tests).
func (s *CallTaskService) WithIDGenerator(gen func() string) *CallTaskService {
	s.idGen = gen
	return s
}

// CreateEngagementCallTask opens at most one call task per prospect and
// trigger source.
func (s *CallTaskService) CreateEngagementCallTask(ctx context.Context, prospectID, trigger string) (CallTaskResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CallTaskResult{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.CreateTx(ctx, tx, prospectID, trigger, nil)
	if err != nil {
		return CallTaskResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return CallTaskResult{}, fmt.Errorf("engagement: commit call task: %w", err)
	}
	return res, nil
}

// CreateTx is CreateEngagementCallTask inside a caller's transaction.
func (s *CallTaskService) CreateTx(ctx context.Context, tx pgx.Tx, prospectID, trigger string, meta map[string]any) (CallTaskResult, error) {
	prospectID, trigger = strings.TrimSpace(prospectID), strings.TrimSpace(trigger)
	if prospectID == "" || trigger == "" {
		return CallTaskResult{Skipped: true, Reason: "missing_prospect_or_trigger"}, nil
	}

	if id, ok, err := s.store.FindOpenCallTask(ctx, tx, prospectID, trigger); err != nil {
		return CallTaskResult{}, err
	} else if ok {
		return CallTaskResult{AlreadyExists: true, LogID: id}, nil
	}

	contactID, ok, err := s.store.ResolveContact(ctx, tx, prospectID)
	if err != nil {
		return CallTaskResult{}, err
	}
	if !ok {
		s.log.Info("call task skipped", "prospect_id", prospectID, "trigger_source", trigger, "reason", "no_contact")
		return CallTaskResult{Skipped: true, Reason: "no_contact"}, nil
	}

	id := s.idGen()
	created, err := s.store.InsertCallTask(ctx, tx, id, contactID, prospectID, trigger, meta)
	if err != nil {
		return CallTaskResult{}, err
	}
	if !created {
		existing, _, err := s.store.FindOpenCallTask(ctx, tx, prospectID, trigger)
		if err != nil {
			return CallTaskResult{}, err
		}
		return CallTaskResult{AlreadyExists: true, LogID: existing, ContactID: contactID}, nil
	}

	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicCallTaskCreated, map[string]any{
		"log_id":         id,
		"prospect_id":    prospectID,
		"contact_id":     contactID,
		"trigger_source": trigger,
	}); err != nil {
		return CallTaskResult{}, err
	}
	return CallTaskResult{Created: true, LogID: id, ContactID: contactID}, nil
}
