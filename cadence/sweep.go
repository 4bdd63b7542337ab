package cadence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"prospectflow/contact"
	"prospectflow/outbox"
	"prospectflow/outreach"
	"prospectflow/quality"
)

type outcome int

const (
	outcomeNone outcome = iota
	outcomeSent
	outcomeFailed
	outcomeReconciled
	outcomeCallTask
	outcomeBlocked
	outcomeClosed
)

// Sweep advances due steps, one transaction per step, until nothing is due or
// the batch is exhausted. Concurrent sweeps never claim the same step.
func (s *Service) Sweep(ctx context.Context) (SweepSummary, error) {
	var (
		summary SweepSummary
		skip    []string
	)
	for summary.Processed < s.policy.BatchSize {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		stepID, result, err := s.processNext(ctx, skip)
		if err != nil {
			if stepID == "" {
				return summary, err
			}
			summary.Processed++
			summary.Errors++
			skip = append(skip, stepID)
			s.log.Error("sweep step failed", "step_id", stepID, "err", err)
			continue
		}
		if stepID == "" {
			break
		}
		summary.Processed++
		switch result {
		case outcomeSent:
			summary.Sent++
		case outcomeFailed:
			summary.Failed++
		case outcomeReconciled:
			summary.Reconciled++
		case outcomeCallTask:
			summary.CallTasks++
		case outcomeBlocked:
			summary.Blocked++
			skip = append(skip, stepID)
		case outcomeClosed:
			summary.Closed++
		}
	}
	s.log.Info("cadence sweep finished",
		"processed", summary.Processed,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"reconciled", summary.Reconciled,
		"blocked", summary.Blocked,
		"closed", summary.Closed,
		"errors", summary.Errors,
	)
	return summary, nil
}

// processNext returns an empty step id when nothing was claimed.
func (s *Service) processNext(ctx context.Context, skip []string) (string, outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", outcomeNone, fmt.Errorf("cadence: begin sweep tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.now().UTC()
	due, ok, err := s.store.ClaimDueStep(ctx, tx, now, skip)
	if err != nil {
		return "", outcomeNone, err
	}
	if !ok {
		return "", outcomeNone, nil
	}

	result, err := s.processStep(ctx, tx, due, now)
	if err != nil {
		return due.Step.ID, outcomeNone, err
	}
	if err := tx.Commit(ctx); err != nil {
		return due.Step.ID, outcomeNone, fmt.Errorf("cadence: commit sweep step: %w", err)
	}
	return due.Step.ID, result, nil
}

func (s *Service) processStep(ctx context.Context, tx pgx.Tx, due DueStep, now time.Time) (outcome, error) {
	seq := Sequence{ID: due.Step.SequenceID, ContactID: due.ContactID, ProspectID: due.ProspectID, Status: due.SequenceState}

	if due.ContactStatus == contact.StatusOptedOut {
		return outcomeClosed, s.closeLocked(ctx, tx, seq, SequenceClosedLost, ReasonOptedOut)
	}

	// A previous sweep may have dispatched and logged this step before
	// failing to advance it.
	existing, found, err := s.logs.FindSentForStep(ctx, tx, due.Step.ID)
	if err != nil {
		return outcomeNone, err
	}
	if found {
		sentAt := now
		if existing.SentAt != nil {
			sentAt = *existing.SentAt
		}
		if err := s.advance(ctx, tx, due, seq, existing.ID, sentAt, now); err != nil {
			return outcomeNone, err
		}
		s.log.Warn("reconciled step with existing sent log", "step_id", due.Step.ID, "log_id", existing.ID)
		return outcomeReconciled, nil
	}

	if due.Step.Channel == outreach.ChannelCall {
		return s.openCallTask(ctx, tx, due, seq, now)
	}

	req := outreach.SendRequest{
		ContactID:      due.ContactID,
		SequenceID:     due.Step.SequenceID,
		StepID:         due.Step.ID,
		Subject:        due.Step.Subject,
		HTML:           due.Step.BodyHTML,
		Text:           due.Step.BodyText,
		Type:           "cadence_step",
		Metadata:       map[string]any{"step_order": due.Step.StepOrder},
		IdempotencyKey: stepIdempotencyKey(due.Step.ID),
	}
	if due.ProspectID != nil {
		req.ProspectID = *due.ProspectID
	}
	res, err := s.dispatcher.SendTx(ctx, tx, req)
	switch {
	case errors.Is(err, outreach.ErrContactOptedOut):
		return outcomeClosed, s.closeLocked(ctx, tx, seq, SequenceClosedLost, ReasonOptedOut)
	case errors.Is(err, quality.ErrOutreachBlocked):
		if _, err := s.store.RescheduleStep(ctx, tx, due.Step.ID, now.Add(s.policy.RetryBackoff), err.Error(), false); err != nil {
			return outcomeNone, err
		}
		return outcomeBlocked, nil
	case errors.Is(err, outreach.ErrEmailBlocked),
		errors.Is(err, outreach.ErrEmptySubject),
		errors.Is(err, outreach.ErrEmptyBody):
		s.log.Warn("closing undeliverable sequence", "sequence_id", seq.ID, "step_id", due.Step.ID, "err", err)
		return outcomeClosed, s.closeLocked(ctx, tx, seq, SequenceClosedLost, ReasonUndeliverable)
	case err != nil:
		return outcomeNone, err
	}

	if !res.Sent() {
		attempts, err := s.store.RescheduleStep(ctx, tx, due.Step.ID, now.Add(s.policy.RetryBackoff), res.Error, true)
		if err != nil {
			return outcomeNone, err
		}
		s.log.Warn("step dispatch failed", "step_id", due.Step.ID, "attempts", attemptsNote(attempts, s.policy.MaxAttempts))
		if attempts >= s.policy.MaxAttempts {
			if err := s.closeLocked(ctx, tx, seq, SequenceClosedLost, ReasonDeliveryFailed); err != nil {
				return outcomeNone, err
			}
		}
		return outcomeFailed, nil
	}

	if err := s.advance(ctx, tx, due, seq, res.LogID, now, now); err != nil {
		return outcomeNone, err
	}
	return outcomeSent, nil
}

func (s *Service) openCallTask(ctx context.Context, tx pgx.Tx, due DueStep, seq Sequence, now time.Time) (outcome, error) {
	seqID, stepID := due.Step.SequenceID, due.Step.ID
	entry := &outreach.Log{
		ID:         s.idGen(),
		ContactID:  due.ContactID,
		ProspectID: due.ProspectID,
		SequenceID: &seqID,
		StepID:     &stepID,
		Channel:    outreach.ChannelCall,
		Type:       "cadence_call",
		Status:     outreach.LogTouchOpen,
		Subject:    due.Step.Subject,
		BodyText:   due.Step.BodyText,
		Metadata:   map[string]any{"trigger_source": callTrigger(stepID), "step_order": due.Step.StepOrder},
	}
	if err := s.logs.InsertLog(ctx, tx, entry); err != nil {
		return outcomeNone, err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicCallTaskCreated, map[string]any{
		"log_id":         entry.ID,
		"contact_id":     due.ContactID,
		"sequence_id":    seqID,
		"trigger_source": callTrigger(stepID),
	}); err != nil {
		return outcomeNone, err
	}
	if err := s.advance(ctx, tx, due, seq, entry.ID, now, now); err != nil {
		return outcomeNone, err
	}
	return outcomeCallTask, nil
}

// advance marks the step done, activates the sequence and queues the next
// step, closing the sequence after its last step.
func (s *Service) advance(ctx context.Context, tx pgx.Tx, due DueStep, seq Sequence, logID string, sentAt, now time.Time) error {
	if err := s.store.MarkStepSent(ctx, tx, due.Step.ID, logID, sentAt); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicStepSent, map[string]any{
		"step_id":     due.Step.ID,
		"sequence_id": seq.ID,
		"log_id":      logID,
		"channel":     string(due.Step.Channel),
	}); err != nil {
		return err
	}
	queued, err := s.store.QueueNextStep(ctx, tx, seq.ID, due.Step.StepOrder, now)
	if err != nil {
		return err
	}
	if !queued {
		return s.closeLocked(ctx, tx, seq, SequenceClosedLost, ReasonCompleted)
	}
	if seq.Status != SequenceActive {
		return s.store.SetSequenceStatus(ctx, tx, seq.ID, SequenceActive)
	}
	return nil
}
