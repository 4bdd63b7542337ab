// Package outbox appends domain events to the transactional outbox table so
// they commit or roll back together with the state change they describe.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	TopicContactOptedOut  = "contact.opted_out"
	TopicSequenceClosed   = "sequence.closed"
	TopicSequenceBooking  = "sequence.booking"
	TopicReplyCaptured    = "reply.captured"
	TopicCallTaskCreated  = "call_task.created"
	TopicStepSent         = "step.sent"
	TopicRunQualityReview = "research_run.quality_reviewed"
)

// Enqueuer is the dependency services accept; Writer is the Postgres implementation.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
