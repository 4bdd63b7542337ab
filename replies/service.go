package replies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"prospectflow/cadence"
	"prospectflow/compliance"
	"prospectflow/contact"
	"prospectflow/db"
	"prospectflow/outbox"
)

// Contacts resolves senders and records that they replied.
type Contacts interface {
	FindByEmail(ctx context.Context, email string) (contact.Contact, error)
	MarkReplied(ctx context.Context, tx pgx.Tx, id string) error
}

// Store persists replies.
type Store interface {
	Capture(ctx context.Context, tx pgx.Tx, reply *Reply) (bool, error)
	SetTriage(ctx context.Context, tx pgx.Tx, id string, t Triage) error
}

// Sequences is the cadence surface triage drives.
type Sequences interface {
	ActiveSequenceForContact(ctx context.Context, tx pgx.Tx, contactID, preferredID string) (cadence.Sequence, error)
	DeferTx(ctx context.Context, tx pgx.Tx, sequenceID string, days int) (time.Time, error)
	MarkBookingTx(ctx context.Context, tx pgx.Tx, sequenceID string) error
	CloseTx(ctx context.Context, tx pgx.Tx, sequenceID string, status cadence.SequenceStatus, reason string) (bool, error)
}

// Suppressor applies an opt-out inside the reply transaction.
type Suppressor interface {
	SuppressTx(ctx context.Context, tx pgx.Tx, cmd compliance.SuppressionCommand) (compliance.SuppressionResult, error)
}

// Result is what the inbound webhook reports back.
type Result struct {
	Success   bool    `json:"success"`
	Ignored   bool    `json:"ignored,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Captured  bool    `json:"captured,omitempty"`
	Duplicate bool    `json:"duplicate,omitempty"`
	ReplyID   string  `json:"replyId,omitempty"`
	Triage    *Triage `json:"triage,omitempty"`
	Applied   string  `json:"applied,omitempty"`
}

type Service struct {
	pool              db.TxBeginner
	store             Store
	contacts          Contacts
	sequences         Sequences
	suppressor        Suppressor
	outbox            outbox.Enqueuer
	autoTriageDefault bool
	log               *slog.Logger
	idGen             func() string
}

func NewService(pool db.TxBeginner, store Store, contacts Contacts, sequences Sequences, suppressor Suppressor,
	out outbox.Enqueuer, autoTriageDefault bool, log *slog.Logger) *Service {
	return &Service{
		pool:              pool,
		store:             store,
		contacts:          contacts,
		sequences:         sequences,
		suppressor:        suppressor,
		outbox:            out,
		autoTriageDefault: autoTriageDefault,
		log:               log.With("module", "replies"),
		idGen:             uuid.NewString,
	}
}

// WithIDGenerator overrides reply id generation (tests).
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Ingest captures a normalized reply and, when requested, applies its
// triage. Capture and triage commit together: if applying the triage fails
// nothing is stored and a provider retry starts from scratch. A duplicate is
// acknowledged without being triaged again.
func (s *Service) Ingest(ctx context.Context, in InboundReply) (Result, error) {
	c, err := s.contacts.FindByEmail(ctx, in.FromEmail)
	if errors.Is(err, contact.ErrNotFound) {
		s.log.Info("reply from unknown sender ignored", "provider", in.Provider)
		return Result{Success: true, Ignored: true, Reason: "unknown_sender"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("replies: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var sequenceID string
	seq, err := s.sequences.ActiveSequenceForContact(ctx, tx, c.ID, in.OutreachSequenceID)
	switch {
	case err == nil:
		sequenceID = seq.ID
	case !errors.Is(err, cadence.ErrSequenceNotFound):
		return Result{}, err
	}

	reply := &Reply{
		ID:                s.idGen(),
		ContactID:         c.ID,
		DedupeKey:         DedupeKey(in),
		Provider:          in.Provider,
		ProviderMessageID: in.ProviderMessageID,
		FromEmail:         in.FromEmail,
		Subject:           in.Subject,
		BodyText:          in.BodyText,
		BodyHTML:          in.BodyHTML,
		Source:            in.Source,
		Metadata:          in.Metadata,
	}
	if sequenceID != "" {
		reply.SequenceID = &sequenceID
	}
	duplicate, err := s.store.Capture(ctx, tx, reply)
	if err != nil {
		return Result{}, err
	}
	if duplicate {
		return Result{Success: true, Captured: true, Duplicate: true, ReplyID: reply.ID}, nil
	}

	if err := s.contacts.MarkReplied(ctx, tx, c.ID); err != nil {
		return Result{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicReplyCaptured, map[string]any{
		"reply_id":    reply.ID,
		"contact_id":  c.ID,
		"sequence_id": sequenceID,
	}); err != nil {
		return Result{}, err
	}

	res := Result{Success: true, Captured: true, ReplyID: reply.ID}
	autoTriage := s.autoTriageDefault
	if in.AutoTriage != nil {
		autoTriage = *in.AutoTriage
	}
	if autoTriage {
		t := Classify(in.BodyText)
		applied, err := s.apply(ctx, tx, c.ID, sequenceID, t)
		if err != nil {
			return Result{}, err
		}
		if err := s.store.SetTriage(ctx, tx, reply.ID, t); err != nil {
			return Result{}, err
		}
		res.Triage = &t
		res.Applied = applied
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("replies: commit: %w", err)
	}
	s.log.Info("reply captured", "reply_id", reply.ID, "contact_id", c.ID, "applied", res.Applied)
	return res, nil
}

// apply performs the triage action. State-machine refusals (closed
// sequence, no sequence) are reported as a skip, not an error.
func (s *Service) apply(ctx context.Context, tx pgx.Tx, contactID, sequenceID string, t Triage) (string, error) {
	if t.Action == ActionSuppressContact {
		_, err := s.suppressor.SuppressTx(ctx, tx, compliance.SuppressionCommand{
			ContactID: contactID,
			Reason:    "reply requested stop",
			Source:    "reply",
		})
		if err != nil {
			return "", err
		}
		return string(ActionSuppressContact), nil
	}
	if t.Action == ActionManualReview {
		return string(ActionManualReview), nil
	}
	if sequenceID == "" {
		return "skipped:no_sequence", nil
	}

	var err error
	switch t.Action {
	case ActionDeferSequence:
		_, err = s.sequences.DeferTx(ctx, tx, sequenceID, t.DeferDays)
	case ActionBookTeardown:
		err = s.sequences.MarkBookingTx(ctx, tx, sequenceID)
	case ActionCloseLost:
		_, err = s.sequences.CloseTx(ctx, tx, sequenceID, cadence.SequenceClosedLost, cadence.ReasonNotFit)
	}
	if errors.Is(err, cadence.ErrInvalidTransition) || errors.Is(err, cadence.ErrSequenceNotFound) {
		s.log.Warn("triage action skipped", "sequence_id", sequenceID, "action", t.Action, "err", err)
		return "skipped:" + string(t.Action), nil
	}
	if err != nil {
		return "", err
	}
	return string(t.Action), nil
}
