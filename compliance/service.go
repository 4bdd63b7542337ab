package compliance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"prospectflow/contact"
	"prospectflow/db"
	"prospectflow/outbox"
)

var (
	// ErrInvalidToken is returned when an unsubscribe token does not verify.
	ErrInvalidToken = errors.New("compliance: invalid unsubscribe token")
	// ErrMissingParams is returned when contact id or token is blank.
	ErrMissingParams = errors.New("compliance: missing contact id or token")
)

// Store applies suppression commands inside a caller's transaction.
type Store interface {
	ApplySuppression(ctx context.Context, tx pgx.Tx, cmd SuppressionCommand) (SuppressionResult, error)
}

// ContactLookup resolves the email a token is bound to.
type ContactLookup interface {
	GetByID(ctx context.Context, id string) (contact.Contact, error)
}

type Service struct {
	pool     db.TxBeginner
	store    Store
	contacts ContactLookup
	signer   *Signer
	outbox   outbox.Enqueuer
	log      *slog.Logger
	now      func() time.Time
}

func NewService(pool db.TxBeginner, store Store, contacts ContactLookup, signer *Signer, out outbox.Enqueuer, log *slog.Logger) *Service {
	return &Service{
		pool:     pool,
		store:    store,
		contacts: contacts,
		signer:   signer,
		outbox:   out,
		log:      log.With("module", "compliance"),
		now:      time.Now,
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Unsubscribe verifies the token against the contact's stored email and
// applies the suppression. Repeating it is harmless.
func (s *Service) Unsubscribe(ctx context.Context, contactID, token string) (SuppressionResult, error) {
	if contactID == "" || token == "" {
		return SuppressionResult{}, ErrMissingParams
	}
	c, err := s.contacts.GetByID(ctx, contactID)
	if err != nil {
		return SuppressionResult{}, err
	}
	if !s.signer.Verify(c.ID, c.Email, token) {
		return SuppressionResult{}, ErrInvalidToken
	}
	return s.Suppress(ctx, SuppressionCommand{ContactID: c.ID, Reason: "unsubscribe link", Source: "unsubscribe"})
}

// Suppress applies cmd in one transaction.
func (s *Service) Suppress(ctx context.Context, cmd SuppressionCommand) (SuppressionResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SuppressionResult{}, fmt.Errorf("compliance: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.SuppressTx(ctx, tx, cmd)
	if err != nil {
		return SuppressionResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SuppressionResult{}, fmt.Errorf("compliance: commit suppression: %w", err)
	}
	s.log.Info("contact suppressed",
		"contact_id", res.ContactID,
		"already_opted_out", res.AlreadyOptedOut,
		"cancelled_logs", res.CancelledLogs,
		"closed_sequences", len(res.ClosedSequences),
		"cancelled_steps", res.CancelledSteps,
	)
	return res, nil
}

// SuppressTx applies cmd inside a caller-owned transaction so reply triage
// can suppress in the same unit as the reply capture.
func (s *Service) SuppressTx(ctx context.Context, tx pgx.Tx, cmd SuppressionCommand) (SuppressionResult, error) {
	if cmd.ContactID == "" {
		return SuppressionResult{}, ErrMissingParams
	}
	if cmd.At.IsZero() {
		cmd.At = s.now().UTC()
	}
	if cmd.Source == "" {
		cmd.Source = "manual"
	}
	res, err := s.store.ApplySuppression(ctx, tx, cmd)
	if err != nil {
		return SuppressionResult{}, err
	}
	if !res.AlreadyOptedOut {
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicContactOptedOut, map[string]any{
			"contact_id":       res.ContactID,
			"source":           cmd.Source,
			"reason":           cmd.Reason,
			"closed_sequences": res.ClosedSequences,
		}); err != nil {
			return SuppressionResult{}, err
		}
	}
	return res, nil
}

// UnsubscribeURL exposes the signer for composing outbound mail.
func (s *Service) UnsubscribeURL(baseURL, contactID, email string) string {
	return s.signer.UnsubscribeURL(baseURL, contactID, email)
}
