package outreach

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"prospectflow/contact"
	"prospectflow/db"
)

var (
	// ErrEmailBlocked is returned when the destination fails assessment.
	ErrEmailBlocked = errors.New("outreach: destination email blocked")
	// ErrEmptySubject and ErrEmptyBody reject content before any side effect.
	ErrEmptySubject = errors.New("outreach: empty subject")
	ErrEmptyBody    = errors.New("outreach: empty body")
	// ErrContactOptedOut is returned for sends to a suppressed contact.
	ErrContactOptedOut = errors.New("outreach: contact opted out")
)

// ContactStore is the contact access the send pipeline needs.
type ContactStore interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, id string) (contact.Contact, error)
	RecordSend(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
}

// LogStore persists send attempts.
type LogStore interface {
	InsertLog(ctx context.Context, tx pgx.Tx, l *Log) error
}

// Gate refuses outreach for prospects whose evidence is not good enough.
type Gate interface {
	CheckOutreachAllowed(ctx context.Context, prospectID string) error
}

// UnsubscribeLinker builds the signed one-click link for a contact.
type UnsubscribeLinker interface {
	UnsubscribeURL(baseURL, contactID, email string) string
}

// Identity is the sender identity and the footer printed in every message.
type Identity struct {
	From          string
	ReplyTo       string
	PublicURL     string
	CompanyName   string
	PostalAddress string
}

type Sender struct {
	pool     db.TxBeginner
	contacts ContactStore
	logs     LogStore
	gate     Gate
	links    UnsubscribeLinker
	mailer   Mailer
	identity Identity
	timeout  time.Duration
	log      *slog.Logger
	now      func() time.Time
	idGen    func() string
}

func NewSender(pool db.TxBeginner, contacts ContactStore, logs LogStore, gate Gate, links UnsubscribeLinker,
	mailer Mailer, identity Identity, timeout time.Duration, log *slog.Logger) *Sender {
	return &Sender{
		pool:     pool,
		contacts: contacts,
		logs:     logs,
		gate:     gate,
		links:    links,
		mailer:   mailer,
		identity: identity,
		timeout:  timeout,
		log:      log.With("module", "outreach"),
		now:      time.Now,
		idGen:    uuid.NewString,
	}
}

// WithClock overrides the time source (tests).
func (s *Sender) WithClock(now func() time.Time) *Sender {
	s.now = now
	return s
}

// WithIDGenerator overrides log id generation (tests).
func (s *Sender) WithIDGenerator(gen func() string) *Sender {
	s.idGen = gen
	return s
}

// Send runs the pipeline in its own transaction.
func (s *Sender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SendResult{}, fmt.Errorf("outreach: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.SendTx(ctx, tx, req)
	if err != nil {
		return SendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SendResult{}, fmt.Errorf("outreach: commit send: %w", err)
	}
	return res, nil
}

// SendTx runs the pipeline inside tx. The contact row stays locked from the
// opt-out check through dispatch until tx ends, so a suppression committed
// first always wins. Provider failures come back as a failed result with a
// nil error; the caller commits either way so the attempt is on record.
func (s *Sender) SendTx(ctx context.Context, tx pgx.Tx, req SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return SendResult{}, ErrEmptySubject
	}
	if strings.TrimSpace(req.HTML) == "" && strings.TrimSpace(req.Text) == "" {
		return SendResult{}, ErrEmptyBody
	}

	// An explicit recipient is assessed before any row is touched.
	explicit := strings.TrimSpace(req.To) != ""
	var assessment EmailAssessment
	if explicit {
		assessment = AssessEmail(req.To)
		if err := deliverable(assessment); err != nil {
			return SendResult{}, err
		}
	}

	c, err := s.contacts.LockForUpdate(ctx, tx, req.ContactID)
	if err != nil {
		return SendResult{}, err
	}
	if c.OptedOut() {
		return SendResult{}, ErrContactOptedOut
	}

	if !explicit {
		assessment = AssessEmail(c.Email)
		if err := deliverable(assessment); err != nil {
			return SendResult{}, err
		}
	}

	prospectID := req.ProspectID
	if prospectID == "" && c.ProspectID != nil {
		prospectID = *c.ProspectID
	}
	if prospectID != "" && s.gate != nil {
		if err := s.gate.CheckOutreachAllowed(ctx, prospectID); err != nil {
			return SendResult{}, err
		}
	}

	unsubscribeURL := s.links.UnsubscribeURL(s.identity.PublicURL, c.ID, c.Email)
	htmlBody, textBody := s.withFooter(req.HTML, req.Text, unsubscribeURL)

	msg := Message{
		From:    s.identity.From,
		To:      assessment.Address,
		ReplyTo: s.identity.ReplyTo,
		Subject: req.Subject,
		HTML:    htmlBody,
		Text:    textBody,
		Headers: map[string]string{
			"List-Unsubscribe":      "<" + unsubscribeURL + ">",
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		},
		IdempotencyKey: req.IdempotencyKey,
	}

	dispatchCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	providerID, sendErr := s.mailer.Send(dispatchCtx, msg)
	cancel()

	now := s.now().UTC()
	entry := &Log{
		ID:        s.idGen(),
		ContactID: c.ID,
		Channel:   ChannelEmail,
		Type:      req.Type,
		Subject:   req.Subject,
		BodyHTML:  htmlBody,
		BodyText:  textBody,
		Metadata:  copyMetadata(req.Metadata),
	}
	if entry.Type == "" {
		entry.Type = "manual"
	}
	entry.ProspectID = optional(prospectID)
	entry.SequenceID = optional(req.SequenceID)
	entry.StepID = optional(req.StepID)
	entry.Metadata["email_verdict"] = string(assessment.Verdict)
	if req.IdempotencyKey != "" {
		entry.Metadata["idempotency_key"] = req.IdempotencyKey
	}

	res := SendResult{LogID: entry.ID, EmailVerdict: assessment.Verdict}
	if sendErr != nil {
		entry.Status = LogFailed
		entry.Metadata["error"] = sendErr.Error()
		res.Status = LogFailed
		res.Error = sendErr.Error()
		s.log.Warn("email dispatch failed", "contact_id", c.ID, "step_id", req.StepID, "err", sendErr)
	} else {
		entry.Status = LogSent
		entry.SentAt = &now
		entry.Metadata["provider_message_id"] = providerID
		res.Status = LogSent
		res.ProviderMessageID = providerID
	}

	if err := s.logs.InsertLog(ctx, tx, entry); err != nil {
		return SendResult{}, err
	}
	if res.Sent() {
		if err := s.contacts.RecordSend(ctx, tx, c.ID, now); err != nil {
			return SendResult{}, err
		}
	}
	return res, nil
}

func (s *Sender) withFooter(htmlBody, textBody, unsubscribeURL string) (string, string) {
	identity := strings.TrimSpace(strings.Join(nonEmpty(s.identity.CompanyName, s.identity.PostalAddress), ", "))

	var tb strings.Builder
	tb.WriteString(strings.TrimRight(textBody, "\n"))
	tb.WriteString("\n\n--\n")
	if identity != "" {
		tb.WriteString(identity)
		tb.WriteString("\n")
	}
	tb.WriteString("Unsubscribe: ")
	tb.WriteString(unsubscribeURL)
	tb.WriteString("\n")

	var hb strings.Builder
	if strings.TrimSpace(htmlBody) == "" {
		hb.WriteString("<p>")
		hb.WriteString(strings.ReplaceAll(html.EscapeString(strings.TrimSpace(textBody)), "\n", "<br>"))
		hb.WriteString("</p>")
	} else {
		hb.WriteString(htmlBody)
	}
	hb.WriteString(`<hr><p style="font-size:12px;color:#666">`)
	if identity != "" {
		hb.WriteString(html.EscapeString(identity))
		hb.WriteString("<br>")
	}
	hb.WriteString(`<a href="`)
	hb.WriteString(html.EscapeString(unsubscribeURL))
	hb.WriteString(`">Unsubscribe</a></p>`)

	return hb.String(), tb.String()
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonEmpty(values ...string) []string {
	out := values[:0:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}

func deliverable(a EmailAssessment) error {
	if a.Verdict != EmailBlocked {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrEmailBlocked, strings.Join(a.Reasons, ", "))
}
