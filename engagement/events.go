package engagement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"prospectflow/db"
	"prospectflow/outreach"
	"prospectflow/prospect"
)

// ErrMalformedEvent is returned for bodies that are not a delivery event.
var ErrMalformedEvent = errors.New("engagement: malformed event")

// EventStore claims event ids so redelivered events are applied once.
type EventStore interface {
	ClaimEvent(ctx context.Context, tx pgx.Tx, key string) (bool, error)
}

// Telemetry is the outreach log surface events write to.
type Telemetry interface {
	LockByProviderMessageID(ctx context.Context, tx pgx.Tx, providerMessageID string) (outreach.Log, error)
	MarkOpened(ctx context.Context, tx pgx.Tx, id string, at time.Time) (bool, error)
	AppendClick(ctx context.Context, tx pgx.Tx, id string, click map[string]any) error
}

type ProspectAdvancer interface {
	Advance(ctx context.Context, tx pgx.Tx, id string, next prospect.Status) (bool, error)
}

type CallTasks interface {
	CreateTx(ctx context.Context, tx pgx.Tx, prospectID, trigger string, meta map[string]any) (CallTaskResult, error)
}

// EventService applies open and click events to outreach logs.
type EventService struct {
	pool      db.TxBeginner
	events    EventStore
	logs      Telemetry
	prospects ProspectAdvancer
	calls     CallTasks
	log       *slog.Logger
	now       func() time.Time
}

func NewEventService(pool db.TxBeginner, events EventStore, logs Telemetry, prospects ProspectAdvancer, calls CallTasks, log *slog.Logger) *EventService {
	return &EventService{
		pool:      pool,
		events:    events,
		logs:      logs,
		prospects: prospects,
		calls:     calls,
		log:       log.With("module", "engagement"),
		now:       time.Now,
	}
}

func (s *EventService) WithClock(now func() time.Time) *EventService {
	s.now = now
	return s
}

// HandleDeliveryEvent applies one verified event. eventID is the provider's
// delivery id and is the idempotency key.
func (s *EventService) HandleDeliveryEvent(ctx context.Context, eventID string, body []byte) (EventResult, error) {
	var ev DeliveryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return EventResult{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type != EventOpened && ev.Type != EventClicked {
		return EventResult{Received: true, Ignored: true}, nil
	}
	if ev.Data.EmailID == "" {
		return EventResult{}, fmt.Errorf("%w: missing data.email_id", ErrMalformedEvent)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return EventResult{}, fmt.Errorf("engagement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if eventID != "" {
		fresh, err := s.events.ClaimEvent(ctx, tx, "email-event:"+eventID)
		if err != nil {
			return EventResult{}, err
		}
		if !fresh {
			return EventResult{Received: true, Duplicate: true}, nil
		}
	}

	res := EventResult{Received: true}
	entry, err := s.logs.LockByProviderMessageID(ctx, tx, ev.Data.EmailID)
	switch {
	case errors.Is(err, outreach.ErrLogNotFound):
		s.log.Info("delivery event for unknown message", "email_id", ev.Data.EmailID, "type", ev.Type)
		if err := tx.Commit(ctx); err != nil {
			return EventResult{}, fmt.Errorf("engagement: commit event: %w", err)
		}
		return res, nil
	case err != nil:
		return EventResult{}, err
	}
	res.Matched = true

	at := ev.CreatedAt
	if at.IsZero() {
		at = s.now().UTC()
	}

	if ev.Type == EventClicked {
		click := map[string]any{"at": at}
		if ev.Data.Click != nil {
			click["link"] = ev.Data.Click.Link
			click["user_agent"] = ev.Data.Click.UserAgent
			if !ev.Data.Click.Timestamp.IsZero() {
				click["at"] = ev.Data.Click.Timestamp
			}
		}
		if err := s.logs.AppendClick(ctx, tx, entry.ID, click); err != nil {
			return EventResult{}, err
		}
	}
	// A click implies an open even when the open pixel was blocked.
	if _, err := s.logs.MarkOpened(ctx, tx, entry.ID, at); err != nil {
		return EventResult{}, err
	}

	if ev.Type == EventClicked && entry.ProspectID != nil {
		if _, err := s.prospects.Advance(ctx, tx, *entry.ProspectID, prospect.StatusEngaged); err != nil {
			return EventResult{}, err
		}
		task, err := s.calls.CreateTx(ctx, tx, *entry.ProspectID, TriggerEmailClick, map[string]any{"source_log_id": entry.ID})
		if err != nil {
			return EventResult{}, err
		}
		res.CallTask = &task
	}

	if err := tx.Commit(ctx); err != nil {
		return EventResult{}, fmt.Errorf("engagement: commit event: %w", err)
	}
	return res, nil
}
