package cadence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prospectflow/contact"
	"prospectflow/db/dbtest"
	"prospectflow/logging"
	"prospectflow/outreach"
	"prospectflow/quality"
)

type fixture struct {
	svc        *Service
	store      *memStore
	logs       *memLogs
	dispatcher *scriptedDispatcher
	outbox     *recordingOutbox
	pool       *dbtest.FakePool
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      newMemStore(),
		logs:       &memLogs{byStep: map[string]outreach.Log{}},
		dispatcher: &scriptedDispatcher{},
		outbox:     &recordingOutbox{},
		pool:       &dbtest.FakePool{},
		now:        time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
	n := 0
	f.svc = NewService(f.pool, f.store, f.logs, f.dispatcher, f.outbox,
		Policy{BatchSize: 10, MaxAttempts: 2, RetryBackoff: time.Hour}, logging.Discard()).
		WithClock(func() time.Time { return f.now }).
		WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%02d", n) })
	return f
}

// threeStep creates and enqueues a sequence: email now, email +3d, call +7d.
func (f *fixture) threeStep(t *testing.T) Sequence {
	t.Helper()
	seq, err := f.svc.Create(context.Background(), NewSequence{
		ContactID:  "c1",
		ProspectID: "p1",
		Steps: []StepDraft{
			{Subject: "Intro", BodyText: "Hoi"},
			{DelayDays: 3, Subject: "Follow-up", BodyText: "Nog even"},
			{Channel: outreach.ChannelCall, DelayDays: 7, Subject: "Bellen"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.Enqueue(context.Background(), seq.ID))
	return seq
}

func (f *fixture) step(seqID string, order int) *Step {
	return f.store.stepsOf(seqID)[order-1]
}

func TestEnqueue_QueuesFirstStep(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)

	assert.Equal(t, SequenceQueued, f.store.seqs[seq.ID].Status)
	first := f.step(seq.ID, 1)
	assert.Equal(t, StepQueued, first.Status)
	assert.Equal(t, f.now, *first.DueAt)
	assert.Equal(t, StepDrafted, f.step(seq.ID, 2).Status)

	err := f.svc.Enqueue(context.Background(), seq.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEnqueue_RefusesOptedOutContact(t *testing.T) {
	f := newFixture(t)
	seq, err := f.svc.Create(context.Background(), NewSequence{ContactID: "c1", Steps: []StepDraft{{Subject: "x", BodyText: "y"}}})
	require.NoError(t, err)
	f.store.contacts["c1"] = contact.StatusOptedOut

	require.ErrorIs(t, f.svc.Enqueue(context.Background(), seq.ID), ErrContactOptedOut)
	assert.Equal(t, SequenceDrafted, f.store.seqs[seq.ID].Status)
}

func TestSweep_FullCadence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seq := f.threeStep(t)

	sum, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Processed: 1, Sent: 1}, sum)
	require.Len(t, f.dispatcher.requests, 1)
	req := f.dispatcher.requests[0]
	assert.Equal(t, "step:"+f.step(seq.ID, 1).ID, req.IdempotencyKey)
	assert.Equal(t, "p1", req.ProspectID)
	assert.Equal(t, SequenceActive, f.store.seqs[seq.ID].Status)
	assert.Equal(t, StepSent, f.step(seq.ID, 1).Status)
	second := f.step(seq.ID, 2)
	assert.Equal(t, StepQueued, second.Status)
	assert.Equal(t, f.now.AddDate(0, 0, 3), *second.DueAt)

	// Nothing due yet.
	sum, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Processed)

	f.now = f.now.AddDate(0, 0, 3)
	sum, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Sent)

	f.now = f.now.AddDate(0, 0, 7)
	sum, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.CallTasks)
	require.Len(t, f.logs.calls, 1)
	call := f.logs.calls[0]
	assert.Equal(t, outreach.LogTouchOpen, call.Status)
	assert.Equal(t, outreach.ChannelCall, call.Channel)
	assert.Equal(t, "cadence_step:"+f.step(seq.ID, 3).ID, call.Metadata["trigger_source"])

	closed := f.store.seqs[seq.ID]
	assert.Equal(t, SequenceClosedLost, closed.Status)
	assert.Equal(t, ReasonCompleted, closed.CloseReason)
	assert.Len(t, f.dispatcher.requests, 2)
	assert.Contains(t, f.outbox.topics, "sequence.closed")
}

func TestSweep_ReconcilesExistingSentLog(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	first := f.step(seq.ID, 1)
	sentAt := f.now.Add(-time.Minute)
	f.logs.byStep[first.ID] = outreach.Log{ID: "log-earlier", SentAt: &sentAt}

	sum, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reconciled)
	assert.Empty(t, f.dispatcher.requests, "must not dispatch twice")
	assert.Equal(t, StepSent, first.Status)
	assert.Equal(t, "log-earlier", *first.LogID)
	assert.Equal(t, sentAt, *first.SentAt)
}

func TestSweep_FailedDispatchRetriesThenCloses(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	f.dispatcher.results = []outreach.SendResult{
		{LogID: "l1", Status: outreach.LogFailed, Error: "timeout"},
		{LogID: "l2", Status: outreach.LogFailed, Error: "timeout"},
	}
	committed := f.pool.Committed()

	sum, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Processed: 1, Failed: 1}, sum)
	first := f.step(seq.ID, 1)
	assert.Equal(t, StepQueued, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "timeout", first.LastError)
	assert.Equal(t, f.now.Add(time.Hour), *first.DueAt)
	assert.Equal(t, committed+1, f.pool.Committed(), "failed attempt is committed so its log survives")

	f.now = f.now.Add(time.Hour)
	sum, err = f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, SequenceClosedLost, f.store.seqs[seq.ID].Status)
	assert.Equal(t, ReasonDeliveryFailed, f.store.seqs[seq.ID].CloseReason)
	for _, st := range f.store.stepsOf(seq.ID) {
		assert.False(t, st.Status.Open(), "step %d left open", st.StepOrder)
	}
}

func TestSweep_OptedOutContactClosesWithoutDispatch(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	f.store.contacts["c1"] = contact.StatusOptedOut

	sum, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)
	assert.Empty(t, f.dispatcher.requests)
	assert.Equal(t, ReasonOptedOut, f.store.seqs[seq.ID].CloseReason)
	assert.Equal(t, StepClosedLost, f.step(seq.ID, 1).Status)
}

func TestSweep_OptOutRacedInAtDispatch(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	f.dispatcher.errs = []error{outreach.ErrContactOptedOut}

	sum, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Closed)
	assert.Equal(t, SequenceClosedLost, f.store.seqs[seq.ID].Status)
}

func TestSweep_QualityGateDefersStep(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	f.dispatcher.errs = []error{fmt.Errorf("%w: amber", quality.ErrOutreachBlocked)}

	sum, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Processed: 1, Blocked: 1}, sum)
	first := f.step(seq.ID, 1)
	assert.Equal(t, StepQueued, first.Status)
	assert.Zero(t, first.Attempts)
	assert.Equal(t, f.now.Add(time.Hour), *first.DueAt)
}

func TestSweep_StoreErrorSkipsStepAndContinues(t *testing.T) {
	f := newFixture(t)
	f.threeStep(t)
	f.dispatcher.errs = []error{errors.New("conn reset")}

	sum, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{Processed: 1, Errors: 1}, sum)
	assert.Len(t, f.dispatcher.requests, 1)
	assert.True(t, f.pool.Last().Rolled)
}

func TestSweep_IgnoresBookingSequences(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	tx, _ := f.pool.Begin(context.Background())
	require.NoError(t, f.svc.MarkBookingTx(context.Background(), tx, seq.ID))
	assert.Equal(t, SequenceBooking, f.store.seqs[seq.ID].Status)

	sum, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Processed)
	assert.Contains(t, f.outbox.topics, "sequence.booking")
}

func TestCloseTx_CascadesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	ctx := context.Background()

	changed, err := f.svc.Close(ctx, seq.ID, SequenceClosedLost, ReasonNotFit)
	require.NoError(t, err)
	assert.True(t, changed)
	for _, st := range f.store.stepsOf(seq.ID) {
		assert.Equal(t, StepClosedLost, st.Status)
	}

	changed, err = f.svc.Close(ctx, seq.ID, SequenceClosedLost, ReasonNotFit)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = f.svc.Close(ctx, seq.ID, SequenceActive, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDeferTx_PushesQueuedStep(t *testing.T) {
	f := newFixture(t)
	seq := f.threeStep(t)
	tx, _ := f.pool.Begin(context.Background())

	dueAt, err := f.svc.DeferTx(context.Background(), tx, seq.ID, 30)
	require.NoError(t, err)
	assert.Equal(t, f.now.AddDate(0, 0, 30), dueAt)
	assert.Equal(t, dueAt, *f.step(seq.ID, 1).DueAt)

	_, err = f.svc.DeferTx(context.Background(), tx, seq.ID, 0)
	require.Error(t, err)
}

func TestDeferTx_OnlyWorkingSequences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tx, _ := f.pool.Begin(ctx)

	drafted, err := f.svc.Create(ctx, NewSequence{ContactID: "c2", ProspectID: "p1", Steps: []StepDraft{{Subject: "Intro", BodyText: "Hoi"}}})
	require.NoError(t, err)
	_, err = f.svc.DeferTx(ctx, tx, drafted.ID, 14)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, SequenceDrafted, f.store.seqs[drafted.ID].Status)

	booking := f.threeStep(t)
	require.NoError(t, f.svc.MarkBookingTx(ctx, tx, booking.ID))
	_, err = f.svc.DeferTx(ctx, tx, booking.ID, 14)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, SequenceBooking, f.store.seqs[booking.ID].Status)
}
