package cadence

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"prospectflow/contact"
	"prospectflow/outreach"
)

// memStore is an in-memory Store with the same semantics as Repository.
type memStore struct {
	seqs     map[string]*Sequence
	steps    map[string]*Step
	contacts map[string]contact.Status
}

func newMemStore() *memStore {
	return &memStore{seqs: map[string]*Sequence{}, steps: map[string]*Step{}, contacts: map[string]contact.Status{}}
}

func (m *memStore) stepsOf(seqID string) []*Step {
	var out []*Step
	for _, st := range m.steps {
		if st.SequenceID == seqID {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out
}

func (m *memStore) InsertSequence(_ context.Context, _ pgx.Tx, seq *Sequence, steps []Step) error {
	cp := *seq
	m.seqs[seq.ID] = &cp
	for i := range steps {
		st := steps[i]
		m.steps[st.ID] = &st
	}
	if _, ok := m.contacts[seq.ContactID]; !ok {
		m.contacts[seq.ContactID] = contact.StatusNotContacted
	}
	return nil
}

func (m *memStore) LockSequence(_ context.Context, _ pgx.Tx, id string) (Sequence, error) {
	seq, ok := m.seqs[id]
	if !ok {
		return Sequence{}, ErrSequenceNotFound
	}
	return *seq, nil
}

func (m *memStore) ContactOptedOut(_ context.Context, _ pgx.Tx, contactID string) (bool, error) {
	return m.contacts[contactID] == contact.StatusOptedOut, nil
}

func (m *memStore) ClaimDueStep(_ context.Context, _ pgx.Tx, now time.Time, skip []string) (DueStep, bool, error) {
	skipped := map[string]bool{}
	for _, id := range skip {
		skipped[id] = true
	}
	var due []*Step
	for _, st := range m.steps {
		seq := m.seqs[st.SequenceID]
		if st.Status == StepQueued && st.DueAt != nil && !st.DueAt.After(now) && seq.Status.Sweepable() && !skipped[st.ID] {
			due = append(due, st)
		}
	}
	if len(due) == 0 {
		return DueStep{}, false, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(*due[j].DueAt) {
			return due[i].DueAt.Before(*due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	st := due[0]
	seq := m.seqs[st.SequenceID]
	return DueStep{
		Step:          *st,
		ContactID:     seq.ContactID,
		ContactStatus: m.contacts[seq.ContactID],
		ProspectID:    seq.ProspectID,
		SequenceState: seq.Status,
	}, true, nil
}

func (m *memStore) MarkStepSent(_ context.Context, _ pgx.Tx, stepID, logID string, at time.Time) error {
	st := m.steps[stepID]
	st.Status = StepSent
	st.LogID = &logID
	st.SentAt = &at
	st.LastError = ""
	return nil
}

func (m *memStore) RescheduleStep(_ context.Context, _ pgx.Tx, stepID string, dueAt time.Time, lastError string, countAttempt bool) (int, error) {
	st := m.steps[stepID]
	st.DueAt = &dueAt
	st.LastError = lastError
	if countAttempt {
		st.Attempts++
	}
	return st.Attempts, nil
}

func (m *memStore) QueueFirstStep(ctx context.Context, tx pgx.Tx, sequenceID string, now time.Time) (bool, error) {
	return m.QueueNextStep(ctx, tx, sequenceID, 0, now)
}

func (m *memStore) QueueNextStep(_ context.Context, _ pgx.Tx, sequenceID string, afterOrder int, now time.Time) (bool, error) {
	for _, st := range m.stepsOf(sequenceID) {
		if st.StepOrder > afterOrder && st.Status == StepDrafted {
			due := now.AddDate(0, 0, st.DelayDays)
			st.Status = StepQueued
			st.DueAt = &due
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) DeferQueuedStep(_ context.Context, _ pgx.Tx, sequenceID string, dueAt time.Time) (bool, error) {
	var drafted *Step
	for _, st := range m.stepsOf(sequenceID) {
		if st.Status == StepQueued {
			st.DueAt = &dueAt
			return true, nil
		}
		if st.Status == StepDrafted && drafted == nil {
			drafted = st
		}
	}
	if drafted == nil {
		return false, nil
	}
	drafted.Status = StepQueued
	drafted.DueAt = &dueAt
	return true, nil
}

func (m *memStore) SetSequenceStatus(_ context.Context, _ pgx.Tx, id string, status SequenceStatus) error {
	m.seqs[id].Status = status
	return nil
}

func (m *memStore) CloseSequence(_ context.Context, _ pgx.Tx, id string, status SequenceStatus, reason string, at time.Time) (int64, error) {
	seq := m.seqs[id]
	seq.Status = status
	seq.CloseReason = reason
	seq.ClosedAt = &at
	var n int64
	for _, st := range m.stepsOf(id) {
		if st.Status.Open() {
			st.Status = StepClosedLost
			n++
		}
	}
	return n, nil
}

func (m *memStore) ActiveSequenceForContact(_ context.Context, _ pgx.Tx, contactID, preferredID string) (Sequence, error) {
	var best *Sequence
	for _, seq := range m.seqs {
		if seq.ContactID == contactID && !seq.Status.Terminal() {
			if seq.ID == preferredID {
				return *seq, nil
			}
			if best == nil || seq.UpdatedAt.After(best.UpdatedAt) {
				best = seq
			}
		}
	}
	if best == nil {
		return Sequence{}, ErrSequenceNotFound
	}
	return *best, nil
}

type memLogs struct {
	byStep map[string]outreach.Log
	calls  []*outreach.Log
}

func (m *memLogs) FindSentForStep(_ context.Context, _ pgx.Tx, stepID string) (outreach.Log, bool, error) {
	l, ok := m.byStep[stepID]
	return l, ok, nil
}

func (m *memLogs) InsertLog(_ context.Context, _ pgx.Tx, l *outreach.Log) error {
	m.calls = append(m.calls, l)
	return nil
}

type scriptedDispatcher struct {
	requests []outreach.SendRequest
	results  []outreach.SendResult
	errs     []error
}

func (d *scriptedDispatcher) SendTx(_ context.Context, _ pgx.Tx, req outreach.SendRequest) (outreach.SendResult, error) {
	i := len(d.requests)
	d.requests = append(d.requests, req)
	if i < len(d.errs) && d.errs[i] != nil {
		return outreach.SendResult{}, d.errs[i]
	}
	if i < len(d.results) {
		return d.results[i], nil
	}
	return outreach.SendResult{LogID: "log-" + req.StepID, Status: outreach.LogSent, ProviderMessageID: "msg"}, nil
}

type recordingOutbox struct {
	topics []string
}

func (r *recordingOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	r.topics = append(r.topics, topic)
	return nil
}
