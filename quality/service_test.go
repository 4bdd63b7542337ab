package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prospectflow/db/dbtest"
	"prospectflow/logging"
)

type fakeStore struct {
	items     []EvidenceItem
	run       *ResearchRun
	listErr   error
	approvals int
	drafts    []EvidenceDraft
}

func (f *fakeStore) ListEvidence(context.Context, string) ([]EvidenceItem, error) {
	return f.items, f.listErr
}

func (f *fakeStore) CurrentRun(context.Context, string) (*ResearchRun, error) {
	return f.run, nil
}

func (f *fakeStore) SetApproval(_ context.Context, _ pgx.Tx, runID string, approved bool, reviewerID string) (ResearchRun, error) {
	if runID == "missing" {
		return ResearchRun{}, ErrRunNotFound
	}
	f.approvals++
	f.run = &ResearchRun{ID: runID, ProspectID: "p1", QualityApproved: &approved, QualityReviewedBy: &reviewerID}
	return *f.run, nil
}

func (f *fakeStore) InsertDrafts(_ context.Context, _ pgx.Tx, _, _ string, drafts []EvidenceDraft) (int, error) {
	f.drafts = append(f.drafts, drafts...)
	return len(drafts), nil
}

type fakeOutbox struct {
	topics []string
}

func (f *fakeOutbox) Enqueue(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

func amberItems() []EvidenceItem {
	return items(SourceWebsite, SourceWebsite, SourceNews)
}

func TestCheckOutreachAllowed_AmberNeedsApproval(t *testing.T) {
	store := &fakeStore{items: amberItems(), run: &ResearchRun{ID: "r1"}}
	pool := &dbtest.FakePool{}
	out := &fakeOutbox{}
	svc := NewService(pool, store, out, logging.Discard())

	err := svc.CheckOutreachAllowed(context.Background(), "p1")
	require.ErrorIs(t, err, ErrOutreachBlocked)

	_, err = svc.Approve(context.Background(), "r1", true, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"research_run.quality_reviewed"}, out.topics)
	assert.Equal(t, 1, pool.Committed())

	require.NoError(t, svc.CheckOutreachAllowed(context.Background(), "p1"))
}

func TestCheckOutreachAllowed_RedIgnoresApproval(t *testing.T) {
	yes := true
	store := &fakeStore{items: items(SourceWebsite), run: &ResearchRun{ID: "r1", QualityApproved: &yes}}
	svc := NewService(&dbtest.FakePool{}, store, &fakeOutbox{}, logging.Discard())

	a, err := svc.Assess(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, LevelRed, a.Verdict.Level)
	assert.False(t, a.OutreachOK)
	require.ErrorIs(t, svc.CheckOutreachAllowed(context.Background(), "p1"), ErrOutreachBlocked)
}

func TestAssess_PropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(&dbtest.FakePool{}, &fakeStore{listErr: boom}, &fakeOutbox{}, logging.Discard())
	_, err := svc.Assess(context.Background(), "p1")
	require.ErrorIs(t, err, boom)
}

func TestApprove_RollsBackOnMissingRun(t *testing.T) {
	pool := &dbtest.FakePool{}
	out := &fakeOutbox{}
	svc := NewService(pool, &fakeStore{}, out, logging.Discard())

	_, err := svc.Approve(context.Background(), "missing", true, "admin-1")
	require.ErrorIs(t, err, ErrRunNotFound)
	assert.True(t, pool.Last().Rolled)
	assert.Empty(t, out.topics)
}

func TestRecordEvidence_Commits(t *testing.T) {
	pool := &dbtest.FakePool{}
	store := &fakeStore{}
	svc := NewService(pool, store, &fakeOutbox{}, logging.Discard())

	n, err := svc.RecordEvidence(context.Background(), "p1", "r1", []EvidenceDraft{{SourceType: SourceNews, Snippet: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, pool.Committed())
}
