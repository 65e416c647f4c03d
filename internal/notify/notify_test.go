package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/storage/sqlite"
	"github.com/steveyegge/bountyd/internal/tracker"
	"github.com/steveyegge/bountyd/internal/types"
)

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store      *sqlite.SQLiteStorage
	tracker    *tracker.Fake
	dispatcher *Dispatcher
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	store.SetClock(func() time.Time { return now })

	cfg := config.Default()
	cfg.Program.ClaimFormURL = "https://example.org/claim"
	fake := tracker.NewFake()
	d := New(store, fake, cfg, nil)
	d.SetClock(func() time.Time { return now })
	return &fixture{store: store, tracker: fake, dispatcher: d}
}

func (f *fixture) save(t *testing.T, issue *types.IssueRecord) {
	t.Helper()
	if issue.ProjectID == "" {
		issue.ProjectID = "https://github.com/o/r"
	}
	if issue.ReviewStatus == "" {
		issue.ReviewStatus = types.ReviewQueue
	}
	require.NoError(t, f.store.SaveIssue(context.Background(), issue))
}

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func TestBudgetApprovedPostedOnce(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/1",
		Budget:       types.Ptr(150),
		ReviewStatus: types.ReviewApprove,
		DateApproved: ago(time.Hour),
	})

	rep, err := f.dispatcher.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)

	posted := f.tracker.PostedTo("https://github.com/o/r/issues/1")
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "$150")

	sent, err := f.store.HasNotification(ctx, "https://github.com/o/r/issues/1", types.NotifyBudgetApproved)
	require.NoError(t, err)
	assert.True(t, sent)

	rep, err = f.dispatcher.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Succeeded)
	assert.Len(t, f.tracker.PostedTo("https://github.com/o/r/issues/1"), 1, "ledger suppresses the repeat")
}

func TestApprovalOutsideLookbackIgnored(t *testing.T) {
	f := setup(t)
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/1",
		Budget:       types.Ptr(150),
		ReviewStatus: types.ReviewApprove,
		DateApproved: ago(10 * 24 * time.Hour),
	})

	_, err := f.dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.tracker.Posted)
}

func TestDeclinedPosted(t *testing.T) {
	f := setup(t)
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/2",
		ReviewStatus: types.ReviewDecline,
		DateDeclined: ago(2 * time.Hour),
	})
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/3",
		ReviewStatus: types.ReviewDecline,
		DateDeclined: ago(30 * 24 * time.Hour),
	})

	_, err := f.dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	posted := f.tracker.PostedTo("https://github.com/o/r/issues/2")
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "wasn't approved")
	assert.Empty(t, f.tracker.PostedTo("https://github.com/o/r/issues/3"))
}

func TestOldDeclinesDoNotCrowdOutFreshOnes(t *testing.T) {
	f := setup(t)
	f.dispatcher.cfg.BatchSize = 3
	// issue ids sort before the fresh one, so a post-limit filter would starve it
	for i := range 5 {
		f.save(t, &types.IssueRecord{
			IssueID:      fmt.Sprintf("https://github.com/o/r/issues/1%d", i),
			ReviewStatus: types.ReviewDecline,
			DateDeclined: ago(30 * 24 * time.Hour),
		})
	}
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/99",
		ReviewStatus: types.ReviewDecline,
		DateDeclined: ago(time.Hour),
	})

	candidates, err := f.dispatcher.Candidates(context.Background(), types.NotifyDeclined)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "https://github.com/o/r/issues/99", candidates[0].IssueID)

	_, err = f.dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.tracker.PostedTo("https://github.com/o/r/issues/99"), 1)
	assert.Len(t, f.tracker.Posted, 1)
}

func TestOldBudgetApprovalsDoNotCrowdOutClaims(t *testing.T) {
	f := setup(t)
	f.dispatcher.cfg.BatchSize = 2
	for i := range 4 {
		f.save(t, &types.IssueRecord{
			IssueID:            fmt.Sprintf("https://github.com/o/r/issues/1%d", i),
			Budget:             types.Ptr(100),
			ReviewStatus:       types.ReviewApprove,
			BudgetApproved:     true,
			DateBudgetApproved: ago(20 * 24 * time.Hour),
			Assignees:          []string{"alice"},
		})
	}
	f.save(t, &types.IssueRecord{
		IssueID:            "https://github.com/o/r/issues/99",
		Budget:             types.Ptr(100),
		ReviewStatus:       types.ReviewApprove,
		BudgetApproved:     true,
		DateBudgetApproved: ago(time.Hour),
		Assignees:          []string{"bob"},
	})

	candidates, err := f.dispatcher.Candidates(context.Background(), types.NotifyClaimFund)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "https://github.com/o/r/issues/99", candidates[0].IssueID)
}

func TestClaimFundNamesFirstAssignee(t *testing.T) {
	f := setup(t)
	f.save(t, &types.IssueRecord{
		IssueID:            "https://github.com/o/r/issues/4",
		Budget:             types.Ptr(300),
		Assignees:          []string{"alice", "bob"},
		ReviewStatus:       types.ReviewApprove,
		BudgetApproved:     true,
		DateApproved:       ago(20 * 24 * time.Hour),
		DateBudgetApproved: ago(time.Hour),
	})

	_, err := f.dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	posted := f.tracker.PostedTo("https://github.com/o/r/issues/4")
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "@alice")
	assert.NotContains(t, posted[0], "@bob")
	assert.Contains(t, posted[0], "$300")
	assert.Contains(t, posted[0], "https://example.org/claim")
}

func TestStaleWithoutPR(t *testing.T) {
	f := setup(t)
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/5",
		Budget:       types.Ptr(100),
		Assignees:    []string{"carol"},
		ReviewStatus: types.ReviewApprove,
		DateApproved: ago(40 * 24 * time.Hour),
		DateAssigned: ago(35 * 24 * time.Hour),
	})
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/6",
		Budget:       types.Ptr(100),
		Assignees:    []string{"dave"},
		ReviewStatus: types.ReviewApprove,
		DateApproved: ago(40 * 24 * time.Hour),
		DateAssigned: ago(10 * 24 * time.Hour),
	})
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/7",
		Budget:       types.Ptr(100),
		Assignees:    []string{"erin"},
		LinkedPR:     types.Ptr("https://github.com/o/r/pull/9"),
		ReviewStatus: types.ReviewApprove,
		DateApproved: ago(40 * 24 * time.Hour),
		DateAssigned: ago(35 * 24 * time.Hour),
	})

	_, err := f.dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	posted := f.tracker.PostedTo("https://github.com/o/r/issues/5")
	require.Len(t, posted, 1)
	assert.Contains(t, posted[0], "link your PR")
	assert.Empty(t, f.tracker.PostedTo("https://github.com/o/r/issues/6"), "not stale yet")
	assert.Empty(t, f.tracker.PostedTo("https://github.com/o/r/issues/7"), "already linked")
}

func TestPostFailureRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/8",
		ReviewStatus: types.ReviewDecline,
		DateDeclined: ago(time.Hour),
	})
	f.tracker.PostErr = func(string) error { return errors.New("tracker unavailable") }

	rep, err := f.dispatcher.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	sent, err := f.store.HasNotification(ctx, "https://github.com/o/r/issues/8", types.NotifyDeclined)
	require.NoError(t, err)
	assert.False(t, sent, "no ledger entry without a successful post")

	f.tracker.PostErr = nil
	rep, err = f.dispatcher.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Len(t, f.tracker.PostedTo("https://github.com/o/r/issues/8"), 1)
}

func TestClaimMessageRequiresAssignee(t *testing.T) {
	f := setup(t)
	_, err := f.dispatcher.Message(types.NotifyClaimFund, &types.IssueRecord{Budget: types.Ptr(1)})
	assert.ErrorIs(t, err, types.ErrInvariant)
}

func TestDisabledDispatcherSkips(t *testing.T) {
	f := setup(t)
	f.dispatcher.cfg.Enabled = false
	f.save(t, &types.IssueRecord{
		IssueID:      "https://github.com/o/r/issues/9",
		ReviewStatus: types.ReviewDecline,
		DateDeclined: ago(time.Hour),
	})

	rep, err := f.dispatcher.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, f.tracker.Posted)
}
