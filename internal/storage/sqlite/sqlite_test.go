package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// fixedClock returns a clock the test can advance
func fixedClock(store *SQLiteStorage, start time.Time) *time.Time {
	now := start
	store.SetClock(func() time.Time { return now })
	return &now
}

func newIssue(id, project string) *types.IssueRecord {
	return &types.IssueRecord{
		IssueID:      id,
		ProjectID:    project,
		Title:        "Fix " + id,
		Creator:      "carol",
		ReviewStatus: types.ReviewQueue,
	}
}

func TestIssueRoundTripPreservesNulls(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	issue := newIssue("https://github.com/o/r/issues/1", "https://github.com/o/r")
	require.NoError(t, store.SaveIssue(ctx, issue))

	got, err := store.GetIssue(ctx, issue.IssueID)
	require.NoError(t, err)
	assert.Nil(t, got.Assignees, "never-set assignees must stay nil")
	assert.Nil(t, got.Budget)
	assert.Nil(t, got.LinkedPR)
	assert.Nil(t, got.DateAssigned)

	approved := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	got.Assignees = []string{"alice", "bob"}
	got.Budget = types.Ptr(150)
	got.ReviewStatus = types.ReviewApprove
	got.DateApproved = &approved
	require.NoError(t, store.SaveIssue(ctx, got))

	again, err := store.GetIssue(ctx, issue.IssueID)
	require.NoError(t, err)
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("issue mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyAssigneesDistinctFromNil(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	issue := newIssue("i1", "p1")
	issue.Assignees = []string{}
	require.NoError(t, store.SaveIssue(ctx, issue))

	got, err := store.GetIssue(ctx, "i1")
	require.NoError(t, err)
	require.NotNil(t, got.Assignees)
	assert.Empty(t, got.Assignees)
}

func TestGetIssueNotFound(t *testing.T) {
	store := setupTestDB(t)
	_, err := store.GetIssue(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSaveIssueRejectsBudgetApprovedWithoutBudget(t *testing.T) {
	store := setupTestDB(t)

	issue := newIssue("i1", "p1")
	issue.ReviewStatus = types.ReviewApprove
	issue.BudgetApproved = true
	err := store.SaveIssue(context.Background(), issue)
	assert.ErrorIs(t, err, types.ErrInvariant)
}

func TestSchemaCheckRejectsBudgetApprovedWithoutBudget(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.SaveIssue(ctx, newIssue("i1", "p1")))

	// Bypass Validate to prove the table constraint holds on its own
	_, err := store.DB().ExecContext(ctx,
		`UPDATE issues SET budget_approved = 1, review_status = 'approve' WHERE issue_id = 'i1'`)
	assert.Error(t, err)
}

func TestMutateIssue(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	t.Run("creates when absent", func(t *testing.T) {
		rec, err := store.MutateIssue(ctx, "i1", func(existing *types.IssueRecord) (*types.IssueRecord, error) {
			assert.Nil(t, existing)
			return newIssue("i1", "p1"), nil
		})
		require.NoError(t, err)
		assert.Equal(t, "p1", rec.ProjectID)
	})

	t.Run("nil result leaves row untouched", func(t *testing.T) {
		before, err := store.GetIssue(ctx, "i1")
		require.NoError(t, err)
		rec, err := store.MutateIssue(ctx, "i1", func(existing *types.IssueRecord) (*types.IssueRecord, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, before.UpdatedAt, rec.UpdatedAt)
	})

	t.Run("error rolls back", func(t *testing.T) {
		_, err := store.MutateIssue(ctx, "i1", func(existing *types.IssueRecord) (*types.IssueRecord, error) {
			return nil, types.ErrInvariant
		})
		assert.ErrorIs(t, err, types.ErrInvariant)
	})

	t.Run("id change rejected", func(t *testing.T) {
		_, err := store.MutateIssue(ctx, "i1", func(existing *types.IssueRecord) (*types.IssueRecord, error) {
			next := existing.Clone()
			next.IssueID = "other"
			return next, nil
		})
		assert.Error(t, err)
		_, err = store.GetIssue(ctx, "other")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})
}

func TestListIssuesFilters(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	a := newIssue("a", "p1")
	a.RepoStars = 50
	a.MainLanguage = "Go"
	b := newIssue("b", "p1")
	b.RepoStars = 500
	b.Budget = types.Ptr(100)
	b.ReviewStatus = types.ReviewApprove
	c := newIssue("c", "p2")
	c.ReviewStatus = types.ReviewDecline
	c.Assignees = []string{"alice"}
	declined := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	c.DateDeclined = &declined
	for _, issue := range []*types.IssueRecord{a, b, c} {
		require.NoError(t, store.SaveIssue(ctx, issue))
	}

	ids := func(filter types.IssueFilter) []string {
		t.Helper()
		issues, err := store.ListIssues(ctx, filter)
		require.NoError(t, err)
		var out []string
		for _, i := range issues {
			out = append(out, i.IssueID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b"}, ids(types.IssueFilter{ProjectID: "p1"}))
	assert.Equal(t, []string{"b"}, ids(types.IssueFilter{ReviewStatus: types.ReviewApprove}))
	assert.Equal(t, []string{"a"}, ids(types.IssueFilter{MainLanguage: "go"}))
	assert.Equal(t, []string{"b"}, ids(types.IssueFilter{MinStars: 100}))
	assert.Equal(t, []string{"b"}, ids(types.IssueFilter{HasBudget: types.Ptr(true)}))
	assert.Equal(t, []string{"c"}, ids(types.IssueFilter{HasAssignees: types.Ptr(true)}))
	assert.Equal(t, []string{"c"}, ids(types.IssueFilter{DeclinedAfter: types.Ptr(declined)}))
	assert.Empty(t, ids(types.IssueFilter{DeclinedAfter: types.Ptr(declined.Add(time.Second))}))
	assert.Empty(t, ids(types.IssueFilter{BudgetApprovedAfter: types.Ptr(declined.Add(-time.Hour))}))
	assert.Equal(t, []string{"b", "a", "c"}, ids(types.IssueFilter{OrderBy: []string{"stars"}}))
	assert.Equal(t, []string{"b"}, ids(types.IssueFilter{OrderBy: []string{"stars"}, Limit: 1}))
	assert.Equal(t, []string{"a"}, ids(types.IssueFilter{OrderBy: []string{"stars"}, Limit: 1, Offset: 1}))

	n, err := store.CountIssues(ctx, types.IssueFilter{ProjectID: "p1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.ListIssues(ctx, types.IssueFilter{OrderBy: []string{"bogus"}})
	assert.Error(t, err)
}

func TestNotNotifiedFilter(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.SaveIssue(ctx, newIssue("a", "p1")))
	require.NoError(t, store.SaveIssue(ctx, newIssue("b", "p1")))

	_, err := store.RecordNotification(ctx, "a", types.NotifyDeclined, time.Now())
	require.NoError(t, err)

	issues, err := store.ListIssues(ctx, types.IssueFilter{NotNotified: types.NotifyDeclined})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "b", issues[0].IssueID)
}

func TestProjects(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	created, err := store.EnsureProjects(ctx, []string{"p1", "p2", "", "p1"})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = store.EnsureProjects(ctx, []string{"p1", "p3"})
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	missing, err := store.ProjectsMissingMetadata(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, missing)

	require.NoError(t, store.SaveProjectMetadata(ctx, types.RepoMetadata{
		ProjectID: "p2", Description: "a repo", RepoStars: 42, MainLanguage: "Rust",
	}, time.Now()))
	// Empty strings do not clobber stored metadata
	require.NoError(t, store.SaveProjectMetadata(ctx, types.RepoMetadata{
		ProjectID: "p2", RepoStars: 43,
	}, time.Now()))

	p2, err := store.GetProject(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "a repo", p2.Description)
	assert.Equal(t, "Rust", p2.MainLanguage)
	assert.Equal(t, 43, p2.RepoStars)
	assert.NotNil(t, p2.MetadataFetchedAt)

	missing, err = store.ProjectsMissingMetadata(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p3"}, missing)

	err = store.SaveProjectMetadata(ctx, types.RepoMetadata{ProjectID: "nope"}, time.Now())
	assert.ErrorIs(t, err, types.ErrNotFound)

	projects, err := store.ListProjects(ctx, types.ProjectFilter{OrderBy: []string{"stars"}})
	require.NoError(t, err)
	require.Len(t, projects, 3)
	assert.Equal(t, "p2", projects[0].ProjectID)
	assert.Equal(t, []string{}, projects[1].IssuesList)
}

func TestUpdateProjectTotals(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	_, err := store.EnsureProjects(ctx, []string{"p1"})
	require.NoError(t, err)
	a := newIssue("a", "p1")
	a.Budget = types.Ptr(100)
	require.NoError(t, store.SaveIssue(ctx, a))
	require.NoError(t, store.SaveIssue(ctx, newIssue("b", "p1")))

	totals, err := store.UpdateProjectTotals(ctx, "p1", func(issues []*types.IssueRecord) types.ProjectTotals {
		var out types.ProjectTotals
		for _, i := range issues {
			out.IssuesList = append(out.IssuesList, i.IssueID)
			out.TotalBudgetAllocated += i.BudgetValue()
			out.IssueCount++
		}
		return out
	})
	require.NoError(t, err)
	assert.Equal(t, 100, totals.TotalBudgetAllocated)

	p, err := store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.IssuesList)
	assert.Equal(t, 100, p.TotalBudgetAllocated)
	assert.Equal(t, 2, p.IssueCount)

	_, err = store.UpdateProjectTotals(ctx, "ghost", func([]*types.IssueRecord) types.ProjectTotals {
		return types.ProjectTotals{}
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSyncProjectFields(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.SaveIssue(ctx, newIssue("a", "p1")))
	require.NoError(t, store.SaveIssue(ctx, newIssue("b", "p2")))

	p := &types.ProjectRecord{ProjectID: "p1", MainLanguage: "Go", RepoStars: 7}
	n, err := store.SyncProjectFields(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.SyncProjectFields(ctx, p)
	require.NoError(t, err)
	assert.Zero(t, n, "second sync changes nothing")

	got, err := store.GetIssue(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Go", got.MainLanguage)
	assert.Equal(t, 7, got.RepoStars)
}

// keepExisting prefers the stored event, mirroring a first-writer-wins merger
func keepExisting(existing, incoming types.StagingEvent) types.StagingEvent {
	if existing != nil {
		return existing
	}
	return incoming
}

func TestStagingPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	ev := &types.ClosedEvent{IssueID: "i1", Assignees: []string{"alice"}}
	require.NoError(t, store.PutStaged(ctx, ev, nil))
	require.NoError(t, store.PutStaged(ctx, ev, nil))

	pending, total, err := store.CountStaged(ctx, types.KindClosed)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, total)
}

func TestStagingMergerSeesExisting(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	require.NoError(t, store.PutStaged(ctx, &types.OpenEvent{IssueID: "i1", ProjectID: "p", Title: "first"}, keepExisting))
	require.NoError(t, store.PutStaged(ctx, &types.OpenEvent{IssueID: "i1", ProjectID: "p", Title: "second"}, keepExisting))

	rows, err := store.ListStaged(ctx, types.KindOpen, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	ev, err := rows[0].Decode()
	require.NoError(t, err)
	assert.Equal(t, "first", ev.(*types.OpenEvent).Title)
}

func TestStagingRejectsMissingKey(t *testing.T) {
	store := setupTestDB(t)
	err := store.PutStaged(context.Background(), &types.ClosedEvent{}, nil)
	assert.ErrorIs(t, err, types.ErrMalformedEvent)
}

func TestStagingMergeLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.PutStaged(ctx, &types.ClosedEvent{IssueID: id}, nil))
	}

	rows, err := store.ListStaged(ctx, types.KindClosed, "", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Key)
	assert.Equal(t, "b", rows[1].Key)

	rows, err = store.ListStaged(ctx, types.KindClosed, "b", 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].Key)

	all, err := store.ListAllStaged(ctx, types.KindClosed)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Unmerged rows survive a purge
	n, err := store.PurgeStaged(ctx, types.KindClosed, []string{"a"}, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.MarkStagedMerged(ctx, types.KindClosed, "a", all[0].Payload))
	pending, _, err := store.CountStaged(ctx, types.KindClosed)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// Re-staging a changed payload makes the row pending again
	require.NoError(t, store.PutStaged(ctx, &types.ClosedEvent{IssueID: "a", LinkedPR: types.Ptr("pr")}, nil))
	pending, _, err = store.CountStaged(ctx, types.KindClosed)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	// A stale payload does not mark the new one merged
	require.NoError(t, store.MarkStagedMerged(ctx, types.KindClosed, "a", all[0].Payload))
	pending, _, err = store.CountStaged(ctx, types.KindClosed)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	require.NoError(t, store.MarkStagedMerged(ctx, types.KindClosed, "b", all[1].Payload))
	n, err = store.PurgeMergedStaged(ctx, types.KindClosed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.PurgeStaged(ctx, types.KindClosed, []string{"c"}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStagingFailedAttempts(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	require.NoError(t, store.PutStaged(ctx, &types.ClosedEvent{IssueID: "i1"}, nil))
	require.NoError(t, store.PutStaged(ctx, &types.ClosedEvent{IssueID: "i2"}, nil))

	for i := 1; i <= 3; i++ {
		n, err := store.MarkStagedFailed(ctx, types.KindClosed, "i1", "unknown issue")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	_, err := store.MarkStagedFailed(ctx, types.KindClosed, "nope", "x")
	assert.ErrorIs(t, err, types.ErrNotFound)

	purged, err := store.PurgeExhaustedStaged(ctx, 3)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, "i1", purged[0].Key)
	assert.Equal(t, "unknown issue", purged[0].LastErr)

	_, total, err := store.CountStaged(ctx, types.KindClosed)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSummaries(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	require.NoError(t, store.SaveIssue(ctx, newIssue("i1", "p1")))
	require.NoError(t, store.SaveIssue(ctx, newIssue("i2", "p1")))

	missing, err := store.IssuesMissingSummary(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, missing, 2)

	saved, err := store.SaveSummary(ctx, &types.SummaryRecord{
		ID: "i1", Kind: types.SummaryIssue, Summary: "parser fix", KeywordTags: []string{"Rust", "parser"},
	})
	require.NoError(t, err)
	assert.True(t, saved)

	saved, err = store.SaveSummary(ctx, &types.SummaryRecord{ID: "i1", Kind: types.SummaryIssue, Summary: "other"})
	require.NoError(t, err)
	assert.False(t, saved, "existing summaries are never overwritten")

	// Empty summaries count as processed but are never indexed
	_, err = store.SaveSummary(ctx, &types.SummaryRecord{ID: "i2", Kind: types.SummaryIssue})
	require.NoError(t, err)

	missing, err = store.IssuesMissingSummary(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	pending, err := store.ListUnindexedSummaries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i1", pending[0].ID)

	require.NoError(t, store.MarkSummaryIndexed(ctx, "i1"))
	pending, err = store.ListUnindexedSummaries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := store.GetSummary(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, got.Indexed)
	assert.NotNil(t, got.IndexedAt)

	empty, err := store.GetSummary(ctx, "i2")
	require.NoError(t, err)
	assert.Equal(t, []string{}, empty.KeywordTags)

	found, err := store.SearchSummariesByKeywords(ctx, []string{"rust", "wasm"}, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "i1", found[0].ID)

	total, indexed, err := store.CountSummaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, indexed)

	require.NoError(t, store.DeleteSummary(ctx, "i2"))
	assert.ErrorIs(t, store.DeleteSummary(ctx, "i2"), types.ErrNotFound)
}

func TestProjectsMissingSummaryRequiresMetadata(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	_, err := store.EnsureProjects(ctx, []string{"p1", "p2"})
	require.NoError(t, err)
	require.NoError(t, store.SaveProjectMetadata(ctx, types.RepoMetadata{ProjectID: "p2", Description: "d"}, time.Now()))

	projects, err := store.ProjectsMissingSummary(ctx, 10)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p2", projects[0].ProjectID)
}

func TestNotificationLedger(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	first := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	ok, err := store.RecordNotification(ctx, "i1", types.NotifyClaimFund, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RecordNotification(ctx, "i1", types.NotifyClaimFund, first.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	has, err := store.HasNotification(ctx, "i1", types.NotifyClaimFund)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = store.HasNotification(ctx, "i1", types.NotifyDeclined)
	require.NoError(t, err)
	assert.False(t, has)

	entries, err := store.ListNotifications(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].SentAt.Equal(first), "original sent_at is kept")

	_, err = store.RecordNotification(ctx, "i1", "bogus", first)
	assert.Error(t, err)
}

func TestRunStateAndCursors(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	state, err := store.GetRunState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Boundary.IsZero())

	end := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRunState(ctx, types.RunState{PendingEnd: end}))
	state, err = store.GetRunState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Boundary.IsZero())
	assert.True(t, state.PendingEnd.Equal(end))

	w := types.Window{Start: end.Add(-time.Hour), End: end}
	cp, err := store.GetCursor(ctx, w, types.KindOpen)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.SaveCursor(ctx, types.CursorCheckpoint{
		WindowStart: w.Start, WindowEnd: w.End, Kind: types.KindOpen, Cursor: "abc", Pages: 2, Failures: 3,
	}))
	cp, err = store.GetCursor(ctx, w, types.KindOpen)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "abc", cp.Cursor)
	assert.Equal(t, 2, cp.Pages)
	assert.Equal(t, 3, cp.Failures)
	assert.False(t, cp.Done)

	// A different window never sees this checkpoint
	other := types.Window{Start: w.Start, End: end.Add(time.Hour)}
	cp, err = store.GetCursor(ctx, other, types.KindOpen)
	require.NoError(t, err)
	assert.Nil(t, cp)

	n, err := store.DeleteCursorsThrough(ctx, end)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLease(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	now := fixedClock(store, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))

	lease, ok, err := store.AcquireLease(ctx, "pipeline", "host:1", "run-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-1", lease.RunID)

	lease, ok, err = store.AcquireLease(ctx, "pipeline", "host:2", "run-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "run-1", lease.RunID)

	// Same run may re-acquire
	_, ok, err = store.AcquireLease(ctx, "pipeline", "host:1", "run-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.RenewLease(ctx, "pipeline", "run-1", time.Minute))
	assert.ErrorIs(t, store.RenewLease(ctx, "pipeline", "run-2", time.Minute), types.ErrLeaseHeld)

	// Expired leases can be taken
	*now = now.Add(2 * time.Minute)
	_, ok, err = store.AcquireLease(ctx, "pipeline", "host:2", "run-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	took, err := store.TakeOverLease(ctx, "pipeline", "run-1", "host:3", "run-3", time.Minute)
	require.NoError(t, err)
	assert.False(t, took, "run-1 no longer holds the lease")

	took, err = store.TakeOverLease(ctx, "pipeline", "run-2", "host:3", "run-3", time.Minute)
	require.NoError(t, err)
	assert.True(t, took)

	// Releasing with a stale run id is a no-op
	require.NoError(t, store.ReleaseLease(ctx, "pipeline", "run-2"))
	lease, err = store.GetLease(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, "run-3", lease.RunID)

	require.NoError(t, store.ReleaseLease(ctx, "pipeline", "run-3"))
	_, err = store.GetLease(ctx, "pipeline")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetStatistics(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	a := newIssue("a", "p1")
	a.Budget = types.Ptr(100)
	a.ReviewStatus = types.ReviewApprove
	a.BudgetApproved = true
	b := newIssue("b", "p1")
	b.Budget = types.Ptr(50)
	b.ReviewStatus = types.ReviewApprove
	c := newIssue("c", "p2")
	c.ReviewStatus = types.ReviewDecline
	for _, issue := range []*types.IssueRecord{a, b, c, newIssue("d", "p2")} {
		require.NoError(t, store.SaveIssue(ctx, issue))
	}
	_, err := store.EnsureProjects(ctx, []string{"p1", "p2"})
	require.NoError(t, err)

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Statistics{
		TotalIssues:          4,
		QueuedIssues:         1,
		ApprovedIssues:       2,
		DeclinedIssues:       1,
		BudgetApprovedIssues: 1,
		TotalProjects:        2,
		BudgetAllocated:      150,
		BudgetUsed:           100,
	}, *stats)
}

func TestConfigKV(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	v, err := store.GetConfig(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SetConfig(ctx, "k", "v1"))
	require.NoError(t, store.SetConfig(ctx, "k", "v2"))
	v, err = store.GetConfig(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}
