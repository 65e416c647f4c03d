package aggregate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/storage/sqlite"
	"github.com/steveyegge/bountyd/internal/types"
)

func issue(id, creator string, status types.ReviewStatus, budget *int, approved bool, assignees ...string) *types.IssueRecord {
	return &types.IssueRecord{
		IssueID:        id,
		ProjectID:      "p",
		Title:          id,
		Creator:        creator,
		ReviewStatus:   status,
		Budget:         budget,
		BudgetApproved: approved,
		Assignees:      assignees,
	}
}

func TestTotals(t *testing.T) {
	issues := []*types.IssueRecord{
		issue("i1", "bob", types.ReviewQueue, nil, false),
		issue("i2", "carol", types.ReviewApprove, types.Ptr(100), false, "alice"),
		issue("i3", "bob", types.ReviewApprove, types.Ptr(250), true, "dave", "alice"),
		issue("i4", "erin", types.ReviewDecline, nil, false),
	}

	want := types.ProjectTotals{
		IssuesList:           []string{"i1", "i2", "i3", "i4"},
		ParticipantsList:     []string{"bob", "carol", "alice", "dave", "erin"},
		TotalBudgetAllocated: 350,
		TotalBudgetUsed:      250,
		IssueCount:           4,
		QueuedCount:          1,
		ApprovedCount:        2,
		DeclinedCount:        1,
	}
	if diff := cmp.Diff(want, Totals(issues)); diff != "" {
		t.Errorf("Totals mismatch (-want +got):\n%s", diff)
	}
}

func TestTotalsOfNoIssues(t *testing.T) {
	got := Totals(nil)
	assert.NotNil(t, got.IssuesList)
	assert.NotNil(t, got.ParticipantsList)
	assert.Zero(t, got.IssueCount)
}

func setup(t *testing.T) (*sqlite.SQLiteStorage, *Engine) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "aggregate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	cfg := config.Default()
	cfg.Program.TotalBudget = 1000
	return db, New(db, cfg, nil)
}

func TestRecomputeIsFullRebuild(t *testing.T) {
	ctx := context.Background()
	db, engine := setup(t)

	_, err := db.EnsureProjects(ctx, []string{"p", "empty"})
	require.NoError(t, err)
	require.NoError(t, db.SaveIssue(ctx, issue("i1", "bob", types.ReviewApprove, types.Ptr(300), true)))
	require.NoError(t, db.SaveIssue(ctx, issue("i2", "bob", types.ReviewQueue, nil, false)))

	rep, err := engine.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Succeeded)

	p, err := db.GetProject(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 300, p.TotalBudgetAllocated)
	assert.Equal(t, 300, p.TotalBudgetUsed)
	assert.Equal(t, []string{"bob"}, p.ParticipantsList)

	// Running twice gives the same numbers
	_, err = engine.Recompute(ctx)
	require.NoError(t, err)
	again, err := db.GetProject(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, p.TotalBudgetAllocated, again.TotalBudgetAllocated)
	assert.Equal(t, p.IssuesList, again.IssuesList)

	empty, err := db.GetProject(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, empty.IssuesList)
	assert.Zero(t, empty.IssueCount)
}

func TestDashboard(t *testing.T) {
	ctx := context.Background()
	db, engine := setup(t)
	_, err := db.EnsureProjects(ctx, []string{"p"})
	require.NoError(t, err)
	require.NoError(t, db.SaveIssue(ctx, issue("i1", "bob", types.ReviewApprove, types.Ptr(300), true)))
	require.NoError(t, db.SaveIssue(ctx, issue("i2", "bob", types.ReviewApprove, types.Ptr(200), false)))
	require.NoError(t, db.SaveIssue(ctx, issue("i3", "bob", types.ReviewDecline, nil, false)))

	stats, err := engine.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalIssues)
	assert.Equal(t, 2, stats.ApprovedIssues)
	assert.Equal(t, 1, stats.DeclinedIssues)
	assert.Equal(t, 1, stats.BudgetApprovedIssues)
	assert.Equal(t, 1000, stats.ProgramBudget)
	assert.Equal(t, 500, stats.BudgetAllocated)
	assert.Equal(t, 300, stats.BudgetUsed)
	assert.Equal(t, 500, stats.BudgetBalance)
	assert.Equal(t, 1, stats.TotalProjects)
}
