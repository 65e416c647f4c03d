package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/admin"
	"github.com/steveyegge/bountyd/internal/aggregate"
	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/storage/sqlite"
	"github.com/steveyegge/bountyd/internal/types"
)

const testProject = "https://github.com/o/r"

func init() {
	color.NoColor = true
}

func reviewFixture(t *testing.T) (*reviewer, *sqlite.SQLiteStorage, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "review.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.EnsureProjects(ctx, []string{testProject})
	require.NoError(t, err)
	var queue []*types.IssueRecord
	for _, id := range []string{testProject + "/issues/1", testProject + "/issues/2", testProject + "/issues/3"} {
		rec := &types.IssueRecord{IssueID: id, ProjectID: testProject, Title: "t", Creator: "carol", ReviewStatus: types.ReviewQueue}
		require.NoError(t, db.SaveIssue(ctx, rec))
		queue = append(queue, rec)
	}

	svc := admin.New(db, aggregate.New(db, config.Default(), nil), nil)
	out := &bytes.Buffer{}
	return newReviewer(svc, queue, out), db, out
}

func TestReviewerWalksQueue(t *testing.T) {
	ctx := context.Background()
	r, db, out := reviewFixture(t)

	r.handle(ctx, "approve $120")
	r.handle(ctx, "skip")
	r.handle(ctx, "d")
	assert.True(t, r.done())
	assert.Equal(t, 2, r.reviewed)
	assert.Contains(t, out.String(), "approved with $120")

	first, err := db.GetIssue(ctx, testProject+"/issues/1")
	require.NoError(t, err)
	assert.Equal(t, types.ReviewApprove, first.ReviewStatus)
	assert.Equal(t, 120, first.BudgetValue())

	second, err := db.GetIssue(ctx, testProject+"/issues/2")
	require.NoError(t, err)
	assert.Equal(t, types.ReviewQueue, second.ReviewStatus)

	third, err := db.GetIssue(ctx, testProject+"/issues/3")
	require.NoError(t, err)
	assert.Equal(t, types.ReviewDecline, third.ReviewStatus)
}

func TestReviewerRejectsBadInputWithoutAdvancing(t *testing.T) {
	ctx := context.Background()
	r, _, out := reviewFixture(t)

	r.handle(ctx, "approve")
	r.handle(ctx, "approve lots")
	r.handle(ctx, "approve 0")
	r.handle(ctx, "frobnicate")
	r.handle(ctx, "   ")

	assert.Equal(t, 0, r.pos)
	assert.Zero(t, r.reviewed)
	assert.Contains(t, out.String(), "usage: approve <amount>")
	assert.Contains(t, out.String(), `invalid amount "lots"`)
	assert.Contains(t, out.String(), "commands:")

	r.handle(ctx, "quit")
	assert.True(t, r.done())
}

func TestPrintReport(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r := &types.RunReport{
		RunID:      "run-1",
		Window:     types.Window{Start: start.Add(-time.Hour), End: start},
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Stages: []types.StageReport{
			{Stage: types.StageIngest, Succeeded: 4},
			{Stage: types.StageConsolidate, Failed: 1, Err: "database is locked"},
		},
	}
	var buf bytes.Buffer
	printReport(&buf, r)
	assert.Contains(t, buf.String(), "run-1")
	assert.Contains(t, buf.String(), "in 2s")
	assert.Regexp(t, `ingest\s+ok\s+succeeded=4`, buf.String())
	assert.Regexp(t, `consolidate\s+failed\s+succeeded=0 failed=1 skipped=0  database is locked`, buf.String())

	buf.Reset()
	printReport(&buf, &types.RunReport{RunID: "run-2", Skipped: true, SkipReason: "lease held"})
	assert.Equal(t, "Skipped run run-2: lease held\n", buf.String())
}
