package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/staging"
	"github.com/steveyegge/bountyd/internal/storage/sqlite"
	"github.com/steveyegge/bountyd/internal/tracker"
	"github.com/steveyegge/bountyd/internal/types"
)

var runAt = time.Date(2025, 1, 1, 12, 30, 0, 0, time.UTC)

type fixture struct {
	db     *sqlite.SQLiteStorage
	stage  *staging.Store
	fake   *tracker.Fake
	cfg    *config.Config
	engine *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Tracker.MaxPages = 2
	stage := staging.New(db, nil)
	fake := tracker.NewFake()
	return &fixture{
		db:     db,
		stage:  stage,
		fake:   fake,
		cfg:    cfg,
		engine: New(db, stage, fake, fake, cfg, nil),
	}
}

func (f *fixture) run(t *testing.T, now time.Time) Result {
	t.Helper()
	ctx := context.Background()
	state, w, err := f.engine.Plan(ctx, now)
	require.NoError(t, err)
	res, err := f.engine.Ingest(ctx, state, w)
	require.NoError(t, err)
	return res
}

func openEvent(id string) *types.OpenEvent {
	return &types.OpenEvent{IssueID: id, ProjectID: "acme/widgets", Title: "Fix " + id, Creator: "bob"}
}

func TestFirstRunUsesInitialLookback(t *testing.T) {
	f := setup(t)
	state, w, err := f.engine.Plan(context.Background(), runAt)
	require.NoError(t, err)
	assert.True(t, state.Boundary.IsZero())
	assert.Equal(t, time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC), w.End)
	assert.Equal(t, w.End.Add(-f.cfg.Window.InitialLookback), w.Start)
}

func TestIngestStagesAndAdvancesBoundary(t *testing.T) {
	f := setup(t)
	f.fake.AddPage(types.KindOpen, openEvent("I1"), openEvent("I2"))
	f.fake.AddPage(types.KindClosed, &types.ClosedEvent{IssueID: "I1"})

	res := f.run(t, runAt)
	assert.True(t, res.Complete)
	rep := res.Report()
	assert.Equal(t, 3, rep.Succeeded)
	assert.Zero(t, rep.Failed)

	counts, err := f.stage.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.KindOpen].Pending)
	assert.Equal(t, 1, counts[types.KindClosed].Pending)

	state, err := f.db.GetRunState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Window.End, state.Boundary)
	assert.True(t, state.PendingEnd.IsZero())

	// Finished cursors are cleaned up with the window
	cp, err := f.db.GetCursor(context.Background(), res.Window, types.KindOpen)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestEmptyWindowIsSkipped(t *testing.T) {
	f := setup(t)
	first := f.run(t, runAt)
	require.True(t, first.Complete)

	searches := len(f.fake.Searches)
	// Same aligned hour: boundary == end
	second := f.run(t, runAt.Add(10*time.Minute))
	assert.True(t, second.Window.Empty())
	assert.Empty(t, second.Queries)
	assert.Len(t, f.fake.Searches, searches)
}

func TestPageCapPendsWindowAndResumes(t *testing.T) {
	f := setup(t)
	for _, id := range []string{"a", "b", "c"} {
		f.fake.AddPage(types.KindOpen, openEvent(id))
	}

	first := f.run(t, runAt)
	assert.False(t, first.Complete)
	require.Len(t, first.Queries, len(types.AllEventKinds))
	assert.Equal(t, 2, first.Queries[0].Pages)
	assert.False(t, first.Queries[0].Done)

	state, err := f.db.GetRunState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Window.Start, state.Boundary)
	assert.Equal(t, first.Window.End, state.PendingEnd)

	// A later run resumes the same window from the stored cursor
	second := f.run(t, runAt.Add(3*time.Hour))
	assert.True(t, second.Window.Start.Equal(first.Window.Start))
	assert.True(t, second.Window.End.Equal(first.Window.End))
	assert.True(t, second.Complete)
	assert.True(t, second.Queries[0].Resumed)
	assert.Equal(t, 1, second.Queries[0].Pages)
	for _, q := range second.Queries[1:] {
		assert.True(t, q.AlreadyDone, "kind %s", q.Kind)
	}
	assert.Equal(t, 3, second.Report().Skipped)
	assert.Contains(t, f.fake.Searches, "open:2")

	counts, err := f.stage.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[types.KindOpen].Pending)

	// Next window starts where the pending one ended
	third := f.run(t, runAt.Add(3*time.Hour))
	assert.Equal(t, first.Window.End, third.Window.Start)
}

func TestQueryFailureKeepsCursor(t *testing.T) {
	f := setup(t)
	f.fake.AddPage(types.KindClosed, &types.ClosedEvent{IssueID: "x"})
	f.fake.AddPage(types.KindClosed, &types.ClosedEvent{IssueID: "y"})
	boom := errors.New("tracker unavailable")
	f.fake.SearchErr = func(kind types.EventKind, cursor string) error {
		if kind == types.KindClosed && cursor == "1" {
			return boom
		}
		return nil
	}

	res := f.run(t, runAt)
	assert.False(t, res.Complete)
	closed := res.Queries[2]
	assert.ErrorIs(t, closed.Err, boom)
	assert.Equal(t, 1, closed.Pages)
	assert.Equal(t, 1, res.Report().Failed)

	cp, err := f.db.GetCursor(context.Background(), res.Window, types.KindClosed)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "1", cp.Cursor)
	assert.False(t, cp.Done)

	f.fake.SearchErr = nil
	again := f.run(t, runAt.Add(time.Hour))
	assert.True(t, again.Complete)
	assert.Equal(t, 1, again.Queries[2].Staged)
}

func TestPersistentQueryFailureIsAbandoned(t *testing.T) {
	f := setup(t)
	f.cfg.Tracker.MaxQueryFailures = 2
	f.fake.AddPage(types.KindOpen, openEvent("I1"))
	denied := errors.New("query rejected")
	f.fake.SearchErr = func(kind types.EventKind, cursor string) error {
		if kind == types.KindClosed {
			return denied
		}
		return nil
	}

	first := f.run(t, runAt)
	assert.False(t, first.Complete)
	assert.ErrorIs(t, first.Queries[2].Err, denied)
	assert.False(t, first.Queries[2].Abandoned)

	cp, err := f.db.GetCursor(context.Background(), first.Window, types.KindClosed)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.Failures)

	second := f.run(t, runAt.Add(time.Hour))
	assert.True(t, second.Window.Start.Equal(first.Window.Start))
	assert.True(t, second.Window.End.Equal(first.Window.End))
	assert.True(t, second.Complete)
	assert.True(t, second.Queries[2].Abandoned)
	assert.Equal(t, 1, second.Report().Failed)

	state, err := f.db.GetRunState(context.Background())
	require.NoError(t, err)
	assert.True(t, state.Boundary.Equal(first.Window.End))
	assert.True(t, state.PendingEnd.IsZero())

	third := f.run(t, runAt.Add(2*time.Hour))
	assert.True(t, third.Window.Start.Equal(first.Window.End))
}

func TestQueryProgressResetsFailures(t *testing.T) {
	f := setup(t)
	f.cfg.Tracker.MaxQueryFailures = 2
	f.fake.AddPage(types.KindClosed, &types.ClosedEvent{IssueID: "a"})
	f.fake.AddPage(types.KindClosed, &types.ClosedEvent{IssueID: "b"})
	flaky := errors.New("flaky")
	f.fake.SearchErr = func(kind types.EventKind, cursor string) error {
		if kind == types.KindClosed {
			return flaky
		}
		return nil
	}

	first := f.run(t, runAt)
	require.False(t, first.Complete)

	// The next run gets one page through before failing again
	f.fake.SearchErr = func(kind types.EventKind, cursor string) error {
		if kind == types.KindClosed && cursor == "1" {
			return flaky
		}
		return nil
	}
	second := f.run(t, runAt.Add(time.Hour))
	assert.False(t, second.Complete)
	assert.False(t, second.Queries[2].Abandoned)
	assert.Equal(t, 1, second.Queries[2].Pages)

	cp, err := f.db.GetCursor(context.Background(), first.Window, types.KindClosed)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Zero(t, cp.Failures)
	assert.Equal(t, "1", cp.Cursor)
	assert.False(t, cp.Done)
}

func TestMalformedItemsDoNotBlockCursor(t *testing.T) {
	f := setup(t)
	f.fake.AddPage(types.KindOpen, openEvent("ok"), &types.OpenEvent{IssueID: "bad"})

	res := f.run(t, runAt)
	assert.True(t, res.Complete)
	assert.Equal(t, 1, res.Queries[0].Staged)
	assert.Equal(t, 1, res.Queries[0].Rejected)
	assert.Equal(t, 1, res.Report().Failed)
}

func TestReingestingIsIdempotent(t *testing.T) {
	f := setup(t)
	f.fake.AddPage(types.KindOpen, openEvent("I1"))
	f.run(t, runAt)

	// Forget progress so the same page is delivered again
	require.NoError(t, f.db.SaveRunState(context.Background(), types.RunState{}))
	f.run(t, runAt)

	counts, err := f.stage.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, staging.Counts{Pending: 1, Total: 1}, counts[types.KindOpen])
}

func TestRefreshStagesOpenIssues(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.db.SaveIssue(ctx, &types.IssueRecord{
		IssueID: "I9", ProjectID: "acme/widgets", Title: "Old", Creator: "bob",
		TrackerStatus: types.Ptr("open"), ReviewStatus: types.ReviewQueue,
	}))
	f.fake.Refreshed["I9"] = &types.AssignCommentEvent{
		IssueID: "I9", CommentAuthor: "carol", CommentBody: "on it",
		CommentTime: runAt.Add(-time.Hour),
	}

	res := f.run(t, runAt)
	assert.Equal(t, 1, res.Refreshed)

	entries := 0
	require.NoError(t, f.stage.Drain(ctx, types.KindAssignComment, func(e staging.Entry) error {
		entries++
		assert.Equal(t, "I9", e.Row.Key)
		return nil
	}))
	assert.Equal(t, 1, entries)
}
