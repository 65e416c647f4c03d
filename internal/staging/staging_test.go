package staging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/storage/sqlite"
	"github.com/steveyegge/bountyd/internal/types"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil)
}

func drainAll(t *testing.T, s *Store, kind types.EventKind) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, s.Drain(context.Background(), kind, func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

func TestPutCoalescesAndNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "I1", Assignees: []string{"alice"}, LinkedPR: types.Ptr("pr1")}))
	// Same key, older data with nulls
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "I1"}))

	entries := drainAll(t, s, types.KindClosed)
	require.Len(t, entries, 1)
	require.NoError(t, entries[0].DecodeErr)
	ev := entries[0].Event.(*types.ClosedEvent)
	assert.Equal(t, []string{"alice"}, ev.Assignees)
	require.NotNil(t, ev.LinkedPR)
	assert.Equal(t, "pr1", *ev.LinkedPR)
}

func TestPutRejectsNil(t *testing.T) {
	s := setupStore(t)
	assert.ErrorIs(t, s.Put(context.Background(), nil), types.ErrMalformedEvent)
}

func TestPutAllContinuesPastFailures(t *testing.T) {
	s := setupStore(t)
	n, err := s.PutAll(context.Background(), []types.StagingEvent{
		&types.ClosedEvent{IssueID: "a"},
		&types.ClosedEvent{},
		&types.ClosedEvent{IssueID: "b"},
	})
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, types.ErrMalformedEvent)
}

func TestDrainPagesInKeyOrder(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	s.SetBatchSize(2)

	for _, id := range []string{"e", "c", "a", "d", "b"} {
		require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: id}))
	}

	var keys []string
	require.NoError(t, s.Drain(ctx, types.KindClosed, func(e Entry) error {
		keys = append(keys, e.Row.Key)
		// Marking during the drain must not skip rows
		return s.MarkMerged(ctx, e)
	}))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
	assert.Empty(t, drainAll(t, s, types.KindClosed))
}

func TestDrainStopsOnHandlerError(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "a"}))
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "b"}))

	boom := errors.New("boom")
	calls := 0
	err := s.Drain(ctx, types.KindClosed, func(Entry) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDrainReportsUndecodablePayload(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "staging.db"))
	require.NoError(t, err)
	defer db.Close()
	s := New(db, nil)

	_, err = db.DB().ExecContext(ctx, `
		INSERT INTO staging_events (kind, key, payload, staged_at) VALUES ('open', 'x', 'not json', ?)
	`, time.Now().UTC().Format(sqlite.TimeLayout))
	require.NoError(t, err)

	entries := drainAll(t, s, types.KindOpen)
	require.Len(t, entries, 1)
	assert.ErrorIs(t, entries[0].DecodeErr, types.ErrMalformedEvent)
	assert.Nil(t, entries[0].Event)
}

func TestPurgeOnlyRemovesMergedRows(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "a"}))
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "b"}))

	entries := drainAll(t, s, types.KindClosed)
	require.NoError(t, s.MarkMerged(ctx, entries[0]))

	n, err := s.Purge(ctx, types.KindClosed, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Total: 1}, counts[types.KindClosed])
	assert.Equal(t, Counts{}, counts[types.KindOpen])
}

func TestPurgeWhere(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	for i := range 4 {
		require.NoError(t, s.Put(ctx, &types.PullRequestEvent{
			PullID: fmt.Sprintf("pr%d", i), ProjectID: "p", ConnectedIssues: make([]string, i%2),
		}))
	}

	n, err := s.PurgeWhere(ctx, types.KindPullRequest, func(ev types.StagingEvent) bool {
		pr, ok := ev.(*types.PullRequestEvent)
		return ok && len(pr.ConnectedIssues) == 0
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, drainAll(t, s, types.KindPullRequest), 2)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "merged"}))
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "stuck"}))
	require.NoError(t, s.Put(ctx, &types.ClosedEvent{IssueID: "retrying"}))

	for _, e := range drainAll(t, s, types.KindClosed) {
		switch e.Row.Key {
		case "merged":
			require.NoError(t, s.MarkMerged(ctx, e))
		case "stuck":
			for range 3 {
				_, err := s.MarkFailed(ctx, e, errors.New("unknown issue"))
				require.NoError(t, err)
			}
		case "retrying":
			_, err := s.MarkFailed(ctx, e, errors.New("unknown issue"))
			require.NoError(t, err)
		}
	}

	res, err := s.Cleanup(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Merged: 1, Exhausted: 1}, res)

	left := drainAll(t, s, types.KindClosed)
	require.Len(t, left, 1)
	assert.Equal(t, "retrying", left[0].Row.Key)
	assert.Equal(t, 1, left[0].Row.Attempts)
}
