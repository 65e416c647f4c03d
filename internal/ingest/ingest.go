// Package ingest pulls tracker activity for a window into the staging store.
//
// Progress is checkpointed per (window, query kind) after every page. A
// window whose queries did not all finish is recorded as pending and the
// next run resumes that exact window from the stored cursors; re-delivered
// pages are absorbed by idempotent staging.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/staging"
	"github.com/steveyegge/bountyd/internal/tracker"
	"github.com/steveyegge/bountyd/internal/types"
	"github.com/steveyegge/bountyd/internal/window"
)

// Backend is the storage ingestion needs
type Backend interface {
	GetRunState(ctx context.Context) (types.RunState, error)
	SaveRunState(ctx context.Context, state types.RunState) error
	GetCursor(ctx context.Context, w types.Window, kind types.EventKind) (*types.CursorCheckpoint, error)
	SaveCursor(ctx context.Context, cp types.CursorCheckpoint) error
	DeleteCursorsThrough(ctx context.Context, end time.Time) (int, error)
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueRecord, error)
}

// Engine runs ingestion
type Engine struct {
	store     Backend
	staging   *staging.Store
	client    tracker.Client
	refresher tracker.Refresher
	cfg       *config.Config
	logger    *slog.Logger
}

// New creates an ingestion engine. refresher may be nil.
func New(store Backend, stage *staging.Store, client tracker.Client, refresher tracker.Refresher,
	cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		staging:   stage,
		client:    client,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Plan loads the persisted run state and computes the window for a run at now
func (e *Engine) Plan(ctx context.Context, now time.Time) (types.RunState, types.Window, error) {
	state, err := e.store.GetRunState(ctx)
	if err != nil {
		return types.RunState{}, types.Window{}, err
	}
	return state, window.Compute(state, now, e.cfg), nil
}

// QueryResult is the outcome of one query of a window
type QueryResult struct {
	Kind   types.EventKind
	Query  string
	Pages  int
	Staged int
	// Rejected counts malformed items that were not staged
	Rejected int
	Done     bool
	// Resumed is true when pagination continued from a stored cursor
	Resumed bool
	// AlreadyDone is true when a previous run finished this query
	AlreadyDone bool
	// Abandoned is true when the query failed too many runs in a row and
	// was marked done without finishing
	Abandoned bool
	Err       error
}

// Result is the outcome of ingesting one window
type Result struct {
	Window    types.Window
	Queries   []QueryResult
	Refreshed int
	// Complete is true when every query of the window finished and the boundary advanced
	Complete bool
}

// Report converts a result into the stage report. Staged events count as
// succeeded; rejected events and failed queries as failed; queries a
// previous run finished as skipped.
func (r Result) Report() types.StageReport {
	rep := types.StageReport{Stage: types.StageIngest, Succeeded: r.Refreshed}
	for _, q := range r.Queries {
		rep.Succeeded += q.Staged
		rep.Failed += q.Rejected
		if q.Err != nil {
			rep.Failed++
		}
		if q.AlreadyDone {
			rep.Skipped++
		}
	}
	return rep
}

// Ingest runs every query of w, then advances or pends the run state.
// Per-query failures are recorded in the result; the returned error is
// reserved for failures to persist run state.
func (e *Engine) Ingest(ctx context.Context, state types.RunState, w types.Window) (Result, error) {
	res := Result{Window: w}
	if w.Empty() {
		e.logger.Info("empty ingestion window, nothing to fetch", "boundary", state.Boundary)
		return res, nil
	}

	complete := true
	for _, q := range window.Queries(w, e.cfg) {
		qr := e.runQuery(ctx, w, q)
		if !qr.Done {
			complete = false
		}
		res.Queries = append(res.Queries, qr)
	}

	res.Refreshed = e.refreshOpenIssues(ctx)

	next := types.RunState{Boundary: w.Start, PendingEnd: w.End}
	if complete {
		next = types.RunState{Boundary: w.End}
	}
	// Persist even when ctx is canceled so finished pages are not re-planned
	saveCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveRunState(saveCtx, next); err != nil {
		return res, fmt.Errorf("failed to save run state: %w", err)
	}
	res.Complete = complete

	if complete {
		if _, err := e.store.DeleteCursorsThrough(saveCtx, w.End); err != nil {
			e.logger.Warn("failed to delete finished cursors", "window", w.String(), "error", err)
		}
		e.logger.Info("ingestion window complete", "window", w.String())
	} else {
		e.logger.Info("ingestion window incomplete, will resume", "window", w.String())
	}
	return res, nil
}

func (e *Engine) runQuery(ctx context.Context, w types.Window, q window.QueryDescriptor) QueryResult {
	qr := QueryResult{Kind: q.Kind, Query: q.String()}
	logger := e.logger.With("stage", types.StageIngest, "kind", q.Kind)

	cp, err := e.store.GetCursor(ctx, w, q.Kind)
	if err != nil {
		qr.Err = err
		logger.Warn("failed to load cursor", "error", err)
		return qr
	}
	if cp == nil {
		cp = &types.CursorCheckpoint{WindowStart: w.Start, WindowEnd: w.End, Kind: q.Kind}
	}
	if cp.Done {
		qr.Done = true
		qr.AlreadyDone = true
		return qr
	}
	qr.Resumed = cp.Cursor != ""
	pagesBefore := cp.Pages

	onPage := func(page tracker.Page, resume string) error {
		for _, item := range page.Items {
			err := e.staging.Put(ctx, item)
			switch {
			case err == nil:
				qr.Staged++
			case errors.Is(err, types.ErrMalformedEvent):
				qr.Rejected++
				logger.Warn("rejected malformed tracker item", "error", err)
			default:
				// Leave the cursor before this page so it is fetched again
				return err
			}
		}
		cp.Cursor = resume
		cp.Pages++
		cp.Failures = 0
		return e.store.SaveCursor(ctx, *cp)
	}

	pres, err := tracker.Paginate(ctx, e.client, q, cp.Cursor, e.cfg.Tracker.MaxPages, onPage)
	qr.Pages = cp.Pages - pagesBefore
	if err != nil {
		qr.Err = err
		e.recordFailure(ctx, logger, cp, &qr)
		return qr
	}
	if !pres.Done {
		logger.Info("page cap reached, will resume next run", "pages", qr.Pages, "cursor", cp.Cursor)
		return qr
	}

	cp.Done = true
	if err := e.store.SaveCursor(ctx, *cp); err != nil {
		qr.Err = err
		logger.Warn("failed to mark query done", "error", err)
		return qr
	}
	qr.Done = true
	logger.Info("query complete", "pages", qr.Pages, "staged", qr.Staged, "resumed", qr.Resumed)
	return qr
}

// recordFailure counts a failed run of the query. Once the count reaches
// tracker.max_query_failures the query is marked done so the window can
// complete; whatever it did not fetch is lost. Cancellation never counts.
func (e *Engine) recordFailure(ctx context.Context, logger *slog.Logger, cp *types.CursorCheckpoint, qr *QueryResult) {
	if ctx.Err() != nil {
		logger.Warn("query interrupted, will resume from last cursor", "cursor", cp.Cursor, "pages", qr.Pages)
		return
	}
	if qr.Pages == 0 {
		cp.Failures++
	}
	if cp.Failures >= max(e.cfg.Tracker.MaxQueryFailures, 1) {
		cp.Done = true
		qr.Done = true
		qr.Abandoned = true
		logger.Warn("query keeps failing, giving up on it for this window",
			"failures", cp.Failures, "cursor", cp.Cursor, "pages", cp.Pages, "error", qr.Err)
	} else {
		logger.Warn("query failed, will resume from last cursor",
			"cursor", cp.Cursor, "pages", qr.Pages, "failures", cp.Failures, "error", qr.Err)
	}
	if err := e.store.SaveCursor(ctx, *cp); err != nil {
		logger.Warn("failed to record query failure", "error", err)
		if qr.Abandoned {
			qr.Done = false
			qr.Abandoned = false
		}
	}
}

// refreshOpenIssues re-reads open issues the tracker search would not
// report as updated in this window and stages what it finds.
func (e *Engine) refreshOpenIssues(ctx context.Context) int {
	if e.refresher == nil {
		return 0
	}
	issues, err := e.store.ListIssues(ctx, types.IssueFilter{TrackerOpen: true})
	if err != nil {
		e.logger.Warn("failed to list open issues for refresh", "error", err)
		return 0
	}
	if len(issues) == 0 {
		return 0
	}
	ids := make([]string, 0, len(issues))
	for _, issue := range issues {
		ids = append(ids, issue.IssueID)
	}

	events, err := e.refresher.RefreshIssues(ctx, ids)
	if err != nil {
		e.logger.Warn("failed to refresh open issues", "count", len(ids), "error", err)
	}
	staged := 0
	for _, ev := range events {
		if err := e.staging.Put(ctx, ev); err != nil {
			e.logger.Warn("failed to stage refreshed issue", "issue_id", ev.IssueID, "error", err)
			continue
		}
		staged++
	}
	return staged
}
