// Package consolidate merges staged events into master issue records and
// keeps the project master in step with the issues that reference it.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/merge"
	"github.com/steveyegge/bountyd/internal/staging"
	"github.com/steveyegge/bountyd/internal/tracker"
	"github.com/steveyegge/bountyd/internal/types"
)

// ErrUnknownIssue is recorded on staged events that refer to an issue the
// master table does not hold yet. The row stays staged and is retried.
var ErrUnknownIssue = errors.New("issue not in master table")

// Backend is the storage consolidation needs
type Backend interface {
	MutateIssue(ctx context.Context, id string,
		fn func(existing *types.IssueRecord) (*types.IssueRecord, error)) (*types.IssueRecord, error)
	IssueProjectIDs(ctx context.Context) ([]string, error)
	EnsureProjects(ctx context.Context, ids []string) (int, error)
	ProjectsMissingMetadata(ctx context.Context, limit int) ([]string, error)
	SaveProjectMetadata(ctx context.Context, md types.RepoMetadata, fetchedAt time.Time) error
	ListProjects(ctx context.Context, filter types.ProjectFilter) ([]*types.ProjectRecord, error)
	SyncProjectFields(ctx context.Context, project *types.ProjectRecord) (int, error)
}

// Engine runs consolidation
type Engine struct {
	store   Backend
	staging *staging.Store
	repos   tracker.RepoFetcher
	cfg     *config.Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a consolidation engine. repos may be nil, in which case
// project metadata is not fetched.
func New(store Backend, stage *staging.Store, repos tracker.RepoFetcher, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		staging: stage,
		repos:   repos,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for set-once dates
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// KindResult counts the outcome of one event kind
type KindResult struct {
	Merged int
	// Unchanged events merged without modifying any record
	Unchanged int
	Failed    int
	// Deferred events refer to issues not yet known
	Deferred int
	Purged   int
}

// Result is the outcome of a consolidation pass
type Result struct {
	Kinds           map[types.EventKind]*KindResult
	ProjectsCreated int
	MetadataFetched int
	MetadataFailed  int
	IssuesSynced    int
}

// Report converts a result into the stage report
func (r Result) Report() types.StageReport {
	rep := types.StageReport{Stage: types.StageConsolidate}
	for _, k := range r.Kinds {
		rep.Succeeded += k.Merged + k.Unchanged
		rep.Failed += k.Failed
		rep.Skipped += k.Deferred
	}
	rep.Failed += r.MetadataFailed
	return rep
}

// Consolidate drains every event kind in order, merges each event into the
// master records, purges what merged, then seeds and refreshes projects.
// Per-event failures are counted; the returned error means the staging
// store or database itself could not be read.
func (e *Engine) Consolidate(ctx context.Context) (Result, error) {
	res := Result{Kinds: make(map[types.EventKind]*KindResult, len(types.AllEventKinds))}

	for _, kind := range types.AllEventKinds {
		kr, err := e.consolidateKind(ctx, kind)
		res.Kinds[kind] = kr
		if err != nil {
			return res, fmt.Errorf("consolidate %s: %w", kind, err)
		}
	}

	if err := e.syncProjects(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) consolidateKind(ctx context.Context, kind types.EventKind) (*KindResult, error) {
	kr := &KindResult{}
	var mergedKeys []string

	err := e.staging.Drain(ctx, kind, func(entry staging.Entry) error {
		logger := e.logger.With("stage", types.StageConsolidate, "kind", kind, "key", entry.Row.Key)

		changed, err := e.applyEntry(ctx, entry)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnknownIssue):
			kr.Deferred++
			e.markFailed(ctx, logger, entry, err)
			return nil
		case errors.Is(err, types.ErrMalformedEvent), errors.Is(err, types.ErrInvariant):
			kr.Failed++
			logger.Warn("rejected staged event", "error", err)
			e.markFailed(ctx, logger, entry, err)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			kr.Failed++
			logger.Warn("failed to merge staged event", "error", err)
			e.markFailed(ctx, logger, entry, err)
			return nil
		}

		if err := e.staging.MarkMerged(ctx, entry); err != nil {
			return err
		}
		mergedKeys = append(mergedKeys, entry.Row.Key)
		if changed {
			kr.Merged++
		} else {
			kr.Unchanged++
		}
		return nil
	})
	if err != nil {
		return kr, err
	}

	n, err := e.staging.Purge(ctx, kind, mergedKeys)
	if err != nil {
		return kr, err
	}
	kr.Purged = n

	e.logger.Info("consolidated staged events", "kind", kind,
		"merged", kr.Merged, "unchanged", kr.Unchanged, "deferred", kr.Deferred, "failed", kr.Failed)
	return kr, nil
}

func (e *Engine) markFailed(ctx context.Context, logger *slog.Logger, entry staging.Entry, reason error) {
	attempts, err := e.staging.MarkFailed(ctx, entry, reason)
	if err != nil {
		logger.Warn("failed to record merge attempt", "error", err)
		return
	}
	logger.Debug("staged event kept for retry", "attempts", attempts, "reason", reason)
}

// applyEntry merges one staged event and reports whether any record changed
func (e *Engine) applyEntry(ctx context.Context, entry staging.Entry) (bool, error) {
	if entry.DecodeErr != nil {
		return false, entry.DecodeErr
	}
	if err := merge.ValidateEvent(entry.Event); err != nil {
		return false, err
	}

	switch ev := entry.Event.(type) {
	case *types.OpenEvent:
		return e.mutate(ctx, ev.IssueID, func(existing *types.IssueRecord) (*types.IssueRecord, bool) {
			return merge.ApplyOpen(existing, ev)
		}, true)
	case *types.AssignCommentEvent:
		return e.mutate(ctx, ev.IssueID, func(rec *types.IssueRecord) (*types.IssueRecord, bool) {
			return merge.ApplyAssignComment(rec, ev)
		}, false)
	case *types.ClosedEvent:
		now := e.now()
		return e.mutate(ctx, ev.IssueID, func(rec *types.IssueRecord) (*types.IssueRecord, bool) {
			return merge.ApplyClosed(rec, ev, now)
		}, false)
	case *types.PullRequestEvent:
		return e.applyPullRequest(ctx, ev)
	default:
		return false, fmt.Errorf("%w: unhandled event type %T", types.ErrMalformedEvent, entry.Event)
	}
}

// mutate applies fn to the stored record in one transaction. Unless create
// is set, a missing record yields ErrUnknownIssue.
func (e *Engine) mutate(ctx context.Context, id string,
	fn func(*types.IssueRecord) (*types.IssueRecord, bool), create bool) (bool, error) {

	changed := false
	_, err := e.store.MutateIssue(ctx, id, func(existing *types.IssueRecord) (*types.IssueRecord, error) {
		if existing == nil && !create {
			return nil, fmt.Errorf("%w: %s", ErrUnknownIssue, id)
		}
		next, ok := fn(existing)
		if !ok {
			return nil, nil
		}
		changed = true
		return next, nil
	})
	return changed, err
}

// applyPullRequest coalesces a merged PR onto every connected issue the
// master table knows. Issues outside the program are ignored; the event is
// deferred only when none of its connected issues are known yet.
func (e *Engine) applyPullRequest(ctx context.Context, ev *types.PullRequestEvent) (bool, error) {
	if len(ev.ConnectedIssues) == 0 {
		return false, nil
	}
	changed := false
	known := 0
	for _, id := range ev.ConnectedIssues {
		ok, err := e.mutate(ctx, id, func(rec *types.IssueRecord) (*types.IssueRecord, bool) {
			return merge.ApplyPullRequest(rec, ev)
		}, false)
		if errors.Is(err, ErrUnknownIssue) {
			continue
		}
		if err != nil {
			return changed, err
		}
		known++
		changed = changed || ok
	}
	if known == 0 {
		return false, fmt.Errorf("%w: none of %d issues closed by %s", ErrUnknownIssue, len(ev.ConnectedIssues), ev.PullID)
	}
	return changed, nil
}

// syncProjects ensures a project record per referenced project, fetches
// missing repository metadata and copies project fields back onto issues.
// Metadata errors are counted but never fail consolidation.
func (e *Engine) syncProjects(ctx context.Context, res *Result) error {
	ids, err := e.store.IssueProjectIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list issue projects: %w", err)
	}
	created, err := e.store.EnsureProjects(ctx, ids)
	if err != nil {
		return err
	}
	res.ProjectsCreated = created

	if e.repos != nil {
		res.MetadataFetched, res.MetadataFailed = e.fetchMetadata(ctx)
	}

	projects, err := e.store.ListProjects(ctx, types.ProjectFilter{})
	if err != nil {
		return fmt.Errorf("failed to list projects: %w", err)
	}
	for _, p := range projects {
		n, err := e.store.SyncProjectFields(ctx, p)
		if err != nil {
			e.logger.Warn("failed to sync project fields", "project_id", p.ProjectID, "error", err)
			continue
		}
		res.IssuesSynced += n
	}

	e.logger.Info("projects synced", "created", res.ProjectsCreated,
		"metadata_fetched", res.MetadataFetched, "metadata_failed", res.MetadataFailed, "issues_synced", res.IssuesSynced)
	return nil
}

// fetchMetadata loads repository metadata for projects that have none, in
// batches fetched by a bounded pool of workers. Repositories the tracker
// omits are recorded with empty metadata so they are not requested again.
func (e *Engine) fetchMetadata(ctx context.Context) (fetched, failed int) {
	ids, err := e.store.ProjectsMissingMetadata(ctx, 0)
	if err != nil {
		e.logger.Warn("failed to list projects missing metadata", "error", err)
		return 0, 1
	}
	if len(ids) == 0 {
		return 0, 0
	}

	batchSize := max(e.cfg.Tracker.RepoBatchSize, 1)
	var batches [][]string
	for start := 0; start < len(ids); start += batchSize {
		batches = append(batches, ids[start:min(start+batchSize, len(ids))])
	}

	outcomes := make([]batchOutcome, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.Pipeline.Workers, 1))
	for i, batch := range batches {
		g.Go(func() error {
			outcomes[i] = e.fetchBatch(gctx, batch)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		fetched += o.fetched
		failed += o.failed
	}
	return fetched, failed
}

type batchOutcome struct {
	fetched int
	failed  int
}

func (e *Engine) fetchBatch(ctx context.Context, ids []string) (out batchOutcome) {
	mds, err := e.repos.FetchRepos(ctx, ids)
	if err != nil {
		e.logger.Warn("failed to fetch repository metadata", "projects", len(ids), "error", err)
		out.failed = len(ids)
		return out
	}

	found := make(map[string]types.RepoMetadata, len(mds))
	for _, md := range mds {
		found[md.ProjectID] = md
	}
	now := e.now()
	for _, id := range ids {
		md, ok := found[id]
		if !ok {
			e.logger.Debug("tracker has no repository for project", "project_id", id)
			md = types.RepoMetadata{ProjectID: id}
		}
		if err := e.store.SaveProjectMetadata(ctx, md, now); err != nil {
			e.logger.Warn("failed to save repository metadata", "project_id", id, "error", err)
			out.failed++
			continue
		}
		out.fetched++
	}
	return out
}
