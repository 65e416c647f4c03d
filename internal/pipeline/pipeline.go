// Package pipeline runs the stages of one ingestion cycle in order under a
// run lease, and schedules cycles at a fixed cadence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/consolidate"
	"github.com/steveyegge/bountyd/internal/ingest"
	"github.com/steveyegge/bountyd/internal/staging"
	"github.com/steveyegge/bountyd/internal/storage"
	"github.com/steveyegge/bountyd/internal/types"
)

// Ingester plans and runs the ingestion window
type Ingester interface {
	Plan(ctx context.Context, now time.Time) (types.RunState, types.Window, error)
	Ingest(ctx context.Context, state types.RunState, w types.Window) (ingest.Result, error)
}

// Consolidator merges staged events into master records
type Consolidator interface {
	Consolidate(ctx context.Context) (consolidate.Result, error)
}

// Aggregator recomputes project totals
type Aggregator interface {
	Recompute(ctx context.Context) (types.StageReport, error)
}

// Enricher summarizes records lacking a summary
type Enricher interface {
	Enrich(ctx context.Context) (types.StageReport, error)
}

// Indexer embeds pending summaries
type Indexer interface {
	IndexPending(ctx context.Context) (types.StageReport, error)
}

// Notifier posts pending notifications
type Notifier interface {
	Dispatch(ctx context.Context) (types.StageReport, error)
}

// Cleaner purges consumed staging rows
type Cleaner interface {
	Cleanup(ctx context.Context, maxAttempts int) (staging.CleanupResult, error)
}

// Stages are the collaborators of a run. Nil optional stages (Enrich,
// Index, Notify) are reported as skipped.
type Stages struct {
	Ingest      Ingester
	Consolidate Consolidator
	Aggregate   Aggregator
	Enrich      Enricher
	Index       Indexer
	Notify      Notifier
	Cleanup     Cleaner
}

// Runner executes one pipeline run at a time
type Runner struct {
	leases storage.LeaseStore
	stages Stages
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a runner
func NewRunner(leases storage.LeaseStore, stages Stages, cfg *config.Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		leases: leases,
		stages: stages,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used to compute windows
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// RunOnce runs every stage once. A run held by another process is reported
// as skipped, not as an error. Stage failures are recorded in the report
// and never stop later stages.
func (r *Runner) RunOnce(ctx context.Context) (*types.RunReport, error) {
	report := &types.RunReport{RunID: uuid.NewString(), StartedAt: r.now()}
	logger := r.logger.With("run_id", report.RunID)

	lease, err := storage.AcquireRunLease(ctx, r.leases, storage.PipelineLease, report.RunID, r.cfg.Pipeline.LeaseTTL)
	if errors.Is(err, storage.ErrLeaseHeld) {
		report.Skipped = true
		report.SkipReason = err.Error()
		report.FinishedAt = r.now()
		logger.Info("run skipped, lease held elsewhere", "reason", err)
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lease: %w", err)
	}
	defer func() {
		if err := lease.Release(); err != nil {
			logger.Warn("failed to release run lease", "error", err)
		}
	}()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if r.cfg.Pipeline.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Pipeline.RunTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		lease.Heartbeat(runCtx, heartbeatInterval(r.cfg.Pipeline.LeaseTTL), cancel)
	}()

	logger.Info("run started")
	r.runStages(runCtx, logger, report)

	cancel()
	hb.Wait()

	report.FinishedAt = r.now()
	logger.Info("run finished", "window", report.Window.String(), "failed", report.Failed(),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return report, nil
}

func heartbeatInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return time.Minute
	}
	return max(ttl/3, time.Second)
}

func (r *Runner) runStages(ctx context.Context, logger *slog.Logger, report *types.RunReport) {
	s := r.stages

	r.stage(ctx, logger, report, types.StageIngest, func(ctx context.Context) (types.StageReport, error) {
		state, w, err := s.Ingest.Plan(ctx, r.now())
		if err != nil {
			return types.StageReport{}, fmt.Errorf("plan window: %w", err)
		}
		report.Window = w
		res, err := s.Ingest.Ingest(ctx, state, w)
		return res.Report(), err
	})

	r.stage(ctx, logger, report, types.StageConsolidate, func(ctx context.Context) (types.StageReport, error) {
		res, err := s.Consolidate.Consolidate(ctx)
		return res.Report(), err
	})

	r.stage(ctx, logger, report, types.StageAggregate, optional(s.Aggregate != nil, func(ctx context.Context) (types.StageReport, error) {
		return s.Aggregate.Recompute(ctx)
	}))
	r.stage(ctx, logger, report, types.StageEnrich, optional(s.Enrich != nil, func(ctx context.Context) (types.StageReport, error) {
		return s.Enrich.Enrich(ctx)
	}))
	r.stage(ctx, logger, report, types.StageIndex, optional(s.Index != nil, func(ctx context.Context) (types.StageReport, error) {
		return s.Index.IndexPending(ctx)
	}))
	r.stage(ctx, logger, report, types.StageNotify, optional(s.Notify != nil, func(ctx context.Context) (types.StageReport, error) {
		return s.Notify.Dispatch(ctx)
	}))

	r.stage(ctx, logger, report, types.StageCleanup, func(ctx context.Context) (types.StageReport, error) {
		res, err := s.Cleanup.Cleanup(ctx, r.cfg.Pipeline.MaxStagingAttempts)
		return types.StageReport{Succeeded: res.Merged, Failed: res.Exhausted}, err
	})
}

type stageFunc func(ctx context.Context) (types.StageReport, error)

func optional(present bool, fn stageFunc) stageFunc {
	if present {
		return fn
	}
	return func(context.Context) (types.StageReport, error) {
		return types.StageReport{Skipped: 1}, nil
	}
}

// stage runs one stage and appends its report. A panic in a stage is
// recorded as a stage error so later stages still run.
func (r *Runner) stage(ctx context.Context, logger *slog.Logger, report *types.RunReport, name types.Stage, fn stageFunc) {
	start := time.Now()
	var (
		rep types.StageReport
		err error
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("stage panicked: %v", p)
			}
		}()
		rep, err = fn(ctx)
	}()

	rep.Stage = name
	rep.Duration = time.Since(start)
	if err != nil {
		rep.Err = err.Error()
		logger.Error("stage failed", "stage", name, "error", err)
	} else {
		logger.Info("stage finished", "stage", name,
			"succeeded", rep.Succeeded, "failed", rep.Failed, "skipped", rep.Skipped)
	}
	report.Stages = append(report.Stages, rep)
}
