package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/bountyd/internal/types"
)

// RunFunc executes one run
type RunFunc func(ctx context.Context) (*types.RunReport, error)

// Scheduler triggers runs at a fixed cadence. A tick that fires while the
// previous run is still going is skipped. Cross-process exclusion is the
// run lease's job.
type Scheduler struct {
	run      RunFunc
	cadence  time.Duration
	logger   *slog.Logger
	onReport func(*types.RunReport, error)

	mu sync.Mutex // held for the duration of a run
	wg sync.WaitGroup

	stateMu sync.Mutex
	skipped int
	running bool
	runs    int
	last    *types.RunReport
	lastErr error
}

// Status is a snapshot of the scheduler
type Status struct {
	Cadence time.Duration
	Running bool
	Runs    int
	Skipped int
	Last    *types.RunReport
	LastErr error
}

// NewScheduler creates a scheduler. onReport, when set, receives every
// finished run.
func NewScheduler(run RunFunc, cadence time.Duration, onReport func(*types.RunReport, error), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cadence <= 0 {
		cadence = time.Hour
	}
	return &Scheduler{run: run, cadence: cadence, onReport: onReport, logger: logger}
}

// Start runs immediately, then on every tick, until ctx is done. It waits
// for an in-flight run before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.cadence)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "cadence", s.cadence)
	s.Trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Trigger(ctx)
		}
	}
}

// Trigger starts a run in the background unless one is in progress. It
// reports whether a run was started.
func (s *Scheduler) Trigger(ctx context.Context) bool {
	if !s.mu.TryLock() {
		s.stateMu.Lock()
		s.skipped++
		s.stateMu.Unlock()
		s.logger.Warn("previous run still in progress, skipping tick")
		return false
	}

	s.stateMu.Lock()
	s.running = true
	s.stateMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.mu.Unlock()

		report, err := s.run(ctx)
		if err != nil {
			s.logger.Error("run failed", "error", err)
		}
		s.stateMu.Lock()
		s.running = false
		s.runs++
		s.last, s.lastErr = report, err
		s.stateMu.Unlock()
		if s.onReport != nil {
			s.onReport(report, err)
		}
	}()
	return true
}

// Wait blocks until the in-flight run, if any, finishes
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Skipped returns how many ticks were skipped because a run was in progress
func (s *Scheduler) Skipped() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.skipped
}

// Status returns a snapshot for status output
func (s *Scheduler) Status() Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return Status{
		Cadence: s.cadence,
		Running: s.running,
		Runs:    s.runs,
		Skipped: s.skipped,
		Last:    s.last,
		LastErr: s.lastErr,
	}
}
