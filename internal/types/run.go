package types

import (
	"fmt"
	"strings"
	"time"
)

// Window is the half-open time range [Start, End) considered by one run
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Empty reports whether the window contains no instants
func (w Window) Empty() bool {
	return !w.Start.Before(w.End)
}

func (w Window) String() string {
	if w.Empty() {
		return "[empty]"
	}
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// RunState is the persisted ingestion progress
type RunState struct {
	// Boundary is the end of the last fully ingested window
	Boundary time.Time
	// PendingEnd is the end of a window whose ingestion has not completed.
	// The next run resumes that exact window so stored cursors stay valid.
	PendingEnd time.Time
}

// CursorCheckpoint stores pagination progress for one query of one window
type CursorCheckpoint struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Kind        EventKind
	Cursor      string
	Pages       int
	Done        bool
	// Failures counts consecutive runs that failed this query without progress
	Failures  int
	UpdatedAt time.Time
}

// Lease is the cross-process run guard
type Lease struct {
	Name       string
	Holder     string
	RunID      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Stage names a pipeline stage
type Stage string

const (
	StageIngest      Stage = "ingest"
	StageConsolidate Stage = "consolidate"
	StageAggregate   Stage = "aggregate"
	StageEnrich      Stage = "enrich"
	StageIndex       Stage = "index"
	StageNotify      Stage = "notify"
	StageCleanup     Stage = "cleanup"
)

// StageReport counts item outcomes for one stage
type StageReport struct {
	Stage     Stage         `json:"stage"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	// Err is set when the stage could not run at all
	Err string `json:"error,omitempty"`
}

// Add merges counts from another report for the same stage
func (r *StageReport) Add(o StageReport) {
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

func (r StageReport) String() string {
	s := fmt.Sprintf("%-12s ok=%d failed=%d skipped=%d (%v)", r.Stage, r.Succeeded, r.Failed, r.Skipped,
		r.Duration.Round(time.Millisecond))
	if r.Err != "" {
		s += " error: " + r.Err
	}
	return s
}

// RunReport summarizes one pipeline run
type RunReport struct {
	RunID      string        `json:"run_id"`
	Window     Window        `json:"window"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Skipped    bool          `json:"skipped"`
	SkipReason string        `json:"skip_reason,omitempty"`
	Stages     []StageReport `json:"stages"`
}

// Stage returns the report for a stage, or a zero report
func (r *RunReport) Stage(s Stage) StageReport {
	for _, st := range r.Stages {
		if st.Stage == s {
			return st
		}
	}
	return StageReport{Stage: s}
}

// Failed reports whether any stage had failures
func (r *RunReport) Failed() bool {
	for _, st := range r.Stages {
		if st.Failed > 0 || st.Err != "" {
			return true
		}
	}
	return false
}

func (r *RunReport) String() string {
	if r.Skipped {
		return fmt.Sprintf("run %s skipped: %s", r.RunID, r.SkipReason)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "run %s window %s\n", r.RunID, r.Window)
	for _, st := range r.Stages {
		b.WriteString("  ")
		b.WriteString(st.String())
		b.WriteString("\n")
	}
	return b.String()
}
