// Package window computes ingestion windows and the tracker queries that cover them.
// Everything here is pure: the same state, clock and config always yield the same output.
package window

import (
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/types"
)

// RangeLayout is how range bounds appear in search queries
const RangeLayout = "2006-01-02T15:04:05Z"

// Compute returns the window for a run started at now.
//
// An incomplete window recorded in state.PendingEnd is resumed unchanged so
// that stored cursors remain valid for the same query text. Otherwise the
// window runs from the stored boundary (or the initial lookback on first run,
// never before the program start date) to now truncated to cfg.Window.Align.
// A boundary at or after the end yields an empty window.
func Compute(state types.RunState, now time.Time, cfg *config.Config) types.Window {
	start := state.Boundary.UTC()

	if !state.PendingEnd.IsZero() && !start.IsZero() && start.Before(state.PendingEnd) {
		return types.Window{Start: start, End: state.PendingEnd.UTC()}
	}

	end := now.UTC().Truncate(cfg.Window.Align)
	if start.IsZero() {
		start = end.Add(-cfg.Window.InitialLookback)
		if programStart, err := cfg.StartTime(); err == nil && start.Before(programStart) {
			start = programStart
		}
	}
	if !start.Before(end) {
		return types.Window{Start: start, End: start}
	}
	return types.Window{Start: start, End: end}
}

// State names the tracker state filter of a query
type State string

const (
	StateAny    State = ""
	StateOpen   State = "open"
	StateClosed State = "closed"
	StateMerged State = "merged"
)

// RangeField names which timestamp the window applies to
type RangeField string

const (
	FieldCreated RangeField = "created"
	FieldUpdated RangeField = "updated"
	FieldClosed  RangeField = "closed"
	FieldMerged  RangeField = "merged"
)

// QueryDescriptor is one tracker search covering a window for one event kind
type QueryDescriptor struct {
	Kind           types.EventKind
	Label          string
	PullRequests   bool
	State          State
	Field          RangeField
	Window         types.Window
	CreatedAfter   time.Time
	ExcludedLabels []string
	// ApprovedOnly restricts pull requests to approved reviews
	ApprovedOnly bool
}

// Queries returns one descriptor per event kind, in consolidation order.
// An empty window yields no queries.
func Queries(w types.Window, cfg *config.Config) []QueryDescriptor {
	if w.Empty() {
		return nil
	}
	programStart, _ := cfg.StartTime()
	excluded := append([]string(nil), cfg.Program.ExcludedLabels...)

	return []QueryDescriptor{
		{
			Kind:           types.KindOpen,
			Label:          cfg.Program.IssueLabel,
			State:          StateOpen,
			Field:          FieldCreated,
			Window:         w,
			ExcludedLabels: excluded,
		},
		{
			Kind:           types.KindAssignComment,
			Label:          cfg.Program.IssueLabel,
			State:          StateAny,
			Field:          FieldUpdated,
			Window:         w,
			CreatedAfter:   programStart,
			ExcludedLabels: excluded,
		},
		{
			Kind:           types.KindClosed,
			Label:          cfg.Program.IssueLabel,
			State:          StateClosed,
			Field:          FieldClosed,
			Window:         w,
			CreatedAfter:   programStart,
			ExcludedLabels: excluded,
		},
		{
			Kind:         types.KindPullRequest,
			Label:        cfg.Program.PRLabel,
			PullRequests: true,
			State:        StateMerged,
			Field:        FieldMerged,
			Window:       w,
			ApprovedOnly: true,
		},
	}
}

// Range renders the half-open window as an inclusive search range.
// The end is pulled back one second so adjacent windows never overlap.
func (q QueryDescriptor) Range() string {
	last := q.Window.End.Add(-time.Second)
	if last.Before(q.Window.Start) {
		last = q.Window.Start
	}
	return q.Window.Start.UTC().Format(RangeLayout) + ".." + last.UTC().Format(RangeLayout)
}

// String renders the descriptor in tracker search syntax, e.g.
//
//	label:bounty is:issue is:open created:2024-06-17T00:00:00Z..2024-06-17T00:59:59Z -label:spam
func (q QueryDescriptor) String() string {
	parts := []string{fmt.Sprintf("label:%s", quoteLabel(q.Label))}
	if q.PullRequests {
		parts = append(parts, "is:pr")
	} else {
		parts = append(parts, "is:issue")
	}
	if q.State != StateAny {
		parts = append(parts, "is:"+string(q.State))
	}
	if !q.CreatedAfter.IsZero() && q.Field != FieldCreated {
		parts = append(parts, "created:>"+q.CreatedAfter.UTC().Format("2006-01-02"))
	}
	parts = append(parts, string(q.Field)+":"+q.Range())
	if q.ApprovedOnly {
		parts = append(parts, "review:approved")
	}
	for _, l := range q.ExcludedLabels {
		parts = append(parts, "-label:"+quoteLabel(l))
	}
	return strings.Join(parts, " ")
}

// Key identifies the query for logs and checkpoints
func (q QueryDescriptor) Key() string {
	return fmt.Sprintf("%s@%s", q.Kind, q.Window)
}

func quoteLabel(l string) string {
	if strings.ContainsAny(l, " \t") {
		return `"` + l + `"`
	}
	return l
}
