// Package aggregate recomputes project-level totals from issue records.
// Totals are always rebuilt from scratch, never adjusted incrementally, so a
// crash mid-run cannot leave them skewed.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/types"
)

// Backend is the storage aggregation needs
type Backend interface {
	ListProjects(ctx context.Context, filter types.ProjectFilter) ([]*types.ProjectRecord, error)
	UpdateProjectTotals(ctx context.Context, projectID string,
		compute func(issues []*types.IssueRecord) types.ProjectTotals) (types.ProjectTotals, error)
	GetStatistics(ctx context.Context) (*types.Statistics, error)
}

// Engine runs aggregation
type Engine struct {
	store  Backend
	cfg    *config.Config
	logger *slog.Logger
}

// New creates an aggregation engine
func New(store Backend, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Totals derives a project's aggregates from its issues. Participants are
// distinct creators and assignees in first-seen order.
func Totals(issues []*types.IssueRecord) types.ProjectTotals {
	t := types.ProjectTotals{
		IssuesList:       make([]string, 0, len(issues)),
		ParticipantsList: []string{},
	}
	seen := make(map[string]bool)
	addParticipant := func(login string) {
		if login == "" || seen[login] {
			return
		}
		seen[login] = true
		t.ParticipantsList = append(t.ParticipantsList, login)
	}

	for _, issue := range issues {
		t.IssuesList = append(t.IssuesList, issue.IssueID)
		t.IssueCount++
		addParticipant(issue.Creator)
		for _, a := range issue.Assignees {
			addParticipant(a)
		}

		budget := issue.BudgetValue()
		t.TotalBudgetAllocated += budget
		if issue.BudgetApproved {
			t.TotalBudgetUsed += budget
		}

		switch issue.ReviewStatus {
		case types.ReviewQueue:
			t.QueuedCount++
		case types.ReviewApprove:
			t.ApprovedCount++
		case types.ReviewDecline:
			t.DeclinedCount++
		}
	}
	return t
}

// Recompute rebuilds the totals of every project. A project that fails is
// counted and logged; the rest still run.
func (e *Engine) Recompute(ctx context.Context) (types.StageReport, error) {
	rep := types.StageReport{Stage: types.StageAggregate}
	projects, err := e.store.ListProjects(ctx, types.ProjectFilter{})
	if err != nil {
		return rep, fmt.Errorf("failed to list projects: %w", err)
	}
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if _, err := e.RecomputeProject(ctx, p.ProjectID); err != nil {
			rep.Failed++
			e.logger.Warn("failed to recompute project totals", "project_id", p.ProjectID, "error", err)
			continue
		}
		rep.Succeeded++
	}
	e.logger.Info("project totals recomputed", "projects", rep.Succeeded, "failed", rep.Failed)
	return rep, nil
}

// RecomputeProject rebuilds the totals of one project
func (e *Engine) RecomputeProject(ctx context.Context, projectID string) (types.ProjectTotals, error) {
	return e.store.UpdateProjectTotals(ctx, projectID, Totals)
}

// Dashboard returns the program-wide counters with the running budget
func (e *Engine) Dashboard(ctx context.Context) (*types.Statistics, error) {
	stats, err := e.store.GetStatistics(ctx)
	if err != nil {
		return nil, err
	}
	stats.ProgramBudget = e.cfg.Program.TotalBudget
	stats.BudgetBalance = stats.ProgramBudget - stats.BudgetAllocated
	return stats, nil
}
