package sqlite

import (
	"context"
	"fmt"

	"github.com/steveyegge/bountyd/internal/types"
)

// UpdateProjectTotals reads every issue of a project and stores the totals
// compute derives from them, in one transaction so the totals always match
// the issues they were computed from.
func (s *SQLiteStorage) UpdateProjectTotals(ctx context.Context, projectID string,
	compute func(issues []*types.IssueRecord) types.ProjectTotals) (types.ProjectTotals, error) {

	var totals types.ProjectTotals
	err := s.withTx(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, `
			SELECT `+issueColumns+` FROM issues WHERE project_id = ? ORDER BY created_at, issue_id
		`, projectID)
		if err != nil {
			return fmt.Errorf("failed to load issues for %s: %w", projectID, err)
		}
		var issues []*types.IssueRecord
		for rows.Next() {
			issue, err := scanIssue(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan issue: %w", err)
			}
			issues = append(issues, issue)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		totals = compute(issues)
		return saveProjectTotals(ctx, q, projectID, totals, s.now())
	})
	return totals, err
}

// GetStatistics returns dashboard counters over all issues and projects.
// ProgramBudget and BudgetBalance are left for the caller, which owns the program configuration.
func (s *SQLiteStorage) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	var stats types.Statistics
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN review_status = 'queue' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN review_status = 'approve' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN review_status = 'decline' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(budget_approved), 0),
			COALESCE(SUM(budget), 0),
			COALESCE(SUM(CASE WHEN budget_approved = 1 THEN budget ELSE 0 END), 0)
		FROM issues
	`).Scan(&stats.TotalIssues, &stats.QueuedIssues, &stats.ApprovedIssues, &stats.DeclinedIssues,
		&stats.BudgetApprovedIssues, &stats.BudgetAllocated, &stats.BudgetUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue statistics: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&stats.TotalProjects); err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	return &stats, nil
}
