package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/bountyd/internal/types"
)

const issueColumns = `issue_id, project_id, title, description, creator, main_language, repo_stars,
	budget_guess, budget, assignees, linked_pr, tracker_status, review_status, budget_approved,
	date_assigned, date_approved, date_declined, date_budget_approved,
	last_comment_at, last_comment_author, last_comment_body, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*types.IssueRecord, error) {
	var (
		issue          types.IssueRecord
		budget         sql.NullInt64
		assignees      sql.NullString
		linkedPR       sql.NullString
		trackerStatus  sql.NullString
		reviewStatus   string
		budgetApproved int
		dateAssigned   sql.NullString
		dateApproved   sql.NullString
		dateDeclined   sql.NullString
		dateBudgetOK   sql.NullString
		lastCommentAt  sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(
		&issue.IssueID, &issue.ProjectID, &issue.Title, &issue.Description, &issue.Creator,
		&issue.MainLanguage, &issue.RepoStars, &issue.BudgetGuess, &budget, &assignees,
		&linkedPR, &trackerStatus, &reviewStatus, &budgetApproved,
		&dateAssigned, &dateApproved, &dateDeclined, &dateBudgetOK,
		&lastCommentAt, &issue.LastCommentAuthor, &issue.LastCommentBody, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if budget.Valid {
		b := int(budget.Int64)
		issue.Budget = &b
	}
	if issue.Assignees, err = decodeList(assignees); err != nil {
		return nil, err
	}
	if linkedPR.Valid {
		issue.LinkedPR = &linkedPR.String
	}
	if trackerStatus.Valid {
		issue.TrackerStatus = &trackerStatus.String
	}
	issue.ReviewStatus = types.ReviewStatus(reviewStatus)
	issue.BudgetApproved = budgetApproved != 0

	if issue.DateAssigned, err = parseNullTime(dateAssigned); err != nil {
		return nil, err
	}
	if issue.DateApproved, err = parseNullTime(dateApproved); err != nil {
		return nil, err
	}
	if issue.DateDeclined, err = parseNullTime(dateDeclined); err != nil {
		return nil, err
	}
	if issue.DateBudgetApproved, err = parseNullTime(dateBudgetOK); err != nil {
		return nil, err
	}
	if issue.LastCommentAt, err = parseNullTime(lastCommentAt); err != nil {
		return nil, err
	}
	if issue.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if issue.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &issue, nil
}

// GetIssue retrieves an issue by ID. It returns types.ErrNotFound when absent.
func (s *SQLiteStorage) GetIssue(ctx context.Context, id string) (*types.IssueRecord, error) {
	return getIssue(ctx, s.db, id)
}

func getIssue(ctx context.Context, q querier, id string) (*types.IssueRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE issue_id = ?`, id)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue %s: %w", id, err)
	}
	return issue, nil
}

// SaveIssue upserts a complete issue record
func (s *SQLiteStorage) SaveIssue(ctx context.Context, issue *types.IssueRecord) error {
	return s.withTx(ctx, func(q querier) error {
		return s.saveIssue(ctx, q, issue)
	})
}

func (s *SQLiteStorage) saveIssue(ctx context.Context, q querier, issue *types.IssueRecord) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("validation failed for %s: %w", issue.IssueID, err)
	}

	now := s.now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now

	assignees, err := encodeList(issue.Assignees)
	if err != nil {
		return fmt.Errorf("failed to encode assignees: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			project_id = excluded.project_id,
			title = excluded.title,
			description = excluded.description,
			creator = excluded.creator,
			main_language = excluded.main_language,
			repo_stars = excluded.repo_stars,
			budget_guess = excluded.budget_guess,
			budget = excluded.budget,
			assignees = excluded.assignees,
			linked_pr = excluded.linked_pr,
			tracker_status = excluded.tracker_status,
			review_status = excluded.review_status,
			budget_approved = excluded.budget_approved,
			date_assigned = excluded.date_assigned,
			date_approved = excluded.date_approved,
			date_declined = excluded.date_declined,
			date_budget_approved = excluded.date_budget_approved,
			last_comment_at = excluded.last_comment_at,
			last_comment_author = excluded.last_comment_author,
			last_comment_body = excluded.last_comment_body,
			updated_at = excluded.updated_at
	`,
		issue.IssueID, issue.ProjectID, issue.Title, issue.Description, issue.Creator,
		issue.MainLanguage, issue.RepoStars, issue.BudgetGuess, nullInt(issue.Budget), assignees,
		nullString(issue.LinkedPR), nullString(issue.TrackerStatus), string(issue.ReviewStatus),
		boolInt(issue.BudgetApproved),
		fmtNullTime(issue.DateAssigned), fmtNullTime(issue.DateApproved),
		fmtNullTime(issue.DateDeclined), fmtNullTime(issue.DateBudgetApproved),
		fmtNullTime(issue.LastCommentAt), issue.LastCommentAuthor, issue.LastCommentBody,
		fmtTime(issue.CreatedAt), fmtTime(issue.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save issue %s: %w", issue.IssueID, err)
	}
	return nil
}

// MutateIssue applies fn to the current record inside one write transaction.
// existing is nil when the issue does not exist. fn returns the record to
// store, or nil to leave the row untouched. The stored record is returned.
func (s *SQLiteStorage) MutateIssue(ctx context.Context, id string,
	fn func(existing *types.IssueRecord) (*types.IssueRecord, error)) (*types.IssueRecord, error) {

	var result *types.IssueRecord
	err := s.withTx(ctx, func(q querier) error {
		existing, err := getIssue(ctx, q, id)
		if err != nil && !isNotFound(err) {
			return err
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}
		if next == nil {
			result = existing
			return nil
		}
		if next.IssueID != id {
			return fmt.Errorf("mutation changed issue id %s to %s", id, next.IssueID)
		}
		if err := s.saveIssue(ctx, q, next); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

var issueOrderColumns = map[string]string{
	"stars":         "repo_stars DESC",
	"title":         "title ASC",
	"language":      "main_language ASC",
	"creator":       "creator ASC",
	"budget":        "budget DESC",
	"assignees":     "assignees ASC",
	"date_assigned": "date_assigned DESC",
	"date_approved": "date_approved DESC",
	"created":       "created_at DESC",
}

func issueWhere(filter types.IssueFilter) (string, []any, error) {
	var clauses []string
	var args []any

	if filter.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.ReviewStatus != "" {
		if !filter.ReviewStatus.IsValid() {
			return "", nil, fmt.Errorf("invalid review status filter: %q", filter.ReviewStatus)
		}
		clauses = append(clauses, "review_status = ?")
		args = append(args, string(filter.ReviewStatus))
	}
	if filter.MainLanguage != "" {
		clauses = append(clauses, "main_language = ? COLLATE NOCASE")
		args = append(args, filter.MainLanguage)
	}
	if filter.MinStars > 0 {
		clauses = append(clauses, "repo_stars >= ?")
		args = append(args, filter.MinStars)
	}
	if filter.BudgetApproved != nil {
		clauses = append(clauses, "budget_approved = ?")
		args = append(args, boolInt(*filter.BudgetApproved))
	}
	if filter.HasBudget != nil {
		if *filter.HasBudget {
			clauses = append(clauses, "budget IS NOT NULL")
		} else {
			clauses = append(clauses, "budget IS NULL")
		}
	}
	if filter.HasLinkedPR != nil {
		if *filter.HasLinkedPR {
			clauses = append(clauses, "linked_pr IS NOT NULL")
		} else {
			clauses = append(clauses, "linked_pr IS NULL")
		}
	}
	if filter.HasAssignees != nil {
		if *filter.HasAssignees {
			clauses = append(clauses, "(assignees IS NOT NULL AND assignees != '[]')")
		} else {
			clauses = append(clauses, "(assignees IS NULL OR assignees = '[]')")
		}
	}
	if filter.ApprovedAfter != nil {
		clauses = append(clauses, "date_approved >= ?")
		args = append(args, fmtTime(*filter.ApprovedAfter))
	}
	if filter.DeclinedAfter != nil {
		clauses = append(clauses, "date_declined >= ?")
		args = append(args, fmtTime(*filter.DeclinedAfter))
	}
	if filter.BudgetApprovedAfter != nil {
		clauses = append(clauses, "date_budget_approved >= ?")
		args = append(args, fmtTime(*filter.BudgetApprovedAfter))
	}
	if filter.AssignedBefore != nil {
		clauses = append(clauses, "date_assigned < ?")
		args = append(args, fmtTime(*filter.AssignedBefore))
	}
	if filter.TrackerOpen {
		clauses = append(clauses, "(tracker_status IS NULL OR tracker_status = 'open')")
	}
	if filter.NotNotified != "" {
		if !filter.NotNotified.IsValid() {
			return "", nil, fmt.Errorf("invalid notification kind filter: %q", filter.NotNotified)
		}
		clauses = append(clauses, `NOT EXISTS (
			SELECT 1 FROM notifications n
			WHERE n.issue_id = issues.issue_id AND n.kind = ?
		)`)
		args = append(args, string(filter.NotNotified))
	}

	if len(clauses) == 0 {
		return "", args, nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

func orderBy(keys []string, columns map[string]string, tiebreak string) (string, error) {
	var parts []string
	for _, k := range keys {
		col, ok := columns[k]
		if !ok {
			return "", fmt.Errorf("invalid sort key: %s", k)
		}
		parts = append(parts, col)
	}
	parts = append(parts, tiebreak)
	return "ORDER BY " + strings.Join(parts, ", "), nil
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		if offset > 0 {
			return fmt.Sprintf("LIMIT -1 OFFSET %d", offset)
		}
		return ""
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, max(offset, 0))
}

// ListIssues returns issues matching the filter
func (s *SQLiteStorage) ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueRecord, error) {
	where, args, err := issueWhere(filter)
	if err != nil {
		return nil, err
	}
	order, err := orderBy(filter.OrderBy, issueOrderColumns, "issue_id ASC")
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM issues %s %s %s`,
		issueColumns, where, order, limitOffset(filter.Limit, filter.Offset))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	defer rows.Close()

	var issues []*types.IssueRecord
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// CountIssues counts issues matching the filter, ignoring limit and offset
func (s *SQLiteStorage) CountIssues(ctx context.Context, filter types.IssueFilter) (int, error) {
	where, args, err := issueWhere(filter)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count issues: %w", err)
	}
	return n, nil
}

// IssueProjectIDs returns the distinct project ids referenced by issues
func (s *SQLiteStorage) IssueProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_id FROM issues ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list issue projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SyncProjectFields copies a project's language and stars onto its issues.
// It returns the number of issues changed.
func (s *SQLiteStorage) SyncProjectFields(ctx context.Context, project *types.ProjectRecord) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET main_language = ?, repo_stars = ?, updated_at = ?
		WHERE project_id = ? AND (main_language != ? OR repo_stars != ?)
	`, project.MainLanguage, project.RepoStars, fmtTime(s.now()),
		project.ProjectID, project.MainLanguage, project.RepoStars)
	if err != nil {
		return 0, fmt.Errorf("failed to sync project fields for %s: %w", project.ProjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
