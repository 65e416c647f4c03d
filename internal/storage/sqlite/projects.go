package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/bountyd/internal/types"
)

const projectColumns = `project_id, logo, main_language, repo_stars, description, readme,
	issues_list, participants_list, total_budget_allocated, total_budget_used,
	issue_count, queued_count, approved_count, declined_count,
	metadata_fetched_at, created_at, updated_at`

func scanProject(row rowScanner) (*types.ProjectRecord, error) {
	var (
		p            types.ProjectRecord
		issues       sql.NullString
		participants sql.NullString
		fetchedAt    sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&p.ProjectID, &p.Logo, &p.MainLanguage, &p.RepoStars, &p.Description, &p.Readme,
		&issues, &participants, &p.TotalBudgetAllocated, &p.TotalBudgetUsed,
		&p.IssueCount, &p.QueuedCount, &p.ApprovedCount, &p.DeclinedCount,
		&fetchedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.IssuesList, err = decodeList(issues); err != nil {
		return nil, err
	}
	if p.ParticipantsList, err = decodeList(participants); err != nil {
		return nil, err
	}
	if p.MetadataFetchedAt, err = parseNullTime(fetchedAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetProject retrieves a project by ID. It returns types.ErrNotFound when absent.
func (s *SQLiteStorage) GetProject(ctx context.Context, id string) (*types.ProjectRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return p, nil
}

// EnsureProjects creates empty project records for ids that do not exist yet.
// It returns the number of projects created.
func (s *SQLiteStorage) EnsureProjects(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	created := 0
	err := s.withTx(ctx, func(q querier) error {
		now := fmtTime(s.now())
		for _, id := range ids {
			if strings.TrimSpace(id) == "" {
				continue
			}
			res, err := q.ExecContext(ctx, `
				INSERT INTO projects (project_id, created_at, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(project_id) DO NOTHING
			`, id, now, now)
			if err != nil {
				return fmt.Errorf("failed to ensure project %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			created += int(n)
		}
		return nil
	})
	return created, err
}

// SaveProjectMetadata writes fetched repository metadata onto an existing project.
// Empty incoming strings do not overwrite stored values.
func (s *SQLiteStorage) SaveProjectMetadata(ctx context.Context, md types.RepoMetadata, fetchedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET
			logo = COALESCE(NULLIF(?, ''), logo),
			main_language = COALESCE(NULLIF(?, ''), main_language),
			repo_stars = ?,
			description = COALESCE(NULLIF(?, ''), description),
			readme = COALESCE(NULLIF(?, ''), readme),
			metadata_fetched_at = ?,
			updated_at = ?
		WHERE project_id = ?
	`, md.Logo, md.MainLanguage, md.RepoStars, md.Description, md.Readme,
		fmtTime(fetchedAt), fmtTime(s.now()), md.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to save metadata for %s: %w", md.ProjectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", md.ProjectID, types.ErrNotFound)
	}
	return nil
}

// ProjectsMissingMetadata returns up to limit project ids never enriched from the tracker
func (s *SQLiteStorage) ProjectsMissingMetadata(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id FROM projects
		WHERE metadata_fetched_at IS NULL
		ORDER BY project_id
	`+limitOffset(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list projects missing metadata: %w", err)
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

// SaveProjectTotals replaces the derived aggregates of a project
func (s *SQLiteStorage) SaveProjectTotals(ctx context.Context, projectID string, t types.ProjectTotals) error {
	return s.withTx(ctx, func(q querier) error {
		return saveProjectTotals(ctx, q, projectID, t, s.now())
	})
}

func saveProjectTotals(ctx context.Context, q querier, projectID string, t types.ProjectTotals, now time.Time) error {
	issues, err := json.Marshal(nonNil(t.IssuesList))
	if err != nil {
		return err
	}
	participants, err := json.Marshal(nonNil(t.ParticipantsList))
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE projects SET
			issues_list = ?, participants_list = ?,
			total_budget_allocated = ?, total_budget_used = ?,
			issue_count = ?, queued_count = ?, approved_count = ?, declined_count = ?,
			updated_at = ?
		WHERE project_id = ?
	`, string(issues), string(participants),
		t.TotalBudgetAllocated, t.TotalBudgetUsed,
		t.IssueCount, t.QueuedCount, t.ApprovedCount, t.DeclinedCount,
		fmtTime(now), projectID)
	if err != nil {
		return fmt.Errorf("failed to save totals for %s: %w", projectID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("project %s: %w", projectID, types.ErrNotFound)
	}
	return nil
}

var projectOrderColumns = map[string]string{
	"stars":    "repo_stars DESC",
	"budget":   "total_budget_allocated DESC",
	"issues":   "issue_count DESC",
	"language": "main_language ASC",
}

// ListProjects returns projects matching the filter
func (s *SQLiteStorage) ListProjects(ctx context.Context, filter types.ProjectFilter) ([]*types.ProjectRecord, error) {
	var clauses []string
	var args []any
	if filter.MainLanguage != "" {
		clauses = append(clauses, "main_language = ? COLLATE NOCASE")
		args = append(args, filter.MainLanguage)
	}
	if filter.MinStars > 0 {
		clauses = append(clauses, "repo_stars >= ?")
		args = append(args, filter.MinStars)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	order, err := orderBy(filter.OrderBy, projectOrderColumns, "project_id ASC")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM projects %s %s %s`,
		projectColumns, where, order, limitOffset(filter.Limit, filter.Offset)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*types.ProjectRecord
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
