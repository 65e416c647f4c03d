package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/steveyegge/bountyd/internal/types"
)

const summaryColumns = `id, kind, summary, keyword_tags, indexed, created_at, indexed_at`

func scanSummary(row rowScanner) (*types.SummaryRecord, error) {
	var (
		rec       types.SummaryRecord
		kind      string
		tags      sql.NullString
		indexed   int
		createdAt string
		indexedAt sql.NullString
	)
	if err := row.Scan(&rec.ID, &kind, &rec.Summary, &tags, &indexed, &createdAt, &indexedAt); err != nil {
		return nil, err
	}
	rec.Kind = types.SummaryKind(kind)
	rec.Indexed = indexed != 0

	var err error
	if rec.KeywordTags, err = decodeList(tags); err != nil {
		return nil, err
	}
	if rec.KeywordTags == nil {
		rec.KeywordTags = []string{}
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.IndexedAt, err = parseNullTime(indexedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveSummary stores an enrichment result. A summary already stored for the
// same id is left untouched; it returns false in that case.
func (s *SQLiteStorage) SaveSummary(ctx context.Context, rec *types.SummaryRecord) (bool, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return false, fmt.Errorf("summary id is required")
	}
	if !rec.Kind.IsValid() {
		return false, fmt.Errorf("invalid summary kind: %q", rec.Kind)
	}
	tags, err := json.Marshal(nonNil(rec.KeywordTags))
	if err != nil {
		return false, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (id, kind, summary, keyword_tags, indexed, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, rec.ID, string(rec.Kind), rec.Summary, string(tags), fmtTime(rec.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to save summary %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// GetSummary retrieves a summary by source id
func (s *SQLiteStorage) GetSummary(ctx context.Context, id string) (*types.SummaryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM summaries WHERE id = ?`, id)
	rec, err := scanSummary(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("summary %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get summary %s: %w", id, err)
	}
	return rec, nil
}

// DeleteSummary removes a summary so the source is enriched again.
// It returns types.ErrNotFound when there was nothing to delete.
func (s *SQLiteStorage) DeleteSummary(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete summary %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("summary %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// IssuesMissingSummary returns up to limit issues with no summary row
func (s *SQLiteStorage) IssuesMissingSummary(ctx context.Context, limit int) ([]*types.IssueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE NOT EXISTS (SELECT 1 FROM summaries s WHERE s.id = issues.issue_id)
		ORDER BY created_at, issue_id
	`+limitOffset(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list issues missing summary: %w", err)
	}
	defer rows.Close()

	var out []*types.IssueRecord
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		out = append(out, issue)
	}
	return out, rows.Err()
}

// ProjectsMissingSummary returns up to limit projects with no summary row.
// Projects whose metadata has not been fetched yet are skipped since they
// have nothing to summarize.
func (s *SQLiteStorage) ProjectsMissingSummary(ctx context.Context, limit int) ([]*types.ProjectRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE metadata_fetched_at IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM summaries s WHERE s.id = projects.project_id)
		ORDER BY created_at, project_id
	`+limitOffset(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list projects missing summary: %w", err)
	}
	defer rows.Close()

	var out []*types.ProjectRecord
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListUnindexedSummaries returns summaries with text that have not been indexed yet
func (s *SQLiteStorage) ListUnindexedSummaries(ctx context.Context, limit int) ([]*types.SummaryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+summaryColumns+` FROM summaries
		WHERE indexed = 0 AND TRIM(summary) != ''
		ORDER BY id
	`+limitOffset(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to list unindexed summaries: %w", err)
	}
	defer rows.Close()

	var out []*types.SummaryRecord
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSummaryIndexed flips indexed to true. The flag never moves back.
func (s *SQLiteStorage) MarkSummaryIndexed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE summaries SET indexed = 1, indexed_at = COALESCE(indexed_at, ?)
		WHERE id = ?
	`, fmtTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark summary %s indexed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("summary %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// SearchSummariesByKeywords returns summaries carrying any of the tags,
// ranked by the number of matching tags. Matching is case-insensitive.
func (s *SQLiteStorage) SearchSummariesByKeywords(ctx context.Context, tags []string, limit int) ([]*types.SummaryRecord, error) {
	var wanted []any
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			wanted = append(wanted, t)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT %s FROM summaries
		JOIN (
			SELECT s.id AS match_id, COUNT(*) AS hits
			FROM summaries s, json_each(s.keyword_tags) t
			WHERE LOWER(t.value) IN (?%s)
			GROUP BY s.id
		) m ON m.match_id = summaries.id
		ORDER BY m.hits DESC, summaries.id
		%s
	`, prefixed("summaries.", summaryColumns), strings.Repeat(", ?", len(wanted)-1), limitOffset(limit, 0))

	rows, err := s.db.QueryContext(ctx, query, wanted...)
	if err != nil {
		return nil, fmt.Errorf("failed to search summaries: %w", err)
	}
	defer rows.Close()

	var out []*types.SummaryRecord
	for rows.Next() {
		rec, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountSummaries returns total and indexed summary counts
func (s *SQLiteStorage) CountSummaries(ctx context.Context) (total, indexed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(indexed), 0) FROM summaries`).Scan(&total, &indexed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count summaries: %w", err)
	}
	return total, indexed, nil
}

// prefixed qualifies each column of a comma-separated list with a table prefix
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
