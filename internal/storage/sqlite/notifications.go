package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/bountyd/internal/types"
)

// HasNotification reports whether kind was already posted for the issue
func (s *SQLiteStorage) HasNotification(ctx context.Context, issueID string, kind types.NotificationKind) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE issue_id = ? AND kind = ?`,
		issueID, string(kind)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check notification %s/%s: %w", issueID, kind, err)
	}
	return n > 0, nil
}

// RecordNotification writes a ledger entry. It returns false when the entry
// already existed, in which case the stored sent_at is kept.
func (s *SQLiteStorage) RecordNotification(ctx context.Context, issueID string, kind types.NotificationKind, sentAt time.Time) (bool, error) {
	if !kind.IsValid() {
		return false, fmt.Errorf("invalid notification kind: %q", kind)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (issue_id, kind, sent_at) VALUES (?, ?, ?)
		ON CONFLICT(issue_id, kind) DO NOTHING
	`, issueID, string(kind), fmtTime(sentAt))
	if err != nil {
		return false, fmt.Errorf("failed to record notification %s/%s: %w", issueID, kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// ListNotifications returns ledger entries, optionally restricted to one issue
func (s *SQLiteStorage) ListNotifications(ctx context.Context, issueID string) ([]types.NotificationEntry, error) {
	query := `SELECT issue_id, kind, sent_at FROM notifications`
	var args []any
	if issueID != "" {
		query += ` WHERE issue_id = ?`
		args = append(args, issueID)
	}
	query += ` ORDER BY sent_at, issue_id, kind`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []types.NotificationEntry
	for rows.Next() {
		var (
			e      types.NotificationEntry
			kind   string
			sentAt string
		)
		if err := rows.Scan(&e.IssueID, &kind, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		e.Kind = types.NotificationKind(kind)
		if e.SentAt, err = parseTime(sentAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
