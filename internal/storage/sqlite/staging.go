package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/steveyegge/bountyd/internal/types"
)

// PutStaged stages an event under (kind, key). When a row already exists,
// merge combines the stored event with the incoming one; the result replaces
// the payload and the row becomes pending again.
func (s *SQLiteStorage) PutStaged(ctx context.Context, ev types.StagingEvent, merge types.EventMerger) error {
	if !ev.Kind().IsValid() {
		return fmt.Errorf("%w: unknown event kind %q", types.ErrMalformedEvent, ev.Kind())
	}
	key := ev.Key()
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: %s event has no key", types.ErrMalformedEvent, ev.Kind())
	}

	return s.withTx(ctx, func(q querier) error {
		var payload string
		err := q.QueryRowContext(ctx,
			`SELECT payload FROM staging_events WHERE kind = ? AND key = ?`,
			string(ev.Kind()), key).Scan(&payload)

		next := ev
		switch {
		case err == sql.ErrNoRows:
			if merge != nil {
				next = merge(nil, ev)
			}
		case err != nil:
			return fmt.Errorf("failed to read staged %s %s: %w", ev.Kind(), key, err)
		default:
			existing, derr := types.DecodeEvent(ev.Kind(), payload)
			if derr != nil {
				// A corrupt stored payload is replaced by the incoming event
				existing = nil
			}
			if merge != nil {
				next = merge(existing, ev)
			}
		}

		encoded, err := types.EncodeEvent(next)
		if err != nil {
			return err
		}

		// Re-staging an identical payload leaves a merged row merged
		_, err = q.ExecContext(ctx, `
			INSERT INTO staging_events (kind, key, payload, staged_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(kind, key) DO UPDATE SET
				merged_at = CASE WHEN staging_events.payload = excluded.payload
					THEN staging_events.merged_at ELSE NULL END,
				payload = excluded.payload,
				staged_at = excluded.staged_at
		`, string(ev.Kind()), key, encoded, fmtTime(s.now()))
		if err != nil {
			return fmt.Errorf("failed to stage %s %s: %w", ev.Kind(), key, err)
		}
		return nil
	})
}

func scanStaged(rows *sql.Rows) (*types.StagedEvent, error) {
	var (
		ev       types.StagedEvent
		kind     string
		stagedAt string
	)
	if err := rows.Scan(&kind, &ev.Key, &ev.Payload, &stagedAt, &ev.Attempts, &ev.LastErr); err != nil {
		return nil, err
	}
	ev.Kind = types.EventKind(kind)
	t, err := parseTime(stagedAt)
	if err != nil {
		return nil, err
	}
	ev.StagedAt = t
	return &ev, nil
}

// ListStaged returns pending (unmerged) events of a kind with key > afterKey, in key order
func (s *SQLiteStorage) ListStaged(ctx context.Context, kind types.EventKind, afterKey string, limit int) ([]*types.StagedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, key, payload, staged_at, attempts, last_error
		FROM staging_events
		WHERE kind = ? AND merged_at IS NULL AND key > ?
		ORDER BY key
	`+limitOffset(limit, 0), string(kind), afterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged %s events: %w", kind, err)
	}
	defer rows.Close()

	var out []*types.StagedEvent
	for rows.Next() {
		ev, err := scanStaged(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListAllStaged returns every staged row of a kind, merged or not, in key order
func (s *SQLiteStorage) ListAllStaged(ctx context.Context, kind types.EventKind) ([]*types.StagedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, key, payload, staged_at, attempts, last_error
		FROM staging_events WHERE kind = ? ORDER BY key
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list staged %s events: %w", kind, err)
	}
	defer rows.Close()

	var out []*types.StagedEvent
	for rows.Next() {
		ev, err := scanStaged(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkStagedMerged flags rows as consumed only if their payload is unchanged,
// so an event re-staged during consolidation is processed again.
func (s *SQLiteStorage) MarkStagedMerged(ctx context.Context, kind types.EventKind, key, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE staging_events SET merged_at = ?, last_error = ''
		WHERE kind = ? AND key = ? AND payload = ?
	`, fmtTime(s.now()), string(kind), key, payload)
	if err != nil {
		return fmt.Errorf("failed to mark staged %s %s merged: %w", kind, key, err)
	}
	return nil
}

// MarkStagedFailed records a failed merge attempt and returns the attempt count
func (s *SQLiteStorage) MarkStagedFailed(ctx context.Context, kind types.EventKind, key, reason string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE staging_events SET attempts = attempts + 1, last_error = ?
		WHERE kind = ? AND key = ?
		RETURNING attempts
	`, reason, string(kind), key).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("staged %s %s: %w", kind, key, types.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark staged %s %s failed: %w", kind, key, err)
	}
	return attempts, nil
}

// PurgeStaged deletes the given rows of a kind. Only rows already marked
// merged are removed unless force is set.
func (s *SQLiteStorage) PurgeStaged(ctx context.Context, kind types.EventKind, keys []string, force bool) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	total := 0
	// SQLite caps bound parameters; delete in batches
	const batchSize = 500
	for start := 0; start < len(keys); start += batchSize {
		batch := keys[start:min(start+batchSize, len(keys))]
		args := []any{string(kind)}
		for _, k := range batch {
			args = append(args, k)
		}
		query := `DELETE FROM staging_events WHERE kind = ? AND key IN (?` +
			strings.Repeat(", ?", len(batch)-1) + `)`
		if !force {
			query += ` AND merged_at IS NOT NULL`
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to purge staged %s events: %w", kind, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

// PurgeMergedStaged deletes every merged row of a kind
func (s *SQLiteStorage) PurgeMergedStaged(ctx context.Context, kind types.EventKind) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM staging_events WHERE kind = ? AND merged_at IS NOT NULL`, string(kind))
	if err != nil {
		return 0, fmt.Errorf("failed to purge merged %s events: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// PurgeExhaustedStaged deletes pending rows that failed maxAttempts times or more
func (s *SQLiteStorage) PurgeExhaustedStaged(ctx context.Context, maxAttempts int) ([]*types.StagedEvent, error) {
	var purged []*types.StagedEvent
	err := s.withTx(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, `
			DELETE FROM staging_events
			WHERE merged_at IS NULL AND attempts >= ?
			RETURNING kind, key, payload, staged_at, attempts, last_error
		`, maxAttempts)
		if err != nil {
			return fmt.Errorf("failed to purge exhausted staged events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			ev, err := scanStaged(rows)
			if err != nil {
				return err
			}
			purged = append(purged, ev)
		}
		return rows.Err()
	})
	return purged, err
}

// CountStaged returns pending and total row counts for a kind
func (s *SQLiteStorage) CountStaged(ctx context.Context, kind types.EventKind) (pending, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN merged_at IS NULL THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM staging_events WHERE kind = ?
	`, string(kind)).Scan(&pending, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count staged %s events: %w", kind, err)
	}
	return pending, total, nil
}
