package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/steveyegge/bountyd/internal/types"
)

// GetRunState returns persisted ingestion progress. A fresh database yields the zero state.
func (s *SQLiteStorage) GetRunState(ctx context.Context) (types.RunState, error) {
	var boundary, pending sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT boundary, pending_end FROM run_state WHERE id = 1`).Scan(&boundary, &pending)
	if err == sql.ErrNoRows {
		return types.RunState{}, nil
	}
	if err != nil {
		return types.RunState{}, fmt.Errorf("failed to get run state: %w", err)
	}

	var state types.RunState
	if b, err := parseNullTime(boundary); err != nil {
		return types.RunState{}, err
	} else if b != nil {
		state.Boundary = *b
	}
	if p, err := parseNullTime(pending); err != nil {
		return types.RunState{}, err
	} else if p != nil {
		state.PendingEnd = *p
	}
	return state, nil
}

// SaveRunState replaces the persisted ingestion progress
func (s *SQLiteStorage) SaveRunState(ctx context.Context, state types.RunState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_state (id, boundary, pending_end, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			boundary = excluded.boundary,
			pending_end = excluded.pending_end,
			updated_at = excluded.updated_at
	`, zeroNullTime(state.Boundary), zeroNullTime(state.PendingEnd), fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// GetCursor returns the checkpoint for one query of a window, or nil when none is stored
func (s *SQLiteStorage) GetCursor(ctx context.Context, w types.Window, kind types.EventKind) (*types.CursorCheckpoint, error) {
	var (
		cp        types.CursorCheckpoint
		done      int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor, pages, done, failures, updated_at FROM cursor_checkpoints
		WHERE window_start = ? AND window_end = ? AND kind = ?
	`, fmtTime(w.Start), fmtTime(w.End), string(kind)).Scan(&cp.Cursor, &cp.Pages, &done, &cp.Failures, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor for %s %s: %w", w, kind, err)
	}
	cp.WindowStart = w.Start.UTC()
	cp.WindowEnd = w.End.UTC()
	cp.Kind = kind
	cp.Done = done != 0
	if cp.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

// SaveCursor upserts a pagination checkpoint
func (s *SQLiteStorage) SaveCursor(ctx context.Context, cp types.CursorCheckpoint) error {
	cp.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursor_checkpoints (window_start, window_end, kind, cursor, pages, done, failures, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(window_start, window_end, kind) DO UPDATE SET
			cursor = excluded.cursor,
			pages = excluded.pages,
			done = excluded.done,
			failures = excluded.failures,
			updated_at = excluded.updated_at
	`, fmtTime(cp.WindowStart), fmtTime(cp.WindowEnd), string(cp.Kind), cp.Cursor, cp.Pages,
		boolInt(cp.Done), cp.Failures, fmtTime(cp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", cp.Kind, err)
	}
	return nil
}

// DeleteCursorsThrough removes checkpoints of every window ending at or before end
func (s *SQLiteStorage) DeleteCursorsThrough(ctx context.Context, end time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cursor_checkpoints WHERE window_end <= ?`, fmtTime(end))
	if err != nil {
		return 0, fmt.Errorf("failed to delete cursors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// AcquireLease takes the named lease for ttl if it is free, expired, or
// already held by the same run. It returns the lease as stored afterwards
// and whether the caller now holds it.
func (s *SQLiteStorage) AcquireLease(ctx context.Context, name, holder, runID string, ttl time.Duration) (*types.Lease, bool, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_lease (name, holder, run_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			run_id = excluded.run_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE run_lease.expires_at <= ? OR run_lease.run_id = excluded.run_id
	`, name, holder, runID, fmtTime(now), fmtTime(now.Add(ttl)), fmtTime(now))
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}

	current, err := s.GetLease(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return current, current.RunID == runID, nil
}

// TakeOverLease replaces a lease held by staleRunID regardless of expiry.
// It returns false when the lease changed hands in the meantime.
func (s *SQLiteStorage) TakeOverLease(ctx context.Context, name, staleRunID, holder, runID string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_lease SET holder = ?, run_id = ?, acquired_at = ?, expires_at = ?
		WHERE name = ? AND run_id = ?
	`, holder, runID, fmtTime(now), fmtTime(now.Add(ttl)), name, staleRunID)
	if err != nil {
		return false, fmt.Errorf("failed to take over lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// RenewLease extends a held lease. It returns types.ErrLeaseHeld when the
// lease is no longer held by runID.
func (s *SQLiteStorage) RenewLease(ctx context.Context, name, runID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_lease SET expires_at = ? WHERE name = ? AND run_id = ?
	`, fmtTime(s.now().Add(ttl)), name, runID)
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("renew %s: %w", name, types.ErrLeaseHeld)
	}
	return nil
}

// ReleaseLease drops the lease if runID still holds it
func (s *SQLiteStorage) ReleaseLease(ctx context.Context, name, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM run_lease WHERE name = ? AND run_id = ?`, name, runID)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", name, err)
	}
	return nil
}

// GetLease returns the current lease row or types.ErrNotFound
func (s *SQLiteStorage) GetLease(ctx context.Context, name string) (*types.Lease, error) {
	var (
		l          types.Lease
		acquiredAt string
		expiresAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, holder, run_id, acquired_at, expires_at FROM run_lease WHERE name = ?
	`, name).Scan(&l.Name, &l.Holder, &l.RunID, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lease %s: %w", name, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease %s: %w", name, err)
	}
	if l.AcquiredAt, err = parseTime(acquiredAt); err != nil {
		return nil, err
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func zeroNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}
