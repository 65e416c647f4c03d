// Package staging is the store of raw per-event records awaiting merge
// into master records. Rows are keyed by (kind, natural id); putting the
// same key again coalesces rather than duplicates.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/bountyd/internal/merge"
	"github.com/steveyegge/bountyd/internal/types"
)

// DefaultBatchSize is how many rows Drain reads per query
const DefaultBatchSize = 200

// Backend is the storage the staging store runs on
type Backend interface {
	PutStaged(ctx context.Context, ev types.StagingEvent, merge types.EventMerger) error
	ListStaged(ctx context.Context, kind types.EventKind, afterKey string, limit int) ([]*types.StagedEvent, error)
	ListAllStaged(ctx context.Context, kind types.EventKind) ([]*types.StagedEvent, error)
	MarkStagedMerged(ctx context.Context, kind types.EventKind, key, payload string) error
	MarkStagedFailed(ctx context.Context, kind types.EventKind, key, reason string) (int, error)
	PurgeStaged(ctx context.Context, kind types.EventKind, keys []string, force bool) (int, error)
	PurgeMergedStaged(ctx context.Context, kind types.EventKind) (int, error)
	PurgeExhaustedStaged(ctx context.Context, maxAttempts int) ([]*types.StagedEvent, error)
	CountStaged(ctx context.Context, kind types.EventKind) (pending, total int, err error)
}

// Store is the staging store
type Store struct {
	backend   Backend
	batchSize int
	logger    *slog.Logger
}

// New creates a staging store over backend
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, batchSize: DefaultBatchSize, logger: logger}
}

// SetBatchSize overrides the drain page size
func (s *Store) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

// Put stages an event. Re-putting a key coalesces field by field: a set
// incoming field replaces, an unset one never clears a stored value.
func (s *Store) Put(ctx context.Context, ev types.StagingEvent) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", types.ErrMalformedEvent)
	}
	if err := merge.ValidateEvent(ev); err != nil {
		return err
	}
	return s.backend.PutStaged(ctx, ev, merge.Staged)
}

// PutAll stages a batch, continuing past individual failures. It returns
// the number staged and the first error seen.
func (s *Store) PutAll(ctx context.Context, events []types.StagingEvent) (int, error) {
	staged := 0
	var firstErr error
	for _, ev := range events {
		if err := s.Put(ctx, ev); err != nil {
			s.logger.Warn("failed to stage event", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		staged++
	}
	return staged, firstErr
}

// Entry is one pending row handed out by Drain
type Entry struct {
	Row *types.StagedEvent
	// Event is the decoded payload; nil when DecodeErr is set
	Event     types.StagingEvent
	DecodeErr error
}

// Drain yields every pending event of kind in natural-id order. Rows are not
// removed: the caller marks each one merged or failed. Events re-staged
// while draining are picked up by the next drain. An error from fn stops
// the drain and is returned.
func (s *Store) Drain(ctx context.Context, kind types.EventKind, fn func(Entry) error) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := s.backend.ListStaged(ctx, kind, after, s.batchSize)
		if err != nil {
			return err
		}
		for _, row := range rows {
			ev, decodeErr := row.Decode()
			if err := fn(Entry{Row: row, Event: ev, DecodeErr: decodeErr}); err != nil {
				return err
			}
			after = row.Key
		}
		if len(rows) < s.batchSize {
			return nil
		}
	}
}

// MarkMerged records that an entry was consumed. It only sticks if the row
// has not been re-staged with a different payload since it was drained.
func (s *Store) MarkMerged(ctx context.Context, e Entry) error {
	return s.backend.MarkStagedMerged(ctx, e.Row.Kind, e.Row.Key, e.Row.Payload)
}

// MarkFailed records a failed merge attempt and returns the attempt count
func (s *Store) MarkFailed(ctx context.Context, e Entry, reason error) (int, error) {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	return s.backend.MarkStagedFailed(ctx, e.Row.Kind, e.Row.Key, msg)
}

// Purge removes processed rows of kind by key. Rows not yet marked merged are kept.
func (s *Store) Purge(ctx context.Context, kind types.EventKind, keys []string) (int, error) {
	return s.backend.PurgeStaged(ctx, kind, keys, false)
}

// PurgeWhere removes every row of kind whose decoded event matches pred,
// merged or not. Rows that fail to decode are offered to pred as nil.
func (s *Store) PurgeWhere(ctx context.Context, kind types.EventKind, pred func(types.StagingEvent) bool) (int, error) {
	rows, err := s.backend.ListAllStaged(ctx, kind)
	if err != nil {
		return 0, err
	}
	var keys []string
	for _, row := range rows {
		ev, err := row.Decode()
		if err != nil {
			ev = nil
		}
		if pred(ev) {
			keys = append(keys, row.Key)
		}
	}
	return s.backend.PurgeStaged(ctx, kind, keys, true)
}

// CleanupResult counts rows removed by Cleanup
type CleanupResult struct {
	Merged    int
	Exhausted int
}

// Cleanup purges merged rows of every kind and drops pending rows that
// failed maxAttempts times or more.
func (s *Store) Cleanup(ctx context.Context, maxAttempts int) (CleanupResult, error) {
	var res CleanupResult
	for _, kind := range types.AllEventKinds {
		n, err := s.backend.PurgeMergedStaged(ctx, kind)
		if err != nil {
			return res, err
		}
		res.Merged += n
	}

	if maxAttempts > 0 {
		dropped, err := s.backend.PurgeExhaustedStaged(ctx, maxAttempts)
		if err != nil {
			return res, err
		}
		for _, row := range dropped {
			s.logger.Warn("dropped staged event after repeated failures",
				"kind", row.Kind, "key", row.Key, "attempts", row.Attempts, "last_error", row.LastErr,
				"staged_at", row.StagedAt.Format(time.RFC3339))
		}
		res.Exhausted = len(dropped)
	}
	return res, nil
}

// Counts reports pending and total rows for one kind
type Counts struct {
	Pending int
	Total   int
}

// Count returns row counts per kind
func (s *Store) Count(ctx context.Context) (map[types.EventKind]Counts, error) {
	out := make(map[types.EventKind]Counts, len(types.AllEventKinds))
	for _, kind := range types.AllEventKinds {
		pending, total, err := s.backend.CountStaged(ctx, kind)
		if err != nil {
			return nil, err
		}
		out[kind] = Counts{Pending: pending, Total: total}
	}
	return out, nil
}
