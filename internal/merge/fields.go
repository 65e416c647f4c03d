// Package merge holds the field-level merge policies used when staging
// events and when folding staged events into master records.
//
// Three policies exist:
//   - first-writer-wins: a value once set is never replaced
//   - coalesce: write only when the current value is null
//   - overlay: a non-null incoming value replaces, a null one never regresses
//
// plus last-writer-wins ordered by an explicit timestamp.
package merge

import "time"

// FirstWriterWins keeps current unless it is the zero value
func FirstWriterWins[T comparable](current, incoming T) T {
	var zero T
	if current != zero {
		return current
	}
	return incoming
}

// Coalesce returns current when it is set, otherwise incoming
func Coalesce[T any](current, incoming *T) *T {
	if current != nil {
		return current
	}
	return incoming
}

// CoalesceSlice returns current unless it is empty
func CoalesceSlice[T any](current, incoming []T) []T {
	if len(current) > 0 {
		return current
	}
	if incoming == nil {
		return current
	}
	return incoming
}

// Overlay returns incoming when it is set, otherwise current
func Overlay[T any](current, incoming *T) *T {
	if incoming != nil {
		return incoming
	}
	return current
}

// OverlayValue returns incoming unless it is the zero value
func OverlayValue[T comparable](current, incoming T) T {
	var zero T
	if incoming != zero {
		return incoming
	}
	return current
}

// OverlaySlice returns incoming when it is non-nil. An explicitly empty
// incoming slice does replace current.
func OverlaySlice[T any](current, incoming []T) []T {
	if incoming != nil {
		return incoming
	}
	return current
}

// LastWriterWinsByTime reports whether an incoming value stamped at incomingAt
// should replace one stamped at currentAt. Only strictly newer values win, so
// replaying the same value is a no-op.
func LastWriterWinsByTime(currentAt *time.Time, incomingAt time.Time) bool {
	if incomingAt.IsZero() {
		return false
	}
	if currentAt == nil || currentAt.IsZero() {
		return true
	}
	return incomingAt.After(*currentAt)
}

// Union appends to current the incoming values it does not already contain,
// preserving first-seen order.
func Union(current, incoming []string) []string {
	if len(incoming) == 0 {
		return current
	}
	seen := make(map[string]bool, len(current)+len(incoming))
	out := make([]string, 0, len(current)+len(incoming))
	for _, v := range current {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range incoming {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// SetOnce returns current if already set, otherwise a copy of at
func SetOnce(current *time.Time, at time.Time) *time.Time {
	if current != nil || at.IsZero() {
		return current
	}
	t := at.UTC()
	return &t
}
