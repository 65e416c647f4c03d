package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite keeps vectors in the pipeline database and answers queries by
// scanning the whole collection. It suits the few thousand records a bounty
// program produces.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// NewSQLite creates a store over a database already carrying the vector tables
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQLite) CreateCollection(ctx context.Context, collection string, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("collection %s: dimensions must be positive (got %d)", collection, dims)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_collections (name, dimensions, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, collection, dims, s.now().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", collection, err)
	}
	existing, err := s.dimensions(ctx, collection)
	if err != nil {
		return err
	}
	if existing != dims {
		return fmt.Errorf("%w: collection %s has %d dimensions, want %d", ErrDimensionMismatch, collection, existing, dims)
	}
	return nil
}

func (s *SQLite) DeleteCollection(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to delete vectors of %s: %w", collection, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vector_collections WHERE name = ?`, collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, err)
	}
	return nil
}

func (s *SQLite) CollectionInfo(ctx context.Context, collection string) (CollectionInfo, error) {
	dims, err := s.dimensions(ctx, collection)
	if err != nil {
		return CollectionInfo{}, err
	}
	info := CollectionInfo{Name: collection, Dimensions: dims}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&info.Count)
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("failed to count vectors of %s: %w", collection, err)
	}
	return info, nil
}

func (s *SQLite) dimensions(ctx context.Context, collection string) (int, error) {
	var dims int
	err := s.db.QueryRowContext(ctx, `SELECT dimensions FROM vector_collections WHERE name = ?`, collection).Scan(&dims)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}
	return dims, nil
}

func (s *SQLite) Upsert(ctx context.Context, collection, id string, vector []float32, payload Payload) error {
	dims, err := s.dimensions(ctx, collection)
	if err != nil {
		return err
	}
	if len(vector) != dims {
		return fmt.Errorf("%w: got %d, collection %s has %d", ErrDimensionMismatch, len(vector), collection, dims)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vectors (collection, id, vector, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			vector = excluded.vector,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, collection, id, encodeVector(vector), string(data), s.now().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to upsert %s into %s: %w", id, collection, err)
	}
	return nil
}

func (s *SQLite) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Match, error) {
	dims, err := s.dimensions(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(vector) != dims {
		return nil, fmt.Errorf("%w: query has %d, collection %s has %d", ErrDimensionMismatch, len(vector), collection, dims)
	}
	if limit <= 0 {
		return []Match{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, vector, payload FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	defer rows.Close()

	// Min-heap of the best limit matches seen so far
	top := &matchHeap{}
	for rows.Next() {
		var (
			id      string
			blob    []byte
			payload string
		)
		if err := rows.Scan(&id, &blob, &payload); err != nil {
			return nil, err
		}
		score := Cosine(vector, decodeVector(blob))
		if top.Len() == limit && score <= (*top)[0].Score {
			continue
		}
		m := Match{ID: id, Score: score}
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload of %s: %w", id, err)
		}
		heap.Push(top, m)
		if top.Len() > limit {
			heap.Pop(top)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Match, top.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(top).(Match)
	}
	return out, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// matchHeap orders by ascending score, ties broken by id for stable results
type matchHeap []Match

func (h matchHeap) Len() int { return len(h) }
func (h matchHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score < h[j].Score
	}
	return h[i].ID > h[j].ID
}
func (h matchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)   { *h = append(*h, x.(Match)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}
