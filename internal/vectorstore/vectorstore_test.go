package vectorstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/retry"
	"github.com/steveyegge/bountyd/internal/storage/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewSQLite(store.DB())
}

func TestPointIDIsDeterministic(t *testing.T) {
	a := PointID("https://github.com/o/r/issues/1")
	assert.Equal(t, a, PointID("https://github.com/o/r/issues/1"))
	assert.NotEqual(t, a, PointID("https://github.com/o/r/issues/2"))
	assert.Len(t, a, 36)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 1}))
}

func TestSQLiteCollectionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	_, err := s.CollectionInfo(ctx, "c")
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	require.NoError(t, s.CreateCollection(ctx, "c", 2))
	require.NoError(t, s.CreateCollection(ctx, "c", 2), "creating twice is a no-op")
	assert.ErrorIs(t, s.CreateCollection(ctx, "c", 3), ErrDimensionMismatch)

	require.NoError(t, s.Upsert(ctx, "c", "a", []float32{1, 0}, Payload{SourceID: "a", Text: "first"}))
	require.NoError(t, s.Upsert(ctx, "c", "a", []float32{0, 1}, Payload{SourceID: "a", Text: "replaced"}))
	assert.ErrorIs(t, s.Upsert(ctx, "c", "b", []float32{1, 0, 0}, Payload{}), ErrDimensionMismatch)

	info, err := s.CollectionInfo(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, CollectionInfo{Name: "c", Dimensions: 2, Count: 1}, info)

	require.NoError(t, s.DeleteCollection(ctx, "c"))
	_, err = s.CollectionInfo(ctx, "c")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestSQLiteSearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, s.CreateCollection(ctx, "c", 2))

	points := map[string][]float32{
		"east":      {1, 0},
		"northeast": {1, 1},
		"north":     {0, 1},
		"west":      {-1, 0},
	}
	for id, v := range points {
		require.NoError(t, s.Upsert(ctx, "c", id, v, Payload{SourceID: id, Text: id}))
	}

	matches, err := s.Search(ctx, "c", []float32{1, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "east", matches[0].ID)
	assert.Equal(t, "northeast", matches[1].ID)
	assert.Greater(t, matches[0].Score, matches[1].Score)
	assert.Equal(t, "east", matches[0].Payload.Text)

	all, err := s.Search(ctx, "c", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "west", all[3].ID)

	none, err := s.Search(ctx, "c", []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.Search(ctx, "c", []float32{1}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = s.Search(ctx, "missing", []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3e-7}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
}

// fakeQdrant serves the subset of the Qdrant REST API the client uses
type fakeQdrant struct {
	t       *testing.T
	dims    int
	exists  bool
	points  map[string][]float32
	payload map[string]Payload
}

func (f *fakeQdrant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "secret", r.Header.Get("api-key"))
	body, _ := io.ReadAll(r.Body)

	reply := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "result": result})
	}

	if !f.exists && r.Method != http.MethodPut && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/collections/c":
		reply(map[string]any{
			"points_count": len(f.points),
			"config":       map[string]any{"params": map[string]any{"vectors": map[string]any{"size": f.dims}}},
		})
	case r.Method == http.MethodPut && r.URL.Path == "/collections/c":
		var req struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		}
		require.NoError(f.t, json.Unmarshal(body, &req))
		assert.Equal(f.t, "Cosine", req.Vectors.Distance)
		f.exists, f.dims = true, req.Vectors.Size
		reply(true)
	case r.Method == http.MethodDelete && r.URL.Path == "/collections/c":
		f.exists = false
		f.points = map[string][]float32{}
		reply(true)
	case r.Method == http.MethodPut && r.URL.Path == "/collections/c/points":
		assert.Equal(f.t, "true", r.URL.Query().Get("wait"))
		var req struct {
			Points []struct {
				ID      string    `json:"id"`
				Vector  []float32 `json:"vector"`
				Payload Payload   `json:"payload"`
			} `json:"points"`
		}
		require.NoError(f.t, json.Unmarshal(body, &req))
		for _, p := range req.Points {
			f.points[p.ID] = p.Vector
			f.payload[p.ID] = p.Payload
		}
		reply(map[string]any{"status": "completed"})
	case r.Method == http.MethodPost && r.URL.Path == "/collections/c/points/search":
		var req struct {
			Vector      []float32 `json:"vector"`
			Limit       int       `json:"limit"`
			WithPayload bool      `json:"with_payload"`
		}
		require.NoError(f.t, json.Unmarshal(body, &req))
		assert.True(f.t, req.WithPayload)
		var hits []map[string]any
		for id, v := range f.points {
			if len(hits) == req.Limit {
				break
			}
			hits = append(hits, map[string]any{"id": id, "score": Cosine(req.Vector, v), "payload": f.payload[id]})
		}
		reply(hits)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newQdrant(t *testing.T, h http.Handler) *Qdrant {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	rc := retry.DefaultConfig()
	rc.InitialBackoff = time.Millisecond
	rc.MaxBackoff = time.Millisecond
	q, err := NewQdrant(QdrantConfig{URL: srv.URL + "/", APIKey: "secret", Timeout: 5 * time.Second, Retry: rc})
	require.NoError(t, err)
	return q
}

func TestQdrantRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := &fakeQdrant{t: t, points: map[string][]float32{}, payload: map[string]Payload{}}
	q := newQdrant(t, fake)

	_, err := q.CollectionInfo(ctx, "c")
	assert.ErrorIs(t, err, ErrCollectionNotFound)

	require.NoError(t, q.CreateCollection(ctx, "c", 2))
	require.NoError(t, q.CreateCollection(ctx, "c", 2))
	assert.ErrorIs(t, q.CreateCollection(ctx, "c", 5), ErrDimensionMismatch)

	id := PointID("issue-1")
	require.NoError(t, q.Upsert(ctx, "c", id, []float32{1, 0}, Payload{SourceID: "issue-1", Text: "rust parser"}))

	info, err := q.CollectionInfo(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, CollectionInfo{Name: "c", Dimensions: 2, Count: 1}, info)

	matches, err := q.Search(ctx, "c", []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)
	assert.Equal(t, "issue-1", matches[0].Payload.SourceID)

	require.NoError(t, q.DeleteCollection(ctx, "c"))
	require.NoError(t, q.DeleteCollection(ctx, "c"), "deleting a missing collection is a no-op")
}

func TestQdrantMissingCollection(t *testing.T) {
	ctx := context.Background()
	fake := &fakeQdrant{t: t, points: map[string][]float32{}, payload: map[string]Payload{}}
	q := newQdrant(t, fake)

	_, err := q.Search(ctx, "c", []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestQdrantServerErrorIsRetried(t *testing.T) {
	calls := 0
	q := newQdrant(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"result": {"points_count": 7, "config": {"params": {"vectors": {"size": 4}}}}}`))
	}))

	info, err := q.CollectionInfo(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, 7, info.Count)
	assert.Equal(t, 2, calls)
}

func TestNewQdrantRequiresURL(t *testing.T) {
	_, err := NewQdrant(QdrantConfig{})
	assert.Error(t, err)
}
