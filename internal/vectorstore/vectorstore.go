// Package vectorstore is the vector store collaborator used by the semantic
// indexer. Two backends are provided: a brute-force store in the local
// SQLite database and a client for a Qdrant server.
package vectorstore

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
)

var (
	// ErrCollectionNotFound is returned for operations on a missing collection
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrDimensionMismatch is returned when a vector does not fit its collection
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// pointNamespace scopes point ids so they are stable across processes
var pointNamespace = uuid.MustParse("6f1c1d0e-3b1a-5c55-9a7e-4b8f0d2e9c11")

// PointID maps a source id to the deterministic point id it is stored under,
// so re-upserting a record overwrites its previous point.
func PointID(sourceID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(sourceID)).String()
}

// Payload is stored alongside each vector
type Payload struct {
	SourceID string `json:"source_id"`
	Text     string `json:"text"`
}

// Match is one search hit
type Match struct {
	ID      string
	Score   float64
	Payload Payload
}

// CollectionInfo describes a collection
type CollectionInfo struct {
	Name       string
	Dimensions int
	Count      int
}

// Store is a vector store
type Store interface {
	// CreateCollection creates the collection if missing. An existing
	// collection with different dimensions is an ErrDimensionMismatch.
	CreateCollection(ctx context.Context, collection string, dims int) error
	DeleteCollection(ctx context.Context, collection string) error
	CollectionInfo(ctx context.Context, collection string) (CollectionInfo, error)
	Upsert(ctx context.Context, collection, id string, vector []float32, payload Payload) error
	// Search returns up to limit matches by descending cosine similarity
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]Match, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
