package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/steveyegge/bountyd/internal/retry"
)

// QdrantConfig configures the Qdrant REST client
type QdrantConfig struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	Retry      retry.Config
	HTTPClient *http.Client
}

// Qdrant talks to a Qdrant server over its REST API
type Qdrant struct {
	base   string
	apiKey string
	http   *http.Client
	policy *retry.Policy
}

var _ Store = (*Qdrant)(nil)

// NewQdrant creates a Qdrant client
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Qdrant{
		base:   strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		http:   hc,
		policy: retry.New("qdrant", cfg.Retry),
	}, nil
}

type qdrantCollection struct {
	PointsCount int `json:"points_count"`
	Config      struct {
		Params struct {
			Vectors struct {
				Size int `json:"size"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

func (q *Qdrant) CreateCollection(ctx context.Context, collection string, dims int) error {
	info, err := q.CollectionInfo(ctx, collection)
	switch {
	case err == nil:
		if info.Dimensions != dims {
			return fmt.Errorf("%w: collection %s has %d dimensions, want %d", ErrDimensionMismatch, collection, info.Dimensions, dims)
		}
		return nil
	case !isNotFound(err):
		return err
	}

	body := map[string]any{"vectors": map[string]any{"size": dims, "distance": "Cosine"}}
	return q.call(ctx, "create collection", http.MethodPut, q.collectionPath(collection), body, nil)
}

func (q *Qdrant) DeleteCollection(ctx context.Context, collection string) error {
	err := q.call(ctx, "delete collection", http.MethodDelete, q.collectionPath(collection), nil, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (q *Qdrant) CollectionInfo(ctx context.Context, collection string) (CollectionInfo, error) {
	var res qdrantCollection
	if err := q.call(ctx, "collection info", http.MethodGet, q.collectionPath(collection), nil, &res); err != nil {
		if isNotFound(err) {
			return CollectionInfo{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		return CollectionInfo{}, err
	}
	return CollectionInfo{Name: collection, Dimensions: res.Config.Params.Vectors.Size, Count: res.PointsCount}, nil
}

func (q *Qdrant) Upsert(ctx context.Context, collection, id string, vector []float32, payload Payload) error {
	body := map[string]any{
		"points": []map[string]any{{
			"id":      id,
			"vector":  vector,
			"payload": payload,
		}},
	}
	err := q.call(ctx, "upsert", http.MethodPut, q.collectionPath(collection)+"/points?wait=true", body, nil)
	if isNotFound(err) {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return err
}

type qdrantHit struct {
	ID      any     `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

func (q *Qdrant) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		return []Match{}, nil
	}
	body := map[string]any{"vector": vector, "limit": limit, "with_payload": true}
	var hits []qdrantHit
	if err := q.call(ctx, "search", http.MethodPost, q.collectionPath(collection)+"/points/search", body, &hits); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		out = append(out, Match{ID: fmt.Sprint(h.ID), Score: h.Score, Payload: h.Payload})
	}
	return out, nil
}

func (q *Qdrant) collectionPath(collection string) string {
	return q.base + "/collections/" + url.PathEscape(collection)
}

// call sends one request with retry and decodes the "result" field of the
// response envelope into out when out is non-nil.
func (q *Qdrant) call(ctx context.Context, operation, method, endpoint string, in, out any) error {
	var data []byte
	if in != nil {
		var err error
		if data, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
	}

	return q.policy.Do(ctx, operation, func(ctx context.Context) error {
		var body io.Reader
		if data != nil {
			body = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return retry.Permanent(err)
		}
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if q.apiKey != "" {
			req.Header.Set("api-key", q.apiKey)
		}

		resp, err := q.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		if out == nil {
			return nil
		}
		var envelope struct {
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode %s response: %w", operation, err))
		}
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode %s result: %w", operation, err))
		}
		return nil
	})
}

func isNotFound(err error) bool {
	var status *retry.StatusError
	return errors.As(err, &status) && status.StatusCode == http.StatusNotFound
}
