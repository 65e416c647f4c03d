// Package index keeps the semantic search collection in step with stored
// summaries and answers similarity queries against it.
package index

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/embedding"
	"github.com/steveyegge/bountyd/internal/types"
	"github.com/steveyegge/bountyd/internal/vectorstore"
)

// Backend is the storage the indexer needs
type Backend interface {
	ListUnindexedSummaries(ctx context.Context, limit int) ([]*types.SummaryRecord, error)
	MarkSummaryIndexed(ctx context.Context, id string) error
}

// Result is one similarity match above the threshold
type Result struct {
	SourceID string  `json:"source_id"`
	Text     string  `json:"text"`
	Score    float64 `json:"score"`
}

// Indexer embeds summaries into a vector store collection
type Indexer struct {
	store    Backend
	embedder embedding.Embedder
	vectors  vectorstore.Store
	cfg      config.IndexConfig
	logger   *slog.Logger
}

// New creates an indexer
func New(store Backend, embedder embedding.Embedder, vectors vectorstore.Store, cfg config.IndexConfig, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, embedder: embedder, vectors: vectors, cfg: cfg, logger: logger}
}

func (x *Indexer) ready() bool {
	return x.cfg.Enabled && x.embedder != nil && x.vectors != nil
}

// IndexPending embeds up to one batch of unindexed summaries. A summary is
// marked indexed only after its upsert succeeded; failures stay pending and
// are retried next run.
func (x *Indexer) IndexPending(ctx context.Context) (types.StageReport, error) {
	rep := types.StageReport{Stage: types.StageIndex}
	if !x.ready() {
		rep.Skipped = 1
		return rep, nil
	}

	if err := x.vectors.CreateCollection(ctx, x.cfg.Collection, x.cfg.Dimensions); err != nil {
		return rep, fmt.Errorf("failed to ensure collection %s: %w", x.cfg.Collection, err)
	}

	pending, err := x.store.ListUnindexedSummaries(ctx, max(x.cfg.BatchSize, 1))
	if err != nil {
		return rep, fmt.Errorf("failed to list unindexed summaries: %w", err)
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := x.indexOne(ctx, rec); err != nil {
			rep.Failed++
			x.logger.Warn("failed to index summary", "stage", types.StageIndex, "id", rec.ID, "error", err)
			continue
		}
		rep.Succeeded++
	}

	x.logger.Info("indexing finished", "indexed", rep.Succeeded, "failed", rep.Failed)
	return rep, nil
}

func (x *Indexer) indexOne(ctx context.Context, rec *types.SummaryRecord) error {
	vec, err := x.embedder.Embed(ctx, rec.Summary)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	payload := vectorstore.Payload{SourceID: rec.ID, Text: rec.Summary}
	if err := x.vectors.Upsert(ctx, x.cfg.Collection, vectorstore.PointID(rec.ID), vec, payload); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	if err := x.store.MarkSummaryIndexed(ctx, rec.ID); err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

// Search returns the matches for query scoring strictly above the configured
// threshold, best first. No match is not an error.
func (x *Indexer) Search(ctx context.Context, query string) ([]Result, error) {
	if !x.ready() {
		return nil, fmt.Errorf("semantic index is not configured")
	}
	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}

	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	matches, err := x.vectors.Search(ctx, x.cfg.Collection, vec, max(x.cfg.TopK, 1))
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return []Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", x.cfg.Collection, err)
	}

	out := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.Score <= x.cfg.ScoreThreshold {
			continue
		}
		out = append(out, Result{SourceID: m.Payload.SourceID, Text: m.Payload.Text, Score: m.Score})
	}
	slices.SortStableFunc(out, func(a, b Result) int { return cmp.Compare(b.Score, a.Score) })
	return out, nil
}

// Info reports the collection size
func (x *Indexer) Info(ctx context.Context) (vectorstore.CollectionInfo, error) {
	if x.vectors == nil {
		return vectorstore.CollectionInfo{}, fmt.Errorf("semantic index is not configured")
	}
	return x.vectors.CollectionInfo(ctx, x.cfg.Collection)
}
