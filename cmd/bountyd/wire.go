package main

import (
	"fmt"
	"log/slog"

	"github.com/steveyegge/bountyd/internal/admin"
	"github.com/steveyegge/bountyd/internal/aggregate"
	"github.com/steveyegge/bountyd/internal/ai"
	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/consolidate"
	"github.com/steveyegge/bountyd/internal/embedding"
	"github.com/steveyegge/bountyd/internal/enrich"
	"github.com/steveyegge/bountyd/internal/index"
	"github.com/steveyegge/bountyd/internal/ingest"
	"github.com/steveyegge/bountyd/internal/notify"
	"github.com/steveyegge/bountyd/internal/pipeline"
	"github.com/steveyegge/bountyd/internal/retry"
	"github.com/steveyegge/bountyd/internal/staging"
	"github.com/steveyegge/bountyd/internal/storage/sqlite"
	"github.com/steveyegge/bountyd/internal/tracker"
	"github.com/steveyegge/bountyd/internal/vectorstore"
)

// buildRunner wires every stage of a pipeline run. Optional collaborators
// whose credentials are missing are left out and report as skipped.
func buildRunner(cfg *config.Config, store *sqlite.SQLiteStorage) (*pipeline.Runner, error) {
	logger := slog.Default()
	creds := config.CredentialsFromEnv()
	rc := retry.FromConfig(cfg.Retry)

	gh, err := tracker.NewGitHub(tracker.GitHubConfig{
		GraphQLURL:        cfg.Tracker.GraphQLURL,
		RESTURL:           cfg.Tracker.RESTURL,
		Token:             creds.TrackerToken,
		PageSize:          cfg.Tracker.PageSize,
		RequestsPerSecond: cfg.Tracker.RequestsPerSecond,
		Timeout:           cfg.Tracker.Timeout,
		MaxReadmeChars:    cfg.Tracker.MaxReadmeChars,
		Retry:             rc,
	})
	if err != nil {
		return nil, fmt.Errorf("tracker client: %w", err)
	}

	stage := staging.New(store, logger)
	stages := pipeline.Stages{
		Ingest:      ingest.New(store, stage, gh, gh, cfg, logger),
		Consolidate: consolidate.New(store, stage, gh, cfg, logger),
		Aggregate:   aggregate.New(store, cfg, logger),
		Cleanup:     stage,
	}

	switch {
	case !cfg.Enrich.Enabled:
	case creds.AnthropicKey == "":
		logger.Warn("ANTHROPIC_API_KEY not set, summaries are disabled")
	default:
		model := cfg.Enrich.Model
		if creds.AnthropicModel != "" {
			model = creds.AnthropicModel
		}
		client, err := ai.NewClient(ai.Config{APIKey: creds.AnthropicKey, Model: model, Retry: rc, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("llm client: %w", err)
		}
		stages.Enrich = enrich.New(store, client, cfg.Enrich, logger)
	}

	idx, err := buildIndexer(cfg, creds, store)
	if err != nil {
		return nil, err
	}
	if idx != nil {
		stages.Index = idx
	}

	if cfg.Notify.Enabled {
		stages.Notify = notify.New(store, gh, cfg, logger)
	}

	return pipeline.NewRunner(store, stages, cfg, logger), nil
}

// buildIndexer returns nil when indexing is disabled or has no credentials
func buildIndexer(cfg *config.Config, creds config.Credentials, store *sqlite.SQLiteStorage) (*index.Indexer, error) {
	if !cfg.Index.Enabled {
		return nil, nil
	}
	if creds.EmbeddingKey == "" {
		slog.Warn("embedding API key not set, semantic index is disabled")
		return nil, nil
	}
	rc := retry.FromConfig(cfg.Retry)

	embedder, err := embedding.NewOpenAI(embedding.OpenAIConfig{
		URL:        cfg.Index.EmbeddingURL,
		APIKey:     creds.EmbeddingKey,
		Model:      cfg.Index.EmbeddingModel,
		Dimensions: cfg.Index.Dimensions,
		Timeout:    cfg.Retry.Timeout,
		Retry:      rc,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding client: %w", err)
	}

	var vectors vectorstore.Store
	switch cfg.Index.Backend {
	case "qdrant":
		q, err := vectorstore.NewQdrant(vectorstore.QdrantConfig{
			URL:     cfg.Index.QdrantURL,
			APIKey:  creds.QdrantAPIKey,
			Timeout: cfg.Retry.Timeout,
			Retry:   rc,
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant client: %w", err)
		}
		vectors = q
	default:
		vectors = vectorstore.NewSQLite(store.DB())
	}
	return index.New(store, embedder, vectors, cfg.Index, slog.Default()), nil
}

// adminService needs only the database
func adminService() *admin.Service {
	return admin.New(store, aggregate.New(store, cfg, slog.Default()), slog.Default())
}
