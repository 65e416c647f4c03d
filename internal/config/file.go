package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Flatten returns the configuration as dotted viper keys.
// Durations are rendered as strings so the output round-trips through YAML.
func (c *Config) Flatten() map[string]any {
	return map[string]any{
		"database_path": c.DatabasePath,

		"program.issue_label":     c.Program.IssueLabel,
		"program.pr_label":        c.Program.PRLabel,
		"program.excluded_labels": c.Program.ExcludedLabels,
		"program.start_date":      c.Program.StartDate,
		"program.end_date":        c.Program.EndDate,
		"program.total_budget":    c.Program.TotalBudget,
		"program.claim_form_url":  c.Program.ClaimFormURL,

		"window.cadence":          dur(c.Window.Cadence),
		"window.align":            dur(c.Window.Align),
		"window.initial_lookback": dur(c.Window.InitialLookback),

		"tracker.graphql_url":         c.Tracker.GraphQLURL,
		"tracker.rest_url":            c.Tracker.RESTURL,
		"tracker.page_size":           c.Tracker.PageSize,
		"tracker.max_pages":           c.Tracker.MaxPages,
		"tracker.requests_per_second": c.Tracker.RequestsPerSecond,
		"tracker.timeout":             dur(c.Tracker.Timeout),
		"tracker.repo_batch_size":     c.Tracker.RepoBatchSize,
		"tracker.max_readme_chars":    c.Tracker.MaxReadmeChars,
		"tracker.max_query_failures":  c.Tracker.MaxQueryFailures,

		"retry.max_attempts":    c.Retry.MaxAttempts,
		"retry.initial_backoff": dur(c.Retry.InitialBackoff),
		"retry.max_backoff":     dur(c.Retry.MaxBackoff),
		"retry.timeout":         dur(c.Retry.Timeout),

		"pipeline.workers":              c.Pipeline.Workers,
		"pipeline.max_staging_attempts": c.Pipeline.MaxStagingAttempts,
		"pipeline.lease_ttl":            dur(c.Pipeline.LeaseTTL),
		"pipeline.run_timeout":          dur(c.Pipeline.RunTimeout),

		"enrich.enabled":               c.Enrich.Enabled,
		"enrich.model":                 c.Enrich.Model,
		"enrich.max_prompt_chars":      c.Enrich.MaxPromptChars,
		"enrich.short_input_threshold": c.Enrich.ShortInputThreshold,
		"enrich.short_max_tokens":      c.Enrich.ShortMaxTokens,
		"enrich.long_max_tokens":       c.Enrich.LongMaxTokens,
		"enrich.batch_size":            c.Enrich.BatchSize,
		"enrich.max_concurrent_calls":  c.Enrich.MaxConcurrentCalls,

		"index.enabled":         c.Index.Enabled,
		"index.backend":         c.Index.Backend,
		"index.collection":      c.Index.Collection,
		"index.embedding_url":   c.Index.EmbeddingURL,
		"index.embedding_model": c.Index.EmbeddingModel,
		"index.dimensions":      c.Index.Dimensions,
		"index.qdrant_url":      c.Index.QdrantURL,
		"index.top_k":           c.Index.TopK,
		"index.score_threshold": c.Index.ScoreThreshold,
		"index.batch_size":      c.Index.BatchSize,

		"notify.enabled":           c.Notify.Enabled,
		"notify.approval_lookback": dur(c.Notify.ApprovalLookback),
		"notify.stale_pr_after":    dur(c.Notify.StalePRAfter),
		"notify.batch_size":        c.Notify.BatchSize,
		"notify.max_concurrent":    c.Notify.MaxConcurrent,
	}
}

func dur(d time.Duration) string {
	return d.String()
}

// MarshalYAML renders the configuration as a nested YAML document
func (c *Config) MarshalYAML() ([]byte, error) {
	nested := map[string]any{}
	for key, value := range c.Flatten() {
		parts := strings.Split(key, ".")
		m := nested
		for _, p := range parts[:len(parts)-1] {
			child, ok := m[p].(map[string]any)
			if !ok {
				child = map[string]any{}
				m[p] = child
			}
			m = child
		}
		m[parts[len(parts)-1]] = value
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(nested); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile atomically writes the configuration to path.
// It refuses to overwrite an existing file unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	data, err := c.MarshalYAML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
