// Package config holds the run configuration that replaces process-wide
// constants: program labels and dates, window cadence, collaborator limits,
// and notification thresholds.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DateLayout is the layout of program start and end dates
const DateLayout = "2006-01-02"

// EnvPrefix prefixes environment overrides, e.g. BOUNTYD_PROGRAM_TOTAL_BUDGET
const EnvPrefix = "BOUNTYD"

// Config is the complete run configuration
type Config struct {
	DatabasePath string         `mapstructure:"database_path"`
	Program      ProgramConfig  `mapstructure:"program"`
	Window       WindowConfig   `mapstructure:"window"`
	Tracker      TrackerConfig  `mapstructure:"tracker"`
	Retry        RetryConfig    `mapstructure:"retry"`
	Pipeline     PipelineConfig `mapstructure:"pipeline"`
	Enrich       EnrichConfig   `mapstructure:"enrich"`
	Index        IndexConfig    `mapstructure:"index"`
	Notify       NotifyConfig   `mapstructure:"notify"`
}

// ProgramConfig describes the bounty program being tracked
type ProgramConfig struct {
	// IssueLabel marks bounty issues on the tracker
	IssueLabel string `mapstructure:"issue_label"`
	// PRLabel marks accepted pull requests
	PRLabel string `mapstructure:"pr_label"`
	// ExcludedLabels are negative search filters
	ExcludedLabels []string `mapstructure:"excluded_labels"`
	// StartDate bounds the earliest issue creation date considered (YYYY-MM-DD)
	StartDate string `mapstructure:"start_date"`
	// EndDate is informational; the dashboard shows it (YYYY-MM-DD, optional)
	EndDate string `mapstructure:"end_date"`
	// TotalBudget is the program-wide pool budgets are allocated from
	TotalBudget int `mapstructure:"total_budget"`
	// ClaimFormURL is linked from claim-your-fund comments when set
	ClaimFormURL string `mapstructure:"claim_form_url"`
}

// WindowConfig controls ingestion windows
type WindowConfig struct {
	// Cadence is the scheduler period
	Cadence time.Duration `mapstructure:"cadence"`
	// Align truncates window ends so repeated runs produce identical windows
	Align time.Duration `mapstructure:"align"`
	// InitialLookback is the window width used when no boundary is stored yet
	InitialLookback time.Duration `mapstructure:"initial_lookback"`
}

// TrackerConfig controls the external tracker client
type TrackerConfig struct {
	GraphQLURL        string        `mapstructure:"graphql_url"`
	RESTURL           string        `mapstructure:"rest_url"`
	PageSize          int           `mapstructure:"page_size"`
	MaxPages          int           `mapstructure:"max_pages"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RepoBatchSize     int           `mapstructure:"repo_batch_size"`
	MaxReadmeChars    int           `mapstructure:"max_readme_chars"`
	// MaxQueryFailures gives up on a window query after this many
	// consecutive failing runs so the boundary can advance
	MaxQueryFailures int `mapstructure:"max_query_failures"`
}

// RetryConfig is applied to every external collaborator call
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// PipelineConfig controls the run loop
type PipelineConfig struct {
	// Workers bounds per-stage parallelism
	Workers int `mapstructure:"workers"`
	// MaxStagingAttempts purges staged rows that keep failing to merge
	MaxStagingAttempts int `mapstructure:"max_staging_attempts"`
	// LeaseTTL is how long a run lease stays valid without a heartbeat
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// RunTimeout caps one run so it finishes inside the cadence
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// EnrichConfig controls LLM summarization
type EnrichConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Model               string `mapstructure:"model"`
	MaxPromptChars      int    `mapstructure:"max_prompt_chars"`
	ShortInputThreshold int    `mapstructure:"short_input_threshold"`
	ShortMaxTokens      int    `mapstructure:"short_max_tokens"`
	LongMaxTokens       int    `mapstructure:"long_max_tokens"`
	BatchSize           int    `mapstructure:"batch_size"`
	MaxConcurrentCalls  int    `mapstructure:"max_concurrent_calls"`
}

// IndexConfig controls embeddings and the vector store
type IndexConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Backend        string  `mapstructure:"backend"`
	Collection     string  `mapstructure:"collection"`
	EmbeddingURL   string  `mapstructure:"embedding_url"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	Dimensions     int     `mapstructure:"dimensions"`
	QdrantURL      string  `mapstructure:"qdrant_url"`
	TopK           int     `mapstructure:"top_k"`
	ScoreThreshold float64 `mapstructure:"score_threshold"`
	BatchSize      int     `mapstructure:"batch_size"`
}

// NotifyConfig controls comment dispatch
type NotifyConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	ApprovalLookback time.Duration `mapstructure:"approval_lookback"`
	StalePRAfter     time.Duration `mapstructure:"stale_pr_after"`
	BatchSize        int           `mapstructure:"batch_size"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
}

// Default returns the configuration used when no file or env override is present
func Default() *Config {
	return &Config{
		DatabasePath: ".bountyd/bountyd.db",
		Program: ProgramConfig{
			IssueLabel:     "bounty",
			PRLabel:        "bounty-accepted",
			ExcludedLabels: []string{"spam", "invalid"},
			StartDate:      "2024-06-17",
			TotalBudget:    50000,
		},
		Window: WindowConfig{
			Cadence:         time.Hour,
			Align:           time.Hour,
			InitialLookback: 24 * time.Hour,
		},
		Tracker: TrackerConfig{
			GraphQLURL:        "https://api.github.com/graphql",
			RESTURL:           "https://api.github.com",
			PageSize:          100,
			MaxPages:          10,
			RequestsPerSecond: 1,
			Timeout:           30 * time.Second,
			RepoBatchSize:     20,
			MaxReadmeChars:    8000,
			MaxQueryFailures:  5,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			Timeout:        60 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:            4,
			MaxStagingAttempts: 5,
			LeaseTTL:           50 * time.Minute,
			RunTimeout:         45 * time.Minute,
		},
		Enrich: EnrichConfig{
			Enabled:             true,
			MaxPromptChars:      4000,
			ShortInputThreshold: 200,
			ShortMaxTokens:      180,
			LongMaxTokens:       250,
			BatchSize:           50,
			MaxConcurrentCalls:  3,
		},
		Index: IndexConfig{
			Enabled:        true,
			Backend:        "sqlite",
			Collection:     "bounty_search",
			EmbeddingURL:   "https://api.openai.com/v1/embeddings",
			EmbeddingModel: "text-embedding-3-small",
			Dimensions:     1536,
			QdrantURL:      "http://localhost:6333",
			TopK:           5,
			ScoreThreshold: 0.75,
			BatchSize:      50,
		},
		Notify: NotifyConfig{
			Enabled:          true,
			ApprovalLookback: 72 * time.Hour,
			StalePRAfter:     30 * 24 * time.Hour,
			BatchSize:        50,
			MaxConcurrent:    4,
		},
	}
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.DatabasePath) == "" {
		add("database_path is required")
	}
	if strings.TrimSpace(c.Program.IssueLabel) == "" {
		add("program.issue_label is required")
	}
	if strings.TrimSpace(c.Program.PRLabel) == "" {
		add("program.pr_label is required")
	}
	if _, err := c.StartTime(); err != nil {
		add("program.start_date: %v", err)
	}
	if c.Program.EndDate != "" {
		if _, err := time.Parse(DateLayout, c.Program.EndDate); err != nil {
			add("program.end_date: %v", err)
		}
	}
	if c.Program.TotalBudget < 0 {
		add("program.total_budget cannot be negative (got %d)", c.Program.TotalBudget)
	}

	if c.Window.Cadence < time.Minute {
		add("window.cadence must be at least 1m (got %v)", c.Window.Cadence)
	}
	if c.Window.Align <= 0 || c.Window.Align > c.Window.Cadence {
		add("window.align must be in (0, cadence] (got %v)", c.Window.Align)
	}
	if c.Window.InitialLookback < c.Window.Cadence {
		add("window.initial_lookback (%v) must be >= cadence (%v)", c.Window.InitialLookback, c.Window.Cadence)
	}

	if c.Tracker.PageSize < 1 || c.Tracker.PageSize > 100 {
		add("tracker.page_size must be between 1 and 100 (got %d)", c.Tracker.PageSize)
	}
	if c.Tracker.MaxPages < 1 {
		add("tracker.max_pages must be at least 1 (got %d)", c.Tracker.MaxPages)
	}
	if c.Tracker.MaxQueryFailures < 1 {
		add("tracker.max_query_failures must be at least 1 (got %d)", c.Tracker.MaxQueryFailures)
	}
	if c.Tracker.RequestsPerSecond <= 0 {
		add("tracker.requests_per_second must be positive (got %v)", c.Tracker.RequestsPerSecond)
	}
	if c.Tracker.RepoBatchSize < 1 {
		add("tracker.repo_batch_size must be at least 1 (got %d)", c.Tracker.RepoBatchSize)
	}

	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 5 {
		add("retry.max_attempts must be between 1 and 5 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.Timeout <= 0 {
		add("retry.timeout must be positive (got %v)", c.Retry.Timeout)
	}

	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
		add("pipeline.workers must be between 1 and 64 (got %d)", c.Pipeline.Workers)
	}
	if c.Pipeline.MaxStagingAttempts < 1 {
		add("pipeline.max_staging_attempts must be at least 1 (got %d)", c.Pipeline.MaxStagingAttempts)
	}
	if c.Pipeline.LeaseTTL <= 0 {
		add("pipeline.lease_ttl must be positive (got %v)", c.Pipeline.LeaseTTL)
	}
	if c.Pipeline.RunTimeout <= 0 || c.Pipeline.RunTimeout > c.Pipeline.LeaseTTL {
		add("pipeline.run_timeout must be in (0, lease_ttl] (got %v)", c.Pipeline.RunTimeout)
	}

	if c.Enrich.MaxPromptChars < 500 {
		add("enrich.max_prompt_chars must be at least 500 (got %d)", c.Enrich.MaxPromptChars)
	}
	if c.Enrich.ShortInputThreshold < 0 || c.Enrich.ShortInputThreshold >= c.Enrich.MaxPromptChars {
		add("enrich.short_input_threshold must be in [0, max_prompt_chars) (got %d)", c.Enrich.ShortInputThreshold)
	}
	if c.Enrich.ShortMaxTokens < 1 || c.Enrich.LongMaxTokens < 1 {
		add("enrich max tokens must be positive")
	}
	if c.Enrich.BatchSize < 1 {
		add("enrich.batch_size must be at least 1 (got %d)", c.Enrich.BatchSize)
	}

	switch c.Index.Backend {
	case "sqlite", "qdrant":
	default:
		add("index.backend must be sqlite or qdrant (got %q)", c.Index.Backend)
	}
	if strings.TrimSpace(c.Index.Collection) == "" {
		add("index.collection is required")
	}
	if c.Index.Dimensions < 1 {
		add("index.dimensions must be positive (got %d)", c.Index.Dimensions)
	}
	if c.Index.TopK < 1 {
		add("index.top_k must be at least 1 (got %d)", c.Index.TopK)
	}
	if c.Index.ScoreThreshold < 0 || c.Index.ScoreThreshold >= 1 {
		add("index.score_threshold must be in [0, 1) (got %v)", c.Index.ScoreThreshold)
	}

	if c.Notify.ApprovalLookback <= 0 {
		add("notify.approval_lookback must be positive (got %v)", c.Notify.ApprovalLookback)
	}
	if c.Notify.StalePRAfter < 24*time.Hour {
		add("notify.stale_pr_after must be at least 24h (got %v)", c.Notify.StalePRAfter)
	}
	if c.Notify.BatchSize < 1 {
		add("notify.batch_size must be at least 1 (got %d)", c.Notify.BatchSize)
	}
	if c.Notify.MaxConcurrent < 1 {
		add("notify.max_concurrent must be at least 1 (got %d)", c.Notify.MaxConcurrent)
	}

	return errors.Join(errs...)
}

// StartTime parses Program.StartDate as a UTC midnight
func (c *Config) StartTime() (time.Time, error) {
	t, err := time.Parse(DateLayout, c.Program.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want %s): %w", c.Program.StartDate, DateLayout, err)
	}
	return t.UTC(), nil
}

// Load reads configuration from path (YAML) and BOUNTYD_* environment variables.
// A missing file is not an error when path is empty; defaults are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("bountyd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".bountyd")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := OverridesFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper, d *Config) {
	for key, value := range d.Flatten() {
		v.SetDefault(key, value)
	}
}
