// Package ai is the LLM collaborator: an Anthropic-backed completer with
// retry, circuit breaking and a concurrency cap, plus tolerant parsing of
// JSON embedded in model output.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/steveyegge/bountyd/internal/retry"
)

// DefaultModel is the summarization model used when none is configured.
// Summaries are short and cheap, so the small tier is enough.
const DefaultModel = "claude-3-5-haiku-20241022"

// Completer produces a completion for a prompt pair
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Config configures the Anthropic client
type Config struct {
	APIKey string
	// Model overrides DefaultModel
	Model   string
	Retry   retry.Config
	BaseURL string
	Logger  *slog.Logger
}

// Client calls the Anthropic Messages API
type Client struct {
	client *anthropic.Client
	model  string
	policy *retry.Policy
	logger *slog.Logger
}

var _ Completer = (*Client)(nil)

// NewClient creates an Anthropic completer
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries are owned by the policy, not the SDK
	opts = append(opts, option.WithMaxRetries(0))
	client := anthropic.NewClient(opts...)

	return &Client{
		client: &client,
		model:  model,
		policy: retry.New("anthropic", cfg.Retry),
		logger: logger,
	}, nil
}

// Model returns the model the client sends requests to
func (c *Client) Model() string {
	return c.model
}

// Complete sends one message and returns the concatenated text blocks
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	start := time.Now()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	var response *anthropic.Message
	err := c.policy.Do(ctx, "complete", func(attemptCtx context.Context) error {
		resp, apiErr := c.client.Messages.New(attemptCtx, params)
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
		"duration", time.Since(start))
	return sb.String(), nil
}
