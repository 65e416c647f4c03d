// Package embedding turns text into vectors through an OpenAI-compatible
// embeddings endpoint.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/steveyegge/bountyd/internal/retry"
)

// ErrEmptyInput is returned for blank text
var ErrEmptyInput = errors.New("embedding input is empty")

// Embedder produces a vector for a text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIConfig configures the HTTP embedder
type OpenAIConfig struct {
	URL        string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
	Retry      retry.Config
	HTTPClient *http.Client
}

// OpenAI calls POST {URL} with {"model", "input"} and reads data[0].embedding
type OpenAI struct {
	cfg    OpenAIConfig
	http   *http.Client
	policy *retry.Policy
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI creates an embeddings client
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("embedding url is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{cfg: cfg, http: hc, policy: retry.New("embeddings", cfg.Retry)}, nil
}

type embedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns the embedding of text
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	body, err := json.Marshal(embedRequest{Model: o.cfg.Model, Input: text, Dimensions: o.cfg.Dimensions})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	var vec []float32
	err = o.policy.Do(ctx, "embed", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if o.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
		}

		resp, err := o.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		}

		var out embedResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode embedding response: %w", err))
		}
		if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
			return retry.Permanent(fmt.Errorf("embedding response has no vector"))
		}
		vec = out.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	if o.cfg.Dimensions > 0 && len(vec) != o.cfg.Dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), o.cfg.Dimensions)
	}
	return vec, nil
}
