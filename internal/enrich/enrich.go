// Package enrich summarizes issues and projects with an LLM and stores a
// summary plus keyword tags for each, marking the record processed even
// when the model output cannot be understood.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/bountyd/internal/ai"
	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/types"
)

// Backend is the storage enrichment needs
type Backend interface {
	IssuesMissingSummary(ctx context.Context, limit int) ([]*types.IssueRecord, error)
	ProjectsMissingSummary(ctx context.Context, limit int) ([]*types.ProjectRecord, error)
	SaveSummary(ctx context.Context, rec *types.SummaryRecord) (bool, error)
	DeleteSummary(ctx context.Context, id string) error
}

var (
	summaryRegex  = regexp.MustCompile(`"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	keywordsRegex = regexp.MustCompile(`"keywords"\s*:\s*\[?([^}\]]*)\]?`)
)

type extraction struct {
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

// ExtractSummary pulls summary and keywords out of model output. Valid JSON
// is decoded tolerantly; otherwise the fields are matched by pattern. Output
// with neither yields an empty summary and no keywords.
func ExtractSummary(text string) (string, []string) {
	if parsed, err := ai.Parse[extraction](text); err == nil {
		return strings.TrimSpace(parsed.Summary), cleanKeywords(parsed.Keywords)
	}

	summary := ""
	if m := summaryRegex.FindStringSubmatch(text); m != nil {
		summary = strings.TrimSpace(strings.ReplaceAll(m[1], `\"`, `"`))
	}
	var keywords []string
	if m := keywordsRegex.FindStringSubmatch(text); m != nil {
		keywords = strings.Split(m[1], ",")
	}
	return summary, cleanKeywords(keywords)
}

// cleanKeywords trims quotes and whitespace and drops empty or duplicate entries
func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, k := range in {
		k = strings.Trim(strings.TrimSpace(k), "\"'\n")
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		out = append(out, k)
	}
	return out
}

// Engine runs enrichment
type Engine struct {
	store     Backend
	completer ai.Completer
	cfg       config.EnrichConfig
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an enrichment engine
func New(store Backend, completer ai.Completer, cfg config.EnrichConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		completer: completer,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) limits() PromptLimits {
	return PromptLimits{
		ShortThreshold: e.cfg.ShortInputThreshold,
		MaxChars:       e.cfg.MaxPromptChars,
		ShortMaxTokens: e.cfg.ShortMaxTokens,
		LongMaxTokens:  e.cfg.LongMaxTokens,
	}
}

type job struct {
	id     string
	kind   types.SummaryKind
	prompt Prompt
}

// Enrich summarizes up to one batch of issues and one batch of projects
// lacking a summary. A completer failure skips the item so it is retried
// next run; unparseable output is stored as an empty summary.
func (e *Engine) Enrich(ctx context.Context) (types.StageReport, error) {
	rep := types.StageReport{Stage: types.StageEnrich}
	if !e.cfg.Enabled || e.completer == nil {
		rep.Skipped = 1
		return rep, nil
	}

	batch := max(e.cfg.BatchSize, 1)
	issues, err := e.store.IssuesMissingSummary(ctx, batch)
	if err != nil {
		return rep, fmt.Errorf("failed to list issues missing summary: %w", err)
	}
	projects, err := e.store.ProjectsMissingSummary(ctx, batch)
	if err != nil {
		return rep, fmt.Errorf("failed to list projects missing summary: %w", err)
	}

	lim := e.limits()
	jobs := make([]job, 0, len(issues)+len(projects))
	for _, issue := range issues {
		jobs = append(jobs, job{
			id:     issue.IssueID,
			kind:   types.SummaryIssue,
			prompt: IssuePrompt(issue.IssueID, issue.Title, issue.Description, lim),
		})
	}
	for _, p := range projects {
		jobs = append(jobs, job{
			id:     p.ProjectID,
			kind:   types.SummaryProject,
			prompt: ProjectPrompt(p.ProjectID, p.MainLanguage, p.Description, p.Readme, lim),
		})
	}

	var succeeded, failed, empty atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(e.cfg.MaxConcurrentCalls, 1))
	for _, j := range jobs {
		g.Go(func() error {
			stored, err := e.process(gctx, j)
			switch {
			case err != nil:
				failed.Add(1)
				e.logger.Warn("failed to summarize", "stage", types.StageEnrich, "id", j.id, "kind", j.kind, "error", err)
			case !stored:
				empty.Add(1)
				succeeded.Add(1)
			default:
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Succeeded = int(succeeded.Load())
	rep.Failed = int(failed.Load())
	e.logger.Info("enrichment finished", "summarized", rep.Succeeded, "empty", empty.Load(), "failed", rep.Failed)
	return rep, ctx.Err()
}

// process summarizes one record. It reports false when the output could not
// be understood and an empty summary was stored instead.
func (e *Engine) process(ctx context.Context, j job) (bool, error) {
	text, err := e.completer.Complete(ctx, j.prompt.System, j.prompt.User, j.prompt.MaxTokens)
	if err != nil {
		return false, err
	}
	summary, keywords := ExtractSummary(text)
	if summary == "" {
		e.logger.Warn("model output had no summary, storing empty record",
			"id", j.id, "kind", j.kind, "output", truncateRunes(text, 120))
	}

	if _, err := e.store.SaveSummary(ctx, &types.SummaryRecord{
		ID:          j.id,
		Kind:        j.kind,
		Summary:     summary,
		KeywordTags: keywords,
		CreatedAt:   e.now(),
	}); err != nil {
		return false, err
	}
	return summary != "", nil
}

// Reset deletes the summary of id so the next run summarizes it again
func (e *Engine) Reset(ctx context.Context, id string) error {
	if err := e.store.DeleteSummary(ctx, id); err != nil {
		return fmt.Errorf("reset summary %s: %w", id, err)
	}
	e.logger.Info("summary reset", "id", id)
	return nil
}
