// Package admin is the service layer behind the operator commands: the
// budget approval workflow and paginated listings. Mutations go through the
// same merge policies and aggregate recomputation the pipeline uses.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/bountyd/internal/merge"
	"github.com/steveyegge/bountyd/internal/types"
)

// DefaultPageSize applies when a listing asks for page size 0
const DefaultPageSize = 20

// Backend is the storage the admin service needs
type Backend interface {
	GetIssue(ctx context.Context, id string) (*types.IssueRecord, error)
	MutateIssue(ctx context.Context, id string, fn func(existing *types.IssueRecord) (*types.IssueRecord, error)) (*types.IssueRecord, error)
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueRecord, error)
	CountIssues(ctx context.Context, filter types.IssueFilter) (int, error)
	GetProject(ctx context.Context, id string) (*types.ProjectRecord, error)
	ListProjects(ctx context.Context, filter types.ProjectFilter) ([]*types.ProjectRecord, error)
	SearchSummariesByKeywords(ctx context.Context, tags []string, limit int) ([]*types.SummaryRecord, error)
}

// Recomputer rebuilds one project's aggregates
type Recomputer interface {
	RecomputeProject(ctx context.Context, projectID string) (types.ProjectTotals, error)
}

// Service runs admin operations
type Service struct {
	store  Backend
	agg    Recomputer
	logger *slog.Logger
	now    func() time.Time
}

// New creates the admin service
func New(store Backend, agg Recomputer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, agg: agg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source, for tests
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

type transition func(rec *types.IssueRecord, now time.Time) (*types.IssueRecord, error)

// apply runs one workflow transition on an issue and refreshes its project
func (s *Service) apply(ctx context.Context, id, action string, fn transition) (*types.IssueRecord, error) {
	now := s.now()
	rec, err := s.store.MutateIssue(ctx, id, func(existing *types.IssueRecord) (*types.IssueRecord, error) {
		if existing == nil {
			return nil, fmt.Errorf("issue %s: %w", id, types.ErrNotFound)
		}
		next, err := fn(existing, now)
		if err != nil {
			return nil, err
		}
		if next == existing {
			return nil, nil
		}
		return next, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", action, id, err)
	}

	if _, err := s.agg.RecomputeProject(ctx, rec.ProjectID); err != nil {
		// The next pipeline run recomputes every project anyway
		s.logger.Warn("failed to recompute project after admin change",
			"project_id", rec.ProjectID, "issue_id", id, "error", err)
	}
	s.logger.Info("issue updated", "action", action, "issue_id", id, "review_status", rec.ReviewStatus)
	return rec, nil
}

// AssignBudget sets the budget of an issue and approves it
func (s *Service) AssignBudget(ctx context.Context, id string, amount int) (*types.IssueRecord, error) {
	return s.apply(ctx, id, "assign budget", func(rec *types.IssueRecord, now time.Time) (*types.IssueRecord, error) {
		return merge.AssignBudget(rec, amount, now)
	})
}

// Conclude approves the assigned budget for payout
func (s *Service) Conclude(ctx context.Context, id string) (*types.IssueRecord, error) {
	return s.apply(ctx, id, "conclude", merge.ConcludeBudget)
}

// Decline rejects an issue and clears its budget
func (s *Service) Decline(ctx context.Context, id string) (*types.IssueRecord, error) {
	return s.apply(ctx, id, "decline", merge.Decline)
}

// BatchFailure is one rejected id of a batch operation
type BatchFailure struct {
	IssueID string `json:"issue_id"`
	Error   string `json:"error"`
}

// BatchResult reports a batch operation per id
type BatchResult struct {
	Succeeded []string       `json:"succeeded"`
	Failed    []BatchFailure `json:"failed"`
}

// BatchDecline declines each id independently. One rejection does not stop
// the rest.
func (s *Service) BatchDecline(ctx context.Context, ids []string) BatchResult {
	res := BatchResult{Succeeded: []string{}, Failed: []BatchFailure{}}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.Decline(ctx, id); err != nil {
			res.Failed = append(res.Failed, BatchFailure{IssueID: id, Error: err.Error()})
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}

// GetIssue returns one issue
func (s *Service) GetIssue(ctx context.Context, id string) (*types.IssueRecord, error) {
	return s.store.GetIssue(ctx, id)
}

// Page is one page of a listing
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// HasNext reports whether a further page exists
func (p Page[T]) HasNext() bool {
	return p.Page*p.PageSize < p.Total
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	return page, pageSize
}

// ListIssues returns one page of issues matching filter. Limit and Offset
// on the filter are replaced by the page.
func (s *Service) ListIssues(ctx context.Context, filter types.IssueFilter, page, pageSize int) (Page[*types.IssueRecord], error) {
	page, pageSize = normalizePage(page, pageSize)
	total, err := s.store.CountIssues(ctx, filter)
	if err != nil {
		return Page[*types.IssueRecord]{}, err
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize
	items, err := s.store.ListIssues(ctx, filter)
	if err != nil {
		return Page[*types.IssueRecord]{}, err
	}
	if items == nil {
		items = []*types.IssueRecord{}
	}
	return Page[*types.IssueRecord]{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}

// ListProjects returns one page of projects
func (s *Service) ListProjects(ctx context.Context, filter types.ProjectFilter, page, pageSize int) (Page[*types.ProjectRecord], error) {
	page, pageSize = normalizePage(page, pageSize)
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize
	items, err := s.store.ListProjects(ctx, filter)
	if err != nil {
		return Page[*types.ProjectRecord]{}, err
	}
	if items == nil {
		items = []*types.ProjectRecord{}
	}
	// Projects are few; count them through an unpaged listing
	all, err := s.store.ListProjects(ctx, types.ProjectFilter{MainLanguage: filter.MainLanguage, MinStars: filter.MinStars})
	if err != nil {
		return Page[*types.ProjectRecord]{}, err
	}
	return Page[*types.ProjectRecord]{Items: items, Total: len(all), Page: page, PageSize: pageSize}, nil
}

// GetProject returns one project
func (s *Service) GetProject(ctx context.Context, id string) (*types.ProjectRecord, error) {
	return s.store.GetProject(ctx, id)
}

// SearchByKeywords returns summaries tagged with any of tags
func (s *Service) SearchByKeywords(ctx context.Context, tags []string, limit int) ([]*types.SummaryRecord, error) {
	if len(tags) == 0 {
		return nil, errors.New("at least one keyword is required")
	}
	return s.store.SearchSummariesByKeywords(ctx, tags, limit)
}
