package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/bountyd/internal/retry"
	"github.com/steveyegge/bountyd/internal/types"
	"github.com/steveyegge/bountyd/internal/window"
)

// GitHubConfig configures the GitHub client
type GitHubConfig struct {
	GraphQLURL        string
	RESTURL           string
	Token             string
	PageSize          int
	RequestsPerSecond float64
	Timeout           time.Duration
	MaxReadmeChars    int
	Retry             retry.Config
	HTTPClient        *http.Client
}

// GitHub talks to the GitHub GraphQL API for search and the REST API for comments
type GitHub struct {
	cfg     GitHubConfig
	http    *http.Client
	limiter *rate.Limiter
	policy  *retry.Policy
}

// NewGitHub creates a GitHub client. A token is required for GraphQL search.
func NewGitHub(cfg GitHubConfig) (*GitHub, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("GitHub token is required (set GITHUB_TOKEN)")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.MaxReadmeChars <= 0 {
		cfg.MaxReadmeChars = 8000
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &GitHub{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		policy:  retry.New("github", cfg.Retry),
	}, nil
}

const searchQuery = `query($q: String!, $first: Int!, $after: String) {
  search(query: $q, type: ISSUE, first: $first, after: $after) {
    pageInfo { hasNextPage endCursor }
    nodes {
      ... on Issue {
        url title body createdAt updatedAt
        author { login }
        repository { url }
        assignees(first: 10) { nodes { login } }
        comments(last: 1) { nodes { author { login } body createdAt } }
        timelineItems(itemTypes: [CLOSED_EVENT], last: 1) {
          nodes { ... on ClosedEvent { closer { ... on PullRequest { url } } } }
        }
      }
      ... on PullRequest {
        url title mergedAt
        author { login }
        repository { url }
        closingIssuesReferences(first: 10) { nodes { url } }
      }
    }
  }
}`

type login struct {
	Login string `json:"login"`
}

type searchNode struct {
	URL        string     `json:"url"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	MergedAt   *time.Time `json:"mergedAt"`
	Author     *login     `json:"author"`
	Repository struct {
		URL string `json:"url"`
	} `json:"repository"`
	Assignees struct {
		Nodes []login `json:"nodes"`
	} `json:"assignees"`
	Comments struct {
		Nodes []struct {
			Author    *login    `json:"author"`
			Body      string    `json:"body"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"nodes"`
	} `json:"comments"`
	TimelineItems struct {
		Nodes []struct {
			Closer *struct {
				URL string `json:"url"`
			} `json:"closer"`
		} `json:"nodes"`
	} `json:"timelineItems"`
	ClosingIssuesReferences struct {
		Nodes []struct {
			URL string `json:"url"`
		} `json:"nodes"`
	} `json:"closingIssuesReferences"`
}

type searchResponse struct {
	Search struct {
		PageInfo struct {
			HasNextPage bool   `json:"hasNextPage"`
			EndCursor   string `json:"endCursor"`
		} `json:"pageInfo"`
		Nodes []searchNode `json:"nodes"`
	} `json:"search"`
}

// Search runs one page of a query descriptor
func (g *GitHub) Search(ctx context.Context, q window.QueryDescriptor, cursor string) (Page, error) {
	vars := map[string]any{"q": q.String(), "first": g.cfg.PageSize}
	if cursor != "" {
		vars["after"] = cursor
	}

	var resp searchResponse
	if err := g.graphql(ctx, "search "+string(q.Kind), searchQuery, vars, &resp); err != nil {
		return Page{}, err
	}

	page := Page{
		NextCursor: resp.Search.PageInfo.EndCursor,
		HasMore:    resp.Search.PageInfo.HasNextPage,
	}
	for _, n := range resp.Search.Nodes {
		if n.URL == "" {
			continue
		}
		if ev := toEvent(q.Kind, n); ev != nil {
			page.Items = append(page.Items, ev)
		}
	}
	return page, nil
}

func toEvent(kind types.EventKind, n searchNode) types.StagingEvent {
	switch kind {
	case types.KindOpen:
		return &types.OpenEvent{
			IssueID:     n.URL,
			ProjectID:   n.Repository.URL,
			Title:       n.Title,
			Creator:     loginOf(n.Author),
			Description: n.Body,
			BudgetGuess: ExtractBudget(n.Body),
		}
	case types.KindAssignComment:
		return assignCommentFromNode(n)
	case types.KindClosed:
		ev := &types.ClosedEvent{IssueID: n.URL}
		for _, a := range n.Assignees.Nodes {
			ev.Assignees = append(ev.Assignees, a.Login)
		}
		if items := n.TimelineItems.Nodes; len(items) > 0 && items[len(items)-1].Closer != nil {
			if u := items[len(items)-1].Closer.URL; u != "" {
				ev.LinkedPR = &u
			}
		}
		return ev
	case types.KindPullRequest:
		ev := &types.PullRequestEvent{
			PullID:    n.URL,
			Title:     n.Title,
			ProjectID: n.Repository.URL,
		}
		if n.Author != nil && n.Author.Login != "" {
			author := n.Author.Login
			ev.Author = &author
		}
		if n.MergedAt != nil {
			ev.MergedAt = *n.MergedAt
		}
		for _, ref := range n.ClosingIssuesReferences.Nodes {
			ev.ConnectedIssues = append(ev.ConnectedIssues, ref.URL)
		}
		return ev
	}
	return nil
}

func assignCommentFromNode(n searchNode) *types.AssignCommentEvent {
	ev := &types.AssignCommentEvent{IssueID: n.URL, CommentTime: n.UpdatedAt}
	if len(n.Assignees.Nodes) > 0 {
		a := n.Assignees.Nodes[0].Login
		ev.Assignee = &a
	}
	if c := n.Comments.Nodes; len(c) > 0 {
		last := c[len(c)-1]
		ev.CommentAuthor = loginOf(last.Author)
		ev.CommentBody = last.Body
		ev.CommentTime = last.CreatedAt
	}
	if ev.CommentTime.IsZero() {
		ev.CommentTime = n.CreatedAt
	}
	return ev
}

func loginOf(l *login) string {
	if l == nil {
		return ""
	}
	return l.Login
}

const repoQuery = `query($q: String!, $first: Int!) {
  search(query: $q, type: REPOSITORY, first: $first) {
    nodes {
      ... on Repository {
        url description stargazerCount
        owner { avatarUrl }
        primaryLanguage { name }
        object(expression: "HEAD:README.md") { ... on Blob { text } }
      }
    }
  }
}`

type repoResponse struct {
	Search struct {
		Nodes []struct {
			URL             string `json:"url"`
			Description     string `json:"description"`
			StargazerCount  int    `json:"stargazerCount"`
			Owner           struct {
				AvatarURL string `json:"avatarUrl"`
			} `json:"owner"`
			PrimaryLanguage *struct {
				Name string `json:"name"`
			} `json:"primaryLanguage"`
			Object *struct {
				Text string `json:"text"`
			} `json:"object"`
		} `json:"nodes"`
	} `json:"search"`
}

// FetchRepos fetches metadata for a batch of repositories in one search
func (g *GitHub) FetchRepos(ctx context.Context, projectIDs []string) ([]types.RepoMetadata, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	terms := make([]string, 0, len(projectIDs))
	for _, id := range projectIDs {
		slug, err := repoSlug(id)
		if err != nil {
			return nil, err
		}
		terms = append(terms, "repo:"+slug)
	}

	var resp repoResponse
	vars := map[string]any{"q": strings.Join(terms, " "), "first": len(terms)}
	if err := g.graphql(ctx, "fetch repos", repoQuery, vars, &resp); err != nil {
		return nil, err
	}

	out := make([]types.RepoMetadata, 0, len(resp.Search.Nodes))
	for _, n := range resp.Search.Nodes {
		if n.URL == "" {
			continue
		}
		md := types.RepoMetadata{
			ProjectID:   n.URL,
			Description: n.Description,
			RepoStars:   n.StargazerCount,
			Logo:        n.Owner.AvatarURL,
		}
		if n.PrimaryLanguage != nil {
			md.MainLanguage = n.PrimaryLanguage.Name
		}
		if n.Object != nil {
			md.Readme = truncateRunes(n.Object.Text, g.cfg.MaxReadmeChars)
		}
		if strings.TrimSpace(md.Description) == "" {
			md.Description = truncateRunes(md.Readme, 1000)
		}
		out = append(out, md)
	}
	return out, nil
}

const refreshFragment = `%s: resource(url: %q) {
    ... on Issue {
      url createdAt updatedAt
      assignees(first: 10) { nodes { login } }
      comments(last: 1) { nodes { author { login } body createdAt } }
    }
  }`

// RefreshIssues re-reads assignment and last comment for up to 30 issues per request
func (g *GitHub) RefreshIssues(ctx context.Context, issueIDs []string) ([]*types.AssignCommentEvent, error) {
	var out []*types.AssignCommentEvent
	for start := 0; start < len(issueIDs); start += 30 {
		end := min(start+30, len(issueIDs))
		batch := issueIDs[start:end]

		fields := make([]string, len(batch))
		for i, id := range batch {
			fields[i] = fmt.Sprintf(refreshFragment, fmt.Sprintf("i%d", i), id)
		}
		query := "query {\n  " + strings.Join(fields, "\n  ") + "\n}"

		var resp map[string]*searchNode
		if err := g.graphql(ctx, "refresh issues", query, nil, &resp); err != nil {
			return out, err
		}
		for i := range batch {
			n := resp[fmt.Sprintf("i%d", i)]
			if n == nil || n.URL == "" {
				continue
			}
			out = append(out, assignCommentFromNode(*n))
		}
	}
	return out, nil
}

// PostComment posts a comment to an issue through the REST API
func (g *GitHub) PostComment(ctx context.Context, issueID, body string) error {
	ref, err := ParseIssueURL(issueID)
	if err != nil {
		return retry.Permanent(err)
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/issues/%d/comments",
		strings.TrimRight(g.cfg.RESTURL, "/"), ref.Owner, ref.Repo, ref.Number)
	payload := map[string]string{"body": body}

	return g.policy.Do(ctx, "post comment", func(ctx context.Context) error {
		return g.do(ctx, http.MethodPost, endpoint, payload, nil)
	})
}

type graphqlError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (g *GitHub) graphql(ctx context.Context, operation, query string, vars map[string]any, out any) error {
	body := map[string]any{"query": query}
	if vars != nil {
		body["variables"] = vars
	}
	return g.policy.Do(ctx, operation, func(ctx context.Context) error {
		var envelope struct {
			Data   json.RawMessage `json:"data"`
			Errors []graphqlError  `json:"errors"`
		}
		if err := g.do(ctx, http.MethodPost, g.cfg.GraphQLURL, body, &envelope); err != nil {
			return err
		}
		if len(envelope.Errors) > 0 {
			e := envelope.Errors[0]
			if e.Type == "RATE_LIMITED" {
				return &retry.StatusError{StatusCode: http.StatusTooManyRequests, Body: e.Message}
			}
			// Partial results (e.g. an unknown repository) still carry data
			if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
				return retry.Permanent(fmt.Errorf("graphql error: %s", e.Message))
			}
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return retry.Permanent(fmt.Errorf("failed to decode graphql data: %w", err))
		}
		return nil
	})
}

func (g *GitHub) do(ctx context.Context, method, endpoint string, in, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(in)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to encode request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.http.Do(req)
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
	if err := json.Unmarshal(raw, out); err != nil {
		return retry.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
