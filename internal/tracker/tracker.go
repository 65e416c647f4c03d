// Package tracker defines the contracts of the external issue tracker and
// provides a GitHub implementation plus an in-memory fake.
package tracker

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/steveyegge/bountyd/internal/types"
	"github.com/steveyegge/bountyd/internal/window"
)

// Page is one page of search results
type Page struct {
	Items      []types.StagingEvent
	NextCursor string
	HasMore    bool
}

// Client searches the tracker for one query descriptor at a time.
// An empty cursor requests the first page.
type Client interface {
	Search(ctx context.Context, q window.QueryDescriptor, cursor string) (Page, error)
}

// RepoFetcher returns repository metadata used to seed projects.
// Repositories the tracker does not know are omitted from the result.
type RepoFetcher interface {
	FetchRepos(ctx context.Context, projectIDs []string) ([]types.RepoMetadata, error)
}

// CommentPoster posts a comment on an issue identified by its URL
type CommentPoster interface {
	PostComment(ctx context.Context, issueID, body string) error
}

// Refresher re-reads the assignment and latest comment of known issues.
// It catches activity that the updated-range search misses.
type Refresher interface {
	RefreshIssues(ctx context.Context, issueIDs []string) ([]*types.AssignCommentEvent, error)
}

// PageFunc receives each page as it arrives along with the cursor to resume after it
type PageFunc func(page Page, resumeCursor string) error

// PaginateResult describes how far pagination got
type PaginateResult struct {
	Pages  int
	Items  int
	Cursor string
	// Done is true when the tracker reported no more pages
	Done bool
}

// Paginate walks a query from startCursor until the tracker reports no more
// pages or maxPages pages have been read. onPage runs after each page; if it
// fails, pagination stops and the cursor is left at the last page that was
// handled so the caller can resume there.
func Paginate(ctx context.Context, client Client, q window.QueryDescriptor, startCursor string, maxPages int, onPage PageFunc) (PaginateResult, error) {
	res := PaginateResult{Cursor: startCursor}
	for res.Pages < maxPages {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, err := client.Search(ctx, q, res.Cursor)
		if err != nil {
			return res, fmt.Errorf("search %s page %d: %w", q.Kind, res.Pages+1, err)
		}
		next := page.NextCursor
		if !page.HasMore {
			next = res.Cursor
		}
		if err := onPage(page, next); err != nil {
			return res, err
		}
		res.Pages++
		res.Items += len(page.Items)
		res.Cursor = next
		if !page.HasMore || page.NextCursor == "" {
			res.Done = true
			return res, nil
		}
	}
	return res, nil
}

var budgetPattern = regexp.MustCompile(`(?i)budget:?\s*\$?(\d{2,3})\b`)

// ExtractBudget parses a "budget: NNN" hint from an issue body.
// Only two and three digit amounts (10..999) are accepted; anything else yields 0.
func ExtractBudget(body string) int {
	m := budgetPattern.FindStringSubmatch(body)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 10 || n > 999 {
		return 0
	}
	return n
}

// IssueRef is a parsed issue URL
type IssueRef struct {
	Owner  string
	Repo   string
	Number int
}

// ProjectID returns the repository URL the issue belongs to
func (r IssueRef) ProjectID() string {
	return fmt.Sprintf("https://github.com/%s/%s", r.Owner, r.Repo)
}

// ParseIssueURL splits https://github.com/{owner}/{repo}/issues/{n}
func ParseIssueURL(issueURL string) (IssueRef, error) {
	u, err := url.Parse(issueURL)
	if err != nil {
		return IssueRef{}, fmt.Errorf("invalid issue url %q: %w", issueURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 4 || (parts[2] != "issues" && parts[2] != "pull") {
		return IssueRef{}, fmt.Errorf("invalid issue url %q: want /{owner}/{repo}/issues/{n}", issueURL)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n <= 0 {
		return IssueRef{}, fmt.Errorf("invalid issue number in %q", issueURL)
	}
	return IssueRef{Owner: parts[0], Repo: parts[1], Number: n}, nil
}

// ProjectIDFromURL returns the repository URL for an issue, pull request or repository URL
func ProjectIDFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("url %q has no owner/repo", rawURL)
	}
	host := u.Host
	if host == "" {
		host = "github.com"
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, host, parts[0], parts[1]), nil
}

// repoSlug returns owner/name for a project URL
func repoSlug(projectID string) (string, error) {
	u, err := url.Parse(projectID)
	if err != nil {
		return "", fmt.Errorf("invalid project url %q: %w", projectID, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid project url %q", projectID)
	}
	return parts[0] + "/" + parts[1], nil
}
