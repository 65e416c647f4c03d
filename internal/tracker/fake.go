package tracker

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/steveyegge/bountyd/internal/types"
	"github.com/steveyegge/bountyd/internal/window"
)

// Fake is an in-memory tracker for tests. Pages are served per event kind;
// cursors are page indexes rendered as strings.
type Fake struct {
	mu sync.Mutex

	Pages map[types.EventKind][][]types.StagingEvent
	Repos map[string]types.RepoMetadata
	// Refreshed is returned by RefreshIssues for matching ids
	Refreshed map[string]*types.AssignCommentEvent

	// SearchErr, when set, is consulted before serving each page
	SearchErr func(kind types.EventKind, cursor string) error
	// PostErr, when set, is consulted before recording each comment
	PostErr func(issueID string) error
	// RepoErr fails FetchRepos for every batch
	RepoErr error

	Searches []string
	Posted   []PostedComment
}

// PostedComment is a comment recorded by Fake
type PostedComment struct {
	IssueID string
	Body    string
}

// NewFake creates an empty fake tracker
func NewFake() *Fake {
	return &Fake{
		Pages:     map[types.EventKind][][]types.StagingEvent{},
		Repos:     map[string]types.RepoMetadata{},
		Refreshed: map[string]*types.AssignCommentEvent{},
	}
}

// AddPage appends a page of events for a kind
func (f *Fake) AddPage(kind types.EventKind, items ...types.StagingEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pages[kind] = append(f.Pages[kind], items)
}

// Search implements Client
func (f *Fake) Search(ctx context.Context, q window.QueryDescriptor, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Searches = append(f.Searches, fmt.Sprintf("%s:%s", q.Kind, cursor))
	if f.SearchErr != nil {
		if err := f.SearchErr(q.Kind, cursor); err != nil {
			return Page{}, err
		}
	}

	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return Page{}, fmt.Errorf("fake: bad cursor %q", cursor)
		}
		idx = n
	}
	pages := f.Pages[q.Kind]
	if idx >= len(pages) {
		return Page{}, nil
	}
	page := Page{Items: append([]types.StagingEvent(nil), pages[idx]...)}
	if idx+1 < len(pages) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(idx + 1)
	}
	return page, nil
}

// FetchRepos implements RepoFetcher
func (f *Fake) FetchRepos(ctx context.Context, projectIDs []string) ([]types.RepoMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RepoErr != nil {
		return nil, f.RepoErr
	}
	var out []types.RepoMetadata
	for _, id := range projectIDs {
		if md, ok := f.Repos[id]; ok {
			out = append(out, md)
		}
	}
	return out, nil
}

// RefreshIssues implements Refresher
func (f *Fake) RefreshIssues(ctx context.Context, issueIDs []string) ([]*types.AssignCommentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.AssignCommentEvent
	for _, id := range issueIDs {
		if ev, ok := f.Refreshed[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// PostComment implements CommentPoster
func (f *Fake) PostComment(ctx context.Context, issueID, body string) error {
	if f.PostErr != nil {
		if err := f.PostErr(issueID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Posted = append(f.Posted, PostedComment{IssueID: issueID, Body: body})
	return nil
}

// PostedTo returns the comments posted to one issue
func (f *Fake) PostedTo(issueID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.Posted {
		if p.IssueID == issueID {
			out = append(out, p.Body)
		}
	}
	return out
}
