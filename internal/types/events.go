package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies one of the four staging event variants
type EventKind string

const (
	KindOpen          EventKind = "open"
	KindAssignComment EventKind = "assign_comment"
	KindClosed        EventKind = "closed"
	KindPullRequest   EventKind = "pull_request"
)

// AllEventKinds lists kinds in consolidation order
var AllEventKinds = []EventKind{KindOpen, KindAssignComment, KindClosed, KindPullRequest}

// IsValid checks if the event kind value is valid
func (k EventKind) IsValid() bool {
	switch k {
	case KindOpen, KindAssignComment, KindClosed, KindPullRequest:
		return true
	}
	return false
}

// StagingEvent is a raw per-source-event record awaiting merge
type StagingEvent interface {
	Kind() EventKind
	// Key is the natural id the event is staged under
	Key() string
	Validate() error
}

// OpenEvent is an issue observed newly opened
type OpenEvent struct {
	IssueID     string `json:"issue_id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Creator     string `json:"creator"`
	Description string `json:"description"`
	BudgetGuess int    `json:"budget_guess"`
}

func (e *OpenEvent) Kind() EventKind { return KindOpen }
func (e *OpenEvent) Key() string     { return e.IssueID }

func (e *OpenEvent) Validate() error {
	if strings.TrimSpace(e.IssueID) == "" {
		return fmt.Errorf("%w: open event missing issue_id", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		return fmt.Errorf("%w: open event %s missing project_id", ErrMalformedEvent, e.IssueID)
	}
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: open event %s missing title", ErrMalformedEvent, e.IssueID)
	}
	return nil
}

// AssignCommentEvent is an issue observed with a new comment or assignee
type AssignCommentEvent struct {
	IssueID       string    `json:"issue_id"`
	Assignee      *string   `json:"assignee,omitempty"`
	CommentAuthor string    `json:"comment_author"`
	CommentTime   time.Time `json:"comment_time"`
	CommentBody   string    `json:"comment_body"`
}

func (e *AssignCommentEvent) Kind() EventKind { return KindAssignComment }
func (e *AssignCommentEvent) Key() string     { return e.IssueID }

func (e *AssignCommentEvent) Validate() error {
	if strings.TrimSpace(e.IssueID) == "" {
		return fmt.Errorf("%w: assign/comment event missing issue_id", ErrMalformedEvent)
	}
	if e.CommentTime.IsZero() {
		return fmt.Errorf("%w: assign/comment event %s missing comment_time", ErrMalformedEvent, e.IssueID)
	}
	return nil
}

// ClosedEvent is an issue observed closed
type ClosedEvent struct {
	IssueID   string   `json:"issue_id"`
	Assignees []string `json:"assignees,omitempty"`
	LinkedPR  *string  `json:"linked_pr,omitempty"`
}

func (e *ClosedEvent) Kind() EventKind { return KindClosed }
func (e *ClosedEvent) Key() string     { return e.IssueID }

func (e *ClosedEvent) Validate() error {
	if strings.TrimSpace(e.IssueID) == "" {
		return fmt.Errorf("%w: closed event missing issue_id", ErrMalformedEvent)
	}
	return nil
}

// PullRequestEvent is a merged pull request with the issues it closes
type PullRequestEvent struct {
	PullID          string    `json:"pull_id"`
	Title           string    `json:"title"`
	Author          *string   `json:"author,omitempty"`
	ProjectID       string    `json:"project_id"`
	MergedAt        time.Time `json:"merged_at"`
	ConnectedIssues []string  `json:"connected_issues"`
}

func (e *PullRequestEvent) Kind() EventKind { return KindPullRequest }
func (e *PullRequestEvent) Key() string     { return e.PullID }

func (e *PullRequestEvent) Validate() error {
	if strings.TrimSpace(e.PullID) == "" {
		return fmt.Errorf("%w: pull request event missing pull_id", ErrMalformedEvent)
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		return fmt.Errorf("%w: pull request %s missing project_id", ErrMalformedEvent, e.PullID)
	}
	return nil
}

// EncodeEvent serializes an event payload for the staging table
func EncodeEvent(ev StagingEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	return string(data), nil
}

// DecodeEvent restores a staged payload into its concrete event type
func DecodeEvent(kind EventKind, payload string) (StagingEvent, error) {
	var ev StagingEvent
	switch kind {
	case KindOpen:
		ev = &OpenEvent{}
	case KindAssignComment:
		ev = &AssignCommentEvent{}
	case KindClosed:
		ev = &ClosedEvent{}
	case KindPullRequest:
		ev = &PullRequestEvent{}
	default:
		return nil, fmt.Errorf("%w: unknown event kind %q", ErrMalformedEvent, kind)
	}
	if err := json.Unmarshal([]byte(payload), ev); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, kind, err)
	}
	return ev, nil
}

// StagedEvent is a staging row as stored, with retry bookkeeping
type StagedEvent struct {
	Kind     EventKind
	Key      string
	Payload  string
	StagedAt time.Time
	Attempts int
	LastErr  string
}

// Decode returns the typed event for this row
func (s *StagedEvent) Decode() (StagingEvent, error) {
	return DecodeEvent(s.Kind, s.Payload)
}

// EventMerger combines an already-staged event with an incoming one of the same key.
// existing is nil when nothing is staged yet.
type EventMerger func(existing, incoming StagingEvent) StagingEvent
