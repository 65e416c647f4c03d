package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a master record does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvariant is returned when a mutation would violate a record invariant.
	// Callers must reject the mutation rather than coerce the record.
	ErrInvariant = errors.New("invariant violation")

	// ErrMalformedEvent marks a staged event that cannot be merged
	ErrMalformedEvent = errors.New("malformed staging event")

	// ErrLeaseHeld is returned when another live run holds the run lease
	ErrLeaseHeld = errors.New("run lease held by another process")
)

// IssueRecord is the long-lived master record for a bounty issue.
// It is keyed by the tracker URL of the issue.
type IssueRecord struct {
	IssueID      string `json:"issue_id"`
	ProjectID    string `json:"project_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Creator      string `json:"creator"`
	MainLanguage string `json:"main_language"`
	RepoStars    int    `json:"repo_stars"`

	// BudgetGuess is the amount parsed from the issue body when it was opened.
	// It is informational only; Budget is set by the approval workflow.
	BudgetGuess int  `json:"budget_guess"`
	Budget      *int `json:"budget,omitempty"`

	// Assignees is nil until someone is assigned. Order is assignment order.
	Assignees     []string     `json:"assignees,omitempty"`
	LinkedPR      *string      `json:"linked_pr,omitempty"`
	TrackerStatus *string      `json:"tracker_status,omitempty"`
	ReviewStatus  ReviewStatus `json:"review_status"`

	BudgetApproved bool `json:"budget_approved"`

	DateAssigned       *time.Time `json:"date_assigned,omitempty"`
	DateApproved       *time.Time `json:"date_approved,omitempty"`
	DateDeclined       *time.Time `json:"date_declined,omitempty"`
	DateBudgetApproved *time.Time `json:"date_budget_approved,omitempty"`

	// Comment axis, last-writer-wins on LastCommentAt
	LastCommentAt     *time.Time `json:"last_comment_at,omitempty"`
	LastCommentAuthor string     `json:"last_comment_author,omitempty"`
	LastCommentBody   string     `json:"last_comment_body,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks field values and the budget invariants
func (i *IssueRecord) Validate() error {
	if strings.TrimSpace(i.IssueID) == "" {
		return fmt.Errorf("issue_id is required")
	}
	if strings.TrimSpace(i.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if !i.ReviewStatus.IsValid() {
		return fmt.Errorf("invalid review status: %q", i.ReviewStatus)
	}
	if i.Budget != nil && *i.Budget < 0 {
		return fmt.Errorf("budget cannot be negative (got %d)", *i.Budget)
	}
	if i.BudgetApproved {
		if i.Budget == nil {
			return fmt.Errorf("%w: budget_approved requires a budget", ErrInvariant)
		}
		if i.ReviewStatus != ReviewApprove {
			return fmt.Errorf("%w: budget_approved requires review_status %s (got %s)",
				ErrInvariant, ReviewApprove, i.ReviewStatus)
		}
	}
	return nil
}

// ReviewFrozen reports whether the review status can no longer transition
func (i *IssueRecord) ReviewFrozen() bool {
	return i.ReviewStatus == ReviewDecline || i.BudgetApproved
}

// FirstAssignee returns the first assignee or "" when nobody is assigned
func (i *IssueRecord) FirstAssignee() string {
	if len(i.Assignees) == 0 {
		return ""
	}
	return i.Assignees[0]
}

// BudgetValue returns the budget or 0 when unset
func (i *IssueRecord) BudgetValue() int {
	if i.Budget == nil {
		return 0
	}
	return *i.Budget
}

// Clone returns a deep copy so merge policies never alias the caller's slices or pointers
func (i *IssueRecord) Clone() *IssueRecord {
	if i == nil {
		return nil
	}
	c := *i
	if i.Assignees != nil {
		c.Assignees = append([]string{}, i.Assignees...)
	}
	c.Budget = clonePtr(i.Budget)
	c.LinkedPR = clonePtr(i.LinkedPR)
	c.TrackerStatus = clonePtr(i.TrackerStatus)
	c.DateAssigned = clonePtr(i.DateAssigned)
	c.DateApproved = clonePtr(i.DateApproved)
	c.DateDeclined = clonePtr(i.DateDeclined)
	c.DateBudgetApproved = clonePtr(i.DateBudgetApproved)
	c.LastCommentAt = clonePtr(i.LastCommentAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr returns a pointer to v
func Ptr[T any](v T) *T {
	return &v
}

// ReviewStatus is the position of an issue in the budget review workflow
type ReviewStatus string

const (
	ReviewQueue   ReviewStatus = "queue"
	ReviewApprove ReviewStatus = "approve"
	ReviewDecline ReviewStatus = "decline"
)

// IsValid checks if the review status value is valid
func (s ReviewStatus) IsValid() bool {
	switch s {
	case ReviewQueue, ReviewApprove, ReviewDecline:
		return true
	}
	return false
}

// ProjectRecord is the master record for a repository that hosts bounty issues
type ProjectRecord struct {
	ProjectID    string `json:"project_id"`
	Logo         string `json:"logo"`
	MainLanguage string `json:"main_language"`
	RepoStars    int    `json:"repo_stars"`
	Description  string `json:"description"`
	Readme       string `json:"readme,omitempty"`

	// Derived fields, recomputed from IssueRecords on every run
	IssuesList           []string `json:"issues_list"`
	ParticipantsList     []string `json:"participants_list"`
	TotalBudgetAllocated int      `json:"total_budget_allocated"`
	TotalBudgetUsed      int      `json:"total_budget_used"`
	IssueCount           int      `json:"issue_count"`
	QueuedCount          int      `json:"queued_count"`
	ApprovedCount        int      `json:"approved_count"`
	DeclinedCount        int      `json:"declined_count"`

	MetadataFetchedAt *time.Time `json:"metadata_fetched_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Validate checks if the project has valid field values
func (p *ProjectRecord) Validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if p.RepoStars < 0 {
		return fmt.Errorf("repo_stars cannot be negative (got %d)", p.RepoStars)
	}
	return nil
}

// ProjectTotals holds the derived aggregates for one project
type ProjectTotals struct {
	IssuesList           []string
	ParticipantsList     []string
	TotalBudgetAllocated int
	TotalBudgetUsed      int
	IssueCount           int
	QueuedCount          int
	ApprovedCount        int
	DeclinedCount        int
}

// RepoMetadata is repository information fetched from the tracker to seed a project
type RepoMetadata struct {
	ProjectID    string `json:"project_id"`
	Description  string `json:"description"`
	Readme       string `json:"readme"`
	RepoStars    int    `json:"repo_stars"`
	MainLanguage string `json:"main_language"`
	Logo         string `json:"logo"`
}

// SummaryKind tells whether a summary belongs to an issue or a project
type SummaryKind string

const (
	SummaryIssue   SummaryKind = "issue"
	SummaryProject SummaryKind = "project"
)

// IsValid checks if the summary kind value is valid
func (k SummaryKind) IsValid() bool {
	switch k {
	case SummaryIssue, SummaryProject:
		return true
	}
	return false
}

// SummaryRecord is the enrichment output for an issue or project.
// Indexed only ever moves from false to true.
type SummaryRecord struct {
	ID          string      `json:"id"`
	Kind        SummaryKind `json:"kind"`
	Summary     string      `json:"summary"`
	KeywordTags []string    `json:"keyword_tags"`
	Indexed     bool        `json:"indexed"`
	CreatedAt   time.Time   `json:"created_at"`
	IndexedAt   *time.Time  `json:"indexed_at,omitempty"`
}

// NotificationKind names a class of comment posted back to the tracker
type NotificationKind string

const (
	NotifyBudgetApproved NotificationKind = "budget_approved"
	NotifyDeclined       NotificationKind = "declined"
	NotifyClaimFund      NotificationKind = "claim_fund"
	NotifyStaleNoPR      NotificationKind = "stale_no_pr"
)

// AllNotificationKinds lists kinds in dispatch order
var AllNotificationKinds = []NotificationKind{
	NotifyBudgetApproved,
	NotifyDeclined,
	NotifyClaimFund,
	NotifyStaleNoPR,
}

// IsValid checks if the notification kind value is valid
func (k NotificationKind) IsValid() bool {
	switch k {
	case NotifyBudgetApproved, NotifyDeclined, NotifyClaimFund, NotifyStaleNoPR:
		return true
	}
	return false
}

// NotificationEntry records that a notification kind was posted for an issue.
// Its existence suppresses re-sending.
type NotificationEntry struct {
	IssueID string           `json:"issue_id"`
	Kind    NotificationKind `json:"kind"`
	SentAt  time.Time        `json:"sent_at"`
}

// IssueFilter selects master issues. Zero values mean "no constraint".
type IssueFilter struct {
	ProjectID      string
	ReviewStatus   ReviewStatus
	MainLanguage   string
	MinStars       int
	BudgetApproved *bool
	HasBudget      *bool
	HasLinkedPR    *bool
	HasAssignees   *bool
	ApprovedAfter  *time.Time
	AssignedBefore *time.Time
	// DeclinedAfter and BudgetApprovedAfter bound the transition date; issues
	// without that date are excluded
	DeclinedAfter       *time.Time
	BudgetApprovedAfter *time.Time
	// TrackerOpen keeps issues the tracker has not reported closed
	TrackerOpen bool

	// NotNotified excludes issues that already have a ledger entry of this kind
	NotNotified NotificationKind

	// OrderBy accepts: stars, title, language, creator, budget, assignees, date_assigned
	OrderBy []string
	Limit   int
	Offset  int
}

// ProjectFilter selects projects for listing
type ProjectFilter struct {
	MainLanguage string
	MinStars     int
	// OrderBy accepts: stars, budget, issues
	OrderBy []string
	Limit   int
	Offset  int
}

// Statistics are dashboard counters over all master issues
type Statistics struct {
	TotalIssues          int `json:"total_issues"`
	QueuedIssues         int `json:"queued_issues"`
	ApprovedIssues       int `json:"approved_issues"`
	DeclinedIssues       int `json:"declined_issues"`
	BudgetApprovedIssues int `json:"budget_approved_issues"`
	TotalProjects        int `json:"total_projects"`

	ProgramBudget   int `json:"program_budget"`
	BudgetAllocated int `json:"budget_allocated"`
	BudgetUsed      int `json:"budget_used"`
	BudgetBalance   int `json:"budget_balance"`
}
