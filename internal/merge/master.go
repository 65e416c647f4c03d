package merge

import (
	"slices"
	"time"

	"github.com/steveyegge/bountyd/internal/types"
)

// Tracker status values written by the merge
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// ApplyOpen creates the issue record for an open event. The immutable
// fields (project, title, description, creator) are first-writer-wins, so an
// existing record is returned unchanged.
func ApplyOpen(existing *types.IssueRecord, ev *types.OpenEvent) (*types.IssueRecord, bool) {
	if existing != nil {
		return existing, false
	}
	return &types.IssueRecord{
		IssueID:       ev.IssueID,
		ProjectID:     ev.ProjectID,
		Title:         ev.Title,
		Description:   ev.Description,
		Creator:       ev.Creator,
		BudgetGuess:   ev.BudgetGuess,
		TrackerStatus: types.Ptr(StatusOpen),
		ReviewStatus:  types.ReviewQueue,
	}, true
}

// ApplyAssignComment folds an assignment/comment observation into rec.
//
// The comment axis is last-writer-wins by comment time. The assignment axis
// is first-writer-wins: an assignee is taken when the record has none, or
// when this same event is strictly newer on the comment axis.
func ApplyAssignComment(rec *types.IssueRecord, ev *types.AssignCommentEvent) (*types.IssueRecord, bool) {
	next := rec.Clone()
	changed := false

	newer := LastWriterWinsByTime(rec.LastCommentAt, ev.CommentTime)
	if newer {
		t := ev.CommentTime.UTC()
		next.LastCommentAt = &t
		next.LastCommentAuthor = ev.CommentAuthor
		next.LastCommentBody = ev.CommentBody
		changed = true
	}

	if assignee := nonEmpty(ev.Assignee); assignee != nil {
		unassigned := len(rec.Assignees) == 0
		reassigned := newer && !slices.Contains(rec.Assignees, *assignee)
		if unassigned || reassigned {
			next.Assignees = []string{*assignee}
			next.DateAssigned = SetOnce(rec.DateAssigned, ev.CommentTime)
			changed = true
		}
	}

	if !changed {
		return rec, false
	}
	return next, true
}

// ApplyClosed folds a close observation into rec. A closing event is
// authoritative for assignees when it carries them; linked PR is coalesced.
func ApplyClosed(rec *types.IssueRecord, ev *types.ClosedEvent, now time.Time) (*types.IssueRecord, bool) {
	next := rec.Clone()
	changed := false

	if ev.Assignees != nil && !slices.Equal(rec.Assignees, ev.Assignees) {
		next.Assignees = append([]string{}, ev.Assignees...)
		changed = true
	}
	if len(next.Assignees) > 0 && rec.DateAssigned == nil {
		next.DateAssigned = SetOnce(nil, now)
		changed = true
	}
	if rec.LinkedPR == nil {
		if pr := nonEmpty(ev.LinkedPR); pr != nil {
			next.LinkedPR = types.Ptr(*pr)
			changed = true
		}
	}
	if rec.TrackerStatus == nil || *rec.TrackerStatus != StatusClosed {
		next.TrackerStatus = types.Ptr(StatusClosed)
		changed = true
	}

	if !changed {
		return rec, false
	}
	return next, true
}

// ApplyPullRequest coalesces a merged PR onto one of the issues it closes:
// linked PR and assignees are written only when unset.
func ApplyPullRequest(rec *types.IssueRecord, ev *types.PullRequestEvent) (*types.IssueRecord, bool) {
	next := rec.Clone()
	changed := false

	if rec.LinkedPR == nil {
		next.LinkedPR = types.Ptr(ev.PullID)
		changed = true
	}
	if author := nonEmpty(ev.Author); author != nil && len(rec.Assignees) == 0 {
		next.Assignees = CoalesceSlice(rec.Assignees, []string{*author})
		next.DateAssigned = SetOnce(rec.DateAssigned, ev.MergedAt)
		changed = true
	}

	if !changed {
		return rec, false
	}
	return next, true
}

// ApplyProject copies project-level fields that issues mirror
func ApplyProject(rec *types.IssueRecord, p *types.ProjectRecord) (*types.IssueRecord, bool) {
	if rec.MainLanguage == p.MainLanguage && rec.RepoStars == p.RepoStars {
		return rec, false
	}
	next := rec.Clone()
	next.MainLanguage = p.MainLanguage
	next.RepoStars = p.RepoStars
	return next, true
}

// ValidateEvent checks an event before it is merged
func ValidateEvent(ev types.StagingEvent) error {
	if ev == nil {
		return types.ErrMalformedEvent
	}
	return ev.Validate()
}
