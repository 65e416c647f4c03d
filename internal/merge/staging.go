package merge

import (
	"github.com/steveyegge/bountyd/internal/types"
)

// Staged is the types.EventMerger used by the staging store. It dispatches
// on kind; events of mismatched kinds resolve to incoming.
func Staged(existing, incoming types.StagingEvent) types.StagingEvent {
	if existing == nil || existing.Kind() != incoming.Kind() {
		return incoming
	}
	switch in := incoming.(type) {
	case *types.OpenEvent:
		return CoalesceOpen(existing.(*types.OpenEvent), in)
	case *types.AssignCommentEvent:
		return CoalesceAssignComment(existing.(*types.AssignCommentEvent), in)
	case *types.ClosedEvent:
		return CoalesceClosed(existing.(*types.ClosedEvent), in)
	case *types.PullRequestEvent:
		return CoalescePullRequest(existing.(*types.PullRequestEvent), in)
	}
	return incoming
}

// CoalesceOpen overlays every non-empty field of incoming onto existing
func CoalesceOpen(existing, incoming *types.OpenEvent) *types.OpenEvent {
	return &types.OpenEvent{
		IssueID:     incoming.IssueID,
		ProjectID:   OverlayValue(existing.ProjectID, incoming.ProjectID),
		Title:       OverlayValue(existing.Title, incoming.Title),
		Creator:     OverlayValue(existing.Creator, incoming.Creator),
		Description: OverlayValue(existing.Description, incoming.Description),
		BudgetGuess: OverlayValue(existing.BudgetGuess, incoming.BudgetGuess),
	}
}

// CoalesceAssignComment keeps the newest comment by comment time. The
// assignee travels with the comment time it was observed at: an older event
// only fills an assignee the staged row lacks, so the row never pairs a new
// comment time with a stale assignee.
func CoalesceAssignComment(existing, incoming *types.AssignCommentEvent) *types.AssignCommentEvent {
	out := &types.AssignCommentEvent{
		IssueID:       incoming.IssueID,
		Assignee:      Overlay(nonEmpty(incoming.Assignee), nonEmpty(existing.Assignee)),
		CommentAuthor: existing.CommentAuthor,
		CommentTime:   existing.CommentTime,
		CommentBody:   existing.CommentBody,
	}
	if !incoming.CommentTime.Before(existing.CommentTime) {
		out.Assignee = Overlay(existing.Assignee, nonEmpty(incoming.Assignee))
		out.CommentAuthor = OverlayValue(existing.CommentAuthor, incoming.CommentAuthor)
		out.CommentTime = incoming.CommentTime
		out.CommentBody = OverlayValue(existing.CommentBody, incoming.CommentBody)
	}
	return out
}

// CoalesceClosed overlays assignees and linked PR
func CoalesceClosed(existing, incoming *types.ClosedEvent) *types.ClosedEvent {
	return &types.ClosedEvent{
		IssueID:   incoming.IssueID,
		Assignees: OverlaySlice(existing.Assignees, incoming.Assignees),
		LinkedPR:  Overlay(existing.LinkedPR, nonEmpty(incoming.LinkedPR)),
	}
}

// CoalescePullRequest overlays scalar fields and unions connected issues
func CoalescePullRequest(existing, incoming *types.PullRequestEvent) *types.PullRequestEvent {
	merged := existing.MergedAt
	if !incoming.MergedAt.IsZero() {
		merged = incoming.MergedAt
	}
	return &types.PullRequestEvent{
		PullID:          incoming.PullID,
		Title:           OverlayValue(existing.Title, incoming.Title),
		Author:          Overlay(existing.Author, nonEmpty(incoming.Author)),
		ProjectID:       OverlayValue(existing.ProjectID, incoming.ProjectID),
		MergedAt:        merged,
		ConnectedIssues: Union(existing.ConnectedIssues, incoming.ConnectedIssues),
	}
}

// nonEmpty treats a pointer to "" as null
func nonEmpty(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	return p
}
