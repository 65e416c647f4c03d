// Package notify posts workflow comments back to the tracker. Each
// (issue, kind) pair is posted at most once successfully: the ledger entry
// is written after the post, so a failed post is retried next run.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/bountyd/internal/config"
	"github.com/steveyegge/bountyd/internal/tracker"
	"github.com/steveyegge/bountyd/internal/types"
)

// Backend is the storage the dispatcher needs
type Backend interface {
	ListIssues(ctx context.Context, filter types.IssueFilter) ([]*types.IssueRecord, error)
	HasNotification(ctx context.Context, issueID string, kind types.NotificationKind) (bool, error)
	RecordNotification(ctx context.Context, issueID string, kind types.NotificationKind, sentAt time.Time) (bool, error)
}

// Dispatcher selects issues needing a comment and posts it
type Dispatcher struct {
	store        Backend
	poster       tracker.CommentPoster
	cfg          config.NotifyConfig
	claimFormURL string
	logger       *slog.Logger
	now          func() time.Time
}

// New creates a dispatcher
func New(store Backend, poster tracker.CommentPoster, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:        store,
		poster:       poster,
		cfg:          cfg.Notify,
		claimFormURL: cfg.Program.ClaimFormURL,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source, for tests
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Candidates returns issues that should receive a notification of kind and
// have no ledger entry for it yet.
func (d *Dispatcher) Candidates(ctx context.Context, kind types.NotificationKind) ([]*types.IssueRecord, error) {
	now := d.now()
	since := now.Add(-d.cfg.ApprovalLookback)
	filter := types.IssueFilter{NotNotified: kind, Limit: max(d.cfg.BatchSize, 1)}

	switch kind {
	case types.NotifyBudgetApproved:
		filter.ReviewStatus = types.ReviewApprove
		filter.HasBudget = types.Ptr(true)
		filter.ApprovedAfter = &since
	case types.NotifyDeclined:
		filter.ReviewStatus = types.ReviewDecline
		filter.DeclinedAfter = &since
	case types.NotifyClaimFund:
		filter.BudgetApproved = types.Ptr(true)
		filter.HasAssignees = types.Ptr(true)
		filter.BudgetApprovedAfter = &since
	case types.NotifyStaleNoPR:
		staleBefore := now.Add(-d.cfg.StalePRAfter)
		filter.ReviewStatus = types.ReviewApprove
		filter.BudgetApproved = types.Ptr(false)
		filter.HasAssignees = types.Ptr(true)
		filter.HasLinkedPR = types.Ptr(false)
		filter.AssignedBefore = &staleBefore
		filter.TrackerOpen = true
	default:
		return nil, fmt.Errorf("unknown notification kind: %q", kind)
	}

	// The lookback is part of the query so LIMIT applies after it
	issues, err := d.store.ListIssues(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s candidates: %w", kind, err)
	}
	return issues, nil
}

// Message builds the comment body for kind
func (d *Dispatcher) Message(kind types.NotificationKind, issue *types.IssueRecord) (string, error) {
	switch kind {
	case types.NotifyBudgetApproved:
		return fmt.Sprintf("Congratulations! Grant approved. Your proposal is approved to get $%d fund to fix the issue.",
			issue.BudgetValue()), nil
	case types.NotifyDeclined:
		return "I'm sorry your proposal wasn't approved.", nil
	case types.NotifyClaimFund:
		assignee := issue.FirstAssignee()
		if assignee == "" {
			return "", fmt.Errorf("%w: claim notification needs an assignee", types.ErrInvariant)
		}
		msg := fmt.Sprintf("@%s, Well done! According to the PR commit history, @%s should receive $%d.",
			assignee, assignee, issue.BudgetValue())
		if d.claimFormURL != "" {
			msg += " Please fill in this form to claim your fund: " + d.claimFormURL
		} else {
			msg += " Please fill in the claim form to receive your fund."
		}
		return msg, nil
	case types.NotifyStaleNoPR:
		return "Please link your PR to the issue it fixed within three days. Otherwise this issue will be deemed " +
			"not completed and we can't provide the fund.", nil
	}
	return "", fmt.Errorf("unknown notification kind: %q", kind)
}

// Dispatch posts every pending notification. Kinds run in order; issues
// within a kind are posted in parallel since they are disjoint.
func (d *Dispatcher) Dispatch(ctx context.Context) (types.StageReport, error) {
	rep := types.StageReport{Stage: types.StageNotify}
	if !d.cfg.Enabled || d.poster == nil {
		rep.Skipped = 1
		return rep, nil
	}

	for _, kind := range types.AllNotificationKinds {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		kr, err := d.dispatchKind(ctx, kind)
		if err != nil {
			rep.Failed++
			d.logger.Warn("notification kind failed", "stage", types.StageNotify, "kind", kind, "error", err)
			continue
		}
		rep.Add(kr)
	}

	d.logger.Info("notifications finished", "posted", rep.Succeeded, "failed", rep.Failed, "skipped", rep.Skipped)
	return rep, nil
}

func (d *Dispatcher) dispatchKind(ctx context.Context, kind types.NotificationKind) (types.StageReport, error) {
	var rep types.StageReport
	issues, err := d.Candidates(ctx, kind)
	if err != nil {
		return rep, err
	}
	if len(issues) == 0 {
		return rep, nil
	}

	var posted, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(d.cfg.MaxConcurrent, 1))
	for _, issue := range issues {
		g.Go(func() error {
			sent, err := d.send(gctx, kind, issue)
			switch {
			case err != nil:
				failed.Add(1)
				d.logger.Warn("failed to post notification", "stage", types.StageNotify,
					"issue_id", issue.IssueID, "kind", kind, "error", err)
			case sent:
				posted.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Succeeded = int(posted.Load())
	rep.Failed = int(failed.Load())
	rep.Skipped = int(skipped.Load())
	d.logger.Info("notification kind dispatched", "kind", kind, "posted", rep.Succeeded, "failed", rep.Failed)
	return rep, nil
}

// send posts one notification. It reports false when the ledger already had
// the entry.
func (d *Dispatcher) send(ctx context.Context, kind types.NotificationKind, issue *types.IssueRecord) (bool, error) {
	// The candidate list is a snapshot; re-check the ledger right before posting
	done, err := d.store.HasNotification(ctx, issue.IssueID, kind)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	body, err := d.Message(kind, issue)
	if err != nil {
		return false, err
	}
	if err := d.poster.PostComment(ctx, issue.IssueID, body); err != nil {
		return false, fmt.Errorf("post: %w", err)
	}

	// Write the ledger even if the run is being canceled: the comment is out
	if _, err := d.store.RecordNotification(context.WithoutCancel(ctx), issue.IssueID, kind, d.now()); err != nil {
		return false, fmt.Errorf("comment posted but ledger write failed: %w", err)
	}
	return true, nil
}
