package merge

import (
	"fmt"
	"time"

	"github.com/steveyegge/bountyd/internal/types"
)

// AssignBudget moves rec to Approve with the given budget. Re-assigning a
// different amount is allowed until the budget is approved for payout.
func AssignBudget(rec *types.IssueRecord, amount int, now time.Time) (*types.IssueRecord, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: budget must be positive (got %d)", types.ErrInvariant, amount)
	}
	if rec.ReviewStatus == types.ReviewDecline {
		return nil, fmt.Errorf("%w: issue %s was declined", types.ErrInvariant, rec.IssueID)
	}
	if rec.BudgetApproved {
		return nil, fmt.Errorf("%w: budget of issue %s is already approved", types.ErrInvariant, rec.IssueID)
	}

	next := rec.Clone()
	next.Budget = types.Ptr(amount)
	next.ReviewStatus = types.ReviewApprove
	next.DateApproved = SetOnce(rec.DateApproved, now)
	return next, next.Validate()
}

// ConcludeBudget marks an approved budget for payout. It is idempotent on an
// already concluded issue.
func ConcludeBudget(rec *types.IssueRecord, now time.Time) (*types.IssueRecord, error) {
	if rec.BudgetApproved {
		return rec, nil
	}
	if rec.Budget == nil {
		return nil, fmt.Errorf("%w: issue %s has no budget", types.ErrInvariant, rec.IssueID)
	}
	if rec.ReviewStatus != types.ReviewApprove {
		return nil, fmt.Errorf("%w: issue %s is %s, not %s", types.ErrInvariant, rec.IssueID, rec.ReviewStatus, types.ReviewApprove)
	}

	next := rec.Clone()
	next.BudgetApproved = true
	next.DateBudgetApproved = SetOnce(rec.DateBudgetApproved, now)
	return next, next.Validate()
}

// Decline rejects rec and clears its budget. An issue whose budget was
// approved for payout cannot be declined. Declining twice is a no-op.
func Decline(rec *types.IssueRecord, now time.Time) (*types.IssueRecord, error) {
	if rec.BudgetApproved {
		return nil, fmt.Errorf("%w: budget of issue %s is already approved", types.ErrInvariant, rec.IssueID)
	}
	if rec.ReviewStatus == types.ReviewDecline {
		return rec, nil
	}

	next := rec.Clone()
	next.Budget = nil
	next.ReviewStatus = types.ReviewDecline
	next.DateDeclined = SetOnce(rec.DateDeclined, now)
	return next, next.Validate()
}
