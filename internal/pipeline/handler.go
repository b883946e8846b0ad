package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/dvloznov/finance-intel/internal/budget"
	"github.com/dvloznov/finance-intel/internal/jobs"
	"github.com/dvloznov/finance-intel/internal/rules"
	"github.com/dvloznov/finance-intel/internal/store"
)

// JobHandler returns a jobs.JobHandler that runs each job against e.
// Errors that a retry cannot fix are marked permanent; a busy component
// and storage failures are retried by the queue.
func JobHandler(e *Engine) jobs.JobHandler {
	return func(ctx context.Context, job *jobs.RecomputeJob) error {
		if err := job.Validate(); err != nil {
			return backoff.Permanent(err)
		}
		err := e.run(ctx, job)
		if err == nil || errors.Is(err, ErrRecomputeInProgress) {
			return err
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
}

func (e *Engine) run(ctx context.Context, job *jobs.RecomputeJob) error {
	var err error
	switch job.Kind {
	case jobs.KindRecomputeRecurring:
		_, err = e.RecomputeRecurring(ctx, job.UserID)
	case jobs.KindRecomputeTransfers:
		_, err = e.RecomputeTransfers(ctx, job.UserID)
	case jobs.KindApplyRule:
		_, err = e.ApplyRuleToHistory(ctx, job.UserID, job.RuleID)
	case jobs.KindCategorize:
		_, err = e.CategorizeTransactions(ctx, job.UserID, job.TransactionIDs)
	case jobs.KindRecomputeBudgets:
		_, err = e.RecomputeBudgets(ctx, job.UserID, *job.Period)
	case jobs.KindCloseBudgetMonth:
		_, err = e.CloseBudgetMonth(ctx, job.UserID, job.CategoryID, *job.Period)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	return err
}

func isPermanent(err error) bool {
	for _, target := range []error{
		store.ErrNotFound,
		rules.ErrRuleNotApplicable,
		rules.ErrInvalidRule,
		budget.ErrBudgetClosed,
		budget.ErrInvalidBudget,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
