package pipeline

import (
	"context"

	"github.com/dvloznov/finance-intel/internal/domain"
)

// Sink receives derived state after each successful recompute, e.g. a search
// index. It never participates in the stored state of record.
type Sink interface {
	IndexRecurring(ctx context.Context, userID string, entities []*domain.RecurringEntity) error
	IndexBudgets(ctx context.Context, budgets []*domain.Budget) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) IndexRecurring(context.Context, string, []*domain.RecurringEntity) error { return nil }

func (NopSink) IndexBudgets(context.Context, []*domain.Budget) error { return nil }

var _ Sink = NopSink{}
