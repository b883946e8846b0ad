// Package budget keeps the monthly per-category spending ledger and hands
// rollover balances from one month to the next.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrBudgetClosed is returned for any change to a closed month.
	ErrBudgetClosed = errors.New("budget month is closed")
	// ErrInvalidBudget wraps budget validation failures.
	ErrInvalidBudget = errors.New("invalid budget")
)

var (
	// WarningThreshold is the progress at which a budget turns to warning.
	WarningThreshold = decimal.RequireFromString("0.8")
	// OverBudgetThreshold is the progress at which a budget is over.
	OverBudgetThreshold = decimal.NewFromInt(1)
)

// Snapshot holds the derived figures of a recompute.
type Snapshot struct {
	Spent          decimal.Decimal
	EffectiveLimit decimal.Decimal
	Remaining      decimal.Decimal
	Progress       decimal.Decimal
	Status         domain.BudgetStatus
	// Counted is the number of transactions summed into Spent.
	Counted int
}

// Validate checks the fields a budget needs before it can be recomputed.
func Validate(b *domain.Budget) error {
	switch {
	case b.UserID == "":
		return fmt.Errorf("%w: missing user id", ErrInvalidBudget)
	case b.CategoryID == "":
		return fmt.Errorf("%w: missing category", ErrInvalidBudget)
	case b.Limit.IsNegative():
		return fmt.Errorf("%w: negative limit %s", ErrInvalidBudget, b.Limit)
	}
	if err := b.Period.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBudget, err)
	}
	return nil
}

// Normalize fills the rollover mode default in place.
func Normalize(b *domain.Budget) {
	b.RolloverMode = domain.ParseRolloverMode(string(b.RolloverMode))
}

// Counts reports whether txn contributes to b's spent figure: same category,
// inside the budget month, an expense, and neither hidden nor a transfer.
func Counts(b *domain.Budget, txn *domain.Transaction) bool {
	if txn.Validate() != nil {
		return false
	}
	return txn.CategoryID == b.CategoryID &&
		b.Period.Contains(txn.Date) &&
		!txn.IsHidden &&
		!txn.IsTransfer &&
		money.IsDebit(txn.Amount)
}

// Spent sums the expense amounts that count toward b.
func Spent(b *domain.Budget, txns []*domain.Transaction) (decimal.Decimal, int) {
	spent := money.Zero
	counted := 0
	for _, t := range txns {
		if Counts(b, t) {
			spent = spent.Add(t.Amount)
			counted++
		}
	}
	return spent, counted
}

// Progress is spent over the effective limit clamped to [0, 1]. A
// non-positive effective limit yields zero.
func Progress(spent, effectiveLimit decimal.Decimal) decimal.Decimal {
	if !effectiveLimit.IsPositive() {
		return decimal.Zero
	}
	p := spent.Div(effectiveLimit)
	switch {
	case p.IsNegative():
		return decimal.Zero
	case p.GreaterThan(OverBudgetThreshold):
		return OverBudgetThreshold
	default:
		return p
	}
}

// StatusFor maps progress to a status.
func StatusFor(progress decimal.Decimal) domain.BudgetStatus {
	switch {
	case progress.GreaterThanOrEqual(OverBudgetThreshold):
		return domain.StatusOverBudget
	case progress.GreaterThanOrEqual(WarningThreshold):
		return domain.StatusWarning
	default:
		return domain.StatusOnTrack
	}
}

// Derive computes the snapshot for b given an already summed spent figure.
func Derive(b *domain.Budget, spent decimal.Decimal) Snapshot {
	effective := b.Limit.Add(b.RolloverBalance)
	progress := Progress(spent, effective)
	return Snapshot{
		Spent:          spent,
		EffectiveLimit: effective,
		Remaining:      effective.Sub(spent),
		Progress:       progress,
		Status:         StatusFor(progress),
	}
}

// Recompute returns a copy of b with Spent and Status derived from txns.
// It may run any number of times while the month is open.
func Recompute(ctx context.Context, b *domain.Budget, txns []*domain.Transaction, now time.Time) (*domain.Budget, Snapshot, error) {
	if b.Closed() {
		return nil, Snapshot{}, fmt.Errorf("Recompute: %s %s: %w", b.CategoryID, b.Period, ErrBudgetClosed)
	}
	if err := Validate(b); err != nil {
		return nil, Snapshot{}, fmt.Errorf("Recompute: %w", err)
	}

	spent, counted := Spent(b, txns)
	snap := Derive(b, spent)
	snap.Counted = counted

	out := b.Clone()
	Normalize(out)
	out.Spent = snap.Spent
	out.Status = snap.Status
	out.UpdatedAt = now

	log := logger.FromContext(ctx)
	log.Debug().
		Str("category_id", b.CategoryID).
		Str("period", b.Period.String()).
		Str("spent", snap.Spent.String()).
		Str("status", string(snap.Status)).
		Int("counted", counted).
		Msg("Budget recomputed")

	return out, snap, nil
}

// CloseResult carries everything a month close writes.
type CloseResult struct {
	Closed *domain.Budget
	Next   *domain.Budget
	Event  *domain.RolloverEvent
	// Created is true when Next did not exist before the close.
	Created bool
}

// CarryOver is the balance the next month opens with: the remaining amount
// under carry-forward, zero otherwise. A negative value carries overspend.
func CarryOver(b *domain.Budget, remaining decimal.Decimal) decimal.Decimal {
	if b.RolloverEnabled && b.RolloverMode == domain.RolloverCarryForward {
		return remaining
	}
	return decimal.Zero
}

// Close recomputes b from txns, closes it and seeds the following month.
// next is the existing budget for the same category next month, or nil to
// create one with the same limit and rollover settings.
func Close(ctx context.Context, b *domain.Budget, next *domain.Budget, txns []*domain.Transaction, now time.Time) (CloseResult, error) {
	closed, snap, err := Recompute(ctx, b, txns, now)
	if err != nil {
		return CloseResult{}, fmt.Errorf("Close: %w", err)
	}
	closedAt := now
	closed.ClosedAt = &closedAt

	to := b.Period.Next()
	carry := CarryOver(closed, snap.Remaining)

	res := CloseResult{Closed: closed}
	if next == nil {
		res.Created = true
		next = &domain.Budget{
			ID:              domain.BudgetID(b.UserID, b.CategoryID, to),
			UserID:          b.UserID,
			CategoryID:      b.CategoryID,
			Period:          to,
			Limit:           b.Limit,
			Spent:           decimal.Zero,
			RolloverEnabled: b.RolloverEnabled,
			RolloverMode:    closed.RolloverMode,
		}
	} else {
		if next.Closed() {
			return CloseResult{}, fmt.Errorf("Close: next month %s: %w", next.Period, ErrBudgetClosed)
		}
		if next.Period != to || next.CategoryID != b.CategoryID || next.UserID != b.UserID {
			return CloseResult{}, fmt.Errorf("Close: %w: next budget %s %s does not follow %s %s",
				ErrInvalidBudget, next.CategoryID, next.Period, b.CategoryID, b.Period)
		}
		next = next.Clone()
	}
	next.RolloverBalance = carry
	next.Status = Derive(next, next.Spent).Status
	next.UpdatedAt = now
	res.Next = next

	res.Event = &domain.RolloverEvent{
		ID:         uuid.NewString(),
		UserID:     b.UserID,
		CategoryID: b.CategoryID,
		From:       b.Period,
		To:         to,
		Amount:     carry,
		Mode:       closed.RolloverMode,
		Enabled:    b.RolloverEnabled,
		CreatedAt:  now,
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("category_id", b.CategoryID).
		Str("from", b.Period.String()).
		Str("to", to.String()).
		Str("rollover_balance", carry.String()).
		Bool("created_next", res.Created).
		Msg("Budget month closed")

	return res, nil
}
