package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/store"
)

const budgetColumns = `
			budget_id,
			user_id,
			category_id,
			period_year,
			period_month,
			limit_amount,
			spent,
			rollover_enabled,
			rollover_mode,
			rollover_balance,
			status,
			closed_ts,
			updated_ts`

const rolloverEventColumns = `
			event_id,
			user_id,
			category_id,
			from_year,
			from_month,
			to_year,
			to_month,
			amount,
			mode,
			enabled,
			created_ts`

// GetBudget implements store.BudgetStore.
func (s *Store) GetBudget(ctx context.Context, userID, categoryID string, period datecalc.Period) (*domain.Budget, error) {
	rows, err := readAll[BudgetRow](ctx, s.client, `
		SELECT`+budgetColumns+`
		FROM `+s.table(budgetsTable)+`
		WHERE user_id = @user_id
		  AND category_id = @category_id
		  AND period_year = @year
		  AND period_month = @month
		LIMIT 1
	`, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "category_id", Value: categoryID},
		{Name: "year", Value: int64(period.Year)},
		{Name: "month", Value: int64(period.Month)},
	})
	if err != nil {
		return nil, fmt.Errorf("GetBudget: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("GetBudget: %s %s: %w", categoryID, period, store.ErrNotFound)
	}
	return toBudget(rows[0]), nil
}

// ListBudgets implements store.BudgetStore.
func (s *Store) ListBudgets(ctx context.Context, userID string, period datecalc.Period) ([]*domain.Budget, error) {
	rows, err := readAll[BudgetRow](ctx, s.client, `
		SELECT`+budgetColumns+`
		FROM `+s.table(budgetsTable)+`
		WHERE user_id = @user_id
		  AND period_year = @year
		  AND period_month = @month
		ORDER BY category_id
	`, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "year", Value: int64(period.Year)},
		{Name: "month", Value: int64(period.Month)},
	})
	if err != nil {
		return nil, fmt.Errorf("ListBudgets: %w", err)
	}

	out := make([]*domain.Budget, 0, len(rows))
	for _, r := range rows {
		out = append(out, toBudget(r))
	}
	return out, nil
}

func mergeBudgetsStatement(table string) string {
	return `
		MERGE ` + table + ` t
		USING UNNEST(@budgets) b
		ON t.budget_id = b.budget_id
		WHEN MATCHED THEN UPDATE SET
			limit_amount = b.limit_amount,
			spent = b.spent,
			rollover_enabled = b.rollover_enabled,
			rollover_mode = b.rollover_mode,
			rollover_balance = b.rollover_balance,
			status = b.status,
			closed_ts = b.closed_ts,
			updated_ts = b.updated_ts
		WHEN NOT MATCHED THEN INSERT (` + budgetColumns + `
		) VALUES (
			b.budget_id, b.user_id, b.category_id, b.period_year, b.period_month,
			b.limit_amount, b.spent, b.rollover_enabled, b.rollover_mode,
			b.rollover_balance, b.status, b.closed_ts, b.updated_ts
		)`
}

// SaveBudgets implements store.BudgetStore with a single MERGE.
func (s *Store) SaveBudgets(ctx context.Context, budgets []*domain.Budget) error {
	if len(budgets) == 0 {
		return nil
	}

	rows := make([]*BudgetRow, 0, len(budgets))
	for _, b := range budgets {
		rows = append(rows, fromBudget(b))
	}

	if _, err := s.exec(ctx, mergeBudgetsStatement(s.table(budgetsTable)), []bigquery.QueryParameter{
		{Name: "budgets", Value: rows},
	}); err != nil {
		return fmt.Errorf("SaveBudgets: %w", err)
	}
	return nil
}

func closeMonthScript(budgets, events string) string {
	return transaction(
		`ASSERT NOT EXISTS (
			SELECT 1 FROM `+budgets+`
			WHERE budget_id = @closed_id AND closed_ts IS NOT NULL
		) AS 'budget month is already closed'`,
		mergeBudgetsStatement(budgets),
		`INSERT INTO `+events+` (`+rolloverEventColumns+`
		)
		SELECT`+rolloverEventColumns+`
		FROM UNNEST([@event])`,
	)
}

// CloseMonth implements store.BudgetStore: the closed budget, its successor
// and the rollover event commit together.
func (s *Store) CloseMonth(ctx context.Context, closed, next *domain.Budget, event *domain.RolloverEvent) error {
	if closed == nil || next == nil || event == nil {
		return fmt.Errorf("CloseMonth: closed budget, next budget and event are required")
	}

	_, err := s.exec(ctx, closeMonthScript(s.table(budgetsTable), s.table(rolloverEventsTable)), []bigquery.QueryParameter{
		{Name: "closed_id", Value: closed.ID},
		{Name: "budgets", Value: []*BudgetRow{fromBudget(closed), fromBudget(next)}},
		{Name: "event", Value: fromRolloverEvent(event)},
	})
	if err != nil {
		return fmt.Errorf("CloseMonth: %w", err)
	}
	return nil
}

// ListRolloverEvents implements store.BudgetStore, oldest first.
func (s *Store) ListRolloverEvents(ctx context.Context, userID, categoryID string) ([]*domain.RolloverEvent, error) {
	rows, err := readAll[RolloverEventRow](ctx, s.client, `
		SELECT`+rolloverEventColumns+`
		FROM `+s.table(rolloverEventsTable)+`
		WHERE user_id = @user_id AND category_id = @category_id
		ORDER BY from_year, from_month, created_ts
	`, []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "category_id", Value: categoryID},
	})
	if err != nil {
		return nil, fmt.Errorf("ListRolloverEvents: %w", err)
	}

	out := make([]*domain.RolloverEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRolloverEvent(r))
	}
	return out, nil
}
