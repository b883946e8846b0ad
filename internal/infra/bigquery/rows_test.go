package bigquery

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionRowMapping(t *testing.T) {
	txn := &domain.Transaction{
		ID:              "t1",
		UserID:          "u1",
		AccountID:       "card",
		Amount:          decimal.RequireFromString("12.34"),
		Date:            civil.Date{Year: 2024, Month: time.March, Day: 5},
		RawDescription:  "NETFLIX.COM 1234",
		CategoryID:      "subscriptions",
		IsTransfer:      true,
		TransferMatchID: "t2",
		Tags:            []string{"tv"},
	}

	row := fromTransaction(txn)
	assert.False(t, row.Name.Valid)
	assert.True(t, row.CategoryID.Valid)
	assert.Equal(t, "12.34", row.Amount.FloatString(2))

	back := toTransaction(row)
	assert.True(t, txn.Amount.Equal(back.Amount))
	back.Amount = txn.Amount
	assert.Equal(t, txn, back)
}

func TestTransactionRowMapping_EmptyTags(t *testing.T) {
	row := fromTransaction(&domain.Transaction{ID: "t1"})
	require.NotNil(t, row.Tags)
	assert.Empty(t, row.Tags)

	assert.Nil(t, toTransaction(row).Tags)
}

func TestRecurringRowMapping(t *testing.T) {
	e := &domain.RecurringEntity{
		ID:            domain.RecurringID("u1", "netflix"),
		UserID:        "u1",
		MerchantKey:   "netflix",
		MerchantName:  "Netflix",
		Cadence:       domain.CadenceMonthly,
		LastAmount:    decimal.RequireFromString("17.99"),
		AverageAmount: decimal.RequireFromString("16.66"),
		NextDueDate:   civil.Date{Year: 2024, Month: time.April, Day: 1},
		PriceChanged:  true,
		PriceHistory: []domain.PricePoint{
			{Date: civil.Date{Year: 2024, Month: time.January, Day: 1}, Amount: decimal.RequireFromString("15.99")},
			{Date: civil.Date{Year: 2024, Month: time.March, Day: 1}, Amount: decimal.RequireFromString("17.99")},
		},
		IsSubscription: true,
	}

	back := toRecurring(fromRecurring(e))
	require.Len(t, back.PriceHistory, 2)
	assert.True(t, back.PriceHistory[1].Amount.Equal(e.PriceHistory[1].Amount))
	assert.True(t, back.AverageAmount.Equal(e.AverageAmount))
	assert.Equal(t, e.NextDueDate, back.NextDueDate)
	assert.Equal(t, e.Cadence, back.Cadence)
	assert.True(t, back.PriceChanged)
}

func TestRuleRowMapping(t *testing.T) {
	applied := time.Date(2024, time.April, 1, 10, 0, 0, 0, time.UTC)
	rule := &domain.CategorizationRule{
		ID:               "r1",
		UserID:           "u1",
		Priority:         5,
		MatchType:        domain.MatchRegex,
		MatchValue:       "^uber",
		CategoryID:       "transport",
		ApplyScope:       domain.ScopeAllHistory,
		Enabled:          true,
		LastAppliedAt:    &applied,
		LastAppliedCount: 12,
		CreatedAt:        applied.Add(-time.Hour),
	}

	row := fromRule(rule)
	assert.True(t, row.LastAppliedTS.Valid)
	assert.False(t, row.Name.Valid)
	assert.NotNil(t, row.ActionTags)

	assert.Equal(t, rule, toRule(row))
}

func TestBudgetRowMapping(t *testing.T) {
	period := datecalc.Period{Year: 2024, Month: time.December}
	b := &domain.Budget{
		ID:              domain.BudgetID("u1", "dining", period),
		UserID:          "u1",
		CategoryID:      "dining",
		Period:          period,
		Limit:           decimal.RequireFromString("200"),
		Spent:           decimal.RequireFromString("150.5"),
		RolloverEnabled: true,
		RolloverMode:    domain.RolloverCarryForward,
		RolloverBalance: decimal.RequireFromString("20"),
		Status:          domain.StatusWarning,
		UpdatedAt:       time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}

	row := fromBudget(b)
	assert.Equal(t, int64(12), row.PeriodMonth)
	assert.False(t, row.ClosedTS.Valid)

	back := toBudget(row)
	assert.Equal(t, period, back.Period)
	assert.True(t, back.Spent.Equal(b.Spent))
	assert.True(t, back.EffectiveLimit().Equal(decimal.RequireFromString("220")))
	assert.Nil(t, back.ClosedAt)
	assert.Equal(t, domain.StatusWarning, back.Status)
}

func TestRolloverEventRowMapping(t *testing.T) {
	e := &domain.RolloverEvent{
		ID:         "ev1",
		UserID:     "u1",
		CategoryID: "dining",
		From:       datecalc.Period{Year: 2024, Month: time.December},
		To:         datecalc.Period{Year: 2025, Month: time.January},
		Amount:     decimal.RequireFromString("50"),
		Mode:       domain.RolloverCarryForward,
		Enabled:    true,
		CreatedAt:  time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}

	back := toRolloverEvent(fromRolloverEvent(e))
	assert.True(t, back.Amount.Equal(e.Amount))
	back.Amount = e.Amount
	assert.Equal(t, e, back)
}

func TestListTransactionsQuery(t *testing.T) {
	table := tableRef("p", "finance", transactionsTable)

	sql, params := listTransactionsQuery(table, "u1", store.TransactionFilter{})
	assert.Contains(t, sql, "FROM `p.finance.transactions`")
	assert.NotContains(t, sql, "@from_date")
	assert.Len(t, params, 1)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(sql), "ORDER BY transaction_date, transaction_id"))

	sql, params = listTransactionsQuery(table, "u1", store.TransactionFilter{
		From:             civil.Date{Year: 2024, Month: time.March, Day: 1},
		To:               civil.Date{Year: 2024, Month: time.March, Day: 31},
		IDs:              []string{"t1"},
		ExcludeTransfers: true,
	})
	assert.Contains(t, sql, "transaction_date >= @from_date")
	assert.Contains(t, sql, "transaction_date <= @to_date")
	assert.Contains(t, sql, "transaction_id IN UNNEST(@ids)")
	assert.Contains(t, sql, "AND NOT is_transfer")
	assert.Len(t, params, 4)
}

func TestToClassificationParam(t *testing.T) {
	cat := "dining"
	yes := true

	p := toClassificationParam(domain.ClassificationUpdate{TransactionID: "t1", CategoryID: &cat})
	assert.True(t, p.SetCategory)
	assert.Equal(t, "dining", p.CategoryID)
	assert.False(t, p.SetTransfer)
	assert.False(t, p.SetTags)
	assert.NotNil(t, p.Tags)

	merged := mergeParams(p, toClassificationParam(domain.ClassificationUpdate{TransactionID: "t1", IsTransfer: &yes}))
	assert.True(t, merged.SetCategory)
	assert.True(t, merged.SetTransfer)
	assert.True(t, merged.IsTransfer)
}

func TestDistinctIDs(t *testing.T) {
	ids := distinctIDs([]domain.ClassificationUpdate{
		{TransactionID: "b"}, {TransactionID: "a"}, {TransactionID: "b"},
	})
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestScripts(t *testing.T) {
	script := replaceDetectedScript("`p.d.recurring_entities`", true)
	assert.True(t, strings.HasPrefix(script, "BEGIN TRANSACTION;"))
	assert.True(t, strings.HasSuffix(script, "COMMIT TRANSACTION;"))
	assert.Contains(t, script, "NOT is_user_created")
	assert.Contains(t, script, "FROM UNNEST(@entities)")

	assert.NotContains(t, replaceDetectedScript("`p.d.recurring_entities`", false), "INSERT")

	closeScript := closeMonthScript("`p.d.budgets`", "`p.d.rollover_events`")
	assert.Contains(t, closeScript, "ASSERT NOT EXISTS")
	assert.Contains(t, closeScript, "MERGE `p.d.budgets`")
	assert.Contains(t, closeScript, "INSERT INTO `p.d.rollover_events`")
}
