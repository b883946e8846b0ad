package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/budget"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/rules"
	"github.com/dvloznov/finance-intel/internal/store"
	"github.com/dvloznov/finance-intel/internal/store/inmemory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, time.April, 1, 10, 0, 0, 0, time.UTC)

type mockSink struct {
	IndexRecurringFunc func(ctx context.Context, userID string, entities []*domain.RecurringEntity) error
	IndexBudgetsFunc   func(ctx context.Context, budgets []*domain.Budget) error
}

func (m *mockSink) IndexRecurring(ctx context.Context, userID string, entities []*domain.RecurringEntity) error {
	if m.IndexRecurringFunc != nil {
		return m.IndexRecurringFunc(ctx, userID, entities)
	}
	return nil
}

func (m *mockSink) IndexBudgets(ctx context.Context, budgets []*domain.Budget) error {
	if m.IndexBudgetsFunc != nil {
		return m.IndexBudgetsFunc(ctx, budgets)
	}
	return nil
}

func txn(id, account, name, amount string, date civil.Date) *domain.Transaction {
	return &domain.Transaction{
		ID:        id,
		UserID:    "u1",
		AccountID: account,
		Name:      name,
		Amount:    decimal.RequireFromString(amount),
		Date:      date,
	}
}

func day(month time.Month, d int) civil.Date {
	return civil.Date{Year: 2024, Month: month, Day: d}
}

func newTestEngine(sink Sink) (*Engine, *inmemory.Store) {
	st := inmemory.NewStore()
	e := NewEngine(st, EngineConfig{
		Sink:  sink,
		Clock: func() time.Time { return fixedNow },
	})
	return e, st
}

func TestRecomputeRecurring(t *testing.T) {
	var indexed []*domain.RecurringEntity
	e, st := newTestEngine(&mockSink{
		IndexRecurringFunc: func(ctx context.Context, userID string, entities []*domain.RecurringEntity) error {
			indexed = entities
			return nil
		},
	})
	st.PutTransactions(
		txn("n1", "card", "Netflix", "15.99", day(time.January, 1)),
		txn("n2", "card", "Netflix", "15.99", day(time.February, 1)),
		txn("n3", "card", "Netflix", "15.99", day(time.March, 1)),
		txn("c1", "card", "Corner Shop", "4.10", day(time.March, 3)),
	)

	ctx := context.Background()
	res, err := e.RecomputeRecurring(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, domain.CadenceMonthly, res.Entities[0].Cadence)
	assert.Equal(t, day(time.April, 1), res.Entities[0].NextDueDate)
	assert.Len(t, indexed, 1)

	stored, err := st.ListRecurring(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	again, err := e.RecomputeRecurring(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, res.Entities, again.Entities)

	storedAgain, err := st.ListRecurring(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, stored, storedAgain)
}

func TestRecomputeRecurring_SinkFailureIsNotFatal(t *testing.T) {
	e, st := newTestEngine(&mockSink{
		IndexRecurringFunc: func(context.Context, string, []*domain.RecurringEntity) error {
			return errors.New("index unavailable")
		},
	})
	st.PutTransactions(
		txn("n1", "card", "Netflix", "15.99", day(time.January, 1)),
		txn("n2", "card", "Netflix", "15.99", day(time.February, 1)),
	)

	_, err := e.RecomputeRecurring(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestRecomputeTransfers(t *testing.T) {
	e, st := newTestEngine(nil)
	st.PutTransactions(
		txn("out", "checking", "To savings", "100.00", day(time.March, 28)),
		txn("in", "savings", "From checking", "-100.00", day(time.March, 30)),
		txn("old", "checking", "Old", "100.00", day(time.January, 2)),
	)

	ctx := context.Background()
	res, err := e.RecomputeTransfers(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "out", res.Matches[0].FromID)
	assert.Equal(t, "in", res.Matches[0].ToID)

	got, err := st.ListTransactions(ctx, "u1", store.TransactionFilter{})
	require.NoError(t, err)
	byID := map[string]*domain.Transaction{}
	for _, t := range got {
		byID[t.ID] = t
	}
	assert.True(t, byID["out"].IsTransfer)
	assert.Equal(t, "in", byID["out"].TransferMatchID)
	assert.True(t, byID["in"].IsTransfer)
	assert.Equal(t, "out", byID["in"].TransferMatchID)
	assert.False(t, byID["old"].IsTransfer)

	again, err := e.RecomputeTransfers(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, again.Matches)
}

func TestApplyRuleToHistory(t *testing.T) {
	e, st := newTestEngine(nil)
	st.PutTransactions(
		txn("t1", "card", "Blue Bottle Coffee", "4.50", day(time.March, 2)),
		txn("t2", "card", "Coffee Corner", "3.10", day(time.March, 9)),
		txn("t3", "card", "Fuel Stop", "40.00", day(time.March, 9)),
	)

	ctx := context.Background()
	imported, err := e.ImportRules(ctx, "u1", []*domain.CategorizationRule{{
		ID:         "r1",
		Priority:   10,
		MatchType:  domain.MatchMerchant,
		MatchValue: "coffee",
		CategoryID: "dining",
		ApplyScope: domain.ScopeAllHistory,
		Enabled:    true,
	}})
	require.NoError(t, err)
	require.Len(t, imported, 1)

	res, err := e.ApplyRuleToHistory(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Changed)

	got, err := st.ListTransactions(ctx, "u1", store.TransactionFilter{IDs: []string{"t1", "t2", "t3"}})
	require.NoError(t, err)
	categories := map[string]string{}
	for _, t := range got {
		categories[t.ID] = t.CategoryID
	}
	assert.Equal(t, map[string]string{"t1": "dining", "t2": "dining", "t3": ""}, categories)

	rule, err := st.GetRule(ctx, "u1", "r1")
	require.NoError(t, err)
	require.NotNil(t, rule.LastAppliedAt)
	assert.Equal(t, fixedNow, rule.LastAppliedAt.UTC())
	assert.Equal(t, 2, rule.LastAppliedCount)

	again, err := e.ApplyRuleToHistory(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Matched)
	assert.Equal(t, 0, again.Changed)

	rule, err = st.GetRule(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, rule.LastAppliedCount)
}

func TestApplyRuleToHistory_Errors(t *testing.T) {
	e, _ := newTestEngine(nil)
	ctx := context.Background()

	_, err := e.ImportRules(ctx, "u1", []*domain.CategorizationRule{{
		ID:         "new-only",
		MatchType:  domain.MatchMerchant,
		MatchValue: "coffee",
		CategoryID: "dining",
		Enabled:    true,
	}})
	require.NoError(t, err)

	_, err = e.ApplyRuleToHistory(ctx, "u1", "new-only")
	assert.ErrorIs(t, err, rules.ErrRuleNotApplicable)

	_, err = e.ApplyRuleToHistory(ctx, "u1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCategorizeTransactions(t *testing.T) {
	e, st := newTestEngine(nil)
	st.PutTransactions(
		txn("t1", "acct-1", "Coffee House", "4.50", day(time.March, 2)),
		txn("t2", "acct-1", "Stationery", "12.00", day(time.March, 2)),
		txn("t3", "acct-2", "Coffee House", "4.50", day(time.March, 3)),
	)

	ctx := context.Background()
	_, err := e.ImportRules(ctx, "u1", []*domain.CategorizationRule{
		{ID: "work", Priority: 20, MatchType: domain.MatchAccount, MatchValue: "acct-1", CategoryID: "work", Enabled: true},
		{ID: "coffee", Priority: 10, MatchType: domain.MatchMerchant, MatchValue: "coffee", CategoryID: "dining", Enabled: true},
	})
	require.NoError(t, err)

	res, err := e.CategorizeTransactions(ctx, "u1", []string{"t1", "t2"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, map[string]int{"coffee": 1, "work": 1}, res.RuleHits)

	got, err := st.ListTransactions(ctx, "u1", store.TransactionFilter{})
	require.NoError(t, err)
	categories := map[string]string{}
	for _, t := range got {
		categories[t.ID] = t.CategoryID
	}
	assert.Equal(t, map[string]string{"t1": "dining", "t2": "work", "t3": ""}, categories)
}

func TestImportRules_InvalidStoresNothing(t *testing.T) {
	e, st := newTestEngine(nil)
	ctx := context.Background()

	_, err := e.ImportRules(ctx, "u1", []*domain.CategorizationRule{
		{ID: "ok", MatchType: domain.MatchMerchant, MatchValue: "coffee", CategoryID: "dining", Enabled: true},
		{ID: "bad", MatchType: domain.MatchRegex, MatchValue: "([", CategoryID: "dining", Enabled: true},
	})
	assert.ErrorIs(t, err, rules.ErrInvalidRule)

	list, err := st.ListRules(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = e.ImportRules(ctx, "u1", []*domain.CategorizationRule{
		{ID: "other", UserID: "u2", MatchType: domain.MatchMerchant, MatchValue: "x", CategoryID: "y", Enabled: true},
	})
	assert.ErrorIs(t, err, rules.ErrInvalidRule)
}

func TestImportRules_Defaults(t *testing.T) {
	e, _ := newTestEngine(nil)

	out, err := e.ImportRules(context.Background(), "u1", []*domain.CategorizationRule{
		{MatchType: " Merchant ", MatchValue: "coffee ", CategoryID: "dining", Enabled: true, ActionTags: []string{"b", "a", "b"}},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	r := out[0]
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "u1", r.UserID)
	assert.Equal(t, domain.MatchMerchant, r.MatchType)
	assert.Equal(t, "coffee ", r.MatchValue)
	assert.Equal(t, domain.ScopeNewOnly, r.ApplyScope)
	assert.Equal(t, []string{"a", "b"}, r.ActionTags)
	assert.Equal(t, fixedNow, r.CreatedAt)
}

func seedBudget(t *testing.T, st *inmemory.Store) *domain.Budget {
	t.Helper()
	march := datecalc.Period{Year: 2024, Month: time.March}
	b := &domain.Budget{
		ID:              domain.BudgetID("u1", "dining", march),
		UserID:          "u1",
		CategoryID:      "dining",
		Period:          march,
		Limit:           decimal.RequireFromString("200"),
		RolloverEnabled: true,
		RolloverMode:    domain.RolloverCarryForward,
	}
	require.NoError(t, st.SaveBudgets(context.Background(), []*domain.Budget{b}))

	spend := func(id, amount string, d int) *domain.Transaction {
		x := txn(id, "card", "Restaurant", amount, day(time.March, d))
		x.CategoryID = "dining"
		return x
	}
	st.PutTransactions(spend("d1", "100", 3), spend("d2", "50", 20))
	return b
}

func TestRecomputeBudgets(t *testing.T) {
	var indexed int
	e, st := newTestEngine(&mockSink{
		IndexBudgetsFunc: func(ctx context.Context, budgets []*domain.Budget) error {
			indexed += len(budgets)
			return nil
		},
	})
	b := seedBudget(t, st)

	ctx := context.Background()
	out, err := e.RecomputeBudgets(ctx, "u1", b.Period)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Spent.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, domain.StatusOnTrack, out[0].Status)
	assert.Equal(t, 1, indexed)

	stored, err := st.GetBudget(ctx, "u1", "dining", b.Period)
	require.NoError(t, err)
	assert.True(t, stored.Spent.Equal(decimal.RequireFromString("150")))
}

func TestRecomputeBudgets_OneBadBudgetDoesNotBlockTheMonth(t *testing.T) {
	e, st := newTestEngine(nil)
	ctx := context.Background()
	march := datecalc.Period{Year: 2024, Month: time.March}

	legacy := &domain.Budget{
		ID: "b1", UserID: "u1", CategoryID: "dining", Period: march,
		Limit: decimal.RequireFromString("100"),
	}
	groceries := &domain.Budget{
		ID: "b2", UserID: "u1", CategoryID: "groceries", Period: march,
		Limit: decimal.RequireFromString("300"), RolloverEnabled: true, RolloverMode: domain.RolloverCarryForward,
	}
	broken := &domain.Budget{
		ID: "b3", UserID: "u1", CategoryID: "travel", Period: march,
		Limit: decimal.RequireFromString("-5"),
	}
	require.NoError(t, st.SaveBudgets(ctx, []*domain.Budget{legacy, groceries, broken}))

	shop := txn("g1", "card", "Market", "120", day(time.March, 9))
	shop.CategoryID = "groceries"
	st.PutTransactions(shop)

	out, err := e.RecomputeBudgets(ctx, "u1", march)
	require.NoError(t, err)
	require.Len(t, out, 2)

	stored, err := st.GetBudget(ctx, "u1", "groceries", march)
	require.NoError(t, err)
	assert.True(t, stored.Spent.Equal(decimal.RequireFromString("120")))

	dining, err := st.GetBudget(ctx, "u1", "dining", march)
	require.NoError(t, err)
	assert.Equal(t, domain.RolloverResetEachMonth, dining.RolloverMode)

	closes, err := e.CloseBudgetMonth(ctx, "u1", "dining", march)
	require.NoError(t, err)
	require.Len(t, closes, 1)
	assert.True(t, closes[0].Next.RolloverBalance.IsZero())

	rest, err := e.CloseBudgetMonth(ctx, "u1", "", march)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "groceries", rest[0].Closed.CategoryID)
	assert.True(t, rest[0].Next.RolloverBalance.Equal(decimal.RequireFromString("180")))
}

func TestCloseBudgetMonth(t *testing.T) {
	e, st := newTestEngine(nil)
	b := seedBudget(t, st)
	ctx := context.Background()

	closes, err := e.CloseBudgetMonth(ctx, "u1", "dining", b.Period)
	require.NoError(t, err)
	require.Len(t, closes, 1)
	assert.True(t, closes[0].Created)
	assert.True(t, closes[0].Event.Amount.Equal(decimal.RequireFromString("50")))

	next, err := st.GetBudget(ctx, "u1", "dining", b.Period.Next())
	require.NoError(t, err)
	assert.True(t, next.RolloverBalance.Equal(decimal.RequireFromString("50")))
	assert.True(t, next.EffectiveLimit().Equal(decimal.RequireFromString("250")))

	closed, err := st.GetBudget(ctx, "u1", "dining", b.Period)
	require.NoError(t, err)
	assert.True(t, closed.Closed())

	events, err := st.ListRolloverEvents(ctx, "u1", "dining")
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = e.CloseBudgetMonth(ctx, "u1", "dining", b.Period)
	assert.ErrorIs(t, err, budget.ErrBudgetClosed)

	all, err := e.CloseBudgetMonth(ctx, "u1", "", b.Period)
	require.NoError(t, err)
	assert.Empty(t, all)

	recomputed, err := e.RecomputeBudgets(ctx, "u1", b.Period)
	require.NoError(t, err)
	assert.Empty(t, recomputed)
}

func TestUpcomingRecurring(t *testing.T) {
	e, st := newTestEngine(nil)
	st.PutRecurring(
		&domain.RecurringEntity{ID: "soon", UserID: "u1", MerchantName: "Gym", NextDueDate: day(time.April, 10)},
		&domain.RecurringEntity{ID: "later", UserID: "u1", MerchantName: "Insurance", NextDueDate: day(time.June, 1)},
	)

	got, err := e.UpcomingRecurring(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "soon", got[0].ID)

	got, err = e.UpcomingRecurring(context.Background(), "u1", 90)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestGuard_RejectsConcurrentRecompute(t *testing.T) {
	e, _ := newTestEngine(nil)

	release, err := e.guard.acquire("u1", ComponentRecurring)
	require.NoError(t, err)

	_, err = e.RecomputeRecurring(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrRecomputeInProgress)

	_, err = e.RecomputeRecurring(context.Background(), "u2")
	assert.NoError(t, err)

	_, err = e.RecomputeTransfers(context.Background(), "u1")
	assert.NoError(t, err)

	release()
	_, err = e.RecomputeRecurring(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestEngine_RequiresUser(t *testing.T) {
	e, _ := newTestEngine(nil)
	_, err := e.RecomputeTransfers(context.Background(), "")
	assert.Error(t, err)
}
