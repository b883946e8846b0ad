package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/finance-intel/internal/budget"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/recurring"
	"github.com/dvloznov/finance-intel/internal/rules"
	"github.com/dvloznov/finance-intel/internal/store"
	"github.com/dvloznov/finance-intel/internal/transfers"
	"github.com/google/uuid"
)

// EngineConfig carries the optional collaborators of an Engine.
type EngineConfig struct {
	Sink      Sink
	Clock     func() time.Time
	Transfers transfers.Options
}

// Engine runs the analysis operations for one user at a time against a store.
type Engine struct {
	store     store.Store
	sink      Sink
	clock     func() time.Time
	transfers transfers.Options
	guard     *guard
}

// NewEngine creates an engine. A nil sink discards derived state and a nil
// clock uses time.Now.
func NewEngine(st store.Store, cfg EngineConfig) *Engine {
	e := &Engine{
		store:     st,
		sink:      cfg.Sink,
		clock:     cfg.Clock,
		transfers: cfg.Transfers,
		guard:     newGuard(),
	}
	if e.sink == nil {
		e.sink = NopSink{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	return e
}

// Store returns the backing store.
func (e *Engine) Store() store.Store {
	return e.store
}

func (e *Engine) begin(ctx context.Context, userID string, c Component) (context.Context, *PipelineState, func(), error) {
	if userID == "" {
		return ctx, nil, nil, errors.New("user id is required")
	}
	release, err := e.guard.acquire(userID, c)
	if err != nil {
		return ctx, nil, nil, err
	}
	now := e.clock().UTC()
	state := &PipelineState{
		UserID: userID,
		Now:    now,
		Today:  datecalc.Today(now),
	}
	return logger.WithUser(ctx, userID), state, release, nil
}

// RecomputeRecurring detects recurring payments in the trailing window and
// replaces the user's detector-produced entities.
func (e *Engine) RecomputeRecurring(ctx context.Context, userID string) (recurring.Result, error) {
	ctx, state, release, err := e.begin(ctx, userID, ComponentRecurring)
	if err != nil {
		return recurring.Result{}, fmt.Errorf("RecomputeRecurring: %w", err)
	}
	defer release()

	state.Filter = store.TransactionFilter{
		From:             recurring.WindowStart(state.Today),
		ExcludeTransfers: true,
	}

	p := NewPipeline(
		&LoadTransactionsStep{Store: e.store},
		&DetectRecurringStep{},
		&ReplaceRecurringStep{Store: e.store},
		&PublishRecurringStep{Sink: e.sink},
	)
	if err := p.Execute(ctx, state); err != nil {
		return recurring.Result{}, fmt.Errorf("RecomputeRecurring: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("considered", state.Recurring.Considered).
		Int("detected", len(state.Recurring.Entities)).
		Int("irregular", state.Recurring.Irregular).
		Msg("Recurring detection completed")

	return state.Recurring, nil
}

// RecomputeTransfers pairs mirrored transactions of the last 30 days and
// flags both legs.
func (e *Engine) RecomputeTransfers(ctx context.Context, userID string) (transfers.Result, error) {
	ctx, state, release, err := e.begin(ctx, userID, ComponentTransfers)
	if err != nil {
		return transfers.Result{}, fmt.Errorf("RecomputeTransfers: %w", err)
	}
	defer release()

	state.Filter = store.TransactionFilter{From: transfers.WindowStart(state.Today)}

	p := NewPipeline(
		&LoadTransactionsStep{Store: e.store},
		&MatchTransfersStep{Options: e.transfers},
		&WriteClassificationsStep{Store: e.store},
	)
	if err := p.Execute(ctx, state); err != nil {
		return transfers.Result{}, fmt.Errorf("RecomputeTransfers: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("candidates", state.Transfers.Candidates).
		Int("matched", len(state.Transfers.Matches)).
		Msg("Transfer matching completed")

	return state.Transfers, nil
}

// ApplyRuleToHistory recategorizes every existing transaction the rule
// matches and records the apply on the rule.
func (e *Engine) ApplyRuleToHistory(ctx context.Context, userID, ruleID string) (rules.HistoryResult, error) {
	ctx, state, release, err := e.begin(ctx, userID, ComponentRules)
	if err != nil {
		return rules.HistoryResult{}, fmt.Errorf("ApplyRuleToHistory: %w", err)
	}
	defer release()

	state.RuleID = ruleID

	p := NewPipeline(
		&LoadRuleStep{Store: e.store},
		&LoadTransactionsStep{Store: e.store},
		&ApplyRuleStep{},
		&WriteClassificationsStep{Store: e.store},
		&MarkRuleAppliedStep{Store: e.store},
	)
	if err := p.Execute(ctx, state); err != nil {
		return rules.HistoryResult{}, fmt.Errorf("ApplyRuleToHistory: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("rule_id", ruleID).
		Int("matched", state.History.Matched).
		Int("changed", state.History.Changed).
		Msg("Rule applied to history")

	return state.History, nil
}

// CategorizeTransactions classifies the given transactions with every
// enabled rule of the user.
func (e *Engine) CategorizeTransactions(ctx context.Context, userID string, transactionIDs []string) (rules.ClassifyResult, error) {
	if len(transactionIDs) == 0 {
		return rules.ClassifyResult{RuleHits: map[string]int{}}, nil
	}

	ctx, state, release, err := e.begin(ctx, userID, ComponentRules)
	if err != nil {
		return rules.ClassifyResult{}, fmt.Errorf("CategorizeTransactions: %w", err)
	}
	defer release()

	state.Filter = store.TransactionFilter{IDs: transactionIDs}

	p := NewPipeline(
		&LoadRulesStep{Store: e.store},
		&LoadTransactionsStep{Store: e.store},
		&ClassifyStep{},
		&WriteClassificationsStep{Store: e.store},
	)
	if err := p.Execute(ctx, state); err != nil {
		return rules.ClassifyResult{}, fmt.Errorf("CategorizeTransactions: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Int("requested", len(transactionIDs)).
		Int("matched", state.Classified.Matched).
		Int("updated", len(state.Classified.Updates)).
		Msg("Transactions categorized")

	return state.Classified, nil
}

// RecomputeBudgets refreshes every open budget of the period.
func (e *Engine) RecomputeBudgets(ctx context.Context, userID string, period datecalc.Period) ([]*domain.Budget, error) {
	if err := period.Validate(); err != nil {
		return nil, fmt.Errorf("RecomputeBudgets: %w", err)
	}

	ctx, state, release, err := e.begin(ctx, userID, ComponentBudgets)
	if err != nil {
		return nil, fmt.Errorf("RecomputeBudgets: %w", err)
	}
	defer release()

	state.Period = period
	state.Filter = store.TransactionFilter{From: period.Start(), To: period.End()}

	p := NewPipeline(
		&LoadBudgetsStep{Store: e.store},
		&LoadTransactionsStep{Store: e.store},
		&RecomputeBudgetsStep{},
		&SaveBudgetsStep{Store: e.store},
		&PublishBudgetsStep{Sink: e.sink},
	)
	if err := p.Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("RecomputeBudgets: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("period", period.String()).
		Int("budgets", len(state.Recomputed)).
		Msg("Budgets recomputed")

	return state.Recomputed, nil
}

// CloseBudgetMonth closes the period's budget for categoryID, or every open
// budget of the period when categoryID is empty, and seeds the next period.
func (e *Engine) CloseBudgetMonth(ctx context.Context, userID, categoryID string, period datecalc.Period) ([]budget.CloseResult, error) {
	if err := period.Validate(); err != nil {
		return nil, fmt.Errorf("CloseBudgetMonth: %w", err)
	}

	ctx, state, release, err := e.begin(ctx, userID, ComponentBudgets)
	if err != nil {
		return nil, fmt.Errorf("CloseBudgetMonth: %w", err)
	}
	defer release()

	state.Period = period
	state.CategoryID = categoryID
	state.Filter = store.TransactionFilter{From: period.Start(), To: period.End()}

	p := NewPipeline(
		&LoadBudgetsStep{Store: e.store},
		&LoadTransactionsStep{Store: e.store},
		&CloseBudgetsStep{Store: e.store},
		&PublishBudgetsStep{Sink: e.sink},
	)
	if err := p.Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("CloseBudgetMonth: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("period", period.String()).
		Int("closed", len(state.Closes)).
		Msg("Budget month closed")

	return state.Closes, nil
}

// UpcomingRecurring lists recurring entities due within days of today.
// Non-positive days use recurring.DefaultUpcomingDays.
func (e *Engine) UpcomingRecurring(ctx context.Context, userID string, days int) ([]*domain.RecurringEntity, error) {
	if days <= 0 {
		days = recurring.DefaultUpcomingDays
	}
	entities, err := e.store.ListRecurring(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("UpcomingRecurring: listing recurring entities: %w", err)
	}
	return recurring.Upcoming(entities, datecalc.Today(e.clock().UTC()), days), nil
}

// ImportRules normalizes, validates and stores rules for the user. Nothing is
// stored when any rule is invalid.
func (e *Engine) ImportRules(ctx context.Context, userID string, list []*domain.CategorizationRule) ([]*domain.CategorizationRule, error) {
	now := e.clock().UTC()

	out := make([]*domain.CategorizationRule, 0, len(list))
	for i, r := range list {
		rule := r.Clone()
		if rule.UserID == "" {
			rule.UserID = userID
		}
		if rule.UserID != userID {
			return nil, fmt.Errorf("ImportRules: rule %d belongs to user %s: %w", i, rule.UserID, rules.ErrInvalidRule)
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		if rule.CreatedAt.IsZero() {
			rule.CreatedAt = now
		}
		rules.Normalize(rule)
		if err := rules.Validate(rule); err != nil {
			return nil, fmt.Errorf("ImportRules: rule %d: %w", i, err)
		}
		out = append(out, rule)
	}

	if len(out) == 0 {
		return out, nil
	}
	if err := e.store.SaveRules(ctx, out); err != nil {
		return nil, fmt.Errorf("ImportRules: saving rules: %w", err)
	}

	log := logger.FromContext(logger.WithUser(ctx, userID))
	log.Info().Int("rules", len(out)).Msg("Rules imported")

	return out, nil
}
