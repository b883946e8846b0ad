package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/budget"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/recurring"
	"github.com/dvloznov/finance-intel/internal/rules"
	"github.com/dvloznov/finance-intel/internal/store"
	"github.com/dvloznov/finance-intel/internal/transfers"
)

// PipelineStep represents a single step of an engine operation.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across the steps of one operation.
type PipelineState struct {
	UserID string
	Now    time.Time
	Today  civil.Date

	Filter       store.TransactionFilter
	Transactions []*domain.Transaction

	RuleID     string
	Rule       *domain.CategorizationRule
	Rules      []*domain.CategorizationRule
	Period     datecalc.Period
	CategoryID string
	Budgets    []*domain.Budget

	Recurring  recurring.Result
	Transfers  transfers.Result
	History    rules.HistoryResult
	Classified rules.ClassifyResult
	Updates    []domain.ClassificationUpdate
	Recomputed []*domain.Budget
	Closes     []budget.CloseResult
}

// LoadTransactionsStep reads the user's transactions through state.Filter.
type LoadTransactionsStep struct {
	Store store.TransactionStore
}

func (s *LoadTransactionsStep) Name() string { return "load transactions" }

func (s *LoadTransactionsStep) Execute(ctx context.Context, state *PipelineState) error {
	txns, err := s.Store.ListTransactions(ctx, state.UserID, state.Filter)
	if err != nil {
		return fmt.Errorf("listing transactions: %w", err)
	}
	state.Transactions = txns
	return nil
}

// DetectRecurringStep runs the cadence detector.
type DetectRecurringStep struct{}

func (s *DetectRecurringStep) Name() string { return "detect recurring" }

func (s *DetectRecurringStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Recurring = recurring.Detect(ctx, state.UserID, state.Transactions, state.Today)
	return nil
}

// ReplaceRecurringStep swaps the detector-produced entities in one write.
type ReplaceRecurringStep struct {
	Store store.RecurringStore
}

func (s *ReplaceRecurringStep) Name() string { return "replace recurring" }

func (s *ReplaceRecurringStep) Execute(ctx context.Context, state *PipelineState) error {
	if err := s.Store.ReplaceDetected(ctx, state.UserID, state.Recurring.Entities); err != nil {
		return fmt.Errorf("replacing detected entities: %w", err)
	}
	return nil
}

// MatchTransfersStep runs the transfer matcher.
type MatchTransfersStep struct {
	Options transfers.Options
}

func (s *MatchTransfersStep) Name() string { return "match transfers" }

func (s *MatchTransfersStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Transfers = transfers.Match(ctx, state.Transactions, state.Today, s.Options)
	state.Updates = state.Transfers.Updates
	return nil
}

// WriteClassificationsStep writes state.Updates as one batch.
type WriteClassificationsStep struct {
	Store store.TransactionStore
}

func (s *WriteClassificationsStep) Name() string { return "write classifications" }

func (s *WriteClassificationsStep) Execute(ctx context.Context, state *PipelineState) error {
	if len(state.Updates) == 0 {
		return nil
	}
	if err := s.Store.UpdateClassifications(ctx, state.UserID, state.Updates); err != nil {
		return fmt.Errorf("updating %d classifications: %w", len(state.Updates), err)
	}
	return nil
}

// LoadRuleStep reads the rule named by state.RuleID.
type LoadRuleStep struct {
	Store store.RuleStore
}

func (s *LoadRuleStep) Name() string { return "load rule" }

func (s *LoadRuleStep) Execute(ctx context.Context, state *PipelineState) error {
	rule, err := s.Store.GetRule(ctx, state.UserID, state.RuleID)
	if err != nil {
		return fmt.Errorf("loading rule %s: %w", state.RuleID, err)
	}
	state.Rule = rule
	return nil
}

// ApplyRuleStep runs state.Rule over every loaded transaction.
type ApplyRuleStep struct{}

func (s *ApplyRuleStep) Name() string { return "apply rule" }

func (s *ApplyRuleStep) Execute(ctx context.Context, state *PipelineState) error {
	res, err := rules.ApplyToHistory(ctx, state.Rule, state.Transactions)
	if err != nil {
		return err
	}
	state.History = res
	state.Updates = res.Updates
	return nil
}

// MarkRuleAppliedStep stamps the rule with the apply time and the number of
// transactions the apply changed.
type MarkRuleAppliedStep struct {
	Store store.RuleStore
}

func (s *MarkRuleAppliedStep) Name() string { return "mark rule applied" }

func (s *MarkRuleAppliedStep) Execute(ctx context.Context, state *PipelineState) error {
	if err := s.Store.MarkRuleApplied(ctx, state.UserID, state.Rule.ID, state.Now, state.History.Changed); err != nil {
		return fmt.Errorf("marking rule %s applied: %w", state.Rule.ID, err)
	}
	return nil
}

// LoadRulesStep reads the user's rules in priority order.
type LoadRulesStep struct {
	Store store.RuleStore
}

func (s *LoadRulesStep) Name() string { return "load rules" }

func (s *LoadRulesStep) Execute(ctx context.Context, state *PipelineState) error {
	list, err := s.Store.ListRules(ctx, state.UserID)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	state.Rules = list
	return nil
}

// ClassifyStep runs the ingestion-time classifier.
type ClassifyStep struct{}

func (s *ClassifyStep) Name() string { return "classify" }

func (s *ClassifyStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Classified = rules.ClassifyNew(ctx, state.Rules, state.Transactions)
	state.Updates = state.Classified.Updates
	return nil
}

// LoadBudgetsStep reads the period's budgets, narrowed to state.CategoryID
// when set.
type LoadBudgetsStep struct {
	Store store.BudgetStore
}

func (s *LoadBudgetsStep) Name() string { return "load budgets" }

func (s *LoadBudgetsStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.CategoryID != "" {
		b, err := s.Store.GetBudget(ctx, state.UserID, state.CategoryID, state.Period)
		if err != nil {
			return fmt.Errorf("loading budget %s %s: %w", state.CategoryID, state.Period, err)
		}
		state.Budgets = []*domain.Budget{b}
		return nil
	}
	list, err := s.Store.ListBudgets(ctx, state.UserID, state.Period)
	if err != nil {
		return fmt.Errorf("listing budgets for %s: %w", state.Period, err)
	}
	state.Budgets = list
	return nil
}

// RecomputeBudgetsStep refreshes spent and status on every open budget.
// An invalid budget is logged and left as stored so the rest of the month
// still updates.
type RecomputeBudgetsStep struct{}

func (s *RecomputeBudgetsStep) Name() string { return "recompute budgets" }

func (s *RecomputeBudgetsStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	state.Recomputed = state.Recomputed[:0]
	for _, b := range state.Budgets {
		if b.Closed() {
			continue
		}
		updated, _, err := budget.Recompute(ctx, b, state.Transactions, state.Now)
		if errors.Is(err, budget.ErrInvalidBudget) {
			log.Warn().Err(err).Str("budget_id", b.ID).Msg("Skipping invalid budget")
			continue
		}
		if err != nil {
			return fmt.Errorf("recomputing budget %s: %w", b.ID, err)
		}
		state.Recomputed = append(state.Recomputed, updated)
	}
	return nil
}

// SaveBudgetsStep upserts state.Recomputed as one batch.
type SaveBudgetsStep struct {
	Store store.BudgetStore
}

func (s *SaveBudgetsStep) Name() string { return "save budgets" }

func (s *SaveBudgetsStep) Execute(ctx context.Context, state *PipelineState) error {
	if len(state.Recomputed) == 0 {
		return nil
	}
	if err := s.Store.SaveBudgets(ctx, state.Recomputed); err != nil {
		return fmt.Errorf("saving %d budgets: %w", len(state.Recomputed), err)
	}
	return nil
}

// CloseBudgetsStep closes every open budget of the period, writing each
// close, its successor and the rollover event together.
type CloseBudgetsStep struct {
	Store store.BudgetStore
}

func (s *CloseBudgetsStep) Name() string { return "close budgets" }

func (s *CloseBudgetsStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	for _, b := range state.Budgets {
		if b.Closed() {
			if state.CategoryID != "" {
				return fmt.Errorf("budget %s: %w", b.ID, budget.ErrBudgetClosed)
			}
			continue
		}

		next, err := s.Store.GetBudget(ctx, b.UserID, b.CategoryID, b.Period.Next())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading next budget for %s: %w", b.ID, err)
		}

		res, err := budget.Close(ctx, b, next, state.Transactions, state.Now)
		if state.CategoryID == "" && errors.Is(err, budget.ErrInvalidBudget) {
			log.Warn().Err(err).Str("budget_id", b.ID).Msg("Skipping invalid budget")
			continue
		}
		if err != nil {
			return fmt.Errorf("closing budget %s: %w", b.ID, err)
		}
		if err := s.Store.CloseMonth(ctx, res.Closed, res.Next, res.Event); err != nil {
			return fmt.Errorf("writing close of budget %s: %w", b.ID, err)
		}
		state.Closes = append(state.Closes, res)
	}
	return nil
}

// PublishRecurringStep hands detected entities to the search sink. Sink
// failures are logged and never fail the operation.
type PublishRecurringStep struct {
	Sink Sink
}

func (s *PublishRecurringStep) Name() string { return "publish recurring" }

func (s *PublishRecurringStep) Execute(ctx context.Context, state *PipelineState) error {
	if err := s.Sink.IndexRecurring(ctx, state.UserID, state.Recurring.Entities); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Int("entities", len(state.Recurring.Entities)).Msg("Failed to index recurring entities")
	}
	return nil
}

// PublishBudgetsStep hands recomputed and closed budgets to the search sink.
type PublishBudgetsStep struct {
	Sink Sink
}

func (s *PublishBudgetsStep) Name() string { return "publish budgets" }

func (s *PublishBudgetsStep) Execute(ctx context.Context, state *PipelineState) error {
	out := append([]*domain.Budget(nil), state.Recomputed...)
	for _, c := range state.Closes {
		out = append(out, c.Closed, c.Next)
	}
	if len(out) == 0 {
		return nil
	}
	if err := s.Sink.IndexBudgets(ctx, out); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Int("budgets", len(out)).Msg("Failed to index budgets")
	}
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially and stops at the first failure.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline step %d (%s) not started: %w", i+1, step.Name(), err)
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
	}
	return nil
}
