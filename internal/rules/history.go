package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
)

// ErrRuleNotApplicable is returned when a rule may not run over history:
// it is disabled or scoped to new transactions only.
var ErrRuleNotApplicable = errors.New("rule cannot be applied to history")

// HistoryResult is the outcome of applying one rule to existing transactions.
type HistoryResult struct {
	// Matched counts transactions the rule's category now applies to.
	Matched int
	// Changed counts transactions whose classification actually changed.
	Changed int
	Skipped int
	Updates []domain.ClassificationUpdate
}

// ApplyToHistory runs rule against every transaction and overwrites the
// category of each match. The result depends only on the rule and the
// transactions, so a second run produces no further changes.
func ApplyToHistory(ctx context.Context, rule *domain.CategorizationRule, txns []*domain.Transaction) (HistoryResult, error) {
	if !rule.Enabled {
		return HistoryResult{}, fmt.Errorf("ApplyToHistory: rule %s is disabled: %w", rule.ID, ErrRuleNotApplicable)
	}
	if rule.ApplyScope != domain.ScopeAllHistory {
		return HistoryResult{}, fmt.Errorf("ApplyToHistory: rule %s has scope %q: %w", rule.ID, rule.ApplyScope, ErrRuleNotApplicable)
	}

	log := logger.FromContext(ctx)
	compiled := Compile(ctx, []*domain.CategorizationRule{rule})

	var res HistoryResult
	for _, t := range txns {
		if err := t.Validate(); err != nil {
			log.Warn().Err(err).Str("transaction_id", t.ID).Msg("Skipping transaction in rule history apply")
			res.Skipped++
			continue
		}
		update, _, ok := compiled.Classify(t)
		if !ok {
			continue
		}
		res.Matched++
		if update.Empty() {
			continue
		}
		res.Changed++
		res.Updates = append(res.Updates, update)
	}
	return res, nil
}

// ClassifyResult is the outcome of classifying newly ingested transactions.
type ClassifyResult struct {
	Matched int
	Skipped int
	Updates []domain.ClassificationUpdate
	// RuleHits maps rule id to the number of transactions it matched.
	RuleHits map[string]int
}

// ClassifyNew runs the ingestion-time classifier: every enabled rule, whatever
// its apply scope, in priority order.
func ClassifyNew(ctx context.Context, rules []*domain.CategorizationRule, txns []*domain.Transaction) ClassifyResult {
	log := logger.FromContext(ctx)
	compiled := Compile(ctx, rules)

	res := ClassifyResult{RuleHits: make(map[string]int)}
	for _, t := range txns {
		if err := t.Validate(); err != nil {
			log.Warn().Err(err).Str("transaction_id", t.ID).Msg("Skipping transaction in classification")
			res.Skipped++
			continue
		}
		update, rule, ok := compiled.Classify(t)
		if !ok {
			continue
		}
		res.Matched++
		res.RuleHits[rule.ID]++
		if !update.Empty() {
			res.Updates = append(res.Updates, update)
		}
	}
	return res
}
