// Package rules evaluates user categorization rules against transactions.
package rules

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
)

type compiledRule struct {
	rule    *domain.CategorizationRule
	value   string
	pattern *regexp.Regexp
	// broken rules never match; they are logged once at compile time
	broken bool
}

// Compiled is an evaluation-ready rule set: enabled rules only, ordered by
// priority ascending with ties kept in input order, regexes compiled once.
type Compiled struct {
	rules []compiledRule
}

// Compile prepares rules for evaluation. A rule whose pattern does not compile
// is kept in place but never matches, so evaluation falls through to the next
// rule.
func Compile(ctx context.Context, rules []*domain.CategorizationRule) *Compiled {
	log := logger.FromContext(ctx)

	enabled := make([]*domain.CategorizationRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})

	c := &Compiled{rules: make([]compiledRule, 0, len(enabled))}
	for _, r := range enabled {
		cr := compiledRule{rule: r, value: r.MatchValue}
		switch r.MatchType {
		case domain.MatchMerchant:
			cr.value = strings.ToLower(cr.value)
			cr.broken = strings.TrimSpace(cr.value) == ""
		case domain.MatchRegex:
			re, err := compilePattern(r.MatchValue)
			if err != nil {
				log.Warn().Err(err).Str("rule_id", r.ID).Str("pattern", r.MatchValue).Msg("Rule pattern does not compile, rule will not match")
				cr.broken = true
			}
			cr.pattern = re
		case domain.MatchAccount:
			cr.value = strings.TrimSpace(cr.value)
			cr.broken = cr.value == ""
		case domain.MatchMCC:
		default:
			log.Warn().Str("rule_id", r.ID).Str("match_type", string(r.MatchType)).Msg("Unknown rule match type, rule will not match")
			cr.broken = true
		}
		c.rules = append(c.rules, cr)
	}
	return c
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + pattern)
}

// Len is the number of enabled rules.
func (c *Compiled) Len() int {
	return len(c.rules)
}

// Evaluate returns the first rule whose predicate matches txn.
func (c *Compiled) Evaluate(txn *domain.Transaction) (*domain.CategorizationRule, bool) {
	for i := range c.rules {
		if c.rules[i].matches(txn) {
			return c.rules[i].rule, true
		}
	}
	return nil, false
}

func (cr *compiledRule) matches(txn *domain.Transaction) bool {
	if cr.broken {
		return false
	}
	switch cr.rule.MatchType {
	case domain.MatchMerchant:
		return strings.Contains(strings.ToLower(txn.DisplayName()), cr.value)
	case domain.MatchRegex:
		return cr.pattern.MatchString(txn.DisplayName())
	case domain.MatchAccount:
		return txn.AccountID == cr.value
	default:
		// mcc: merchant category codes are not part of the transaction data
		return false
	}
}

// Classify evaluates txn and returns the classification change the first
// matching rule implies. ok is false when no rule matches; the update is
// empty when the transaction already carries the rule's category and tags.
func (c *Compiled) Classify(txn *domain.Transaction) (update domain.ClassificationUpdate, rule *domain.CategorizationRule, ok bool) {
	rule, ok = c.Evaluate(txn)
	if !ok {
		return domain.ClassificationUpdate{TransactionID: txn.ID}, nil, false
	}
	return assignment(txn, rule), rule, true
}

func assignment(txn *domain.Transaction, rule *domain.CategorizationRule) domain.ClassificationUpdate {
	update := domain.ClassificationUpdate{TransactionID: txn.ID}
	if txn.CategoryID != rule.CategoryID {
		category := rule.CategoryID
		update.CategoryID = &category
	}
	if tags, changed := MergeTags(txn.Tags, rule.ActionTags); changed {
		update.Tags = tags
	}
	return update
}

// MergeTags returns the sorted union of existing and add, and whether it
// differs from existing.
func MergeTags(existing, add []string) ([]string, bool) {
	if len(add) == 0 {
		return existing, false
	}
	set := make(map[string]struct{}, len(existing)+len(add))
	for _, t := range existing {
		set[t] = struct{}{}
	}
	changed := false
	for _, t := range add {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := set[t]; !ok {
			set[t] = struct{}{}
			changed = true
		}
	}
	if !changed {
		return existing, false
	}
	merged := make([]string, 0, len(set))
	for t := range set {
		merged = append(merged, t)
	}
	sort.Strings(merged)
	return merged, true
}
