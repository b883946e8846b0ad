package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-intel/internal/domain"
)

// ErrInvalidRule wraps every rule validation failure.
var ErrInvalidRule = errors.New("invalid categorization rule")

// Normalize trims free text and fills the apply scope default. Merchant and
// regex values are kept as written: a trailing space in "bp " is part of
// the substring.
func Normalize(rule *domain.CategorizationRule) {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.MatchType = domain.MatchType(strings.ToLower(strings.TrimSpace(string(rule.MatchType))))
	switch rule.MatchType {
	case domain.MatchAccount, domain.MatchMCC:
		rule.MatchValue = strings.TrimSpace(rule.MatchValue)
	}
	rule.CategoryID = strings.TrimSpace(rule.CategoryID)
	if rule.ApplyScope == "" {
		rule.ApplyScope = domain.ScopeNewOnly
	}
	if len(rule.ActionTags) > 0 {
		rule.ActionTags, _ = MergeTags(nil, rule.ActionTags)
	}
}

// Validate checks a rule before it is stored.
func Validate(rule *domain.CategorizationRule) error {
	var problems []string

	if rule.UserID == "" {
		problems = append(problems, "user id is required")
	}
	if rule.CategoryID == "" {
		problems = append(problems, "target category is required")
	}

	switch rule.MatchType {
	case domain.MatchMerchant, domain.MatchAccount:
		if strings.TrimSpace(rule.MatchValue) == "" {
			problems = append(problems, "match value is required")
		}
	case domain.MatchRegex:
		if rule.MatchValue == "" {
			problems = append(problems, "match value is required")
		} else if _, err := compilePattern(rule.MatchValue); err != nil {
			problems = append(problems, fmt.Sprintf("pattern does not compile: %v", err))
		}
	case domain.MatchMCC:
	default:
		problems = append(problems, fmt.Sprintf("unknown match type %q", rule.MatchType))
	}

	switch rule.ApplyScope {
	case domain.ScopeNewOnly, domain.ScopeAllHistory:
	default:
		problems = append(problems, fmt.Sprintf("unknown apply scope %q", rule.ApplyScope))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w %s: %s", ErrInvalidRule, rule.ID, strings.Join(problems, "; "))
	}
	return nil
}
