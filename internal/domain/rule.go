package domain

import (
	"time"
)

// MatchType selects the predicate a rule evaluates.
type MatchType string

const (
	// MatchMerchant is a case-insensitive substring test on the display name.
	MatchMerchant MatchType = "merchant"
	// MatchRegex is a case-insensitive regular expression search on the display name.
	MatchRegex MatchType = "regex"
	// MatchAccount is exact equality with the account id.
	MatchAccount MatchType = "account"
	// MatchMCC is reserved; merchant category codes are not available so it never matches.
	MatchMCC MatchType = "mcc"
)

// ApplyScope controls when a rule takes effect.
type ApplyScope string

const (
	ScopeNewOnly    ApplyScope = "new_only"
	ScopeAllHistory ApplyScope = "all_history"
)

// DefaultRulePriority is used when a rule arrives without a priority.
const DefaultRulePriority = 100

// CategorizationRule assigns CategoryID to transactions matching its predicate.
// Lower Priority runs first; equal priorities keep their stored order.
type CategorizationRule struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	Priority   int        `json:"priority"`
	MatchType  MatchType  `json:"match_type"`
	MatchValue string     `json:"match_value"`
	CategoryID string     `json:"category_id"`
	ActionTags []string   `json:"action_tags,omitempty"`
	ApplyScope ApplyScope `json:"apply_scope"`
	Enabled    bool       `json:"enabled"`

	LastAppliedAt    *time.Time `json:"last_applied_at,omitempty"`
	LastAppliedCount int        `json:"last_applied_count"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Clone returns a deep copy.
func (r *CategorizationRule) Clone() *CategorizationRule {
	c := *r
	c.ActionTags = append([]string(nil), r.ActionTags...)
	if r.LastAppliedAt != nil {
		at := *r.LastAppliedAt
		c.LastAppliedAt = &at
	}
	return &c
}
