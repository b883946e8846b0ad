package store

import (
	"sort"

	"github.com/dvloznov/finance-intel/internal/domain"
)

// Matches reports whether t passes the filter.
func (f TransactionFilter) Matches(t *domain.Transaction) bool {
	if f.ExcludeTransfers && t.IsTransfer {
		return false
	}
	if f.From.IsValid() && t.Date.Before(f.From) {
		return false
	}
	if f.To.IsValid() && t.Date.After(f.To) {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == t.ID {
				return true
			}
		}
		return false
	}
	return true
}

// SortTransactions orders transactions by date, then id.
func SortTransactions(txns []*domain.Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if txns[i].Date != txns[j].Date {
			return txns[i].Date.Before(txns[j].Date)
		}
		return txns[i].ID < txns[j].ID
	})
}

// SortRules orders rules by priority, keeping the existing order of ties.
func SortRules(rules []*domain.CategorizationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
}
