// Package store defines the persistence collaborators of the engine. Each
// backend (inmemory, BigQuery, MongoDB) implements all of them.
package store

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// TransactionFilter narrows a transaction read. Zero fields do not filter.
type TransactionFilter struct {
	From civil.Date
	To   civil.Date
	IDs  []string
	// ExcludeTransfers drops transactions already flagged as transfers.
	ExcludeTransfers bool
}

// TransactionStore is the transaction source.
type TransactionStore interface {
	// ListTransactions returns the user's transactions ordered by date, then id.
	ListTransactions(ctx context.Context, userID string, filter TransactionFilter) ([]*domain.Transaction, error)

	// UpdateClassifications applies all updates or none.
	UpdateClassifications(ctx context.Context, userID string, updates []domain.ClassificationUpdate) error

	// ListUserIDs returns every user with at least one transaction.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// TransactionWriter loads transactions into a backend. Ingestion normally
// happens elsewhere; this seeds local and test databases.
type TransactionWriter interface {
	InsertTransactions(ctx context.Context, txns []*domain.Transaction) error
}

// RuleStore holds categorization rules.
type RuleStore interface {
	// ListRules returns the user's rules ordered by priority, ties in stored order.
	ListRules(ctx context.Context, userID string) ([]*domain.CategorizationRule, error)

	GetRule(ctx context.Context, userID, ruleID string) (*domain.CategorizationRule, error)

	// SaveRules inserts or replaces rules by id.
	SaveRules(ctx context.Context, rules []*domain.CategorizationRule) error

	// MarkRuleApplied records a history apply on the rule.
	MarkRuleApplied(ctx context.Context, userID, ruleID string, appliedAt time.Time, count int) error
}

// RecurringStore holds recurring entities.
type RecurringStore interface {
	ListRecurring(ctx context.Context, userID string) ([]*domain.RecurringEntity, error)

	// ReplaceDetected deletes every detector-produced entity of the user and
	// inserts entities in one atomic step. User-created entities are kept.
	ReplaceDetected(ctx context.Context, userID string, entities []*domain.RecurringEntity) error
}

// BudgetStore holds one budget per (user, category, period).
type BudgetStore interface {
	GetBudget(ctx context.Context, userID, categoryID string, period datecalc.Period) (*domain.Budget, error)

	ListBudgets(ctx context.Context, userID string, period datecalc.Period) ([]*domain.Budget, error)

	// SaveBudgets upserts budgets atomically.
	SaveBudgets(ctx context.Context, budgets []*domain.Budget) error

	// CloseMonth writes the closed budget, the seeded next budget and the
	// rollover event atomically.
	CloseMonth(ctx context.Context, closed, next *domain.Budget, event *domain.RolloverEvent) error

	ListRolloverEvents(ctx context.Context, userID, categoryID string) ([]*domain.RolloverEvent, error)
}

// Store bundles every collaborator of one backend.
type Store interface {
	TransactionStore
	RuleStore
	RecurringStore
	BudgetStore
	Close() error
}
