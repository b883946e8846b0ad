package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/store"
)

type budgetKey struct {
	userID     string
	categoryID string
	period     datecalc.Period
}

// Store is an in-memory implementation of every store interface.
// It is safe for concurrent use and hands out copies, never its own records.
// Every write holds the lock for its whole batch, so batches are atomic.
type Store struct {
	mu           sync.RWMutex
	transactions map[string]map[string]*domain.Transaction
	rules        map[string][]*domain.CategorizationRule
	recurring    map[string][]*domain.RecurringEntity
	budgets      map[budgetKey]*domain.Budget
	events       []*domain.RolloverEvent
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		transactions: make(map[string]map[string]*domain.Transaction),
		rules:        make(map[string][]*domain.CategorizationRule),
		recurring:    make(map[string][]*domain.RecurringEntity),
		budgets:      make(map[budgetKey]*domain.Budget),
	}
}

// PutTransactions inserts or replaces transactions by id. Ingestion lives
// outside the engine; this exists to seed the store.
func (s *Store) PutTransactions(txns ...*domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range txns {
		byID, ok := s.transactions[t.UserID]
		if !ok {
			byID = make(map[string]*domain.Transaction)
			s.transactions[t.UserID] = byID
		}
		byID[t.ID] = t.Clone()
	}
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, userID string, filter store.TransactionFilter) ([]*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Transaction
	for _, t := range s.transactions[userID] {
		if filter.Matches(t) {
			result = append(result, t.Clone())
		}
	}
	store.SortTransactions(result)
	return result, nil
}

// UpdateClassifications implements store.TransactionStore. Either every
// update is applied or, when one names an unknown transaction, none is.
func (s *Store) UpdateClassifications(ctx context.Context, userID string, updates []domain.ClassificationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.transactions[userID]
	for _, u := range updates {
		if _, ok := byID[u.TransactionID]; !ok {
			return fmt.Errorf("UpdateClassifications: transaction %s: %w", u.TransactionID, store.ErrNotFound)
		}
	}
	for _, u := range updates {
		u.Apply(byID[u.TransactionID])
	}
	return nil
}

// ListUserIDs implements store.TransactionStore.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.transactions))
	for id, txns := range s.transactions {
		if len(txns) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListRules implements store.RuleStore.
func (s *Store) ListRules(ctx context.Context, userID string) ([]*domain.CategorizationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.CategorizationRule, 0, len(s.rules[userID]))
	for _, r := range s.rules[userID] {
		result = append(result, r.Clone())
	}
	store.SortRules(result)
	return result, nil
}

// GetRule implements store.RuleStore.
func (s *Store) GetRule(ctx context.Context, userID, ruleID string) (*domain.CategorizationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.rules[userID] {
		if r.ID == ruleID {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("GetRule: rule %s: %w", ruleID, store.ErrNotFound)
}

// SaveRules implements store.RuleStore. Replaced rules keep their position.
func (s *Store) SaveRules(ctx context.Context, rules []*domain.CategorizationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rules {
		if r.ID == "" || r.UserID == "" {
			return fmt.Errorf("SaveRules: rule id and user id are required")
		}
	}
	for _, r := range rules {
		existing := s.rules[r.UserID]
		replaced := false
		for i := range existing {
			if existing[i].ID == r.ID {
				existing[i] = r.Clone()
				replaced = true
				break
			}
		}
		if !replaced {
			s.rules[r.UserID] = append(existing, r.Clone())
		}
	}
	return nil
}

// MarkRuleApplied implements store.RuleStore.
func (s *Store) MarkRuleApplied(ctx context.Context, userID, ruleID string, appliedAt time.Time, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules[userID] {
		if r.ID == ruleID {
			at := appliedAt
			r.LastAppliedAt = &at
			r.LastAppliedCount = count
			return nil
		}
	}
	return fmt.Errorf("MarkRuleApplied: rule %s: %w", ruleID, store.ErrNotFound)
}

// ListRecurring implements store.RecurringStore.
func (s *Store) ListRecurring(ctx context.Context, userID string) ([]*domain.RecurringEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.RecurringEntity, 0, len(s.recurring[userID]))
	for _, e := range s.recurring[userID] {
		result = append(result, e.Clone())
	}
	return result, nil
}

// ReplaceDetected implements store.RecurringStore.
func (s *Store) ReplaceDetected(ctx context.Context, userID string, entities []*domain.RecurringEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*domain.RecurringEntity, 0, len(s.recurring[userID])+len(entities))
	for _, e := range s.recurring[userID] {
		if e.IsUserCreated {
			kept = append(kept, e)
		}
	}
	for _, e := range entities {
		c := e.Clone()
		c.UserID = userID
		c.IsUserCreated = false
		kept = append(kept, c)
	}
	s.recurring[userID] = kept
	return nil
}

// PutRecurring stores user-created reminders.
func (s *Store) PutRecurring(entities ...*domain.RecurringEntity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entities {
		s.recurring[e.UserID] = append(s.recurring[e.UserID], e.Clone())
	}
}

// GetBudget implements store.BudgetStore.
func (s *Store) GetBudget(ctx context.Context, userID, categoryID string, period datecalc.Period) (*domain.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.budgets[budgetKey{userID, categoryID, period}]
	if !ok {
		return nil, fmt.Errorf("GetBudget: %s %s: %w", categoryID, period, store.ErrNotFound)
	}
	return b.Clone(), nil
}

// ListBudgets implements store.BudgetStore.
func (s *Store) ListBudgets(ctx context.Context, userID string, period datecalc.Period) ([]*domain.Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Budget
	for k, b := range s.budgets {
		if k.userID == userID && k.period == period {
			result = append(result, b.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CategoryID < result[j].CategoryID })
	return result, nil
}

// SaveBudgets implements store.BudgetStore.
func (s *Store) SaveBudgets(ctx context.Context, budgets []*domain.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range budgets {
		s.putBudget(b)
	}
	return nil
}

func (s *Store) putBudget(b *domain.Budget) {
	s.budgets[budgetKey{b.UserID, b.CategoryID, b.Period}] = b.Clone()
}

// CloseMonth implements store.BudgetStore.
func (s *Store) CloseMonth(ctx context.Context, closed, next *domain.Budget, event *domain.RolloverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.budgets[budgetKey{closed.UserID, closed.CategoryID, closed.Period}]; ok && current.Closed() {
		return fmt.Errorf("CloseMonth: %s %s is already closed", closed.CategoryID, closed.Period)
	}

	s.putBudget(closed)
	s.putBudget(next)
	ev := *event
	s.events = append(s.events, &ev)
	return nil
}

// ListRolloverEvents implements store.BudgetStore.
func (s *Store) ListRolloverEvents(ctx context.Context, userID, categoryID string) ([]*domain.RolloverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.RolloverEvent
	for _, ev := range s.events {
		if ev.UserID == userID && (categoryID == "" || ev.CategoryID == categoryID) {
			c := *ev
			result = append(result, &c)
		}
	}
	return result, nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return nil
}

// Ensure Store implements the store interfaces.
var _ store.Store = (*Store)(nil)

// InsertTransactions implements store.TransactionWriter.
func (s *Store) InsertTransactions(ctx context.Context, txns []*domain.Transaction) error {
	s.PutTransactions(txns...)
	return nil
}

var _ store.TransactionWriter = (*Store)(nil)
