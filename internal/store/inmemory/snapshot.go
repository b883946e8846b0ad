package inmemory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dvloznov/finance-intel/internal/domain"
)

// Snapshot is the JSON form of a Store, used to run the engine locally
// against a file instead of a database.
type Snapshot struct {
	Transactions   []*domain.Transaction        `json:"transactions"`
	Rules          []*domain.CategorizationRule `json:"rules"`
	Recurring      []*domain.RecurringEntity    `json:"recurring"`
	Budgets        []*domain.Budget             `json:"budgets"`
	RolloverEvents []*domain.RolloverEvent      `json:"rollover_events"`
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	s.transactions = make(map[string]map[string]*domain.Transaction)
	s.rules = make(map[string][]*domain.CategorizationRule)
	s.recurring = make(map[string][]*domain.RecurringEntity)
	s.budgets = make(map[budgetKey]*domain.Budget)
	s.events = nil
	for _, r := range snap.Rules {
		s.rules[r.UserID] = append(s.rules[r.UserID], r.Clone())
	}
	for _, b := range snap.Budgets {
		c := b.Clone()
		c.RolloverMode = domain.ParseRolloverMode(string(c.RolloverMode))
		s.putBudget(c)
	}
	for _, ev := range snap.RolloverEvents {
		c := *ev
		s.events = append(s.events, &c)
	}
	s.mu.Unlock()

	s.PutTransactions(snap.Transactions...)
	s.PutRecurring(snap.Recurring...)
}

// Snapshot copies the store contents in a deterministic order.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	for _, byID := range s.transactions {
		for _, t := range byID {
			snap.Transactions = append(snap.Transactions, t.Clone())
		}
	}
	sort.Slice(snap.Transactions, func(i, j int) bool {
		a, b := snap.Transactions[i], snap.Transactions[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})

	for _, user := range sortedKeys(s.rules) {
		for _, r := range s.rules[user] {
			snap.Rules = append(snap.Rules, r.Clone())
		}
	}
	for _, user := range sortedKeys(s.recurring) {
		for _, e := range s.recurring[user] {
			snap.Recurring = append(snap.Recurring, e.Clone())
		}
	}
	for _, b := range s.budgets {
		snap.Budgets = append(snap.Budgets, b.Clone())
	}
	sort.Slice(snap.Budgets, func(i, j int) bool { return snap.Budgets[i].ID < snap.Budgets[j].ID })
	for _, ev := range s.events {
		c := *ev
		snap.RolloverEvents = append(snap.RolloverEvents, &c)
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load restores the store from JSON.
func (s *Store) Load(r io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return fmt.Errorf("Load: decoding snapshot: %w", err)
	}
	s.Restore(snap)
	return nil
}

// Dump writes the store as indented JSON.
func (s *Store) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.Snapshot()); err != nil {
		return fmt.Errorf("Dump: encoding snapshot: %w", err)
	}
	return nil
}

// LoadFile restores the store from path. A missing file leaves it empty.
func (s *Store) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("LoadFile: %w", err)
	}
	defer f.Close()
	return s.Load(f)
}

// SaveFile writes the store to path.
func (s *Store) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("SaveFile: %w", err)
	}
	if err := s.Dump(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
