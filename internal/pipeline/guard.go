package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRecomputeInProgress is returned when the same component is already
// being recomputed for the user.
var ErrRecomputeInProgress = errors.New("recompute already in progress")

// Component names the unit of at-most-one-concurrent work per user.
type Component string

const (
	ComponentRecurring Component = "recurring"
	ComponentTransfers Component = "transfers"
	ComponentRules     Component = "rules"
	ComponentBudgets   Component = "budgets"
)

type guardKey struct {
	userID    string
	component Component
}

// guard admits one holder per (user, component). Different users never wait
// on each other.
type guard struct {
	mu      sync.Mutex
	running map[guardKey]struct{}
}

func newGuard() *guard {
	return &guard{running: make(map[guardKey]struct{})}
}

// acquire returns a release func, or ErrRecomputeInProgress.
func (g *guard) acquire(userID string, c Component) (func(), error) {
	key := guardKey{userID: userID, component: c}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.running[key]; busy {
		return nil, fmt.Errorf("%s for user %s: %w", c, userID, ErrRecomputeInProgress)
	}
	g.running[key] = struct{}{}

	return func() {
		g.mu.Lock()
		delete(g.running, key)
		g.mu.Unlock()
	}, nil
}
