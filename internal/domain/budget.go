package domain

import (
	"time"

	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RolloverMode decides what a closing month hands to the next one.
type RolloverMode string

const (
	RolloverCarryForward   RolloverMode = "carry_forward"
	RolloverResetEachMonth RolloverMode = "reset_each_month"
)

// ParseRolloverMode maps a stored mode to a known one. Records written before
// the mode existed, or with rollover switched off, often carry none; they
// reset each month.
func ParseRolloverMode(s string) RolloverMode {
	if RolloverMode(s) == RolloverCarryForward {
		return RolloverCarryForward
	}
	return RolloverResetEachMonth
}

// BudgetStatus is derived from progress against the effective limit.
type BudgetStatus string

const (
	StatusOnTrack    BudgetStatus = "on_track"
	StatusWarning    BudgetStatus = "warning"
	StatusOverBudget BudgetStatus = "over_budget"
)

// Budget is the spending ledger of one category for one calendar month.
// Spent and Status are derived; RolloverBalance is set once by closing the
// previous month.
type Budget struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	CategoryID      string          `json:"category_id"`
	Period          datecalc.Period `json:"period"`
	Limit           decimal.Decimal `json:"limit"`
	Spent           decimal.Decimal `json:"spent"`
	RolloverEnabled bool            `json:"rollover_enabled"`
	RolloverMode    RolloverMode    `json:"rollover_mode"`
	RolloverBalance decimal.Decimal `json:"rollover_balance"`
	Status          BudgetStatus    `json:"status"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Closed reports whether the month has been closed.
func (b *Budget) Closed() bool {
	return b.ClosedAt != nil
}

// EffectiveLimit is the limit plus the carried balance.
func (b *Budget) EffectiveLimit() decimal.Decimal {
	return b.Limit.Add(b.RolloverBalance)
}

// Remaining is the effective limit minus spent; negative when overspent.
func (b *Budget) Remaining() decimal.Decimal {
	return b.EffectiveLimit().Sub(b.Spent)
}

// Clone returns a deep copy.
func (b *Budget) Clone() *Budget {
	c := *b
	if b.ClosedAt != nil {
		at := *b.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

// BudgetID is the stable id of the budget for (user, category, period).
func BudgetID(userID, categoryID string, p datecalc.Period) string {
	return uuid.NewSHA1(namespace, []byte("budget|"+userID+"|"+categoryID+"|"+p.String())).String()
}

// RolloverEvent records the balance handed from one month to the next.
type RolloverEvent struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	CategoryID string          `json:"category_id"`
	From       datecalc.Period `json:"from"`
	To         datecalc.Period `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
	Mode       RolloverMode    `json:"mode"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
}

// TransferMatch is one detected pair of mirrored transactions. FromID is the
// debit side.
type TransferMatch struct {
	FromID     string          `json:"from_id"`
	ToID       string          `json:"to_id"`
	Amount     decimal.Decimal `json:"amount"`
	Confidence float64         `json:"confidence"`
}
