package elasticsearch

import (
	"encoding/json"
	"time"

	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/shopspring/decimal"
)

type recurringDocument struct {
	UserID         string      `json:"user_id"`
	MerchantKey    string      `json:"merchant_key"`
	MerchantName   string      `json:"merchant_name"`
	Cadence        string      `json:"cadence"`
	LastAmount     json.Number `json:"last_amount"`
	AverageAmount  json.Number `json:"average_amount"`
	NextDueDate    string      `json:"next_due_date,omitempty"`
	PriceChanged   bool        `json:"price_changed"`
	IsSubscription bool        `json:"is_subscription"`
	IsUserCreated  bool        `json:"is_user_created"`
	IndexedAt      time.Time   `json:"indexed_at"`
}

type budgetDocument struct {
	UserID          string      `json:"user_id"`
	CategoryID      string      `json:"category_id"`
	Period          string      `json:"period"`
	Limit           json.Number `json:"limit"`
	Spent           json.Number `json:"spent"`
	RolloverBalance json.Number `json:"rollover_balance"`
	EffectiveLimit  json.Number `json:"effective_limit"`
	Remaining       json.Number `json:"remaining"`
	Status          string      `json:"status"`
	Closed          bool        `json:"closed"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// number renders d as a bare JSON number so numeric mappings apply.
func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func newRecurringDocument(e *domain.RecurringEntity, indexedAt time.Time) recurringDocument {
	doc := recurringDocument{
		UserID:         e.UserID,
		MerchantKey:    e.MerchantKey,
		MerchantName:   e.MerchantName,
		Cadence:        string(e.Cadence),
		LastAmount:     number(e.LastAmount),
		AverageAmount:  number(e.AverageAmount),
		PriceChanged:   e.PriceChanged,
		IsSubscription: e.IsSubscription,
		IsUserCreated:  e.IsUserCreated,
		IndexedAt:      indexedAt,
	}
	if !e.NextDueDate.IsZero() {
		doc.NextDueDate = e.NextDueDate.String()
	}
	return doc
}

func newBudgetDocument(b *domain.Budget) budgetDocument {
	return budgetDocument{
		UserID:          b.UserID,
		CategoryID:      b.CategoryID,
		Period:          b.Period.String(),
		Limit:           number(b.Limit),
		Spent:           number(b.Spent),
		RolloverBalance: number(b.RolloverBalance),
		EffectiveLimit:  number(b.EffectiveLimit()),
		Remaining:       number(b.Remaining()),
		Status:          string(b.Status),
		Closed:          b.Closed(),
		UpdatedAt:       b.UpdatedAt.UTC(),
	}
}
