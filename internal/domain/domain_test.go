package domain_test

import (
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTransaction_DisplayName(t *testing.T) {
	tests := []struct {
		name string
		txn  domain.Transaction
		want string
	}{
		{"prefers name", domain.Transaction{Name: "Netflix", RawDescription: "NETFLIX.COM 866-579"}, "Netflix"},
		{"falls back to raw", domain.Transaction{Name: "  ", RawDescription: " SHELL OIL 5521 "}, "SHELL OIL 5521"},
		{"both empty", domain.Transaction{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.txn.DisplayName())
		})
	}
}

func TestTransaction_Validate(t *testing.T) {
	ok := domain.Transaction{ID: "t1", Date: civil.Date{Year: 2024, Month: time.May, Day: 1}}
	assert.NoError(t, ok.Validate())

	noID := domain.Transaction{Date: ok.Date}
	assert.True(t, errors.Is(noID.Validate(), domain.ErrMalformedTransaction))

	badDate := domain.Transaction{ID: "t2"}
	assert.True(t, errors.Is(badDate.Validate(), domain.ErrMalformedTransaction))
}

func TestClassificationUpdate_Apply(t *testing.T) {
	txn := &domain.Transaction{ID: "t1", Amount: decimal.NewFromInt(12), CategoryID: "old"}
	category := "dining"
	transfer := true
	match := "t9"

	update := domain.ClassificationUpdate{
		TransactionID:   "t1",
		CategoryID:      &category,
		IsTransfer:      &transfer,
		TransferMatchID: &match,
		Tags:            []string{"coffee"},
	}
	assert.False(t, update.Empty())
	update.Apply(txn)

	assert.Equal(t, "dining", txn.CategoryID)
	assert.True(t, txn.IsTransfer)
	assert.Equal(t, "t9", txn.TransferMatchID)
	assert.False(t, txn.IsHidden)
	assert.Equal(t, []string{"coffee"}, txn.Tags)
	assert.True(t, decimal.NewFromInt(12).Equal(txn.Amount))

	assert.True(t, domain.ClassificationUpdate{TransactionID: "t1"}.Empty())
}

func TestStableIDs(t *testing.T) {
	p := datecalc.Period{Year: 2024, Month: time.March}

	assert.Equal(t, domain.BudgetID("u1", "groceries", p), domain.BudgetID("u1", "groceries", p))
	assert.NotEqual(t, domain.BudgetID("u1", "groceries", p), domain.BudgetID("u1", "groceries", p.Next()))
	assert.Equal(t, domain.RecurringID("u1", "netflix"), domain.RecurringID("u1", "netflix"))
	assert.NotEqual(t, domain.RecurringID("u1", "netflix"), domain.RecurringID("u2", "netflix"))
}

func TestBudget_Derived(t *testing.T) {
	b := &domain.Budget{
		Limit:           decimal.NewFromInt(200),
		RolloverBalance: decimal.NewFromInt(-30),
		Spent:           decimal.NewFromInt(150),
	}

	assert.True(t, decimal.NewFromInt(170).Equal(b.EffectiveLimit()))
	assert.True(t, decimal.NewFromInt(20).Equal(b.Remaining()))
	assert.False(t, b.Closed())
}

func TestParseRolloverMode(t *testing.T) {
	tests := []struct {
		in   string
		want domain.RolloverMode
	}{
		{"carry_forward", domain.RolloverCarryForward},
		{"reset_each_month", domain.RolloverResetEachMonth},
		{"", domain.RolloverResetEachMonth},
		{"weekly", domain.RolloverResetEachMonth},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.ParseRolloverMode(tt.in))
		})
	}
}
