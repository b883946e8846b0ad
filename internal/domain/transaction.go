package domain

import (
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// ErrMalformedTransaction marks a transaction that cannot take part in analysis.
var ErrMalformedTransaction = errors.New("malformed transaction")

// ReviewStatus tracks whether the user has looked at a transaction.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "unreviewed"
	ReviewReviewed   ReviewStatus = "reviewed"
)

// Transaction is one bank transaction. Amount, Date, Name, RawDescription and
// the pending flag are facts from the bank and are never rewritten here; the
// classification overlay (category, transfer pairing, hidden, review, tags) is.
type Transaction struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	AccountID string `json:"account_id"`

	// Amount is signed: positive is a debit (expense), negative a credit (income).
	Amount         decimal.Decimal `json:"amount"`
	Date           civil.Date      `json:"date"`
	Name           string          `json:"name,omitempty"`
	RawDescription string          `json:"raw_description"`
	IsPending      bool            `json:"is_pending"`
	IsManual       bool            `json:"is_manual"`

	CategoryID      string       `json:"category_id,omitempty"`
	IsTransfer      bool         `json:"is_transfer"`
	TransferMatchID string       `json:"transfer_match_id,omitempty"`
	IsHidden        bool         `json:"is_hidden"`
	ReviewStatus    ReviewStatus `json:"review_status,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
}

// DisplayName is the cleaned merchant name when present, otherwise the raw
// bank description.
func (t *Transaction) DisplayName() string {
	if name := strings.TrimSpace(t.Name); name != "" {
		return name
	}
	return strings.TrimSpace(t.RawDescription)
}

// IsExpense reports a debit.
func (t *Transaction) IsExpense() bool {
	return t.Amount.IsPositive()
}

// Validate reports whether the transaction can be analyzed.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedTransaction)
	}
	if !t.Date.IsValid() {
		return fmt.Errorf("%w: %s has invalid date %q", ErrMalformedTransaction, t.ID, t.Date.String())
	}
	return nil
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	return &c
}

// ClassificationUpdate is a field-level change to a transaction's
// classification overlay. Nil fields are left untouched.
type ClassificationUpdate struct {
	TransactionID   string
	CategoryID      *string
	IsTransfer      *bool
	TransferMatchID *string
	IsHidden        *bool
	Tags            []string
}

// Empty reports an update that would change nothing.
func (u ClassificationUpdate) Empty() bool {
	return u.CategoryID == nil && u.IsTransfer == nil && u.TransferMatchID == nil &&
		u.IsHidden == nil && u.Tags == nil
}

// Apply writes the update onto t.
func (u ClassificationUpdate) Apply(t *Transaction) {
	if u.CategoryID != nil {
		t.CategoryID = *u.CategoryID
	}
	if u.IsTransfer != nil {
		t.IsTransfer = *u.IsTransfer
	}
	if u.TransferMatchID != nil {
		t.TransferMatchID = *u.TransferMatchID
	}
	if u.IsHidden != nil {
		t.IsHidden = *u.IsHidden
	}
	if u.Tags != nil {
		t.Tags = append([]string(nil), u.Tags...)
	}
}
