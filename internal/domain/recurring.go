package domain

import (
	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Cadence is the recurrence period of a merchant's charges.
type Cadence string

const (
	CadenceWeekly    Cadence = "weekly"
	CadenceMonthly   Cadence = "monthly"
	CadenceQuarterly Cadence = "quarterly"
	CadenceAnnual    Cadence = "annual"
)

// PricePoint is one observed charge.
type PricePoint struct {
	Date   civil.Date      `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

// RecurringEntity summarizes a merchant that charges on a regular cadence.
// Detector-produced entities are replaced wholesale on every run; user-created
// reminders (IsUserCreated) are never touched by the detector.
type RecurringEntity struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	MerchantKey    string          `json:"merchant_key"`
	MerchantName   string          `json:"merchant_name"`
	Cadence        Cadence         `json:"cadence"`
	LastAmount     decimal.Decimal `json:"last_amount"`
	AverageAmount  decimal.Decimal `json:"average_amount"`
	NextDueDate    civil.Date      `json:"next_due_date"`
	PriceChanged   bool            `json:"price_changed"`
	PriceHistory   []PricePoint    `json:"price_history"`
	IsSubscription bool            `json:"is_subscription"`
	IsUserCreated  bool            `json:"is_user_created"`
}

// Clone returns a deep copy.
func (e *RecurringEntity) Clone() *RecurringEntity {
	c := *e
	c.PriceHistory = append([]PricePoint(nil), e.PriceHistory...)
	return &c
}

// namespace seeds the name-based ids of derived records so a rerun over the
// same input yields the same ids.
var namespace = uuid.MustParse("6f1c2f4e-3b0a-4f43-9d55-2a7c0e9b8d11")

// RecurringID is the stable id of the detector entity for a merchant key.
func RecurringID(userID, merchantKey string) string {
	return uuid.NewSHA1(namespace, []byte("recurring|"+userID+"|"+merchantKey)).String()
}
