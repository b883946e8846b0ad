package bigquery

import (
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/money"
)

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	UserID        string `bigquery:"user_id"`        // REQUIRED
	AccountID     string `bigquery:"account_id"`     // REQUIRED

	Amount          *big.Rat   `bigquery:"amount"`           // REQUIRED NUMERIC, positive = money out
	TransactionDate civil.Date `bigquery:"transaction_date"` // REQUIRED

	Name           bigquery.NullString `bigquery:"name"`
	RawDescription string              `bigquery:"raw_description"` // REQUIRED

	IsPending bool `bigquery:"is_pending"`
	IsManual  bool `bigquery:"is_manual"`

	CategoryID      bigquery.NullString `bigquery:"category_id"`
	IsTransfer      bool                `bigquery:"is_transfer"`
	TransferMatchID bigquery.NullString `bigquery:"transfer_match_id"`
	IsHidden        bool                `bigquery:"is_hidden"`
	ReviewStatus    bigquery.NullString `bigquery:"review_status"`

	Tags []string `bigquery:"tags"` // REPEATED STRING
}

type PricePointRow struct {
	Date   civil.Date `bigquery:"date"`
	Amount *big.Rat   `bigquery:"amount"`
}

type RecurringEntityRow struct {
	RecurringID    string          `bigquery:"recurring_id"`
	UserID         string          `bigquery:"user_id"`
	MerchantKey    string          `bigquery:"merchant_key"`
	MerchantName   string          `bigquery:"merchant_name"`
	Cadence        string          `bigquery:"cadence"`
	LastAmount     *big.Rat        `bigquery:"last_amount"`
	AverageAmount  *big.Rat        `bigquery:"average_amount"`
	NextDueDate    civil.Date      `bigquery:"next_due_date"`
	PriceChanged   bool            `bigquery:"price_changed"`
	PriceHistory   []PricePointRow `bigquery:"price_history"` // REPEATED RECORD
	IsSubscription bool            `bigquery:"is_subscription"`
	IsUserCreated  bool            `bigquery:"is_user_created"`
}

type RuleRow struct {
	RuleID           string                 `bigquery:"rule_id"`
	UserID           string                 `bigquery:"user_id"`
	Name             bigquery.NullString    `bigquery:"name"`
	Priority         int64                  `bigquery:"priority"`
	MatchType        string                 `bigquery:"match_type"`
	MatchValue       string                 `bigquery:"match_value"`
	CategoryID       string                 `bigquery:"category_id"`
	ActionTags       []string               `bigquery:"action_tags"`
	ApplyScope       string                 `bigquery:"apply_scope"`
	Enabled          bool                   `bigquery:"enabled"`
	LastAppliedTS    bigquery.NullTimestamp `bigquery:"last_applied_ts"`
	LastAppliedCount int64                  `bigquery:"last_applied_count"`
	CreatedTS        time.Time              `bigquery:"created_ts"`
}

type BudgetRow struct {
	BudgetID        string                 `bigquery:"budget_id"`
	UserID          string                 `bigquery:"user_id"`
	CategoryID      string                 `bigquery:"category_id"`
	PeriodYear      int64                  `bigquery:"period_year"`
	PeriodMonth     int64                  `bigquery:"period_month"`
	LimitAmount     *big.Rat               `bigquery:"limit_amount"`
	Spent           *big.Rat               `bigquery:"spent"`
	RolloverEnabled bool                   `bigquery:"rollover_enabled"`
	RolloverMode    string                 `bigquery:"rollover_mode"`
	RolloverBalance *big.Rat               `bigquery:"rollover_balance"`
	Status          bigquery.NullString    `bigquery:"status"`
	ClosedTS        bigquery.NullTimestamp `bigquery:"closed_ts"`
	UpdatedTS       time.Time              `bigquery:"updated_ts"`
}

type RolloverEventRow struct {
	EventID    string    `bigquery:"event_id"`
	UserID     string    `bigquery:"user_id"`
	CategoryID string    `bigquery:"category_id"`
	FromYear   int64     `bigquery:"from_year"`
	FromMonth  int64     `bigquery:"from_month"`
	ToYear     int64     `bigquery:"to_year"`
	ToMonth    int64     `bigquery:"to_month"`
	Amount     *big.Rat  `bigquery:"amount"`
	Mode       string    `bigquery:"mode"`
	Enabled    bool      `bigquery:"enabled"`
	CreatedTS  time.Time `bigquery:"created_ts"`
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: t.UTC(), Valid: true}
}

func timePtr(ts bigquery.NullTimestamp) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Timestamp.UTC()
	return &t
}

func copyStrings(xs []string) []string {
	if len(xs) == 0 {
		return nil
	}
	return append([]string(nil), xs...)
}

// nonNilStrings keeps REPEATED parameters typed when empty.
func nonNilStrings(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return append([]string(nil), xs...)
}

func toTransaction(r *TransactionRow) *domain.Transaction {
	return &domain.Transaction{
		ID:              r.TransactionID,
		UserID:          r.UserID,
		AccountID:       r.AccountID,
		Amount:          money.FromRat(r.Amount),
		Date:            r.TransactionDate,
		Name:            r.Name.StringVal,
		RawDescription:  r.RawDescription,
		IsPending:       r.IsPending,
		IsManual:        r.IsManual,
		CategoryID:      r.CategoryID.StringVal,
		IsTransfer:      r.IsTransfer,
		TransferMatchID: r.TransferMatchID.StringVal,
		IsHidden:        r.IsHidden,
		ReviewStatus:    domain.ReviewStatus(r.ReviewStatus.StringVal),
		Tags:            copyStrings(r.Tags),
	}
}

func fromTransaction(t *domain.Transaction) *TransactionRow {
	return &TransactionRow{
		TransactionID:   t.ID,
		UserID:          t.UserID,
		AccountID:       t.AccountID,
		Amount:          money.ToRat(t.Amount),
		TransactionDate: t.Date,
		Name:            nullString(t.Name),
		RawDescription:  t.RawDescription,
		IsPending:       t.IsPending,
		IsManual:        t.IsManual,
		CategoryID:      nullString(t.CategoryID),
		IsTransfer:      t.IsTransfer,
		TransferMatchID: nullString(t.TransferMatchID),
		IsHidden:        t.IsHidden,
		ReviewStatus:    nullString(string(t.ReviewStatus)),
		Tags:            nonNilStrings(t.Tags),
	}
}

func toRecurring(r *RecurringEntityRow) *domain.RecurringEntity {
	e := &domain.RecurringEntity{
		ID:             r.RecurringID,
		UserID:         r.UserID,
		MerchantKey:    r.MerchantKey,
		MerchantName:   r.MerchantName,
		Cadence:        domain.Cadence(r.Cadence),
		LastAmount:     money.FromRat(r.LastAmount),
		AverageAmount:  money.FromRat(r.AverageAmount),
		NextDueDate:    r.NextDueDate,
		PriceChanged:   r.PriceChanged,
		IsSubscription: r.IsSubscription,
		IsUserCreated:  r.IsUserCreated,
	}
	for _, p := range r.PriceHistory {
		e.PriceHistory = append(e.PriceHistory, domain.PricePoint{Date: p.Date, Amount: money.FromRat(p.Amount)})
	}
	return e
}

func fromRecurring(e *domain.RecurringEntity) *RecurringEntityRow {
	r := &RecurringEntityRow{
		RecurringID:    e.ID,
		UserID:         e.UserID,
		MerchantKey:    e.MerchantKey,
		MerchantName:   e.MerchantName,
		Cadence:        string(e.Cadence),
		LastAmount:     money.ToRat(e.LastAmount),
		AverageAmount:  money.ToRat(e.AverageAmount),
		NextDueDate:    e.NextDueDate,
		PriceChanged:   e.PriceChanged,
		PriceHistory:   make([]PricePointRow, 0, len(e.PriceHistory)),
		IsSubscription: e.IsSubscription,
		IsUserCreated:  e.IsUserCreated,
	}
	for _, p := range e.PriceHistory {
		r.PriceHistory = append(r.PriceHistory, PricePointRow{Date: p.Date, Amount: money.ToRat(p.Amount)})
	}
	return r
}

func toRule(r *RuleRow) *domain.CategorizationRule {
	return &domain.CategorizationRule{
		ID:               r.RuleID,
		UserID:           r.UserID,
		Name:             r.Name.StringVal,
		Priority:         int(r.Priority),
		MatchType:        domain.MatchType(r.MatchType),
		MatchValue:       r.MatchValue,
		CategoryID:       r.CategoryID,
		ActionTags:       copyStrings(r.ActionTags),
		ApplyScope:       domain.ApplyScope(r.ApplyScope),
		Enabled:          r.Enabled,
		LastAppliedAt:    timePtr(r.LastAppliedTS),
		LastAppliedCount: int(r.LastAppliedCount),
		CreatedAt:        r.CreatedTS.UTC(),
	}
}

func fromRule(rule *domain.CategorizationRule) *RuleRow {
	return &RuleRow{
		RuleID:           rule.ID,
		UserID:           rule.UserID,
		Name:             nullString(rule.Name),
		Priority:         int64(rule.Priority),
		MatchType:        string(rule.MatchType),
		MatchValue:       rule.MatchValue,
		CategoryID:       rule.CategoryID,
		ActionTags:       nonNilStrings(rule.ActionTags),
		ApplyScope:       string(rule.ApplyScope),
		Enabled:          rule.Enabled,
		LastAppliedTS:    nullTimestamp(rule.LastAppliedAt),
		LastAppliedCount: int64(rule.LastAppliedCount),
		CreatedTS:        rule.CreatedAt.UTC(),
	}
}

func toBudget(r *BudgetRow) *domain.Budget {
	return &domain.Budget{
		ID:              r.BudgetID,
		UserID:          r.UserID,
		CategoryID:      r.CategoryID,
		Period:          datecalc.Period{Year: int(r.PeriodYear), Month: time.Month(r.PeriodMonth)},
		Limit:           money.FromRat(r.LimitAmount),
		Spent:           money.FromRat(r.Spent),
		RolloverEnabled: r.RolloverEnabled,
		RolloverMode:    domain.ParseRolloverMode(r.RolloverMode),
		RolloverBalance: money.FromRat(r.RolloverBalance),
		Status:          domain.BudgetStatus(r.Status.StringVal),
		ClosedAt:        timePtr(r.ClosedTS),
		UpdatedAt:       r.UpdatedTS.UTC(),
	}
}

func fromBudget(b *domain.Budget) *BudgetRow {
	return &BudgetRow{
		BudgetID:        b.ID,
		UserID:          b.UserID,
		CategoryID:      b.CategoryID,
		PeriodYear:      int64(b.Period.Year),
		PeriodMonth:     int64(b.Period.Month),
		LimitAmount:     money.ToRat(b.Limit),
		Spent:           money.ToRat(b.Spent),
		RolloverEnabled: b.RolloverEnabled,
		RolloverMode:    string(b.RolloverMode),
		RolloverBalance: money.ToRat(b.RolloverBalance),
		Status:          nullString(string(b.Status)),
		ClosedTS:        nullTimestamp(b.ClosedAt),
		UpdatedTS:       b.UpdatedAt.UTC(),
	}
}

func toRolloverEvent(r *RolloverEventRow) *domain.RolloverEvent {
	return &domain.RolloverEvent{
		ID:         r.EventID,
		UserID:     r.UserID,
		CategoryID: r.CategoryID,
		From:       datecalc.Period{Year: int(r.FromYear), Month: time.Month(r.FromMonth)},
		To:         datecalc.Period{Year: int(r.ToYear), Month: time.Month(r.ToMonth)},
		Amount:     money.FromRat(r.Amount),
		Mode:       domain.RolloverMode(r.Mode),
		Enabled:    r.Enabled,
		CreatedAt:  r.CreatedTS.UTC(),
	}
}

func fromRolloverEvent(e *domain.RolloverEvent) *RolloverEventRow {
	return &RolloverEventRow{
		EventID:    e.ID,
		UserID:     e.UserID,
		CategoryID: e.CategoryID,
		FromYear:   int64(e.From.Year),
		FromMonth:  int64(e.From.Month),
		ToYear:     int64(e.To.Year),
		ToMonth:    int64(e.To.Month),
		Amount:     money.ToRat(e.Amount),
		Mode:       string(e.Mode),
		Enabled:    e.Enabled,
		CreatedTS:  e.CreatedAt.UTC(),
	}
}
