package mongo

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Dates are stored as YYYY-MM-DD strings so they sort and range-filter
// lexically. Amounts are Decimal128.

type transactionDoc struct {
	ID              string               `bson:"_id"`
	UserID          string               `bson:"user_id"`
	AccountID       string               `bson:"account_id"`
	Amount          primitive.Decimal128 `bson:"amount"`
	Date            string               `bson:"date"`
	Name            string               `bson:"name,omitempty"`
	RawDescription  string               `bson:"raw_description"`
	IsPending       bool                 `bson:"is_pending"`
	IsManual        bool                 `bson:"is_manual"`
	CategoryID      string               `bson:"category_id,omitempty"`
	IsTransfer      bool                 `bson:"is_transfer"`
	TransferMatchID string               `bson:"transfer_match_id,omitempty"`
	IsHidden        bool                 `bson:"is_hidden"`
	ReviewStatus    string               `bson:"review_status,omitempty"`
	Tags            []string             `bson:"tags,omitempty"`
}

type pricePointDoc struct {
	Date   string               `bson:"date"`
	Amount primitive.Decimal128 `bson:"amount"`
}

type recurringDoc struct {
	ID             string               `bson:"_id"`
	UserID         string               `bson:"user_id"`
	MerchantKey    string               `bson:"merchant_key"`
	MerchantName   string               `bson:"merchant_name"`
	Cadence        string               `bson:"cadence"`
	LastAmount     primitive.Decimal128 `bson:"last_amount"`
	AverageAmount  primitive.Decimal128 `bson:"average_amount"`
	NextDueDate    string               `bson:"next_due_date"`
	PriceChanged   bool                 `bson:"price_changed"`
	PriceHistory   []pricePointDoc      `bson:"price_history"`
	IsSubscription bool                 `bson:"is_subscription"`
	IsUserCreated  bool                 `bson:"is_user_created"`
}

type ruleDoc struct {
	ID               string     `bson:"_id"`
	UserID           string     `bson:"user_id"`
	Name             string     `bson:"name,omitempty"`
	Priority         int        `bson:"priority"`
	MatchType        string     `bson:"match_type"`
	MatchValue       string     `bson:"match_value"`
	CategoryID       string     `bson:"category_id"`
	ActionTags       []string   `bson:"action_tags,omitempty"`
	ApplyScope       string     `bson:"apply_scope"`
	Enabled          bool       `bson:"enabled"`
	LastAppliedAt    *time.Time `bson:"last_applied_at,omitempty"`
	LastAppliedCount int        `bson:"last_applied_count"`
	CreatedAt        time.Time  `bson:"created_at"`
}

type periodDoc struct {
	Year  int `bson:"year"`
	Month int `bson:"month"`
}

type budgetDoc struct {
	ID              string               `bson:"_id"`
	UserID          string               `bson:"user_id"`
	CategoryID      string               `bson:"category_id"`
	Period          periodDoc            `bson:"period"`
	Limit           primitive.Decimal128 `bson:"limit"`
	Spent           primitive.Decimal128 `bson:"spent"`
	RolloverEnabled bool                 `bson:"rollover_enabled"`
	RolloverMode    string               `bson:"rollover_mode"`
	RolloverBalance primitive.Decimal128 `bson:"rollover_balance"`
	Status          string               `bson:"status,omitempty"`
	ClosedAt        *time.Time           `bson:"closed_at,omitempty"`
	UpdatedAt       time.Time            `bson:"updated_at"`
}

type rolloverEventDoc struct {
	ID         string               `bson:"_id"`
	UserID     string               `bson:"user_id"`
	CategoryID string               `bson:"category_id"`
	From       periodDoc            `bson:"from"`
	To         periodDoc            `bson:"to"`
	Amount     primitive.Decimal128 `bson:"amount"`
	Mode       string               `bson:"mode"`
	Enabled    bool                 `bson:"enabled"`
	CreatedAt  time.Time            `bson:"created_at"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("converting amount %s: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("reading amount %s: %w", v, err)
	}
	return d, nil
}

func dateString(d civil.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseDate(s string) (civil.Date, error) {
	if s == "" {
		return civil.Date{}, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, fmt.Errorf("reading date %q: %w", s, err)
	}
	return d, nil
}

func toPeriodDoc(p datecalc.Period) periodDoc {
	return periodDoc{Year: p.Year, Month: int(p.Month)}
}

func (p periodDoc) period() datecalc.Period {
	return datecalc.Period{Year: p.Year, Month: time.Month(p.Month)}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func copyStrings(xs []string) []string {
	if len(xs) == 0 {
		return nil
	}
	return append([]string(nil), xs...)
}

func fromTransaction(t *domain.Transaction) (*transactionDoc, error) {
	amount, err := toDecimal128(t.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return &transactionDoc{
		ID:              t.ID,
		UserID:          t.UserID,
		AccountID:       t.AccountID,
		Amount:          amount,
		Date:            dateString(t.Date),
		Name:            t.Name,
		RawDescription:  t.RawDescription,
		IsPending:       t.IsPending,
		IsManual:        t.IsManual,
		CategoryID:      t.CategoryID,
		IsTransfer:      t.IsTransfer,
		TransferMatchID: t.TransferMatchID,
		IsHidden:        t.IsHidden,
		ReviewStatus:    string(t.ReviewStatus),
		Tags:            copyStrings(t.Tags),
	}, nil
}

func (d *transactionDoc) toDomain() (*domain.Transaction, error) {
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", d.ID, err)
	}
	date, err := parseDate(d.Date)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", d.ID, err)
	}
	return &domain.Transaction{
		ID:              d.ID,
		UserID:          d.UserID,
		AccountID:       d.AccountID,
		Amount:          amount,
		Date:            date,
		Name:            d.Name,
		RawDescription:  d.RawDescription,
		IsPending:       d.IsPending,
		IsManual:        d.IsManual,
		CategoryID:      d.CategoryID,
		IsTransfer:      d.IsTransfer,
		TransferMatchID: d.TransferMatchID,
		IsHidden:        d.IsHidden,
		ReviewStatus:    domain.ReviewStatus(d.ReviewStatus),
		Tags:            copyStrings(d.Tags),
	}, nil
}

func fromRecurring(e *domain.RecurringEntity) (*recurringDoc, error) {
	last, err := toDecimal128(e.LastAmount)
	if err != nil {
		return nil, fmt.Errorf("recurring %s: %w", e.ID, err)
	}
	avg, err := toDecimal128(e.AverageAmount)
	if err != nil {
		return nil, fmt.Errorf("recurring %s: %w", e.ID, err)
	}
	doc := &recurringDoc{
		ID:             e.ID,
		UserID:         e.UserID,
		MerchantKey:    e.MerchantKey,
		MerchantName:   e.MerchantName,
		Cadence:        string(e.Cadence),
		LastAmount:     last,
		AverageAmount:  avg,
		NextDueDate:    dateString(e.NextDueDate),
		PriceChanged:   e.PriceChanged,
		PriceHistory:   make([]pricePointDoc, 0, len(e.PriceHistory)),
		IsSubscription: e.IsSubscription,
		IsUserCreated:  e.IsUserCreated,
	}
	for _, p := range e.PriceHistory {
		amount, err := toDecimal128(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("recurring %s: %w", e.ID, err)
		}
		doc.PriceHistory = append(doc.PriceHistory, pricePointDoc{Date: dateString(p.Date), Amount: amount})
	}
	return doc, nil
}

func (d *recurringDoc) toDomain() (*domain.RecurringEntity, error) {
	last, err := fromDecimal128(d.LastAmount)
	if err != nil {
		return nil, fmt.Errorf("recurring %s: %w", d.ID, err)
	}
	avg, err := fromDecimal128(d.AverageAmount)
	if err != nil {
		return nil, fmt.Errorf("recurring %s: %w", d.ID, err)
	}
	due, err := parseDate(d.NextDueDate)
	if err != nil {
		return nil, fmt.Errorf("recurring %s: %w", d.ID, err)
	}
	e := &domain.RecurringEntity{
		ID:             d.ID,
		UserID:         d.UserID,
		MerchantKey:    d.MerchantKey,
		MerchantName:   d.MerchantName,
		Cadence:        domain.Cadence(d.Cadence),
		LastAmount:     last,
		AverageAmount:  avg,
		NextDueDate:    due,
		PriceChanged:   d.PriceChanged,
		IsSubscription: d.IsSubscription,
		IsUserCreated:  d.IsUserCreated,
	}
	for _, p := range d.PriceHistory {
		amount, err := fromDecimal128(p.Amount)
		if err != nil {
			return nil, fmt.Errorf("recurring %s: %w", d.ID, err)
		}
		date, err := parseDate(p.Date)
		if err != nil {
			return nil, fmt.Errorf("recurring %s: %w", d.ID, err)
		}
		e.PriceHistory = append(e.PriceHistory, domain.PricePoint{Date: date, Amount: amount})
	}
	return e, nil
}

func fromRule(r *domain.CategorizationRule) *ruleDoc {
	return &ruleDoc{
		ID:               r.ID,
		UserID:           r.UserID,
		Name:             r.Name,
		Priority:         r.Priority,
		MatchType:        string(r.MatchType),
		MatchValue:       r.MatchValue,
		CategoryID:       r.CategoryID,
		ActionTags:       copyStrings(r.ActionTags),
		ApplyScope:       string(r.ApplyScope),
		Enabled:          r.Enabled,
		LastAppliedAt:    utcPtr(r.LastAppliedAt),
		LastAppliedCount: r.LastAppliedCount,
		CreatedAt:        r.CreatedAt.UTC(),
	}
}

func (d *ruleDoc) toDomain() *domain.CategorizationRule {
	return &domain.CategorizationRule{
		ID:               d.ID,
		UserID:           d.UserID,
		Name:             d.Name,
		Priority:         d.Priority,
		MatchType:        domain.MatchType(d.MatchType),
		MatchValue:       d.MatchValue,
		CategoryID:       d.CategoryID,
		ActionTags:       copyStrings(d.ActionTags),
		ApplyScope:       domain.ApplyScope(d.ApplyScope),
		Enabled:          d.Enabled,
		LastAppliedAt:    utcPtr(d.LastAppliedAt),
		LastAppliedCount: d.LastAppliedCount,
		CreatedAt:        d.CreatedAt.UTC(),
	}
}

func fromBudget(b *domain.Budget) (*budgetDoc, error) {
	limit, err := toDecimal128(b.Limit)
	if err != nil {
		return nil, fmt.Errorf("budget %s: %w", b.ID, err)
	}
	spent, err := toDecimal128(b.Spent)
	if err != nil {
		return nil, fmt.Errorf("budget %s: %w", b.ID, err)
	}
	balance, err := toDecimal128(b.RolloverBalance)
	if err != nil {
		return nil, fmt.Errorf("budget %s: %w", b.ID, err)
	}
	return &budgetDoc{
		ID:              b.ID,
		UserID:          b.UserID,
		CategoryID:      b.CategoryID,
		Period:          toPeriodDoc(b.Period),
		Limit:           limit,
		Spent:           spent,
		RolloverEnabled: b.RolloverEnabled,
		RolloverMode:    string(b.RolloverMode),
		RolloverBalance: balance,
		Status:          string(b.Status),
		ClosedAt:        utcPtr(b.ClosedAt),
		UpdatedAt:       b.UpdatedAt.UTC(),
	}, nil
}

func (d *budgetDoc) toDomain() (*domain.Budget, error) {
	limit, err := fromDecimal128(d.Limit)
	if err != nil {
		return nil, fmt.Errorf("budget %s: %w", d.ID, err)
	}
	spent, err := fromDecimal128(d.Spent)
	if err != nil {
		return nil, fmt.Errorf("budget %s: %w", d.ID, err)
	}
	balance, err := fromDecimal128(d.RolloverBalance)
	if err != nil {
		return nil, fmt.Errorf("budget %s: %w", d.ID, err)
	}
	return &domain.Budget{
		ID:              d.ID,
		UserID:          d.UserID,
		CategoryID:      d.CategoryID,
		Period:          d.Period.period(),
		Limit:           limit,
		Spent:           spent,
		RolloverEnabled: d.RolloverEnabled,
		RolloverMode:    domain.ParseRolloverMode(d.RolloverMode),
		RolloverBalance: balance,
		Status:          domain.BudgetStatus(d.Status),
		ClosedAt:        utcPtr(d.ClosedAt),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}, nil
}

func fromRolloverEvent(e *domain.RolloverEvent) (*rolloverEventDoc, error) {
	amount, err := toDecimal128(e.Amount)
	if err != nil {
		return nil, fmt.Errorf("rollover event %s: %w", e.ID, err)
	}
	return &rolloverEventDoc{
		ID:         e.ID,
		UserID:     e.UserID,
		CategoryID: e.CategoryID,
		From:       toPeriodDoc(e.From),
		To:         toPeriodDoc(e.To),
		Amount:     amount,
		Mode:       string(e.Mode),
		Enabled:    e.Enabled,
		CreatedAt:  e.CreatedAt.UTC(),
	}, nil
}

func (d *rolloverEventDoc) toDomain() (*domain.RolloverEvent, error) {
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("rollover event %s: %w", d.ID, err)
	}
	return &domain.RolloverEvent{
		ID:         d.ID,
		UserID:     d.UserID,
		CategoryID: d.CategoryID,
		From:       d.From.period(),
		To:         d.To.period(),
		Amount:     amount,
		Mode:       domain.RolloverMode(d.Mode),
		Enabled:    d.Enabled,
		CreatedAt:  d.CreatedAt.UTC(),
	}, nil
}
