// Package recurring detects subscriptions and bills in a user's history.
package recurring

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
	"github.com/dvloznov/finance-intel/internal/logger"
	"github.com/dvloznov/finance-intel/internal/money"
	"github.com/shopspring/decimal"
)

const (
	// LookbackMonths is the trailing window of history considered.
	LookbackMonths = 12

	// MaxDeviationRatio rejects a group whose mean absolute deviation of
	// intervals exceeds this share of the mean interval.
	MaxDeviationRatio = 0.5

	weeklyMaxDays    = 9
	monthlyMaxDays   = 35
	quarterlyMaxDays = 100
)

var trailingNumber = regexp.MustCompile(`\s+#?\d+$`)

// NormalizeMerchant collapses repeat visits to one merchant into one key:
// lowercase, trimmed, with a trailing store number removed.
func NormalizeMerchant(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	return trailingNumber.ReplaceAllString(key, "")
}

// Classify maps a mean interval in days to a cadence. Bounds are inclusive
// on the shorter cadence.
func Classify(meanDays float64) domain.Cadence {
	switch {
	case meanDays <= weeklyMaxDays:
		return domain.CadenceWeekly
	case meanDays <= monthlyMaxDays:
		return domain.CadenceMonthly
	case meanDays <= quarterlyMaxDays:
		return domain.CadenceQuarterly
	default:
		return domain.CadenceAnnual
	}
}

// NextDueDate advances last by one cadence period using calendar arithmetic.
func NextDueDate(last civil.Date, c domain.Cadence) civil.Date {
	switch c {
	case domain.CadenceWeekly:
		return last.AddDays(7)
	case domain.CadenceMonthly:
		return datecalc.AddMonths(last, 1)
	case domain.CadenceQuarterly:
		return datecalc.AddMonths(last, 3)
	default:
		return datecalc.AddYears(last, 1)
	}
}

// WindowStart is the first date inside the lookback window ending today.
func WindowStart(today civil.Date) civil.Date {
	return datecalc.AddMonths(today, -LookbackMonths)
}

// Result is the outcome of one detection pass.
type Result struct {
	Entities []*domain.RecurringEntity
	// Considered counts transactions that entered grouping.
	Considered int
	// Skipped counts malformed transactions left out of the pass.
	Skipped int
	// Irregular counts multi-transaction groups rejected by the deviation filter.
	Irregular int
}

// Detect groups the user's non-transfer transactions inside the lookback window
// by merchant key and returns one entity per regular group, ordered by key.
// The input slice is not modified.
func Detect(ctx context.Context, userID string, txns []*domain.Transaction, today civil.Date) Result {
	log := logger.FromContext(ctx)
	from := WindowStart(today)

	var res Result
	groups := make(map[string][]*domain.Transaction)
	for _, t := range txns {
		if err := t.Validate(); err != nil {
			log.Warn().Err(err).Str("transaction_id", t.ID).Msg("Skipping transaction in recurring detection")
			res.Skipped++
			continue
		}
		if t.IsTransfer || t.Date.Before(from) {
			continue
		}
		key := NormalizeMerchant(t.DisplayName())
		if key == "" {
			log.Warn().Str("transaction_id", t.ID).Msg("Skipping transaction without merchant text")
			res.Skipped++
			continue
		}
		groups[key] = append(groups[key], t)
		res.Considered++
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		group := groups[key]
		if len(group) < 2 {
			continue
		}
		entity, ok := summarize(userID, key, group)
		if !ok {
			res.Irregular++
			continue
		}
		res.Entities = append(res.Entities, entity)
	}

	return res
}

func summarize(userID, key string, group []*domain.Transaction) (*domain.RecurringEntity, bool) {
	sorted := append([]*domain.Transaction(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, float64(datecalc.DaysBetween(sorted[i-1].Date, sorted[i].Date)))
	}

	mean, deviation := meanAbsDeviation(intervals)
	// Charges that all land on one day carry no cadence.
	if mean < 1 {
		return nil, false
	}
	if deviation > MaxDeviationRatio*mean {
		return nil, false
	}

	last := sorted[len(sorted)-1]
	cadence := Classify(mean)

	history := make([]domain.PricePoint, 0, len(sorted))
	amounts := make([]decimal.Decimal, 0, len(sorted))
	changed := false
	for _, t := range sorted {
		history = append(history, domain.PricePoint{Date: t.Date, Amount: t.Amount})
		amounts = append(amounts, t.Amount)
		if money.Differs(t.Amount, last.Amount) {
			changed = true
		}
	}

	return &domain.RecurringEntity{
		ID:             domain.RecurringID(userID, key),
		UserID:         userID,
		MerchantKey:    key,
		MerchantName:   last.DisplayName(),
		Cadence:        cadence,
		LastAmount:     last.Amount,
		AverageAmount:  money.Mean(amounts),
		NextDueDate:    NextDueDate(last.Date, cadence),
		PriceChanged:   changed,
		PriceHistory:   history,
		IsSubscription: true,
	}, true
}

// meanAbsDeviation returns the mean of xs and the mean absolute deviation
// from it. A single value has deviation zero.
func meanAbsDeviation(xs []float64) (mean, deviation float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		if d < 0 {
			d = -d
		}
		deviation += d
	}
	deviation /= float64(len(xs))
	return mean, deviation
}
