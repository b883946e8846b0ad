package recurring

import (
	"sort"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-intel/internal/datecalc"
	"github.com/dvloznov/finance-intel/internal/domain"
)

// DefaultUpcomingDays is the horizon used when the caller passes none.
const DefaultUpcomingDays = 30

// Upcoming returns the entities due within days of today (inclusive), soonest
// first. Detector-produced and user-created entities are treated alike.
func Upcoming(entities []*domain.RecurringEntity, today civil.Date, days int) []*domain.RecurringEntity {
	if days <= 0 {
		days = DefaultUpcomingDays
	}
	until := today.AddDays(days)

	var due []*domain.RecurringEntity
	for _, e := range entities {
		if datecalc.Within(e.NextDueDate, today, until) {
			due = append(due, e)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].NextDueDate != due[j].NextDueDate {
			return due[i].NextDueDate.Before(due[j].NextDueDate)
		}
		return due[i].MerchantName < due[j].MerchantName
	})
	return due
}
