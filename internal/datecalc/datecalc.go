// Package datecalc provides the calendar arithmetic used by the analyzers.
// Transactions carry a calendar date without a time of day, so everything here
// works on civil.Date.
package datecalc

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// DaysBetween returns the signed number of days from a to b.
func DaysBetween(a, b civil.Date) int {
	return b.DaysSince(a)
}

// AbsDays returns the unsigned distance in days between a and b.
func AbsDays(a, b civil.Date) int {
	n := b.DaysSince(a)
	if n < 0 {
		return -n
	}
	return n
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AddMonths advances d by n calendar months, clamping the day to the end of
// the target month (Jan 31 + 1 month is Feb 28 or 29, never March).
func AddMonths(d civil.Date, n int) civil.Date {
	total := int(d.Month) - 1 + n
	year := d.Year + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)

	day := d.Day
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return civil.Date{Year: year, Month: month, Day: day}
}

// AddYears advances d by n years with the same clamping as AddMonths.
func AddYears(d civil.Date, n int) civil.Date {
	return AddMonths(d, 12*n)
}

// Today returns the calendar date of now in UTC.
func Today(now time.Time) civil.Date {
	return civil.DateOf(now.UTC())
}

// Valid reports whether d is a real calendar date (the zero value is not).
func Valid(d civil.Date) bool {
	return d.IsValid()
}

// Within reports whether d lies in the inclusive range [from, to].
func Within(d, from, to civil.Date) bool {
	return !d.Before(from) && !d.After(to)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Period identifies one calendar month of one year.
type Period struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`
}

// PeriodOf returns the period containing d.
func PeriodOf(d civil.Date) Period {
	return Period{Year: d.Year, Month: d.Month}
}

// ParsePeriod parses "YYYY-MM".
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("ParsePeriod: %q is not YYYY-MM: %w", s, err)
	}
	return Period{Year: t.Year(), Month: t.Month()}, nil
}

// Validate rejects months outside 1..12 and non-positive years.
func (p Period) Validate() error {
	if p.Month < time.January || p.Month > time.December {
		return fmt.Errorf("invalid month %d", int(p.Month))
	}
	if p.Year <= 0 {
		return fmt.Errorf("invalid year %d", p.Year)
	}
	return nil
}

// Next returns the following month, wrapping December into January.
func (p Period) Next() Period {
	if p.Month == time.December {
		return Period{Year: p.Year + 1, Month: time.January}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Prev returns the preceding month, wrapping January into December.
func (p Period) Prev() Period {
	if p.Month == time.January {
		return Period{Year: p.Year - 1, Month: time.December}
	}
	return Period{Year: p.Year, Month: p.Month - 1}
}

// Start is the first day of the period.
func (p Period) Start() civil.Date {
	return civil.Date{Year: p.Year, Month: p.Month, Day: 1}
}

// End is the last day of the period.
func (p Period) End() civil.Date {
	return civil.Date{Year: p.Year, Month: p.Month, Day: DaysIn(p.Year, p.Month)}
}

// Contains reports whether d falls inside the period.
func (p Period) Contains(d civil.Date) bool {
	return d.Year == p.Year && d.Month == p.Month
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}
