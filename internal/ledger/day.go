package ledger

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar date, YYYY-MM-DD, in the school timezone.
// The string form orders lexicographically the same as chronologically.
type Day string

// DayOf returns the calendar date of t in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	if loc == nil {
		loc = time.UTC
	}
	return Day(t.In(loc).Format(dayLayout))
}

// ParseDay validates s as a calendar date.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return "", fmt.Errorf("ledger: invalid date %q: %w", s, err)
	}
	return Day(t.Format(dayLayout)), nil
}

// Start is midnight at the beginning of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(dayLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// End is midnight at the end of d in loc (exclusive upper bound).
func (d Day) End(loc *time.Location) time.Time {
	return d.Start(loc).AddDate(0, 0, 1)
}

// Before reports whether d is strictly earlier than other.
func (d Day) Before(other Day) bool { return d < other }

// AddDays returns the date n days after d.
func (d Day) AddDays(n int) Day {
	return DayOf(d.Start(time.UTC).AddDate(0, 0, n), time.UTC)
}

// Valid reports whether d parses as a date.
func (d Day) Valid() bool {
	_, err := ParseDay(string(d))
	return err == nil
}

func (d Day) String() string { return string(d) }
