// Package timeutil parses tracker timestamps and walks calendar months and ISO weeks.
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout used for query placeholders and day-resolution timestamps.
const DateLayout = "2006-01-02"

// ISOLayout is the layout of timestamps produced by this module.
const ISOLayout = "2006-01-02T15:04:05.000000-07:00"

var layouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	DateLayout,
}

// Clock returns the current time.
type Clock func() time.Time

// Parse reads a tracker timestamp. Timestamps without a zone are taken as UTC.
func Parse(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Compare orders two timestamps chronologically; when either cannot be parsed
// the strings are compared lexically.
func Compare(a, b string) int {
	ta, okA := Parse(a)
	tb, okB := Parse(b)
	if okA && okB {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}

// Format renders t in ISOLayout.
func Format(t time.Time) string {
	return t.Format(ISOLayout)
}

// Month is one calendar month window.
type Month struct {
	Start time.Time
	End   time.Time
	Name  string
}

// StartText is the first day as YYYY-MM-DD.
func (m Month) StartText() string { return m.Start.Format(DateLayout) }

// EndText is the last day as YYYY-MM-DD.
func (m Month) EndText() string { return m.End.Format(DateLayout) }

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Month {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, 1, -1)
	return Month{Start: start, End: end, Name: start.Format("January 2006")}
}

// MonthsBefore lists every month from the month of startDate up to, but not
// including, the month of now. startDate is YYYY-MM-DD.
func MonthsBefore(startDate string, now time.Time) ([]Month, error) {
	start, err := time.ParseInLocation(DateLayout, strings.TrimSpace(startDate), now.Location())
	if err != nil {
		return nil, fmt.Errorf("parse start date %q: %w", startDate, err)
	}
	current := MonthOf(now)
	lastDayOfLastMonth := current.Start.AddDate(0, 0, -1)

	var months []Month
	for cursor := start; !cursor.After(lastDayOfLastMonth); {
		month := MonthOf(cursor)
		months = append(months, month)
		cursor = month.Start.AddDate(0, 1, 0)
	}
	return months, nil
}

// WeekEnd converts an ISO week ("2024-W05", "2024-05") to the date of its Sunday.
// Inputs that already look like dates are returned unchanged.
func WeekEnd(week string) (string, error) {
	if _, ok := Parse(week); ok && len(week) >= len(DateLayout) {
		return week, nil
	}
	year, number, err := splitPeriod(week, "W")
	if err != nil {
		return "", err
	}
	if number < 1 || number > 53 {
		return "", fmt.Errorf("week %d out of range in %q", number, week)
	}
	// January 4th is always in ISO week 1.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset+(number-1)*7)
	return monday.AddDate(0, 0, 6).Format(DateLayout), nil
}

// MonthEnd converts "2024-02" to the last day of that month.
func MonthEnd(month string) (string, error) {
	if _, ok := Parse(month); ok && len(month) >= len(DateLayout) {
		return month, nil
	}
	year, number, err := splitPeriod(month, "")
	if err != nil {
		return "", err
	}
	if number < 1 || number > 12 {
		return "", fmt.Errorf("month %d out of range in %q", number, month)
	}
	return MonthOf(time.Date(year, time.Month(number), 1, 0, 0, 0, 0, time.UTC)).EndText(), nil
}

// ISOWeek renders t as "%G-%V".
func ISOWeek(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-%02d", year, week)
}

// Strftime renders t with a small subset of C strftime directives:
// %Y %G %m %d %V %H %M %S and %%. Unknown directives are copied verbatim.
func Strftime(t time.Time, pattern string) string {
	isoYear, isoWeek := t.ISOWeek()
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '%' || i+1 == len(pattern) {
			b.WriteByte(pattern[i])
			continue
		}
		i++
		switch pattern[i] {
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'G':
			fmt.Fprintf(&b, "%04d", isoYear)
		case 'm':
			fmt.Fprintf(&b, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&b, "%02d", t.Day())
		case 'V':
			fmt.Fprintf(&b, "%02d", isoWeek)
		case 'H':
			fmt.Fprintf(&b, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&b, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&b, "%02d", t.Second())
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(pattern[i])
		}
	}
	return b.String()
}

func splitPeriod(raw, marker string) (int, int, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid period %q", raw)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid year in %q: %w", raw, err)
	}
	numberText := parts[1]
	if marker != "" {
		numberText = strings.TrimPrefix(numberText, marker)
	}
	number, err := strconv.Atoi(numberText)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid period number in %q: %w", raw, err)
	}
	return year, number, nil
}
