package history

import (
	"fmt"
	"math"
	"time"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/timeutil"
)

// Matcher finds the timestamp at which a field series reached a state.
// last selects the final match instead of the first.
type Matcher interface {
	Find(entries []domain.Entry, last bool) (string, bool)
}

type equalsMatcher struct {
	want domain.Value
}

// Equals matches entries whose value equals want.
func Equals(want domain.Value) Matcher {
	return equalsMatcher{want: want}
}

func (m equalsMatcher) Find(entries []domain.Entry, last bool) (string, bool) {
	var matches []string
	for _, entry := range entries {
		if entry.Value.Equal(m.want) {
			matches = append(matches, entry.Timestamp)
		}
	}
	if len(matches) == 0 {
		return "", false
	}
	if last {
		return matches[len(matches)-1], true
	}
	return matches[0], true
}

type oneOfMatcher struct {
	alternatives []domain.Value
}

// OneOf tries each alternative in order and returns the first that matches,
// regardless of which alternative occurs earlier in time.
func OneOf(alternatives ...domain.Value) Matcher {
	return oneOfMatcher{alternatives: alternatives}
}

func (m oneOfMatcher) Find(entries []domain.Entry, last bool) (string, bool) {
	for _, alternative := range m.alternatives {
		if timestamp, ok := (equalsMatcher{want: alternative}).Find(entries, last); ok {
			return timestamp, true
		}
	}
	return "", false
}

// MatchFunc adapts a function over the whole series. The function decides
// itself which match to report.
type MatchFunc func(entries []domain.Entry) (string, bool)

func (f MatchFunc) Find(entries []domain.Entry, _ bool) (string, bool) {
	return f(entries)
}

// StateConfig names the field to scan and the state to look for.
type StateConfig struct {
	Field   string
	Matcher Matcher
}

// Validate checks that the config can be applied.
func (c StateConfig) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("%w: state field is required", domain.ErrInvalidConfig)
	}
	if c.Matcher == nil {
		return fmt.Errorf("%w: state %s has no matcher", domain.ErrInvalidConfig, c.Field)
	}
	return nil
}

// LeadTime is the start/end of one record. A nil Start means the start state
// was never reached; a nil End means the record has not reached the end state.
type LeadTime struct {
	Key    string               `json:"key"`
	Start  *string              `json:"start"`
	End    *string              `json:"end"`
	Record domain.HistoryRecord `json:"issue"`
}

// Days converts the lead time to days, counting from Start to End or to now.
func (l LeadTime) Days(includeWeekend bool, now time.Time) (int, error) {
	start, end := "", ""
	if l.Start != nil {
		start = *l.Start
	}
	if l.End != nil {
		end = *l.End
	}
	return LeadTimeInDays(start, end, includeWeekend, now)
}

// LeadTimes finds, per record, the first timestamp of the start state and the
// last timestamp of the end state.
func LeadTimes(records []domain.HistoryRecord, start, end StateConfig) ([]LeadTime, error) {
	if err := start.Validate(); err != nil {
		return nil, err
	}
	if err := end.Validate(); err != nil {
		return nil, err
	}

	out := make([]LeadTime, 0, len(records))
	for _, record := range records {
		startAt, err := findTimestamp(record, start, false)
		if err != nil {
			return nil, err
		}
		endAt, err := findTimestamp(record, end, true)
		if err != nil {
			return nil, err
		}
		out = append(out, LeadTime{Key: record.Key, Start: startAt, End: endAt, Record: record})
	}
	return out, nil
}

func findTimestamp(record domain.HistoryRecord, state StateConfig, last bool) (*string, error) {
	entries, ok := record.Fields[state.Field]
	if !ok {
		return nil, fmt.Errorf("%w: field %s is not part of the history of %s", domain.ErrInvalidConfig, state.Field, record.Key)
	}
	timestamp, found := state.Matcher.Find(entries, last)
	if !found {
		return nil, nil
	}
	return &timestamp, nil
}

// LeadTimeInDays dispatches to DaysIncludingWeekend or BusinessDays.
func LeadTimeInDays(start, end string, includeWeekend bool, now time.Time) (int, error) {
	if includeWeekend {
		return DaysIncludingWeekend(start, end, now)
	}
	return BusinessDays(start, end, now)
}

// DaysIncludingWeekend returns the absolute elapsed time in whole days,
// rounding half to even. An empty start yields -1; an empty end means now.
func DaysIncludingWeekend(start, end string, now time.Time) (int, error) {
	if start == "" {
		return -1, nil
	}
	from, to, err := parseRange(start, end, now)
	if err != nil {
		return 0, err
	}
	seconds := math.Abs(to.Sub(from).Seconds())
	return int(math.RoundToEven(seconds / (24 * 60 * 60))), nil
}

// BusinessDays counts the Monday to Friday dates visited when stepping one
// day at a time from the earlier to the later timestamp, both inclusive.
// An empty start yields -1; an empty end means now.
func BusinessDays(start, end string, now time.Time) (int, error) {
	if start == "" {
		return -1, nil
	}
	from, to, err := parseRange(start, end, now)
	if err != nil {
		return 0, err
	}
	if from.After(to) {
		from, to = to, from
	}

	days := 0
	for current := from; !current.After(to); current = current.AddDate(0, 0, 1) {
		if weekday := current.Weekday(); weekday != time.Saturday && weekday != time.Sunday {
			days++
		}
	}
	return days, nil
}

func parseRange(start, end string, now time.Time) (time.Time, time.Time, error) {
	from, ok := timeutil.Parse(start)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start timestamp %q", start)
	}
	if end == "" {
		return from, now, nil
	}
	to, ok := timeutil.Parse(end)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end timestamp %q", end)
	}
	return from, to, nil
}
