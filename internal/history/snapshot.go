package history

import (
	"encoding/json"
	"fmt"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/timeutil"
)

// Snapshot is the state of one record's configured fields at a point in time.
// Fields without an entry at or before that time are absent from Fields.
type Snapshot struct {
	Key            string
	Created        string
	ResolutionDate string
	Fields         map[string]domain.Value
	History        domain.HistoryRecord
}

// MarshalJSON flattens the snapshot like a HistoryRecord and attaches the full
// record under "history".
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+4)
	for name, value := range s.Fields {
		out[name] = value
	}
	out["key"] = s.Key
	out["created"] = s.Created
	out["resolutiondate"] = nullableString(s.ResolutionDate)
	out["history"] = s.History
	return json.Marshal(out)
}

// TimestampConverter maps a requested snapshot timestamp to the instant used
// for comparison, e.g. an ISO week to its last day.
type TimestampConverter func(string) (string, error)

// IdentityTimestamp leaves timestamps unchanged.
func IdentityTimestamp(timestamp string) (string, error) {
	return timestamp, nil
}

var timestampConverters = map[string]TimestampConverter{
	"":          IdentityTimestamp,
	"identity":  IdentityTimestamp,
	"week_end":  timeutil.WeekEnd,
	"month_end": timeutil.MonthEnd,
}

// TimestampConverterByName resolves identity, week_end or month_end.
func TimestampConverterByName(name string) (TimestampConverter, error) {
	converter, ok := timestampConverters[name]
	if !ok {
		return nil, fmt.Errorf("%w: timestamp converter %q", domain.ErrUnknownConverter, name)
	}
	return converter, nil
}

// CreateSnapshots computes, for every requested timestamp, the snapshot of each
// record created at or before it. The result is keyed by the requested
// timestamp, not the converted one; duplicate timestamps collapse.
func CreateSnapshots(records []domain.HistoryRecord, timestamps []string, convert TimestampConverter) (map[string][]Snapshot, error) {
	if convert == nil {
		convert = IdentityTimestamp
	}

	index := make(map[string][]Snapshot, len(timestamps))
	for _, timestamp := range timestamps {
		at, err := convert(timestamp)
		if err != nil {
			return nil, fmt.Errorf("convert snapshot timestamp %q: %w", timestamp, err)
		}

		snapshots := make([]Snapshot, 0, len(records))
		for _, record := range records {
			if timeutil.Compare(record.Created, at) <= 0 {
				snapshots = append(snapshots, SnapshotAt(record, at))
			}
		}
		index[timestamp] = snapshots
	}
	return index, nil
}

// SnapshotAt reduces every field series of record to its last entry at or
// before at.
func SnapshotAt(record domain.HistoryRecord, at string) Snapshot {
	snapshot := Snapshot{
		Key:            record.Key,
		Created:        record.Created,
		ResolutionDate: record.ResolutionDate,
		Fields:         make(map[string]domain.Value, len(record.Fields)),
		History:        record,
	}

	for name, entries := range record.Fields {
		found := false
		var latest domain.Value
		for _, entry := range entries {
			if timeutil.Compare(entry.Timestamp, at) <= 0 {
				latest = entry.Value
				found = true
			}
		}
		if found {
			snapshot.Fields[name] = latest
		}
	}
	return snapshot
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
