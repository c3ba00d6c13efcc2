package history

import (
	"fmt"
	"sort"

	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/internal/fieldaccess"
	"github.com/rpattn/jiracache/internal/timeutil"
)

var reservedFieldNames = map[string]struct{}{
	"key":            {},
	"created":        {},
	"resolutiondate": {},
	"history":        {},
}

type fieldBinding struct {
	name    string
	current fieldaccess.Accessor
	history fieldaccess.Accessor
}

// Assembler builds HistoryRecords for a fixed set of configured fields.
type Assembler struct {
	fields []fieldBinding
}

// NewAssembler parses every field config (`access` or `access/historyAccess`)
// and resolves its converters. Unknown converters fail here, not on first use.
func NewAssembler(fields map[string]string, registry *fieldaccess.Registry) (*Assembler, error) {
	if registry == nil {
		registry = fieldaccess.DefaultRegistry()
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	bindings := make([]fieldBinding, 0, len(names))
	for _, name := range names {
		if name == "" {
			return nil, fmt.Errorf("%w: empty field name", domain.ErrInvalidConfig)
		}
		if _, reserved := reservedFieldNames[name]; reserved {
			return nil, fmt.Errorf("%w: field name %q is reserved", domain.ErrInvalidConfig, name)
		}

		spec := fieldaccess.ParseFieldSpec(name, fields[name])
		current, err := registry.Bind(spec.Current)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		history, err := registry.Bind(spec.History)
		if err != nil {
			return nil, fmt.Errorf("field %s history: %w", name, err)
		}
		bindings = append(bindings, fieldBinding{name: name, current: current, history: history})
	}
	return &Assembler{fields: bindings}, nil
}

// FieldNames returns the configured field names in sorted order.
func (a *Assembler) FieldNames() []string {
	names := make([]string, len(a.fields))
	for idx, field := range a.fields {
		names[idx] = field.name
	}
	return names
}

// Histories assembles one HistoryRecord per record, in input order.
func (a *Assembler) Histories(records []domain.Record) ([]domain.HistoryRecord, error) {
	out := make([]domain.HistoryRecord, 0, len(records))
	for _, record := range records {
		history, err := a.History(record)
		if err != nil {
			return nil, err
		}
		out = append(out, history)
	}
	return out, nil
}

// History assembles the HistoryRecord of one record.
//
// A field whose history name appears in the changelog takes its series from
// the changelog; the current-value path is only consulted when it never changed.
func (a *Assembler) History(record domain.Record) (domain.HistoryRecord, error) {
	changed := Replay(record)
	created := record.Created()

	result := domain.HistoryRecord{
		Key:            record.Key(),
		Created:        created,
		ResolutionDate: record.ResolutionDate(),
		Fields:         make(map[string][]domain.Entry, len(a.fields)),
	}

	for _, field := range a.fields {
		series, ok := changed[field.history.Config.Path]
		if ok {
			entries, err := convertSeries(series, field.history)
			if err != nil {
				return domain.HistoryRecord{}, fmt.Errorf("record %s field %s: %w", result.Key, field.name, err)
			}
			result.Fields[field.name] = entries
			continue
		}

		value, err := fieldaccess.CurrentValue(record, field.current)
		if err != nil {
			return domain.HistoryRecord{}, fmt.Errorf("record %s field %s: %w", result.Key, field.name, err)
		}
		result.Fields[field.name] = []domain.Entry{{Timestamp: created, Value: value}}
	}
	return result, nil
}

func convertSeries(series map[string]domain.Value, accessor fieldaccess.Accessor) ([]domain.Entry, error) {
	entries := make([]domain.Entry, 0, len(series))
	for timestamp, value := range series {
		converted, err := accessor.Convert(value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, domain.Entry{Timestamp: timestamp, Value: converted})
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []domain.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return timeutil.Compare(entries[i].Timestamp, entries[j].Timestamp) < 0
	})
}
