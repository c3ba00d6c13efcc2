package domain

import (
	"bytes"
	"encoding/json"
	"sort"
)

// FieldHistory maps a changelog field name to its timestamp → value series.
// Map order carries no meaning; consumers sort by timestamp.
type FieldHistory map[string]map[string]Value

// Set records value at timestamp for field, overwriting an earlier entry.
func (h FieldHistory) Set(field, timestamp string, value Value) {
	series, ok := h[field]
	if !ok {
		series = make(map[string]Value)
		h[field] = series
	}
	series[timestamp] = value
}

// FieldAccessConfig describes how to read one field: an optional converter
// identifier, a property path and an optional converter argument.
type FieldAccessConfig struct {
	Converter string `json:"converter,omitempty"`
	Path      string `json:"path"`
	Arg       string `json:"arg,omitempty"`
}

// Entry is one point of a field time series.
type Entry struct {
	Timestamp string
	Value     Value
}

// MarshalJSON renders the entry as a single-key object {timestamp: value}.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]Value{e.Timestamp: e.Value})
}

// UnmarshalJSON implements json.Unmarshaler for the single-key object form.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for timestamp, value := range raw {
		e.Timestamp = timestamp
		e.Value = value
	}
	return nil
}

// HistoryRecord is the assembled history of one record.
type HistoryRecord struct {
	Key            string
	Created        string
	ResolutionDate string
	Fields         map[string][]Entry
}

// FieldNames returns the configured field names in sorted order.
func (h HistoryRecord) FieldNames() []string {
	names := make([]string, 0, len(h.Fields))
	for name := range h.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON flattens the record: key, created, resolutiondate and one key per field.
func (h HistoryRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(h.Fields)+3)
	for name, entries := range h.Fields {
		if entries == nil {
			entries = []Entry{}
		}
		out[name] = entries
	}
	out["key"] = h.Key
	out["created"] = h.Created
	out["resolutiondate"] = nullableString(h.ResolutionDate)
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler for the flat form.
func (h *HistoryRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	h.Fields = make(map[string][]Entry)
	for name, payload := range raw {
		switch name {
		case "key":
			if err := json.Unmarshal(payload, &h.Key); err != nil {
				return err
			}
		case "created":
			if err := json.Unmarshal(payload, &h.Created); err != nil {
				return err
			}
		case "resolutiondate":
			var resolved *string
			if err := json.Unmarshal(payload, &resolved); err != nil {
				return err
			}
			if resolved != nil {
				h.ResolutionDate = *resolved
			}
		default:
			var entries []Entry
			if err := json.Unmarshal(payload, &entries); err != nil {
				return err
			}
			h.Fields[name] = entries
		}
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
