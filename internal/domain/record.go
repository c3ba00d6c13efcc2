package domain

import (
	"encoding/json"
	"fmt"
)

// Record is one issue as returned by the tracker: an object with `key`,
// `fields` and an optional `changelog.histories` list. Records are immutable.
type Record struct {
	root Value
}

// NewRecord wraps an object value as a record.
func NewRecord(root Value) (Record, error) {
	if !root.IsObject() {
		return Record{}, fmt.Errorf("record must be an object, got %s", root.Kind())
	}
	return Record{root: root}, nil
}

// RecordFromMap builds a record from plain Go maps, mainly for tests and fixtures.
func RecordFromMap(raw map[string]any) (Record, error) {
	value, err := FromAny(raw)
	if err != nil {
		return Record{}, err
	}
	return NewRecord(value)
}

// Root returns the whole record as a value.
func (r Record) Root() Value {
	return r.root
}

// Key returns the record key (e.g. "PROJ-42").
func (r Record) Key() string {
	key, _ := r.root.Field("key")
	return key.Text()
}

// Fields returns the `fields` object.
func (r Record) Fields() Value {
	fields, _ := r.root.Field("fields")
	return fields
}

// FieldText returns fields.<name> as text, empty when absent.
func (r Record) FieldText(name string) string {
	value, _ := r.Fields().Field(name)
	return value.Text()
}

// Created returns fields.created.
func (r Record) Created() string {
	return r.FieldText("created")
}

// ResolutionDate returns fields.resolutiondate.
func (r Record) ResolutionDate() string {
	return r.FieldText("resolutiondate")
}

// HistoryBlock is one entry of changelog.histories.
type HistoryBlock struct {
	Created string
	Items   []ChangeEvent
}

// ChangeEvent is one field transition of a history block.
type ChangeEvent struct {
	Timestamp string
	Field     string
	From      Value
	To        Value
}

// Histories returns the changelog blocks in stored order.
func (r Record) Histories() []HistoryBlock {
	changelog, ok := r.root.Field("changelog")
	if !ok {
		return nil
	}
	histories, ok := changelog.Field("histories")
	if !ok {
		return nil
	}

	blocks := make([]HistoryBlock, 0, histories.Len())
	for _, entry := range histories.Items() {
		createdValue, _ := entry.Field("created")
		block := HistoryBlock{Created: createdValue.Text()}
		items, _ := entry.Field("items")
		for _, item := range items.Items() {
			field, _ := item.Field("field")
			from, _ := item.Field("fromString")
			to, _ := item.Field("toString")
			block.Items = append(block.Items, ChangeEvent{
				Timestamp: block.Created,
				Field:     field.Text(),
				From:      from,
				To:        to,
			})
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// MarshalJSON emits the original record document.
func (r Record) MarshalJSON() ([]byte, error) {
	return r.root.MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var root Value
	if err := json.Unmarshal(data, &root); err != nil {
		return err
	}
	record, err := NewRecord(root)
	if err != nil {
		return err
	}
	*r = record
	return nil
}
