package fieldaccess

import (
	"github.com/rpattn/jiracache/internal/domain"
	"github.com/rpattn/jiracache/pkg/fieldpath"
)

// HasPath reports whether path resolves in record. Lists are walked through
// their first element; an empty list counts as present since nothing can be
// checked below it. A null value or a scalar where an object is expected
// means absent, and so does an empty path.
func HasPath(record domain.Record, path string) bool {
	segments := fieldpath.Path(path).Components()
	if len(segments) == 0 {
		return false
	}
	current := record.Root()
	for _, segment := range segments {
		if current.IsList() {
			if current.Len() == 0 {
				return true
			}
			current = current.Items()[0]
		}
		next, ok := current.Field(segment)
		if !ok || next.IsNull() {
			return false
		}
		current = next
	}
	return true
}

// Value resolves path in record. When a list is reached the remaining segment
// is read from every element and the collected list is returned. A null value
// is returned as domain.Null; a missing key is a *domain.PathError.
func Value(record domain.Record, path string) (domain.Value, error) {
	current := record.Root()
	for _, segment := range fieldpath.Path(path).Components() {
		switch {
		case current.IsNull():
			return domain.Null, nil
		case current.IsList():
			collected := make([]domain.Value, 0, current.Len())
			for _, item := range current.Items() {
				field, ok := item.Field(segment)
				if !ok {
					return domain.Null, &domain.PathError{Path: path, Segment: segment, RecordKey: record.Key()}
				}
				collected = append(collected, field)
			}
			return domain.List(collected...), nil
		}
		next, ok := current.Field(segment)
		if !ok {
			return domain.Null, &domain.PathError{Path: path, Segment: segment, RecordKey: record.Key()}
		}
		current = next
	}
	return current, nil
}

// CurrentValue reads the value selected by accessor from record and applies
// its converter. A path that is absent yields domain.Null without conversion.
func CurrentValue(record domain.Record, accessor Accessor) (domain.Value, error) {
	if !HasPath(record, accessor.Config.Path) {
		return domain.Null, nil
	}
	value, err := Value(record, accessor.Config.Path)
	if err != nil {
		return domain.Null, err
	}
	return accessor.Convert(value)
}
