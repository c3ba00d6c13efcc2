package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindScalar
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an immutable JSON value: Null, Scalar (string, json.Number or bool),
// List or Object.
type Value struct {
	kind   Kind
	scalar any
	list   []Value
	object map[string]Value
}

// Null is the zero Value.
var Null = Value{}

// String returns a scalar string value.
func String(s string) Value {
	return Value{kind: KindScalar, scalar: s}
}

// Number returns a scalar numeric value.
func Number(n json.Number) Value {
	return Value{kind: KindScalar, scalar: n}
}

// Int returns a scalar numeric value for an integer.
func Int(n int64) Value {
	return Number(json.Number(fmt.Sprintf("%d", n)))
}

// Bool returns a scalar boolean value.
func Bool(b bool) Value {
	return Value{kind: KindScalar, scalar: b}
}

// List returns a list value holding items.
func List(items ...Value) Value {
	copied := make([]Value, len(items))
	copy(copied, items)
	return Value{kind: KindList, list: copied}
}

// Object returns an object value holding fields.
func Object(fields map[string]Value) Value {
	copied := make(map[string]Value, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return Value{kind: KindObject, object: copied}
}

// FromAny converts the output of encoding/json (decoded with UseNumber or not)
// into a Value.
func FromAny(raw any) (Value, error) {
	switch typed := raw.(type) {
	case nil:
		return Null, nil
	case Value:
		return typed, nil
	case string:
		return String(typed), nil
	case bool:
		return Bool(typed), nil
	case json.Number:
		return Number(typed), nil
	case float64:
		return Number(json.Number(formatFloat(typed))), nil
	case int:
		return Int(int64(typed)), nil
	case int64:
		return Int(typed), nil
	case []any:
		items := make([]Value, len(typed))
		for idx, item := range typed {
			converted, err := FromAny(item)
			if err != nil {
				return Null, err
			}
			items[idx] = converted
		}
		return Value{kind: KindList, list: items}, nil
	case []string:
		items := make([]Value, len(typed))
		for idx, item := range typed {
			items[idx] = String(item)
		}
		return Value{kind: KindList, list: items}, nil
	case map[string]any:
		fields := make(map[string]Value, len(typed))
		for key, item := range typed {
			converted, err := FromAny(item)
			if err != nil {
				return Null, err
			}
			fields[key] = converted
		}
		return Value{kind: KindObject, object: fields}, nil
	default:
		return Null, fmt.Errorf("unsupported value type %T", raw)
	}
}

// MustFromAny is FromAny for literals known to be valid.
func MustFromAny(raw any) Value {
	value, err := FromAny(raw)
	if err != nil {
		panic(err)
	}
	return value
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", f)
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsScalar() bool { return v.kind == KindScalar }
func (v Value) IsList() bool   { return v.kind == KindList }
func (v Value) IsObject() bool { return v.kind == KindObject }

// Scalar returns the raw scalar (string, json.Number or bool).
func (v Value) Scalar() (any, bool) {
	if v.kind != KindScalar {
		return nil, false
	}
	return v.scalar, true
}

// Str returns the string form of a string scalar.
func (v Value) Str() (string, bool) {
	if v.kind != KindScalar {
		return "", false
	}
	s, ok := v.scalar.(string)
	return s, ok
}

// Text renders scalars as plain text; other kinds render as JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindScalar:
		switch typed := v.scalar.(type) {
		case string:
			return typed
		case json.Number:
			return typed.String()
		case bool:
			if typed {
				return "true"
			}
			return "false"
		}
		return fmt.Sprintf("%v", v.scalar)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// Items returns the elements of a list value.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.list
}

// Len is the number of list elements or object fields.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.list)
	case KindObject:
		return len(v.object)
	default:
		return 0
	}
}

// Field looks up a key of an object value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindObject {
		return Null, false
	}
	field, ok := v.object[name]
	return field, ok
}

// Keys returns the sorted keys of an object value.
func (v Value) Keys() []string {
	if v.kind != KindObject {
		return nil
	}
	keys := make([]string, 0, len(v.object))
	for key := range v.object {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports structural equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindScalar:
		return scalarEqual(v.scalar, other.scalar)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for idx := range v.list {
			if !v.list[idx].Equal(other.list[idx]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.object) != len(other.object) {
			return false
		}
		for key, value := range v.object {
			otherValue, ok := other.object[key]
			if !ok || !value.Equal(otherValue) {
				return false
			}
		}
		return true
	}
	return false
}

func scalarEqual(a, b any) bool {
	an, aNum := a.(json.Number)
	bn, bNum := b.(json.Number)
	if aNum && bNum {
		if an == bn {
			return true
		}
		af, errA := an.Float64()
		bf, errB := bn.Float64()
		return errA == nil && errB == nil && af == bf
	}
	return a == b
}

// ToAny converts the value back into plain Go values.
func (v Value) ToAny() any {
	switch v.kind {
	case KindScalar:
		return v.scalar
	case KindList:
		out := make([]any, len(v.list))
		for idx, item := range v.list {
			out[idx] = item.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.object))
		for key, item := range v.object {
			out[key] = item.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindScalar:
		return json.Marshal(v.scalar)
	case KindList:
		if len(v.list) == 0 {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindObject:
		var buf bytes.Buffer
		buf.WriteByte('{')
		for idx, key := range v.Keys() {
			if idx > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			encodedValue, err := v.object[key].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(encodedValue)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown value kind %s", v.kind)
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are kept as json.Number.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	converted, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = converted
	return nil
}

// GoString keeps test failure output readable.
func (v Value) GoString() string {
	if v.kind == KindScalar {
		if s, ok := v.scalar.(string); ok {
			return fmt.Sprintf("%q", s)
		}
	}
	text := v.Text()
	if v.kind == KindNull {
		return "null"
	}
	return strings.TrimSpace(text)
}
