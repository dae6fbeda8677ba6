package fields

import (
	"encoding/json"
	"sort"
	"time"
)

// Value is a validated extension field value. It is one of TextValue,
// NumberValue, BooleanValue, DateValue, JSONValue, SelectValue or MultiSelectValue.
type Value interface {
	Type() FieldType
	// Raw returns the JSON-compatible form that is persisted
	Raw() any
	isValue()
}

type TextValue string

func (TextValue) Type() FieldType { return TypeText }
func (v TextValue) Raw() any      { return string(v) }
func (TextValue) isValue()        {}

type NumberValue float64

func (NumberValue) Type() FieldType { return TypeNumber }
func (v NumberValue) Raw() any      { return float64(v) }
func (NumberValue) isValue()        {}

type BooleanValue bool

func (BooleanValue) Type() FieldType { return TypeBoolean }
func (v BooleanValue) Raw() any      { return bool(v) }
func (BooleanValue) isValue()        {}

// DateValue keeps whether the input carried a time component
type DateValue struct {
	Time     time.Time
	DateOnly bool
}

func (DateValue) Type() FieldType { return TypeDate }
func (v DateValue) Raw() any {
	if v.DateOnly {
		return v.Time.Format("2006-01-02")
	}
	return v.Time.UTC().Format(time.RFC3339)
}
func (DateValue) isValue() {}

// JSONValue holds decoded JSON (maps, slices and scalars)
type JSONValue struct {
	Data any
}

func (JSONValue) Type() FieldType { return TypeJSON }
func (v JSONValue) Raw() any      { return v.Data }
func (JSONValue) isValue()        {}

type SelectValue string

func (SelectValue) Type() FieldType { return TypeSelect }
func (v SelectValue) Raw() any      { return string(v) }
func (SelectValue) isValue()        {}

type MultiSelectValue []string

func (MultiSelectValue) Type() FieldType { return TypeMultiSelect }
func (v MultiSelectValue) Raw() any {
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}
func (MultiSelectValue) isValue() {}

// Values is a validated extension field map
type Values map[string]Value

// Raw converts to the persisted JSON map
func (v Values) Raw() map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		if val == nil {
			out[k] = nil
			continue
		}
		out[k] = val.Raw()
	}
	return out
}

// Names returns field names sorted
func (v Values) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON encodes the raw form
func (v Values) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Raw())
}
