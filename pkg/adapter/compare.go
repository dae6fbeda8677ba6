package adapter

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ToFloat converts numeric values and numeric strings
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

// ToTime converts time.Time values and ISO-8601 strings
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// Stringify renders a scalar for string comparison
func Stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	case time.Time:
		return s.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

// CompareValues orders a and b: numerically when both are numeric, chronologically
// when both are dates, otherwise as strings. ok is false when either side is nil.
func CompareValues(a, b any) (cmp int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}

	_, aBool := a.(bool)
	_, bBool := b.(bool)
	if aBool || bBool {
		as, bs := Stringify(a), Stringify(b)
		return strings.Compare(strings.ToLower(as), strings.ToLower(bs)), true
	}

	if af, ok := ToFloat(a); ok {
		if bf, ok := ToFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	if at, ok := ToTime(a); ok {
		if bt, ok := ToTime(b); ok {
			return at.Compare(bt), true
		}
	}

	return strings.Compare(Stringify(a), Stringify(b)), true
}

// EqualValues reports equality under CompareValues semantics. Two nils are equal.
func EqualValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a).Kind() == reflect.Slice || reflect.TypeOf(a).Kind() == reflect.Map {
		return reflect.DeepEqual(a, b)
	}
	c, ok := CompareValues(a, b)
	return ok && c == 0
}

// ContainsFold reports whether haystack contains needle, ignoring case
func ContainsFold(haystack, needle any) bool {
	return strings.Contains(strings.ToLower(Stringify(haystack)), strings.ToLower(Stringify(needle)))
}

// ToSlice converts slices of any element type to []any
func ToSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
