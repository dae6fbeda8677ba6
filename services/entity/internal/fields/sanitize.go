package fields

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/redbco/redb-entities/pkg/adapter"
)

// Sanitize normalizes a raw value for its declared type. It never fails: values
// it cannot normalize are returned unchanged for validation to judge.
func Sanitize(raw any, t FieldType) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		s := cleanString(v)
		if t == TypeBoolean {
			return strings.ToLower(s)
		}
		return s
	case float64:
		return clampNumber(v)
	case float32:
		return clampNumber(float64(v))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		f, _ := adapter.ToFloat(v)
		return clampNumber(f)
	case []string:
		if t == TypeMultiSelect {
			return sanitizeSelections(toAnySlice(v))
		}
		return v
	case []any:
		if t == TypeMultiSelect {
			return sanitizeSelections(v)
		}
		return v
	}
	return raw
}

// SanitizeValues sanitizes every value that has a definition; others pass unchanged
func SanitizeValues(data map[string]any, defs []Definition) map[string]any {
	index := Index(defs)
	out := make(map[string]any, len(data))
	for k, v := range data {
		if d, ok := index[k]; ok {
			out[k] = Sanitize(v, d.FieldType)
			continue
		}
		out[k] = v
	}
	return out
}

func cleanString(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxStringLength {
		s = string([]rune(s)[:MaxStringLength])
	}
	return s
}

func clampNumber(f float64) float64 {
	switch {
	case math.IsNaN(f):
		return f
	case f > MaxSafeInteger:
		return MaxSafeInteger
	case f < -MaxSafeInteger:
		return -MaxSafeInteger
	}
	return f
}

func sanitizeSelections(items []any) []any {
	seen := make(map[string]bool, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			out = append(out, item)
			continue
		}
		s = cleanString(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []any:
		return len(x) == 0
	case []string:
		return len(x) == 0
	}
	return false
}
