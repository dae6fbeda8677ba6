package fields

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redbco/redb-entities/pkg/adapter"
)

// Error codes
const (
	CodeRequiredMissing = "REQUIRED_FIELD_MISSING"
	CodeInvalidType     = "INVALID_TYPE"
	CodeInvalidFormat   = "INVALID_FORMAT"
	CodeTooShort        = "VALUE_TOO_SHORT"
	CodeTooLong         = "VALUE_TOO_LONG"
	CodeTooSmall        = "VALUE_TOO_SMALL"
	CodeTooLarge        = "VALUE_TOO_LARGE"
	CodePatternMismatch = "PATTERN_MISMATCH"
	CodeInvalidOption   = "INVALID_OPTION"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeJSONTooDeep     = "JSON_TOO_DEEP"
	CodeUnknownField    = "UNKNOWN_FIELD"
	CodeFieldLimit      = "FIELD_LIMIT_EXCEEDED"
	CodeInvalidRule     = "INVALID_RULE"
)

// Warning codes
const (
	WarnDefaultApplied  = "DEFAULT_VALUE_APPLIED"
	WarnTypeCoerced     = "TYPE_COERCED"
	WarnInactiveSkipped = "INACTIVE_FIELD_SKIPPED"
	WarnPassthrough     = "UNKNOWN_FIELD_PASSTHROUGH"
	WarnValueRecovered  = "VALUE_RECOVERED"
	WarnFieldDropped    = "FIELD_DROPPED"
)

// Options control type strictness and unknown-field handling
type Options struct {
	// Strict rejects any type mismatch instead of coercing scalars
	Strict bool
	// AllowUnknown passes fields without a definition through as JSON values
	AllowUnknown bool
}

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

type ValidationWarning struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result of validating a field map. IsValid is true exactly when Errors is empty.
type Result struct {
	IsValid  bool                `json:"isValid"`
	Errors   []ValidationError   `json:"errors"`
	Warnings []ValidationWarning `json:"warnings"`
	Values   Values              `json:"-"`
}

// Messages returns the error messages in order
func (r Result) Messages() []string {
	out := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		out[i] = e.Message
	}
	return out
}

func (r *Result) fail(field, code, message string, value any) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Code: code, Message: message, Value: value})
}

func (r *Result) warn(field, code, message string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Code: code, Message: message})
}

func sortedDefinitions(defs []Definition) []Definition {
	out := append([]Definition(nil), defs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out
}

// Validate checks data against defs. Required checks run on the data as given,
// so callers apply defaults first.
func Validate(data map[string]any, defs []Definition, opts Options) Result {
	res := Result{Values: make(Values)}

	active := Active(defs)
	if len(active) > MaxFieldsPerEntity {
		res.fail("", CodeFieldLimit, fmt.Sprintf("entity declares %d active fields; the limit is %d", len(active), MaxFieldsPerEntity), nil)
	}

	index := Index(defs)
	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		d, ok := index[name]
		switch {
		case !ok && opts.AllowUnknown:
			res.warn(name, WarnPassthrough, fmt.Sprintf("%s has no definition and was passed through", name))
			res.Values[name] = JSONValue{Data: data[name]}
		case !ok:
			res.fail(name, CodeUnknownField, fmt.Sprintf("field %s is not defined for this entity", name), data[name])
		case !d.IsActive:
			res.warn(name, WarnInactiveSkipped, fmt.Sprintf("%s is inactive and was not validated", d.Label()))
		}
	}

	for _, d := range sortedDefinitions(active) {
		raw, present := data[d.FieldName]
		if !present || isEmpty(raw) {
			if d.IsRequired {
				res.fail(d.FieldName, CodeRequiredMissing, fmt.Sprintf("%s is required", d.Label()), nil)
			}
			continue
		}

		v, errs, warns := ValidateValue(raw, d, opts)
		res.Errors = append(res.Errors, errs...)
		res.Warnings = append(res.Warnings, warns...)
		if len(errs) == 0 && v != nil {
			res.Values[d.FieldName] = v
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

// ValidateValue type-checks and rule-checks one non-empty value
func ValidateValue(raw any, d Definition, opts Options) (Value, []ValidationError, []ValidationWarning) {
	var res Result
	v := coerce(raw, d, opts, &res)
	if v != nil && len(res.Errors) == 0 {
		checkRules(v, d, &res)
	}
	if len(res.Errors) > 0 {
		return nil, res.Errors, res.Warnings
	}
	return v, nil, res.Warnings
}

func typeError(res *Result, d Definition, raw any) {
	res.fail(d.FieldName, CodeInvalidType, fmt.Sprintf("%s must be a %s value", d.Label(), d.FieldType), raw)
}

func coerced(res *Result, d Definition, raw any) {
	res.warn(d.FieldName, WarnTypeCoerced, fmt.Sprintf("%s value %v was converted to %s", d.Label(), raw, d.FieldType))
}

func coerce(raw any, d Definition, opts Options, res *Result) Value {
	switch d.FieldType {
	case TypeText:
		s, ok := coerceString(raw, opts, res, d)
		if !ok {
			return nil
		}
		return TextValue(s)

	case TypeSelect:
		s, ok := coerceString(raw, opts, res, d)
		if !ok {
			return nil
		}
		return SelectValue(s)

	case TypeNumber:
		switch v := raw.(type) {
		case bool:
			if opts.Strict {
				typeError(res, d, raw)
				return nil
			}
			coerced(res, d, raw)
			if v {
				return NumberValue(1)
			}
			return NumberValue(0)
		case string:
			f, ok := adapter.ToFloat(v)
			if !ok || opts.Strict {
				typeError(res, d, raw)
				return nil
			}
			coerced(res, d, raw)
			return NumberValue(f)
		}
		f, ok := adapter.ToFloat(raw)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			typeError(res, d, raw)
			return nil
		}
		return NumberValue(f)

	case TypeBoolean:
		if b, ok := raw.(bool); ok {
			return BooleanValue(b)
		}
		if opts.Strict {
			typeError(res, d, raw)
			return nil
		}
		if b, ok := parseBool(raw); ok {
			coerced(res, d, raw)
			return BooleanValue(b)
		}
		typeError(res, d, raw)
		return nil

	case TypeDate:
		switch v := raw.(type) {
		case time.Time:
			return DateValue{Time: v}
		case string:
			if t, err := time.Parse("2006-01-02", v); err == nil {
				return DateValue{Time: t, DateOnly: true}
			}
			if t, ok := adapter.ToTime(v); ok {
				return DateValue{Time: t}
			}
			res.fail(d.FieldName, CodeInvalidFormat, fmt.Sprintf("%s must be an ISO-8601 date", d.Label()), raw)
			return nil
		}
		typeError(res, d, raw)
		return nil

	case TypeJSON:
		data := raw
		if s, ok := raw.(string); ok {
			if err := json.Unmarshal([]byte(s), &data); err != nil {
				res.fail(d.FieldName, CodeInvalidJSON, fmt.Sprintf("%s is not valid JSON: %v", d.Label(), err), raw)
				return nil
			}
		}
		if depth := jsonDepth(data); depth > MaxJSONDepth {
			res.fail(d.FieldName, CodeJSONTooDeep, fmt.Sprintf("%s is nested %d levels deep; the limit is %d", d.Label(), depth, MaxJSONDepth), nil)
			return nil
		}
		return JSONValue{Data: data}

	case TypeMultiSelect:
		switch v := raw.(type) {
		case string:
			if opts.Strict {
				typeError(res, d, raw)
				return nil
			}
			coerced(res, d, raw)
			var out MultiSelectValue
			for _, part := range strings.Split(v, ",") {
				if p := strings.TrimSpace(part); p != "" {
					out = append(out, p)
				}
			}
			return out
		case []string:
			return MultiSelectValue(append([]string(nil), v...))
		case []any:
			out := make(MultiSelectValue, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					typeError(res, d, raw)
					return nil
				}
				out = append(out, s)
			}
			return out
		}
		typeError(res, d, raw)
		return nil
	}

	res.fail(d.FieldName, CodeInvalidRule, fmt.Sprintf("%s has unknown field type %q", d.Label(), d.FieldType), nil)
	return nil
}

func coerceString(raw any, opts Options, res *Result, d Definition) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		if opts.Strict {
			typeError(res, d, raw)
			return "", false
		}
		coerced(res, d, raw)
		if f, ok := adapter.ToFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return fmt.Sprint(v), true
	}
	typeError(res, d, raw)
	return "", false
}

func parseBool(raw any) (bool, bool) {
	switch v := raw.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
	default:
		if f, ok := adapter.ToFloat(v); ok {
			switch f {
			case 1:
				return true, true
			case 0:
				return false, true
			}
		}
	}
	return false, false
}

func jsonDepth(v any) int {
	switch x := v.(type) {
	case map[string]any:
		deepest := 0
		for _, child := range x {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []any:
		deepest := 0
		for _, child := range x {
			if d := jsonDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	}
	return 0
}

func checkRules(v Value, d Definition, res *Result) {
	r := d.ValidationRules
	switch val := v.(type) {
	case TextValue:
		checkString(string(val), d, res)
	case SelectValue:
		checkString(string(val), d, res)
		if len(r.Options) > 0 && !contains(r.Options, string(val)) {
			res.fail(d.FieldName, CodeInvalidOption, fmt.Sprintf("%s must be one of %s", d.Label(), strings.Join(r.Options, ", ")), string(val))
		}
	case NumberValue:
		f := float64(val)
		if r.Min != nil && f < *r.Min {
			res.fail(d.FieldName, CodeTooSmall, fmt.Sprintf("%s must be at least %v", d.Label(), *r.Min), f)
		}
		if r.Max != nil && f > *r.Max {
			res.fail(d.FieldName, CodeTooLarge, fmt.Sprintf("%s must be at most %v", d.Label(), *r.Max), f)
		}
	case MultiSelectValue:
		if r.MinLength != nil && len(val) < *r.MinLength {
			res.fail(d.FieldName, CodeTooShort, fmt.Sprintf("%s needs at least %d selections", d.Label(), *r.MinLength), []string(val))
		}
		if r.MaxLength != nil && len(val) > *r.MaxLength {
			res.fail(d.FieldName, CodeTooLong, fmt.Sprintf("%s allows at most %d selections", d.Label(), *r.MaxLength), []string(val))
		}
		if len(r.Options) > 0 {
			for _, s := range val {
				if !contains(r.Options, s) {
					res.fail(d.FieldName, CodeInvalidOption, fmt.Sprintf("%s: %q is not an allowed option", d.Label(), s), s)
				}
			}
		}
	}
}

func checkString(s string, d Definition, res *Result) {
	r := d.ValidationRules
	n := utf8.RuneCountInString(s)

	if n > MaxStringLength {
		res.fail(d.FieldName, CodeTooLong, fmt.Sprintf("%s exceeds %d characters", d.Label(), MaxStringLength), nil)
	}
	if r.MinLength != nil && n < *r.MinLength {
		res.fail(d.FieldName, CodeTooShort, fmt.Sprintf("%s must be at least %d characters", d.Label(), *r.MinLength), s)
	}
	if r.MaxLength != nil && n > *r.MaxLength {
		res.fail(d.FieldName, CodeTooLong, fmt.Sprintf("%s must be at most %d characters", d.Label(), *r.MaxLength), s)
	}
	if r.Pattern != "" {
		re, err := compilePattern(r.Pattern)
		if err != nil {
			res.fail(d.FieldName, CodeInvalidRule, fmt.Sprintf("%s has an invalid pattern: %v", d.Label(), err), nil)
		} else if !re.MatchString(s) {
			res.fail(d.FieldName, CodePatternMismatch, fmt.Sprintf("%s does not match the required pattern", d.Label()), s)
		}
	}
	if r.Format != "" && !MatchFormat(r.Format, s) {
		res.fail(d.FieldName, CodeInvalidFormat, fmt.Sprintf("%s must be a valid %s", d.Label(), r.Format), s)
	}
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
