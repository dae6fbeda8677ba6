package fields

import "fmt"

// ConvertDefault returns the declared default converted to the field's type
func ConvertDefault(d Definition) (any, bool) {
	if !d.HasDefault() {
		return nil, false
	}
	v, errs, _ := ValidateValue(Sanitize(d.DefaultValue, d.FieldType), d, Options{})
	if len(errs) > 0 || v == nil {
		return d.DefaultValue, true
	}
	return v.Raw(), true
}

// ApplyDefaults fills empty fields of active definitions that declare a default.
// The input map is not modified. Applying it twice yields the same map.
func ApplyDefaults(data map[string]any, defs []Definition) (map[string]any, []ValidationWarning) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}

	var warnings []ValidationWarning
	for _, d := range sortedDefinitions(defs) {
		if !d.IsActive || !isEmpty(out[d.FieldName]) {
			continue
		}
		def, ok := ConvertDefault(d)
		if !ok {
			continue
		}
		out[d.FieldName] = def
		warnings = append(warnings, ValidationWarning{
			Field:   d.FieldName,
			Code:    WarnDefaultApplied,
			Message: fmt.Sprintf("%s was empty; default value applied", d.Label()),
		})
	}
	return out, warnings
}
