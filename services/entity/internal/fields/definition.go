// Package fields validates tenant-defined extension fields. Raw input enters as
// map[string]any, is sanitized, defaulted and validated against the tenant's
// definitions, and leaves as typed Values.
package fields

import (
	"fmt"
	"regexp"
	"time"
)

// Limits enforced by the validation engine
const (
	MaxFieldsPerEntity = 100
	MaxStringLength    = 10000
	MaxJSONDepth       = 10
	MaxSafeInteger     = 1<<53 - 1
)

// FieldType is the declared type of an extension field
type FieldType string

const (
	TypeText        FieldType = "text"
	TypeNumber      FieldType = "number"
	TypeBoolean     FieldType = "boolean"
	TypeDate        FieldType = "date"
	TypeJSON        FieldType = "json"
	TypeSelect      FieldType = "select"
	TypeMultiSelect FieldType = "multiselect"
)

// Valid reports whether t is one of the seven field types
func (t FieldType) Valid() bool {
	switch t {
	case TypeText, TypeNumber, TypeBoolean, TypeDate, TypeJSON, TypeSelect, TypeMultiSelect:
		return true
	}
	return false
}

// ValidationRules are the per-field constraints
type ValidationRules struct {
	MinLength *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Options   []string `json:"options,omitempty" yaml:"options,omitempty"`
	Format    string   `json:"format,omitempty" yaml:"format,omitempty"`
}

// Definition describes one extension field of an entity for a tenant
type Definition struct {
	ID              string          `json:"id,omitempty" yaml:"id,omitempty"`
	TenantID        string          `json:"tenant_id" yaml:"tenant_id"`
	EntityTable     string          `json:"entity_table" yaml:"entity_table"`
	FieldName       string          `json:"field_name" yaml:"field_name"`
	FieldType       FieldType       `json:"field_type" yaml:"field_type"`
	DisplayName     string          `json:"display_name" yaml:"display_name"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty"`
	IsRequired      bool            `json:"is_required" yaml:"is_required"`
	IsSearchable    bool            `json:"is_searchable" yaml:"is_searchable"`
	IsFilterable    bool            `json:"is_filterable" yaml:"is_filterable"`
	IsSortable      bool            `json:"is_sortable" yaml:"is_sortable"`
	DefaultValue    any             `json:"default_value,omitempty" yaml:"default_value,omitempty"`
	ValidationRules ValidationRules `json:"validation_rules" yaml:"validation_rules"`
	UIConfig        map[string]any  `json:"ui_config,omitempty" yaml:"ui_config,omitempty"`
	IsActive        bool            `json:"is_active" yaml:"is_active"`
	CreatedAt       time.Time       `json:"created_at" yaml:"created_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at" yaml:"updated_at,omitempty"`
}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Check validates the definition itself, before it is stored
func (d Definition) Check() error {
	if !fieldNamePattern.MatchString(d.FieldName) {
		return fmt.Errorf("invalid field name %q: must be lowercase snake_case starting with a letter", d.FieldName)
	}
	if !d.FieldType.Valid() {
		return fmt.Errorf("invalid field type %q for field %s", d.FieldType, d.FieldName)
	}
	r := d.ValidationRules
	if (d.FieldType == TypeSelect || d.FieldType == TypeMultiSelect) && len(r.Options) == 0 {
		return fmt.Errorf("field %s of type %s requires options", d.FieldName, d.FieldType)
	}
	if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
		return fmt.Errorf("field %s: min is greater than max", d.FieldName)
	}
	if r.MinLength != nil && r.MaxLength != nil && *r.MinLength > *r.MaxLength {
		return fmt.Errorf("field %s: minLength is greater than maxLength", d.FieldName)
	}
	if r.Pattern != "" {
		if _, err := compilePattern(r.Pattern); err != nil {
			return fmt.Errorf("field %s: invalid pattern: %w", d.FieldName, err)
		}
	}
	if r.Format != "" {
		if _, ok := formatPatterns[r.Format]; !ok {
			return fmt.Errorf("field %s: unknown format %q", d.FieldName, r.Format)
		}
	}
	if d.HasDefault() {
		if _, errs, _ := ValidateValue(d.DefaultValue, d, Options{}); len(errs) > 0 {
			return fmt.Errorf("field %s: default value is invalid: %s", d.FieldName, errs[0].Message)
		}
	}
	return nil
}

// HasDefault reports whether a non-empty default is declared
func (d Definition) HasDefault() bool {
	return !isEmpty(d.DefaultValue)
}

// Label returns the display name, falling back to the field name
func (d Definition) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.FieldName
}

// Index maps field names to definitions
func Index(defs []Definition) map[string]Definition {
	out := make(map[string]Definition, len(defs))
	for _, d := range defs {
		out[d.FieldName] = d
	}
	return out
}

// Active returns the active definitions in input order
func Active(defs []Definition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if d.IsActive {
			out = append(out, d)
		}
	}
	return out
}
