package conversion

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// Source is the record being converted
type Source struct {
	ID         string
	Attributes adapter.Record
	Extensions map[string]any
}

func (s Source) view() View {
	return View{Attributes: s.Attributes, Extensions: s.Extensions}
}

// Mapped is the target record produced from a source
type Mapped struct {
	Attributes               adapter.Record `json:"attributes"`
	Extensions               map[string]any `json:"extensions"`
	ConvertedFields          []string       `json:"converted_fields"`
	SkippedFields            []string       `json:"skipped_fields"`
	ConvertedExtensionFields []string       `json:"converted_extension_fields"`
	SkippedExtensionFields   []string       `json:"skipped_extension_fields"`
	Warnings                 []string       `json:"warnings"`
}

func arrow(src, dst string) string {
	return src + " → " + dst
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ApplyMapping builds the target record. targetDefs are the target entity's
// extension definitions; only active ones receive values.
func ApplyMapping(rule *Rule, src Source, targetDefs []fields.Definition) *Mapped {
	m := &Mapped{
		Attributes:               adapter.Record{},
		Extensions:               map[string]any{},
		ConvertedFields:          []string{},
		SkippedFields:            []string{},
		ConvertedExtensionFields: []string{},
		SkippedExtensionFields:   []string{},
		Warnings:                 []string{},
	}

	for _, k := range sortedKeys(rule.DefaultValues) {
		m.Attributes[k] = rule.DefaultValues[k]
	}

	for _, from := range sortedKeys(rule.FieldMapping) {
		to := rule.FieldMapping[from]
		v, ok := src.Attributes[from]
		if !ok || v == nil {
			m.SkippedFields = append(m.SkippedFields, from)
			continue
		}
		m.Attributes[to] = v
		m.ConvertedFields = append(m.ConvertedFields, arrow(from, to))
	}

	targets := fields.Index(fields.Active(targetDefs))
	mapped := make(map[string]bool, len(rule.ExtensionFieldMapping))
	for _, from := range sortedKeys(rule.ExtensionFieldMapping) {
		to := rule.ExtensionFieldMapping[from]
		mapped[from] = true
		m.copyExtension(src, from, to, targets)
	}

	if rule.ConversionSettings.CopyUnmappedExtensions {
		for _, name := range sortedKeys(src.Extensions) {
			if mapped[name] {
				continue
			}
			if _, defined := targets[name]; !defined {
				continue
			}
			if _, set := m.Extensions[name]; set {
				continue
			}
			m.copyExtension(src, name, name, targets)
		}
	}

	if link := rule.ConversionSettings.LinkSourceField; link != "" && src.ID != "" {
		m.Attributes[link] = src.ID
	}
	if rule.TargetNameTemplate != "" {
		m.Attributes[rule.ConversionSettings.nameField()] = RenderTemplate(rule.TargetNameTemplate, src.Attributes, src.Extensions)
	}
	return m
}

func (m *Mapped) copyExtension(src Source, from, to string, targets map[string]fields.Definition) {
	v, ok := src.Extensions[from]
	if !ok || v == nil {
		m.SkippedExtensionFields = append(m.SkippedExtensionFields, from)
		return
	}
	def, ok := targets[to]
	if !ok {
		m.SkippedExtensionFields = append(m.SkippedExtensionFields, from)
		m.Warnings = append(m.Warnings, fmt.Sprintf("target extension field %s is not defined", to))
		return
	}
	converted, err := coerceTo(v, def.FieldType)
	if err != nil {
		m.SkippedExtensionFields = append(m.SkippedExtensionFields, from)
		m.Warnings = append(m.Warnings, fmt.Sprintf("skipped %s: %v", arrow(from, to), err))
		return
	}
	m.Extensions[to] = converted
	m.ConvertedExtensionFields = append(m.ConvertedExtensionFields, arrow(from, to))
}

// coerceTo converts v to the representation of the target field type
func coerceTo(v any, t fields.FieldType) (any, error) {
	switch t {
	case fields.TypeText:
		switch x := v.(type) {
		case map[string]any, []any:
			b, err := json.Marshal(x)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		}
		return adapter.Stringify(v), nil
	case fields.TypeNumber:
		f, ok := adapter.ToFloat(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a number", v)
		}
		return f, nil
	case fields.TypeBoolean:
		return toBool(v)
	case fields.TypeDate:
		ts, ok := adapter.ToTime(v)
		if !ok {
			return nil, fmt.Errorf("%v is not a date", v)
		}
		return ts.UTC().Format(time.RFC3339), nil
	case fields.TypeJSON:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return parsed, nil
	case fields.TypeSelect, fields.TypeMultiSelect:
		return v, nil
	}
	return nil, fmt.Errorf("unknown field type %q", t)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off", "":
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", x)
	}
	if f, ok := adapter.ToFloat(v); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("%v is not a boolean", v)
}
