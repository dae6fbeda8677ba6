// Package inspect runs field validation and conversion rule previews against
// local files, without a metadata database or tenant backend.
package inspect

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/services/entity/internal/conversion"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// LoadDefinitions reads a YAML or JSON list of field definitions and checks each one
func LoadDefinitions(path string) ([]fields.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}
	var defs []fields.Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	for _, d := range defs {
		if err := d.Check(); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

// LoadObject reads a JSON object. An empty path yields an empty map.
func LoadObject(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// LoadRule reads a conversion rule written in YAML or JSON
func LoadRule(path string) (*conversion.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule: %w", err)
	}
	return ParseRule(data)
}

// ParseRule decodes YAML into the rule's JSON form so trigger conditions go
// through the same parser the service uses.
func ParseRule(data []byte) (*conversion.Rule, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	var rule conversion.Rule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	if err := rule.Check(); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Report is the outcome of checking a record. Validation describes the input as
// given; Recovered holds the values a write would persist when OK is true.
type Report struct {
	OK               bool                       `json:"ok"`
	Validation       fields.Result              `json:"validation"`
	Recovered        map[string]any             `json:"recovered,omitempty"`
	RecoveryWarnings []fields.ValidationWarning `json:"recovery_warnings,omitempty"`
	Corrected        bool                       `json:"corrected"`
	Unrecovered      []fields.ValidationError   `json:"unrecovered,omitempty"`
}

// ValidateRecord validates data against defs, then runs the write pipeline to
// report what recovery would persist.
func ValidateRecord(data map[string]any, defs []fields.Definition, opts fields.Options) Report {
	filled, defaulted := fields.ApplyDefaults(fields.SanitizeValues(data, defs), defs)
	res := fields.Validate(filled, defs, opts)
	res.Warnings = append(defaulted, res.Warnings...)

	report := Report{Validation: res}
	processed, err := fields.NewEngine(opts, nil).ProcessWrite(data, defs, faults.Scope{})
	if err != nil {
		report.Unrecovered = fields.ValidationErrors(err)
		return report
	}
	report.OK = true
	report.Recovered = processed.Raw()
	report.RecoveryWarnings = processed.Warnings
	report.Corrected = processed.Corrected
	return report
}

// PreviewRule evaluates rule against a source record and returns the mapped target
func PreviewRule(rule *conversion.Rule, record, extensions map[string]any, targetDefs []fields.Definition, maxDepth int) (*conversion.Preview, error) {
	src := conversion.Source{
		Attributes: adapter.Record(record),
		Extensions: extensions,
	}
	if id, ok := record["id"]; ok {
		src.ID = adapter.Stringify(id)
	}
	return conversion.PreviewRule(rule, src, targetDefs, maxDepth)
}
