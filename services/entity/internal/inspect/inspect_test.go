package inspect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/services/entity/internal/conversion"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

const definitionsYAML = `
- field_name: budget
  field_type: number
  is_active: true
  is_required: true
  validation_rules:
    min: 0
- field_name: tier
  field_type: select
  is_active: true
  default_value: silver
  validation_rules:
    options: [gold, silver]
`

const ruleYAML = `
name: won leads become clients
is_active: true
source_entity: leads
target_entity: clients
trigger_conditions:
  and:
    - field: status
      operator: eq
      value: won
    - field: budget
      operator: gte
      value: 1000
field_mapping:
  name: company_name
extension_field_mapping:
  budget: annual_value
conversion_settings:
  link_source_field: lead_id
target_name_template: "{source.name} client"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateRecord(t *testing.T) {
	defs, err := LoadDefinitions(writeFile(t, "defs.yaml", definitionsYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	tests := []struct {
		name    string
		data    map[string]any
		opts    fields.Options
		valid   bool
		ok      bool
		errCode string
	}{
		{"coerced number", map[string]any{"budget": "1200"}, fields.Options{}, true, true, ""},
		{"strict rejects string", map[string]any{"budget": "1200"}, fields.Options{Strict: true}, false, false, fields.CodeInvalidType},
		{"missing required", map[string]any{"tier": "gold"}, fields.Options{}, false, false, fields.CodeRequiredMissing},
		{"unknown field", map[string]any{"budget": 1, "color": "red"}, fields.Options{}, false, false, fields.CodeUnknownField},
		{"unknown allowed", map[string]any{"budget": 1, "color": "red"}, fields.Options{AllowUnknown: true}, true, true, ""},
		{"invalid option recovered", map[string]any{"budget": 1, "tier": "platinum"}, fields.Options{}, false, true, fields.CodeInvalidOption},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := ValidateRecord(tt.data, defs, tt.opts)
			assert.Equal(t, tt.valid, report.Validation.IsValid)
			assert.Equal(t, tt.ok, report.OK)
			if tt.errCode != "" {
				require.NotEmpty(t, report.Validation.Errors)
				assert.Equal(t, tt.errCode, report.Validation.Errors[0].Code)
			}
			if !tt.ok {
				assert.NotEmpty(t, report.Unrecovered)
				assert.Nil(t, report.Recovered)
			}
		})
	}

	report := ValidateRecord(map[string]any{"budget": 5}, defs, fields.Options{})
	require.True(t, report.OK)
	assert.Equal(t, map[string]any{"budget": 5.0, "tier": "silver"}, report.Recovered)
	assert.Equal(t, fields.WarnDefaultApplied, report.Validation.Warnings[0].Code)

	report = ValidateRecord(map[string]any{"budget": 5, "tier": "platinum"}, defs, fields.Options{})
	require.True(t, report.OK)
	assert.True(t, report.Corrected)
	assert.Equal(t, "silver", report.Recovered["tier"])
}

func TestLoadDefinitionsRejectsBadField(t *testing.T) {
	_, err := LoadDefinitions(writeFile(t, "defs.yaml", "- field_name: Budget\n  field_type: number\n"))
	assert.Error(t, err)

	_, err = LoadDefinitions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPreviewRule(t *testing.T) {
	rule, err := LoadRule(writeFile(t, "rule.yaml", ruleYAML))
	require.NoError(t, err)
	assert.Equal(t, conversion.And{
		conversion.Simple{Field: "status", Operator: adapter.OpEq, Value: "won"},
		conversion.Simple{Field: "budget", Operator: adapter.OpGte, Value: 1000.0},
	}, rule.TriggerConditions.Root)

	targetDefs := []fields.Definition{{FieldName: "annual_value", FieldType: fields.TypeNumber, IsActive: true}}
	record := map[string]any{"id": "lead-9", "status": "won", "name": "Acme"}

	p, err := PreviewRule(rule, record, map[string]any{"budget": "2500"}, targetDefs, 0)
	require.NoError(t, err)
	require.True(t, p.ConditionMet)
	assert.Equal(t, adapter.Record{
		"company_name": "Acme",
		"lead_id":      "lead-9",
		"name":         "Acme client",
	}, p.Mapped.Attributes)
	assert.Equal(t, map[string]any{"annual_value": 2500.0}, p.Mapped.Extensions)

	p, err = PreviewRule(rule, record, map[string]any{"budget": 10}, targetDefs, 0)
	require.NoError(t, err)
	assert.False(t, p.ConditionMet)
	assert.Nil(t, p.Mapped)
}

func TestParseRuleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"not yaml", "name: [unclosed"},
		{"unknown operator", "name: x\nsource_entity: a\ntarget_entity: b\ntrigger_conditions: {field: s, operator: near}\n"},
		{"missing trigger", "name: x\nsource_entity: a\ntarget_entity: b\n"},
		{"same entities", "name: x\nsource_entity: a\ntarget_entity: a\ntrigger_conditions: {and: []}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRule([]byte(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestLoadObject(t *testing.T) {
	obj, err := LoadObject("")
	require.NoError(t, err)
	assert.Empty(t, obj)

	obj, err = LoadObject(writeFile(t, "rec.json", `{"status":"won"}`))
	require.NoError(t, err)
	assert.Equal(t, "won", obj["status"])

	_, err = LoadObject(writeFile(t, "bad.json", `[1]`))
	assert.Error(t, err)
}
