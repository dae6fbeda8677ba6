package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()

	var decoded map[string]any
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	}
	return decoded, err
}

func fixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFieldsValidate(t *testing.T) {
	dir := t.TempDir()
	defs := fixture(t, dir, "defs.yaml", "- field_name: score\n  field_type: number\n  is_active: true\n  is_required: true\n")
	good := fixture(t, dir, "good.json", `{"score": "7"}`)
	bad := fixture(t, dir, "bad.json", `{"score": "seven"}`)

	out, err := run(t, "fields", "validate", "--definitions", defs, "--data", good)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, map[string]any{"score": 7.0}, out["recovered"])

	out, err = run(t, "fields", "validate", "--definitions", defs, "--data", bad)
	assert.ErrorIs(t, err, errFailed)
	assert.Equal(t, false, out["ok"])

	_, err = run(t, "fields", "validate", "--definitions", defs, "--data", good, "--strict")
	assert.ErrorIs(t, err, errFailed)
}

func TestRulesCheck(t *testing.T) {
	dir := t.TempDir()
	rule := fixture(t, dir, "rule.yaml", `
name: qualified
source_entity: leads
target_entity: opportunities
trigger_conditions: {field: stage, operator: in, value: [qualified, won]}
field_mapping: {title: name}
`)
	record := fixture(t, dir, "record.json", `{"stage": "won", "title": "Renewal"}`)

	out, err := run(t, "rules", "check", "--rule", rule, "--record", record, "--extensions", "")
	require.NoError(t, err)
	assert.Equal(t, true, out["condition_met"])
	mapped := out["mapped"].(map[string]any)
	assert.Equal(t, map[string]any{"name": "Renewal"}, mapped["attributes"])
}
