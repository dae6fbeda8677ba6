package fields

import (
	"strings"
	"testing"

	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func customerDefs() []Definition {
	return []Definition{
		{
			TenantID: "t1", EntityTable: "customers", FieldName: "age", FieldType: TypeNumber,
			DisplayName: "Age", DefaultValue: "18", IsActive: true,
			ValidationRules: ValidationRules{Min: floatPtr(0), Max: floatPtr(150)},
		},
		{
			TenantID: "t1", EntityTable: "customers", FieldName: "email", FieldType: TypeText,
			DisplayName: "Email", IsRequired: true, IsActive: true,
			ValidationRules: ValidationRules{Format: "email"},
		},
		{
			TenantID: "t1", EntityTable: "customers", FieldName: "tier", FieldType: TypeSelect,
			IsActive: true, ValidationRules: ValidationRules{Options: []string{"gold", "silver"}},
		},
		{
			TenantID: "t1", EntityTable: "customers", FieldName: "tags", FieldType: TypeMultiSelect,
			IsActive: true, ValidationRules: ValidationRules{Options: []string{"vip", "new", "churn"}, MaxLength: intPtr(2)},
		},
		{
			TenantID: "t1", EntityTable: "customers", FieldName: "legacy_code", FieldType: TypeText,
			IsActive: false,
		},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func warningCodes(warns []ValidationWarning) []string {
	out := make([]string, len(warns))
	for i, w := range warns {
		out[i] = w.Code
	}
	return out
}

func TestApplyDefaults(t *testing.T) {
	defs := []Definition{
		{FieldName: "age", FieldType: TypeNumber, DefaultValue: "18", IsActive: true},
	}

	out, warnings := ApplyDefaults(map[string]any{}, defs)
	assert.Equal(t, map[string]any{"age": 18.0}, out)
	require.Len(t, warnings, 1)
	assert.Equal(t, WarnDefaultApplied, warnings[0].Code)

	again, warnings := ApplyDefaults(out, defs)
	assert.Equal(t, out, again)
	assert.Empty(t, warnings)

	res := Validate(out, defs, Options{})
	assert.True(t, res.IsValid)
	assert.Equal(t, NumberValue(18), res.Values["age"])
}

func TestApplyDefaultsLeavesInputAlone(t *testing.T) {
	in := map[string]any{"age": ""}
	out, _ := ApplyDefaults(in, customerDefs())
	assert.Equal(t, "", in["age"])
	assert.Equal(t, 18.0, out["age"])
	_, hasLegacy := out["legacy_code"]
	assert.False(t, hasLegacy)
}

func TestValidate(t *testing.T) {
	defs := customerDefs()

	tests := []struct {
		name      string
		data      map[string]any
		opts      Options
		wantCodes []string
		wantWarns []string
	}{
		{
			name: "valid input",
			data: map[string]any{"email": "a@b.io", "age": 30.0, "tier": "gold", "tags": []any{"vip"}},
		},
		{
			name:      "number above max",
			data:      map[string]any{"email": "a@b.io", "age": 200.0},
			wantCodes: []string{CodeTooLarge},
		},
		{
			name:      "number below min",
			data:      map[string]any{"email": "a@b.io", "age": -1.0},
			wantCodes: []string{CodeTooSmall},
		},
		{
			name:      "required missing",
			data:      map[string]any{"age": 20.0},
			wantCodes: []string{CodeRequiredMissing},
		},
		{
			name:      "required blank string",
			data:      map[string]any{"email": "   "},
			wantCodes: []string{CodeRequiredMissing},
		},
		{
			name:      "bad email format",
			data:      map[string]any{"email": "not-an-email"},
			wantCodes: []string{CodeInvalidFormat},
		},
		{
			name:      "select option not allowed",
			data:      map[string]any{"email": "a@b.io", "tier": "bronze"},
			wantCodes: []string{CodeInvalidOption},
		},
		{
			name:      "too many selections",
			data:      map[string]any{"email": "a@b.io", "tags": []any{"vip", "new", "churn"}},
			wantCodes: []string{CodeTooLong},
		},
		{
			name:      "unknown field rejected",
			data:      map[string]any{"email": "a@b.io", "nickname": "bob"},
			wantCodes: []string{CodeUnknownField},
		},
		{
			name:      "unknown field passed through",
			data:      map[string]any{"email": "a@b.io", "nickname": "bob"},
			opts:      Options{AllowUnknown: true},
			wantWarns: []string{WarnPassthrough},
		},
		{
			name:      "inactive field skipped",
			data:      map[string]any{"email": "a@b.io", "legacy_code": 12.0},
			wantWarns: []string{WarnInactiveSkipped},
		},
		{
			name:      "numeric string coerced",
			data:      map[string]any{"email": "a@b.io", "age": "42"},
			wantWarns: []string{WarnTypeCoerced},
		},
		{
			name:      "numeric string rejected in strict mode",
			data:      map[string]any{"email": "a@b.io", "age": "42"},
			opts:      Options{Strict: true},
			wantCodes: []string{CodeInvalidType},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.data, defs, tt.opts)
			assert.Equal(t, len(tt.wantCodes) == 0, res.IsValid)
			if len(tt.wantCodes) == 0 {
				assert.Empty(t, res.Errors)
			} else {
				assert.Equal(t, tt.wantCodes, codes(res.Errors))
			}
			for _, w := range tt.wantWarns {
				assert.Contains(t, warningCodes(res.Warnings), w)
			}
		})
	}
}

func TestValidateValueTypes(t *testing.T) {
	tests := []struct {
		name     string
		def      Definition
		raw      any
		opts     Options
		want     Value
		wantCode string
	}{
		{"boolean string", Definition{FieldName: "b", FieldType: TypeBoolean}, "yes", Options{}, BooleanValue(true), ""},
		{"boolean number", Definition{FieldName: "b", FieldType: TypeBoolean}, 0.0, Options{}, BooleanValue(false), ""},
		{"boolean garbage", Definition{FieldName: "b", FieldType: TypeBoolean}, "maybe", Options{}, nil, CodeInvalidType},
		{"date only", Definition{FieldName: "d", FieldType: TypeDate}, "2024-03-01", Options{}, nil, ""},
		{"bad date", Definition{FieldName: "d", FieldType: TypeDate}, "March first", Options{}, nil, CodeInvalidFormat},
		{"json string", Definition{FieldName: "j", FieldType: TypeJSON}, `{"a":1}`, Options{}, JSONValue{Data: map[string]any{"a": 1.0}}, ""},
		{"invalid json", Definition{FieldName: "j", FieldType: TypeJSON}, `{bad`, Options{}, nil, CodeInvalidJSON},
		{"number to text", Definition{FieldName: "s", FieldType: TypeText}, 12.5, Options{}, TextValue("12.5"), ""},
		{"multiselect csv", Definition{FieldName: "m", FieldType: TypeMultiSelect}, "a, b", Options{}, MultiSelectValue{"a", "b"}, ""},
		{"pattern mismatch", Definition{FieldName: "s", FieldType: TypeText, ValidationRules: ValidationRules{Pattern: `^[A-Z]{3}$`}}, "abc", Options{}, nil, CodePatternMismatch},
		{"too short", Definition{FieldName: "s", FieldType: TypeText, ValidationRules: ValidationRules{MinLength: intPtr(3)}}, "ab", Options{}, nil, CodeTooShort},
		{"unknown type", Definition{FieldName: "x", FieldType: "currency"}, "1", Options{}, nil, CodeInvalidRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, errs, _ := ValidateValue(tt.raw, tt.def, tt.opts)
			if tt.wantCode != "" {
				require.NotEmpty(t, errs)
				assert.Equal(t, tt.wantCode, errs[0].Code)
				assert.Nil(t, v)
				return
			}
			require.Empty(t, errs)
			require.NotNil(t, v)
			if tt.want != nil {
				assert.Equal(t, tt.want, v)
			}
		})
	}
}

func TestDateValueRaw(t *testing.T) {
	v, errs, _ := ValidateValue("2024-03-01", Definition{FieldName: "d", FieldType: TypeDate}, Options{})
	require.Empty(t, errs)
	assert.Equal(t, "2024-03-01", v.Raw())

	v, errs, _ = ValidateValue("2024-03-01T10:00:00+02:00", Definition{FieldName: "d", FieldType: TypeDate}, Options{})
	require.Empty(t, errs)
	assert.Equal(t, "2024-03-01T08:00:00Z", v.Raw())
}

func TestJSONDepthLimit(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i < MaxJSONDepth+1; i++ {
		nested = map[string]any{"n": nested}
	}
	_, errs, _ := ValidateValue(nested, Definition{FieldName: "j", FieldType: TypeJSON}, Options{})
	require.Len(t, errs, 1)
	assert.Equal(t, CodeJSONTooDeep, errs[0].Code)

	var ok any = "leaf"
	for i := 0; i < MaxJSONDepth; i++ {
		ok = map[string]any{"n": ok}
	}
	_, errs, _ = ValidateValue(ok, Definition{FieldName: "j", FieldType: TypeJSON}, Options{})
	assert.Empty(t, errs)
}

func TestFieldLimit(t *testing.T) {
	defs := make([]Definition, MaxFieldsPerEntity+1)
	for i := range defs {
		defs[i] = Definition{FieldName: "f" + strings.Repeat("x", i), FieldType: TypeText, IsActive: true}
	}
	res := Validate(map[string]any{}, defs, Options{})
	assert.False(t, res.IsValid)
	assert.Equal(t, []string{CodeFieldLimit}, codes(res.Errors))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		typ  FieldType
		want any
	}{
		{"trims and strips control characters", "  he\x00llo\x07 ", TypeText, "hello"},
		{"keeps newlines", "a\nb", TypeText, "a\nb"},
		{"lowercases booleans", " TRUE ", TypeBoolean, "true"},
		{"int widened", 7, TypeNumber, 7.0},
		{"clamps large numbers", 1e20, TypeNumber, float64(MaxSafeInteger)},
		{"dedupes selections", []any{"a", " a ", "", "b"}, TypeMultiSelect, []any{"a", "b"}},
		{"nil stays nil", nil, TypeText, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.raw, tt.typ))
		})
	}

	long := strings.Repeat("é", MaxStringLength+5)
	assert.Len(t, []rune(Sanitize(long, TypeText).(string)), MaxStringLength)
}

func TestDefinitionCheck(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{"valid", Definition{FieldName: "age", FieldType: TypeNumber, DefaultValue: 3.0}, ""},
		{"bad name", Definition{FieldName: "Age", FieldType: TypeNumber}, "invalid field name"},
		{"bad type", Definition{FieldName: "age", FieldType: "int"}, "invalid field type"},
		{"select without options", Definition{FieldName: "tier", FieldType: TypeSelect}, "requires options"},
		{"min above max", Definition{FieldName: "age", FieldType: TypeNumber, ValidationRules: ValidationRules{Min: floatPtr(5), Max: floatPtr(1)}}, "min is greater"},
		{"bad pattern", Definition{FieldName: "code", FieldType: TypeText, ValidationRules: ValidationRules{Pattern: "("}}, "invalid pattern"},
		{"unknown format", Definition{FieldName: "code", FieldType: TypeText, ValidationRules: ValidationRules{Format: "isbn"}}, "unknown format"},
		{"invalid default", Definition{FieldName: "age", FieldType: TypeNumber, DefaultValue: "old", ValidationRules: ValidationRules{}}, "default value is invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Check()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFormats(t *testing.T) {
	tests := []struct {
		format string
		value  string
		want   bool
	}{
		{"email", "ops@example.com", true},
		{"email", "ops@", false},
		{"url", "https://example.com/a?b=c", true},
		{"url", "ftp://example.com", false},
		{"uuid", "123e4567-e89b-12d3-a456-426614174000", true},
		{"slug", "my-entity-1", true},
		{"slug", "My Entity", false},
		{"hex_color", "#a1b2c3", true},
		{"ipv4", "10.0.0.256", false},
		{"phone", "+1 (555) 010-9999", true},
		{"unknown", "anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchFormat(tt.format, tt.value))
		})
	}
}

func TestProcessWrite(t *testing.T) {
	engine := NewEngine(Options{}, nil)
	scope := faults.Scope{TenantID: "t1", EntityTable: "customers"}

	t.Run("defaults applied", func(t *testing.T) {
		p, err := engine.ProcessWrite(map[string]any{"email": " a@b.io "}, customerDefs(), scope)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"email": "a@b.io", "age": 18.0}, p.Raw())
		assert.Contains(t, warningCodes(p.Warnings), WarnDefaultApplied)
		assert.False(t, p.Corrected)
	})

	t.Run("out of range value falls back to default", func(t *testing.T) {
		p, err := engine.ProcessWrite(map[string]any{"email": "a@b.io", "age": 200.0}, customerDefs(), scope)
		require.NoError(t, err)
		assert.Equal(t, 18.0, p.Raw()["age"])
		assert.Contains(t, warningCodes(p.Warnings), WarnValueRecovered)
		assert.True(t, p.Corrected)
	})

	t.Run("invalid optional field dropped", func(t *testing.T) {
		p, err := engine.ProcessWrite(map[string]any{"email": "a@b.io", "tier": "bronze"}, customerDefs(), scope)
		require.NoError(t, err)
		_, ok := p.Values["tier"]
		assert.False(t, ok)
		assert.Contains(t, warningCodes(p.Warnings), WarnFieldDropped)
	})

	t.Run("missing required field fails", func(t *testing.T) {
		_, err := engine.ProcessWrite(map[string]any{"age": 20.0}, customerDefs(), scope)
		require.Error(t, err)
		assert.True(t, faults.IsKind(err, faults.KindValidation))

		var fe *faults.Error
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, CodeValidationFailed, fe.Code)
		assert.False(t, fe.Recoverable)
		assert.Equal(t, "t1", fe.TenantID)
		assert.Contains(t, fe.Message, "Email is required")

		errs := ValidationErrors(err)
		require.Len(t, errs, 1)
		assert.Equal(t, CodeRequiredMissing, errs[0].Code)
	})

	t.Run("unknown field fails", func(t *testing.T) {
		_, err := engine.ProcessWrite(map[string]any{"email": "a@b.io", "nickname": "bob"}, customerDefs(), scope)
		require.Error(t, err)
		assert.Equal(t, []string{CodeUnknownField}, codes(ValidationErrors(err)))
	})

	t.Run("unparsable required json resets to empty object", func(t *testing.T) {
		defs := []Definition{{FieldName: "profile", FieldType: TypeJSON, IsRequired: true, IsActive: true}}
		p, err := engine.ProcessWrite(map[string]any{"profile": "{oops"}, defs, scope)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{}, p.Raw()["profile"])
	})

	t.Run("unparsable optional json resets to empty object", func(t *testing.T) {
		defs := []Definition{{FieldName: "meta", FieldType: TypeJSON, IsActive: true}}
		p, err := engine.ProcessWrite(map[string]any{"meta": "{bad"}, defs, scope)
		require.NoError(t, err)
		raw := p.Raw()
		require.Contains(t, raw, "meta")
		assert.Equal(t, map[string]any{}, raw["meta"])
		assert.True(t, p.Corrected)
	})

	t.Run("output validates cleanly", func(t *testing.T) {
		p, err := engine.ProcessWrite(map[string]any{"email": "a@b.io", "age": "31", "tags": []any{"vip", "vip"}}, customerDefs(), scope)
		require.NoError(t, err)
		res := Validate(p.Raw(), customerDefs(), Options{Strict: true})
		assert.True(t, res.IsValid)
		assert.Equal(t, []any{"vip"}, p.Raw()["tags"])
	})
}

func TestProcessRead(t *testing.T) {
	engine := NewEngine(Options{AllowUnknown: true}, nil)
	defs := append(customerDefs(), Definition{FieldName: "score", FieldType: TypeNumber, IsActive: true})

	stored := map[string]any{
		"email":    "a@b.io",
		"age":      "abc",
		"score":    map[string]any{"x": 1.0},
		"nickname": "bob",
	}
	p := engine.ProcessRead(stored, defs, faults.Scope{TenantID: "t1", EntityTable: "customers"})

	raw := p.Raw()
	assert.Equal(t, "a@b.io", raw["email"])
	assert.Equal(t, 18.0, raw["age"])
	assert.NotContains(t, raw, "score")
	assert.NotContains(t, raw, "nickname")
	assert.True(t, p.Corrected)
	assert.Contains(t, warningCodes(p.Warnings), WarnFieldDropped)
}

func TestProcessReadMissingRequiredIsWarning(t *testing.T) {
	engine := NewEngine(Options{}, nil)
	p := engine.ProcessRead(map[string]any{}, customerDefs(), faults.Scope{})
	assert.Equal(t, map[string]any{"age": 18.0}, p.Raw())
	assert.Contains(t, warningCodes(p.Warnings), CodeRequiredMissing)
}
