package fields

import (
	"fmt"
	"strings"

	"github.com/redbco/redb-entities/services/entity/internal/faults"
)

// CodeValidationFailed is the code of the error returned when recovery fails
const CodeValidationFailed = "VALIDATION_FAILED"

// Engine runs the sanitize, default, validate and recover pipeline
type Engine struct {
	opts    Options
	handler *faults.Handler
}

// NewEngine creates an Engine. A nil handler logs nothing.
func NewEngine(opts Options, handler *faults.Handler) *Engine {
	if handler == nil {
		handler = faults.NewHandler(nil)
	}
	return &Engine{opts: opts, handler: handler}
}

// Options returns the engine's validation options
func (e *Engine) Options() Options {
	return e.opts
}

// Processed is the trusted output of the pipeline
type Processed struct {
	Values   Values              `json:"values"`
	Warnings []ValidationWarning `json:"warnings"`
	// Corrected is true when recovery replaced or dropped at least one value
	Corrected bool `json:"corrected"`
}

// Raw returns the persisted JSON form of the values
func (p *Processed) Raw() map[string]any {
	return p.Values.Raw()
}

// ProcessWrite validates extension input for a write. It fails with a validation
// *faults.Error listing every unrecoverable message.
func (e *Engine) ProcessWrite(data map[string]any, defs []Definition, scope faults.Scope) (*Processed, error) {
	withDefaults, defaultWarnings := ApplyDefaults(SanitizeValues(data, defs), defs)

	res := Validate(withDefaults, defs, e.opts)
	if res.IsValid {
		return &Processed{Values: res.Values, Warnings: append(defaultWarnings, res.Warnings...)}, nil
	}

	repaired, recoveryWarnings, unrecovered := e.repair(withDefaults, res.Errors, defs, scope, false)
	if len(unrecovered) > 0 {
		return nil, validationFailure(unrecovered, scope)
	}

	final := Validate(repaired, defs, e.opts)
	if !final.IsValid {
		return nil, validationFailure(final.Errors, scope)
	}

	warnings := append(defaultWarnings, final.Warnings...)
	warnings = append(warnings, recoveryWarnings...)
	return &Processed{Values: final.Values, Warnings: warnings, Corrected: len(recoveryWarnings) > 0}, nil
}

// ProcessRead validates a stored extension blob leniently. Invalid or undefined
// fields are dropped with a warning; it never fails.
func (e *Engine) ProcessRead(data map[string]any, defs []Definition, scope faults.Scope) *Processed {
	opts := e.opts
	opts.AllowUnknown = false

	withDefaults, defaultWarnings := ApplyDefaults(SanitizeValues(data, defs), defs)
	res := Validate(withDefaults, defs, opts)
	if res.IsValid {
		return &Processed{Values: res.Values, Warnings: append(defaultWarnings, res.Warnings...)}
	}

	repaired, recoveryWarnings, unrecovered := e.repair(withDefaults, res.Errors, defs, scope, true)
	for _, ve := range unrecovered {
		if _, ok := repaired[ve.Field]; ok {
			delete(repaired, ve.Field)
			recoveryWarnings = append(recoveryWarnings, ValidationWarning{
				Field: ve.Field, Code: WarnFieldDropped, Message: fmt.Sprintf("dropped unreadable value: %s", ve.Message),
			})
		}
	}

	final := Validate(repaired, defs, opts)
	warnings := append(defaultWarnings, final.Warnings...)
	for _, ve := range final.Errors {
		warnings = append(warnings, ValidationWarning{Field: ve.Field, Code: ve.Code, Message: ve.Message})
	}
	warnings = append(warnings, recoveryWarnings...)
	return &Processed{Values: final.Values, Warnings: warnings, Corrected: len(recoveryWarnings) > 0}
}

func (e *Engine) repair(data map[string]any, errs []ValidationError, defs []Definition, scope faults.Scope, read bool) (map[string]any, []ValidationWarning, []ValidationError) {
	repaired := make(map[string]any, len(data))
	for k, v := range data {
		repaired[k] = v
	}

	index := Index(defs)
	handled := make(map[string]bool)
	var warnings []ValidationWarning
	var unrecovered []ValidationError

	for _, ve := range errs {
		if ve.Field != "" && handled[ve.Field] {
			continue
		}
		rec, ok := e.recoverField(ve, index, scope, read)
		if !ok {
			unrecovered = append(unrecovered, ve)
			continue
		}
		handled[ve.Field] = true

		switch rec.Action {
		case faults.ActionUseDefault, faults.ActionEmptyValue:
			if rec.Value == nil {
				delete(repaired, ve.Field)
			} else {
				repaired[ve.Field] = rec.Value
			}
			warnings = append(warnings, ValidationWarning{Field: ve.Field, Code: WarnValueRecovered, Message: rec.Message})
		default:
			delete(repaired, ve.Field)
			warnings = append(warnings, ValidationWarning{Field: ve.Field, Code: WarnFieldDropped, Message: rec.Message})
		}
	}
	return repaired, warnings, unrecovered
}

func (e *Engine) recoverField(ve ValidationError, index map[string]Definition, scope faults.Scope, read bool) (faults.Recovery, bool) {
	if ve.Field == "" {
		return faults.Recovery{}, false
	}

	scope.Field = ve.Field
	d, defined := index[ve.Field]
	if !defined {
		// Undefined fields are rejected on write and skipped on read
		if !read {
			return faults.Recovery{}, false
		}
		fe := faults.New(faults.KindFieldDefinition, ve.Code, ve.Message, faults.WithField(ve.Field))
		_, rec := e.handler.Handle(fe, scope, nil)
		return rec, rec.Recovered
	}

	info := &faults.FieldInfo{Name: d.FieldName, Required: d.IsRequired, Object: d.FieldType == TypeJSON}
	if def, ok := ConvertDefault(d); ok {
		info.HasDefault = true
		info.Default = def
	}

	kind := faults.KindValidation
	if (ve.Code == CodeInvalidJSON || ve.Code == CodeJSONTooDeep) && !info.HasDefault {
		kind = faults.KindParsing
	}
	fe := faults.New(kind, ve.Code, ve.Message, faults.WithField(ve.Field), faults.WithContext("value", ve.Value))
	_, rec := e.handler.Handle(fe, scope, info)
	return rec, rec.Recovered
}

func validationFailure(errs []ValidationError, scope faults.Scope) *faults.Error {
	msgs := make([]string, len(errs))
	for i, ve := range errs {
		msgs[i] = ve.Message
	}
	fe := faults.New(faults.KindValidation, CodeValidationFailed,
		"validation failed: "+strings.Join(msgs, "; "),
		faults.WithTenant(scope.TenantID, scope.EntityTable),
		faults.WithEntityID(scope.EntityID),
		faults.WithContext("errors", errs),
	)
	fe.Recoverable = false
	return fe
}

// ValidationErrors extracts per-field errors from a pipeline failure
func ValidationErrors(err error) []ValidationError {
	fe := faults.Normalize(err, faults.Scope{})
	if fe == nil || fe.Context == nil {
		return nil
	}
	errs, _ := fe.Context["errors"].([]ValidationError)
	return errs
}
