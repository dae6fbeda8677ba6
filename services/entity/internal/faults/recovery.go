package faults

import (
	"strings"
)

// Action is what a successful recovery asks the caller to do
type Action string

const (
	ActionNone       Action = "none"
	ActionUseDefault Action = "use_default"
	ActionDropField  Action = "drop_field"
	ActionEmptyValue Action = "empty_value"
	ActionSkipCache  Action = "skip_cache"
	ActionSkipField  Action = "skip_field"
)

// FieldInfo describes the field an error refers to, when there is one
type FieldInfo struct {
	Name       string
	Required   bool
	HasDefault bool
	Default    any
	// Object is true for JSON fields; parsing failures on them recover to {}
	Object bool
}

// Recovery is the outcome of AttemptRecovery
type Recovery struct {
	Recovered bool
	Action    Action
	Value     any
	Message   string
}

// AttemptRecovery dispatches on the error kind. Kinds without a recovery rule
// are never recovered.
func AttemptRecovery(err error, field *FieldInfo) Recovery {
	if err == nil {
		return Recovery{Recovered: true, Action: ActionNone}
	}
	fe := Normalize(err, Scope{})

	switch fe.Kind {
	case KindValidation:
		if field == nil {
			return Recovery{Action: ActionNone, Message: "no field to recover"}
		}
		if field.HasDefault {
			return Recovery{Recovered: true, Action: ActionUseDefault, Value: field.Default,
				Message: "replaced invalid value of " + field.Name + " with its default"}
		}
		if !field.Required {
			return Recovery{Recovered: true, Action: ActionDropField,
				Message: "dropped invalid optional field " + field.Name}
		}
		return Recovery{Action: ActionNone, Message: "required field " + field.Name + " has no default"}

	case KindParsing:
		if field != nil && field.Object {
			return Recovery{Recovered: true, Action: ActionEmptyValue, Value: map[string]any{},
				Message: "reset unparsable value to an empty object"}
		}
		return Recovery{Recovered: true, Action: ActionEmptyValue, Value: nil,
			Message: "reset unparsable value to null"}

	case KindCache:
		return Recovery{Recovered: true, Action: ActionSkipCache, Message: "continuing without cache"}

	case KindFieldDefinition:
		if strings.Contains(strings.ToLower(fe.Message), "not defined") {
			return Recovery{Recovered: true, Action: ActionSkipField, Message: "skipped undefined field"}
		}
	}

	return Recovery{Action: ActionNone, Message: "no recovery for " + string(fe.Kind) + " errors"}
}
