// Package entities assembles base entity columns and validated extension
// fields for reads and writes. Extensions are persisted as one JSON column
// per row.
package entities

import (
	"encoding/json"
	"fmt"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// DefaultExtensionColumn holds the extension blob when no column is configured
const DefaultExtensionColumn = "extension_fields"

// EntityWithExtensions is a stored row split into base attributes and typed
// extension values. It is never persisted in this shape.
type EntityWithExtensions struct {
	ID         string                     `json:"id"`
	Attributes adapter.Record             `json:"attributes"`
	Extensions fields.Values              `json:"extensions"`
	Warnings   []fields.ValidationWarning `json:"warnings,omitempty"`
}

// ExtensionValues returns the extensions in their persisted JSON form
func (e *EntityWithExtensions) ExtensionValues() map[string]any {
	if e == nil {
		return map[string]any{}
	}
	return e.Extensions.Raw()
}

// MarshalJSON flattens attributes next to the extensions map
func (e *EntityWithExtensions) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Attributes)+2)
	for k, v := range e.Attributes {
		out[k] = v
	}
	out[adapter.IDField] = e.ID
	out["extensions"] = e.Extensions.Raw()
	if len(e.Warnings) > 0 {
		out["warnings"] = e.Warnings
	}
	return json.Marshal(out)
}

// Input is the caller's view of a write: base columns plus raw extension values
type Input struct {
	Attributes adapter.Record `json:"attributes"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// decodeBlob reads a stored extension column. Backends hand the blob back as a
// decoded map, JSON text or raw bytes.
func decodeBlob(v any) (map[string]any, error) {
	switch blob := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		out := make(map[string]any, len(blob))
		for k, val := range blob {
			out[k] = val
		}
		return out, nil
	case adapter.Record:
		return decodeBlob(map[string]any(blob))
	case string:
		return decodeJSON([]byte(blob))
	case []byte:
		return decodeJSON(blob)
	}
	return map[string]any{}, fmt.Errorf("extension column holds %T, not an object", v)
}

func decodeJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}, fmt.Errorf("extension column is not a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
