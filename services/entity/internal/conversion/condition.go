// Package conversion turns records of one entity into records of another when
// a rule's trigger conditions hold.
package conversion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redbco/redb-entities/pkg/adapter"
)

const (
	// DefaultMaxDepth bounds condition nesting during evaluation
	DefaultMaxDepth = 32

	// trees nested deeper than this are rejected while parsing
	maxParseDepth = 64
)

// ErrConditionTooDeep is returned when a tree exceeds the evaluator depth
var ErrConditionTooDeep = errors.New("condition tree exceeds maximum depth")

// Condition is a node of a trigger tree: Simple, And or Or
type Condition interface {
	isCondition()
}

// Simple compares one field against a value
type Simple struct {
	Field    string           `json:"field"`
	Operator adapter.Operator `json:"operator"`
	Value    any              `json:"value,omitempty"`
}

// And holds when every child holds. An empty And is true.
type And []Condition

// Or holds when any child holds. An empty Or is false.
type Or []Condition

func (Simple) isCondition() {}
func (And) isCondition()    {}
func (Or) isCondition()     {}

// Trigger wraps a condition tree for JSON storage
type Trigger struct {
	Root Condition
}

// NewTrigger wraps root
func NewTrigger(root Condition) Trigger {
	return Trigger{Root: root}
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	if t.Root == nil {
		return []byte("null"), nil
	}
	return json.Marshal(toRaw(t.Root))
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Root = nil
		return nil
	}
	root, err := ParseCondition(data)
	if err != nil {
		return err
	}
	t.Root = root
	return nil
}

// ParseCondition decodes a JSON condition tree
func ParseCondition(data []byte) (Condition, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid condition JSON: %w", err)
	}
	return parseNode(raw, 1)
}

// ConditionFromValue builds a tree from an already decoded JSON value
func ConditionFromValue(raw any) (Condition, error) {
	return parseNode(raw, 1)
}

func parseNode(raw any, depth int) (Condition, error) {
	if depth > maxParseDepth {
		return nil, ErrConditionTooDeep
	}
	node, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("condition must be an object, got %T", raw)
	}

	if children, ok := node["and"]; ok {
		list, err := parseChildren("and", children, depth)
		if err != nil {
			return nil, err
		}
		return And(list), nil
	}
	if children, ok := node["or"]; ok {
		list, err := parseChildren("or", children, depth)
		if err != nil {
			return nil, err
		}
		return Or(list), nil
	}

	field, _ := node["field"].(string)
	if field == "" {
		return nil, errors.New("condition requires a field, an and list or an or list")
	}
	op, _ := node["operator"].(string)
	s := Simple{Field: field, Operator: adapter.Operator(op), Value: normalizeNumber(node["value"])}
	if !s.Operator.Valid() {
		return nil, fmt.Errorf("unknown operator %q on field %s", op, field)
	}
	return s, nil
}

func parseChildren(kind string, raw any, depth int) ([]Condition, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a list", kind)
	}
	out := make([]Condition, 0, len(items))
	for i, item := range items {
		c, err := parseNode(item, depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", kind, i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// normalizeNumber turns json.Number into float64, recursing into lists
func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeNumber(item)
		}
		return out
	}
	return v
}

func toRaw(c Condition) any {
	switch n := c.(type) {
	case Simple:
		out := map[string]any{"field": n.Field, "operator": string(n.Operator)}
		if n.Value != nil {
			out["value"] = n.Value
		}
		return out
	case And:
		return map[string]any{"and": rawChildren(n)}
	case Or:
		return map[string]any{"or": rawChildren(n)}
	}
	return nil
}

func rawChildren(children []Condition) []any {
	out := make([]any, len(children))
	for i, c := range children {
		out[i] = toRaw(c)
	}
	return out
}

// View is the record a trigger is evaluated against. Base attributes win over
// extension values; a nil base value falls through to the extension.
type View struct {
	Attributes adapter.Record
	Extensions map[string]any
}

func (v View) lookup(field string) any {
	if val, ok := v.Attributes[field]; ok && val != nil {
		return val
	}
	return v.Extensions[field]
}

// Evaluator evaluates trigger trees with a depth guard
type Evaluator struct {
	MaxDepth int
}

// NewEvaluator returns an evaluator; maxDepth <= 0 selects DefaultMaxDepth
func NewEvaluator(maxDepth int) *Evaluator {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Evaluator{MaxDepth: maxDepth}
}

// Evaluate reports whether c holds for view. A nil condition never holds.
func (e *Evaluator) Evaluate(c Condition, view View) (bool, error) {
	if c == nil {
		return false, errors.New("rule has no trigger conditions")
	}
	return e.eval(c, view, 1)
}

func (e *Evaluator) eval(c Condition, view View, depth int) (bool, error) {
	if depth > e.MaxDepth {
		return false, fmt.Errorf("%w (%d)", ErrConditionTooDeep, e.MaxDepth)
	}

	switch n := c.(type) {
	case Simple:
		rec := adapter.Record{n.Field: view.lookup(n.Field)}
		return adapter.MatchFilter(rec, adapter.Filter{Field: n.Field, Operator: n.Operator, Value: n.Value})
	case And:
		for _, child := range n {
			ok, err := e.eval(child, view, depth+1)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, child := range n {
			ok, err := e.eval(child, view, depth+1)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unsupported condition node %T", c)
}
