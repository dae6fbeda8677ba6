package adapter

import "context"

// Record is one row or document keyed by column name
type Record map[string]any

// Clone returns a shallow copy
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Operator is a filter comparison operator
type Operator string

const (
	OpEq        Operator = "eq"
	OpNe        Operator = "ne"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpLike      Operator = "like"
	OpIn        Operator = "in"
	OpNotIn     Operator = "not_in"
	OpIsNull    Operator = "is_null"
	OpIsNotNull Operator = "is_not_null"
)

// Valid reports whether op is a known operator
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpLike, OpIn, OpNotIn, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

// Filter restricts a query. Like is a case-insensitive substring match.
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Sort orders query results
type Sort struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// QueryParams are translated by each adapter into its native query form.
// A zero Limit means no limit.
type QueryParams struct {
	Filters []Filter `json:"filters,omitempty"`
	Sort    []Sort   `json:"sort,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
	Columns []string `json:"columns,omitempty"`
}

// IDField is the primary key column every adapter addresses records by
const IDField = "id"

// Adapter is the storage contract implemented by every backend family.
// Operations before Connect or after Disconnect return ErrNotConnected.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Query(ctx context.Context, resource string, params QueryParams) ([]Record, error)
	// QueryOne returns nil, nil when no record has the id
	QueryOne(ctx context.Context, resource string, id string) (Record, error)
	Insert(ctx context.Context, resource string, data Record) (Record, error)
	InsertMany(ctx context.Context, resource string, data []Record) ([]Record, error)
	// Update returns nil, nil when no record has the id
	Update(ctx context.Context, resource string, id string, partial Record) (Record, error)
	// Upsert inserts or merges on conflictKeys (default: id)
	Upsert(ctx context.Context, resource string, data Record, conflictKeys []string) (Record, error)
	Delete(ctx context.Context, resource string, id string) (bool, error)
	Count(ctx context.Context, resource string, filters []Filter) (int64, error)
	ExecuteRaw(ctx context.Context, query string, params ...any) (any, error)

	Backend() BackendType
}

// Factory builds an unconnected adapter. It validates cfg and returns a
// ConfigurationError when required parameters are missing.
type Factory func(cfg Config) (Adapter, error)
