package mongodb

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/redbco/redb-entities/pkg/adapter"
)

const mongoIDField = "_id"

// fieldName maps the record id onto _id
func fieldName(field string) string {
	if field == adapter.IDField {
		return mongoIDField
	}
	return field
}

func checkField(field string) error {
	if strings.HasPrefix(field, "$") || strings.ContainsRune(field, 0) {
		return fmt.Errorf("%w: invalid field name %q", adapter.ErrInvalidQuery, field)
	}
	return nil
}

// toFilter translates filters into a query document. Several filters are
// combined with $and so repeated fields do not overwrite each other.
func toFilter(filters []adapter.Filter) (bson.D, error) {
	if err := adapter.ValidateFilters(filters); err != nil {
		return nil, err
	}

	clauses := make(bson.A, 0, len(filters))
	for _, f := range filters {
		if err := checkField(f.Field); err != nil {
			return nil, err
		}
		clause, err := toClause(f)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}

	switch len(clauses) {
	case 0:
		return bson.D{}, nil
	case 1:
		return clauses[0].(bson.D), nil
	}
	return bson.D{{Key: "$and", Value: clauses}}, nil
}

func toClause(f adapter.Filter) (bson.D, error) {
	field := fieldName(f.Field)
	op := func(name string, v any) bson.D {
		return bson.D{{Key: field, Value: bson.D{{Key: name, Value: v}}}}
	}

	switch f.Operator {
	case adapter.OpEq:
		return bson.D{{Key: field, Value: toBSONValue(f.Value)}}, nil
	case adapter.OpNe:
		return op("$ne", toBSONValue(f.Value)), nil
	case adapter.OpGt:
		return op("$gt", f.Value), nil
	case adapter.OpGte:
		return op("$gte", f.Value), nil
	case adapter.OpLt:
		return op("$lt", f.Value), nil
	case adapter.OpLte:
		return op("$lte", f.Value), nil
	case adapter.OpLike:
		pattern := regexp.QuoteMeta(adapter.Stringify(f.Value))
		return op("$regex", bson.Regex{Pattern: pattern, Options: "i"}), nil
	case adapter.OpIn, adapter.OpNotIn:
		values, ok := adapter.ToSlice(f.Value)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires a list value", adapter.ErrInvalidQuery, f.Operator)
		}
		name := "$in"
		if f.Operator == adapter.OpNotIn {
			name = "$nin"
		}
		return op(name, bson.A(values)), nil
	case adapter.OpIsNull:
		return bson.D{{Key: field, Value: nil}}, nil
	case adapter.OpIsNotNull:
		return op("$ne", nil), nil
	}
	return nil, fmt.Errorf("%w: unknown operator %q", adapter.ErrInvalidQuery, f.Operator)
}

func toSort(sorts []adapter.Sort) (bson.D, error) {
	doc := bson.D{}
	for _, s := range sorts {
		if err := checkField(s.Field); err != nil {
			return nil, err
		}
		order := 1
		if s.Desc {
			order = -1
		}
		doc = append(doc, bson.E{Key: fieldName(s.Field), Value: order})
	}
	return doc, nil
}

func toProjection(columns []string) (bson.D, error) {
	doc := bson.D{}
	hasID := false
	for _, c := range columns {
		if err := checkField(c); err != nil {
			return nil, err
		}
		name := fieldName(c)
		hasID = hasID || name == mongoIDField
		doc = append(doc, bson.E{Key: name, Value: 1})
	}
	if len(doc) > 0 && !hasID {
		doc = append(doc, bson.E{Key: mongoIDField, Value: 0})
	}
	return doc, nil
}

// toDocument converts a record into a BSON document with id stored as _id.
// skipID leaves the id out, for $set updates.
func toDocument(rec adapter.Record, skipID bool) (bson.D, error) {
	doc := bson.D{}
	for _, k := range sortedKeys(rec) {
		if err := checkField(k); err != nil {
			return nil, err
		}
		if k == adapter.IDField || k == mongoIDField {
			if skipID {
				continue
			}
			doc = append(doc, bson.E{Key: mongoIDField, Value: rec[k]})
			continue
		}
		doc = append(doc, bson.E{Key: k, Value: toBSONValue(rec[k])})
	}
	return doc, nil
}

func toBSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		doc := bson.D{}
		for _, k := range sortedKeys(val) {
			doc = append(doc, bson.E{Key: k, Value: toBSONValue(val[k])})
		}
		return doc
	case adapter.Record:
		return toBSONValue(map[string]any(val))
	case []any:
		arr := make(bson.A, len(val))
		for i, item := range val {
			arr[i] = toBSONValue(item)
		}
		return arr
	}
	return v
}

// fromDocument converts a decoded document back into a record, exposing _id as id
func fromDocument(doc bson.M) adapter.Record {
	rec := make(adapter.Record, len(doc))
	for k, v := range doc {
		if k == mongoIDField {
			rec[adapter.IDField] = idString(v)
			continue
		}
		rec[k] = fromBSONValue(v)
	}
	return rec
}

func idString(v any) string {
	if oid, ok := v.(bson.ObjectID); ok {
		return oid.Hex()
	}
	return adapter.Stringify(v)
}

func fromBSONValue(v any) any {
	switch val := v.(type) {
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC().Format(time.RFC3339Nano)
	case bson.Decimal128:
		return val.String()
	case bson.Binary:
		return string(val.Data)
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = fromBSONValue(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = fromBSONValue(item)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = fromBSONValue(item)
		}
		return m
	case bson.A:
		arr := make([]any, len(val))
		for i, item := range val {
			arr[i] = fromBSONValue(item)
		}
		return arr
	case []any:
		arr := make([]any, len(val))
		for i, item := range val {
			arr[i] = fromBSONValue(item)
		}
		return arr
	}
	return v
}
