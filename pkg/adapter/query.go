package adapter

import (
	"fmt"
	"sort"
)

// MatchFilter evaluates one filter against a record
func MatchFilter(rec Record, f Filter) (bool, error) {
	v, present := rec[f.Field]
	if !present {
		v = nil
	}

	switch f.Operator {
	case OpIsNull:
		return v == nil, nil
	case OpIsNotNull:
		return v != nil, nil
	case OpEq:
		return EqualValues(v, f.Value), nil
	case OpNe:
		return !EqualValues(v, f.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := CompareValues(v, f.Value)
		if !ok {
			return false, nil
		}
		switch f.Operator {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case OpLike:
		if v == nil {
			return false, nil
		}
		return ContainsFold(v, f.Value), nil
	case OpIn, OpNotIn:
		list, ok := ToSlice(f.Value)
		if !ok {
			return false, fmt.Errorf("%w: operator %s requires a list value", ErrInvalidQuery, f.Operator)
		}
		found := false
		for _, item := range list {
			if EqualValues(v, item) {
				found = true
				break
			}
		}
		if f.Operator == OpIn {
			return found, nil
		}
		return !found, nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Operator)
}

// MatchFilters reports whether rec satisfies every filter
func MatchFilters(rec Record, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := MatchFilter(rec, f)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// SortRecords sorts in place. Nil values sort first in ascending order.
func SortRecords(recs []Record, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, s := range sorts {
			a, b := recs[i][s.Field], recs[j][s.Field]
			var c int
			switch {
			case a == nil && b == nil:
				c = 0
			case a == nil:
				c = -1
			case b == nil:
				c = 1
			default:
				c, _ = CompareValues(a, b)
			}
			if c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// Paginate applies offset and limit. A zero limit returns everything after offset.
func Paginate(recs []Record, limit, offset int) []Record {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(recs) {
		return []Record{}
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// Project keeps only columns; an empty list keeps the whole record
func Project(rec Record, columns []string) Record {
	if len(columns) == 0 {
		return rec.Clone()
	}
	out := make(Record, len(columns))
	for _, c := range columns {
		if v, ok := rec[c]; ok {
			out[c] = v
		}
	}
	return out
}

// ValidateFilters rejects unknown operators and empty field names before translation
func ValidateFilters(filters []Filter) error {
	for _, f := range filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter field is required", ErrInvalidQuery)
		}
		if !f.Operator.Valid() {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, f.Operator)
		}
	}
	return nil
}
