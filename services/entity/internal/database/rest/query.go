package rest

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/redbco/redb-entities/pkg/adapter"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

var operatorNames = map[adapter.Operator]string{
	adapter.OpEq:  "eq",
	adapter.OpNe:  "neq",
	adapter.OpGt:  "gt",
	adapter.OpGte: "gte",
	adapter.OpLt:  "lt",
	adapter.OpLte: "lte",
}

// quoteValue wraps list members containing reserved characters in double quotes
func quoteValue(v any) string {
	s := adapter.Stringify(v)
	if strings.ContainsAny(s, `,()"\ `) {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		return `"` + s + `"`
	}
	return s
}

// filterValue renders one filter as a PostgREST condition such as gte.18
func filterValue(f adapter.Filter) (string, error) {
	switch f.Operator {
	case adapter.OpEq, adapter.OpNe:
		if f.Value == nil {
			if f.Operator == adapter.OpEq {
				return "is.null", nil
			}
			return "not.is.null", nil
		}
		return operatorNames[f.Operator] + "." + adapter.Stringify(f.Value), nil
	case adapter.OpGt, adapter.OpGte, adapter.OpLt, adapter.OpLte:
		return operatorNames[f.Operator] + "." + adapter.Stringify(f.Value), nil
	case adapter.OpLike:
		s := adapter.Stringify(f.Value)
		// * is PostgREST's wildcard and cannot be escaped inside ilike
		if strings.Contains(s, "*") {
			return "imatch." + regexp.QuoteMeta(s), nil
		}
		return "ilike.*" + likeEscaper.Replace(s) + "*", nil
	case adapter.OpIn, adapter.OpNotIn:
		values, ok := adapter.ToSlice(f.Value)
		if !ok {
			return "", fmt.Errorf("%w: %s requires a list value", adapter.ErrInvalidQuery, f.Operator)
		}
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = quoteValue(v)
		}
		list := "in.(" + strings.Join(parts, ",") + ")"
		if f.Operator == adapter.OpNotIn {
			return "not." + list, nil
		}
		return list, nil
	case adapter.OpIsNull:
		return "is.null", nil
	case adapter.OpIsNotNull:
		return "not.is.null", nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", adapter.ErrInvalidQuery, f.Operator)
}

func checkColumn(name string) error {
	if name == "" || strings.ContainsAny(name, "&=,.()") {
		return fmt.Errorf("%w: invalid column name %q", adapter.ErrInvalidQuery, name)
	}
	return nil
}

// addFilters appends each filter as its own parameter; PostgREST ANDs repeats
func addFilters(q url.Values, filters []adapter.Filter) error {
	if err := adapter.ValidateFilters(filters); err != nil {
		return err
	}
	for _, f := range filters {
		if err := checkColumn(f.Field); err != nil {
			return err
		}
		v, err := filterValue(f)
		if err != nil {
			return err
		}
		q.Add(f.Field, v)
	}
	return nil
}

// buildQuery renders QueryParams as PostgREST query parameters
func buildQuery(params adapter.QueryParams) (url.Values, error) {
	q := url.Values{}

	selectCols := "*"
	if len(params.Columns) > 0 {
		for _, c := range params.Columns {
			if err := checkColumn(c); err != nil {
				return nil, err
			}
		}
		selectCols = strings.Join(params.Columns, ",")
	}
	q.Set("select", selectCols)

	if err := addFilters(q, params.Filters); err != nil {
		return nil, err
	}

	if len(params.Sort) > 0 {
		order := make([]string, len(params.Sort))
		for i, s := range params.Sort {
			if err := checkColumn(s.Field); err != nil {
				return nil, err
			}
			dir := "asc"
			if s.Desc {
				dir = "desc"
			}
			order[i] = s.Field + "." + dir
		}
		q.Set("order", strings.Join(order, ","))
	}
	if params.Limit > 0 {
		q.Set("limit", fmt.Sprint(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", fmt.Sprint(params.Offset))
	}
	return q, nil
}

func idQuery(id string) url.Values {
	return url.Values{adapter.IDField: []string{"eq." + id}}
}

// parseContentRange extracts the total from a header such as "0-24/3573"
func parseContentRange(header string) (int64, error) {
	i := strings.LastIndex(header, "/")
	if i < 0 || i == len(header)-1 || header[i+1:] == "*" {
		return 0, fmt.Errorf("missing total in Content-Range %q", header)
	}
	total, err := strconv.ParseInt(header[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q: %w", header, err)
	}
	return total, nil
}
