// Package common builds parameterized SQL for the relational adapters.
package common

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/redbco/redb-entities/pkg/adapter"
)

// likeEscaper makes LIKE wildcards in a substring match literal
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Dialect selects placeholder, quoting and upsert syntax
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// Statement is a SQL string with its positional arguments
type Statement struct {
	SQL  string
	Args []any
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateIdentifier accepts plain and schema-qualified names
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: invalid identifier %q", adapter.ErrInvalidQuery, name)
	}
	return nil
}

// QuoteIdentifier quotes each dot-separated part of name
func (d Dialect) QuoteIdentifier(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if d == MySQL {
			parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
		} else {
			parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
		}
	}
	return strings.Join(parts, ".")
}

func (d Dialect) placeholder(n int) string {
	if d == MySQL {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

// builder accumulates arguments so placeholders stay numbered
type builder struct {
	d    Dialect
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, b.d.encode(v))
	return b.d.placeholder(len(b.args))
}

// encode converts maps and slices to JSON text for MySQL; pgx encodes them natively
func (d Dialect) encode(v any) any {
	if d != MySQL {
		return v
	}
	switch v.(type) {
	case map[string]any, []any, adapter.Record:
		data, err := json.Marshal(v)
		if err != nil {
			return v
		}
		return string(data)
	}
	return v
}

// SortedColumns returns the record's keys in order
func SortedColumns(rec adapter.Record) []string {
	cols := make([]string, 0, len(rec))
	for k := range rec {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func (d Dialect) checkColumns(cols []string) error {
	for _, c := range cols {
		if err := ValidateIdentifier(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) where(filters []adapter.Filter) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	if err := adapter.ValidateFilters(filters); err != nil {
		return "", err
	}

	clauses := make([]string, 0, len(filters))
	for _, f := range filters {
		if err := ValidateIdentifier(f.Field); err != nil {
			return "", err
		}
		col := b.d.QuoteIdentifier(f.Field)

		var clause string
		switch f.Operator {
		case adapter.OpEq:
			if f.Value == nil {
				clause = col + " IS NULL"
			} else {
				clause = col + " = " + b.arg(f.Value)
			}
		case adapter.OpNe:
			if f.Value == nil {
				clause = col + " IS NOT NULL"
			} else {
				clause = col + " <> " + b.arg(f.Value)
			}
		case adapter.OpGt:
			clause = col + " > " + b.arg(f.Value)
		case adapter.OpGte:
			clause = col + " >= " + b.arg(f.Value)
		case adapter.OpLt:
			clause = col + " < " + b.arg(f.Value)
		case adapter.OpLte:
			clause = col + " <= " + b.arg(f.Value)
		case adapter.OpLike:
			pattern := "%" + likeEscaper.Replace(adapter.Stringify(f.Value)) + "%"
			if b.d == MySQL {
				clause = "LOWER(" + col + ") LIKE LOWER(" + b.arg(pattern) + ") ESCAPE '\\\\'"
			} else {
				clause = col + "::text ILIKE " + b.arg(pattern) + " ESCAPE '\\'"
			}
		case adapter.OpIn, adapter.OpNotIn:
			list, ok := adapter.ToSlice(f.Value)
			if !ok {
				return "", fmt.Errorf("%w: operator %s requires a list value", adapter.ErrInvalidQuery, f.Operator)
			}
			if len(list) == 0 {
				if f.Operator == adapter.OpIn {
					clause = "1 = 0"
				} else {
					clause = "1 = 1"
				}
				break
			}
			ph := make([]string, len(list))
			for i, item := range list {
				ph[i] = b.arg(item)
			}
			op := " IN ("
			if f.Operator == adapter.OpNotIn {
				op = " NOT IN ("
			}
			clause = col + op + strings.Join(ph, ", ") + ")"
		case adapter.OpIsNull:
			clause = col + " IS NULL"
		case adapter.OpIsNotNull:
			clause = col + " IS NOT NULL"
		}
		clauses = append(clauses, clause)
	}
	return " WHERE " + strings.Join(clauses, " AND "), nil
}

// Select builds a filtered, sorted and paginated query
func (d Dialect) Select(table string, p adapter.QueryParams) (Statement, error) {
	if err := ValidateIdentifier(table); err != nil {
		return Statement{}, err
	}
	if err := d.checkColumns(p.Columns); err != nil {
		return Statement{}, err
	}

	b := &builder{d: d}
	cols := "*"
	if len(p.Columns) > 0 {
		quoted := make([]string, len(p.Columns))
		for i, c := range p.Columns {
			quoted[i] = d.QuoteIdentifier(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, d.QuoteIdentifier(table))

	where, err := b.where(p.Filters)
	if err != nil {
		return Statement{}, err
	}
	sb.WriteString(where)

	if len(p.Sort) > 0 {
		orders := make([]string, len(p.Sort))
		for i, s := range p.Sort {
			if err := ValidateIdentifier(s.Field); err != nil {
				return Statement{}, err
			}
			dir := "ASC"
			if s.Desc {
				dir = "DESC"
			}
			orders[i] = d.QuoteIdentifier(s.Field) + " " + dir
		}
		sb.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	}

	switch {
	case p.Limit > 0:
		fmt.Fprintf(&sb, " LIMIT %d", p.Limit)
	case p.Offset > 0 && d == MySQL:
		// MySQL has no OFFSET without LIMIT
		sb.WriteString(" LIMIT 18446744073709551615")
	}
	if p.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", p.Offset)
	}

	return Statement{SQL: sb.String(), Args: b.args}, nil
}

// SelectByID selects one row by primary key
func (d Dialect) SelectByID(table, id string) (Statement, error) {
	return d.Select(table, adapter.QueryParams{
		Filters: []adapter.Filter{{Field: adapter.IDField, Operator: adapter.OpEq, Value: id}},
		Limit:   1,
	})
}

// Count builds a COUNT(*) query
func (d Dialect) Count(table string, filters []adapter.Filter) (Statement, error) {
	if err := ValidateIdentifier(table); err != nil {
		return Statement{}, err
	}
	b := &builder{d: d}
	where, err := b.where(filters)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: "SELECT COUNT(*) FROM " + d.QuoteIdentifier(table) + where, Args: b.args}, nil
}

func (d Dialect) returning() string {
	if d == Postgres {
		return " RETURNING *"
	}
	return ""
}

func (d Dialect) insertPrefix(table string, rec adapter.Record) (string, *builder, []string, error) {
	if err := ValidateIdentifier(table); err != nil {
		return "", nil, nil, err
	}
	if len(rec) == 0 {
		return "", nil, nil, fmt.Errorf("%w: no columns to insert", adapter.ErrInvalidQuery)
	}
	cols := SortedColumns(rec)
	if err := d.checkColumns(cols); err != nil {
		return "", nil, nil, err
	}

	b := &builder{d: d}
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = d.QuoteIdentifier(c)
		ph[i] = b.arg(rec[c])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteIdentifier(table), strings.Join(quoted, ", "), strings.Join(ph, ", "))
	return sql, b, cols, nil
}

// Insert builds a single-row insert; Postgres returns the stored row
func (d Dialect) Insert(table string, rec adapter.Record) (Statement, error) {
	sql, b, _, err := d.insertPrefix(table, rec)
	if err != nil {
		return Statement{}, err
	}
	return Statement{SQL: sql + d.returning(), Args: b.args}, nil
}

// Upsert inserts rec or updates the non-key columns on a conflictKeys collision.
// MySQL resolves conflicts on whichever unique index matches.
func (d Dialect) Upsert(table string, rec adapter.Record, conflictKeys []string) (Statement, error) {
	if len(conflictKeys) == 0 {
		conflictKeys = []string{adapter.IDField}
	}
	if err := d.checkColumns(conflictKeys); err != nil {
		return Statement{}, err
	}
	sql, b, cols, err := d.insertPrefix(table, rec)
	if err != nil {
		return Statement{}, err
	}

	isKey := make(map[string]bool, len(conflictKeys))
	for _, k := range conflictKeys {
		isKey[k] = true
	}

	var sets []string
	for _, c := range cols {
		if isKey[c] {
			continue
		}
		q := d.QuoteIdentifier(c)
		if d == MySQL {
			sets = append(sets, q+" = VALUES("+q+")")
		} else {
			sets = append(sets, q+" = EXCLUDED."+q)
		}
	}

	if d == MySQL {
		if len(sets) == 0 {
			k := d.QuoteIdentifier(conflictKeys[0])
			sets = []string{k + " = " + k}
		}
		return Statement{SQL: sql + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", "), Args: b.args}, nil
	}

	keys := make([]string, len(conflictKeys))
	for i, k := range conflictKeys {
		keys[i] = d.QuoteIdentifier(k)
	}
	conflict := " ON CONFLICT (" + strings.Join(keys, ", ") + ")"
	if len(sets) == 0 {
		conflict += " DO NOTHING"
	} else {
		conflict += " DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return Statement{SQL: sql + conflict + d.returning(), Args: b.args}, nil
}

// Update sets the partial columns on the row with id
func (d Dialect) Update(table, id string, partial adapter.Record) (Statement, error) {
	if err := ValidateIdentifier(table); err != nil {
		return Statement{}, err
	}
	cols := SortedColumns(partial)
	if err := d.checkColumns(cols); err != nil {
		return Statement{}, err
	}

	b := &builder{d: d}
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == adapter.IDField {
			continue
		}
		sets = append(sets, d.QuoteIdentifier(c)+" = "+b.arg(partial[c]))
	}
	if len(sets) == 0 {
		return Statement{}, fmt.Errorf("%w: no columns to update", adapter.ErrInvalidQuery)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		d.QuoteIdentifier(table), strings.Join(sets, ", "), d.QuoteIdentifier(adapter.IDField), b.arg(id))
	return Statement{SQL: sql + d.returning(), Args: b.args}, nil
}

// Delete removes the row with id
func (d Dialect) Delete(table, id string) (Statement, error) {
	if err := ValidateIdentifier(table); err != nil {
		return Statement{}, err
	}
	b := &builder{d: d}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", d.QuoteIdentifier(table), d.QuoteIdentifier(adapter.IDField), b.arg(id))
	return Statement{SQL: sql, Args: b.args}, nil
}
