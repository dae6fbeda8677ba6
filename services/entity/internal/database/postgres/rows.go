package postgres

import (
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/redbco/redb-entities/pkg/adapter"
)

func collectRows(rows pgx.Rows) ([]adapter.Record, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []adapter.Record{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		rec := make(adapter.Record, len(fields))
		for i, fd := range fields {
			rec[fd.Name] = normalizeValue(values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeValue converts pgx driver types into JSON-friendly values
func normalizeValue(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case float32:
		return float64(x)
	}
	return v
}
