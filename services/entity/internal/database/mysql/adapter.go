// Package mysql is the MySQL/MariaDB storage adapter. MySQL has no RETURNING,
// so writes read the row back by id.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/services/entity/internal/database/common"
)

const dialect = common.MySQL

// Adapter implements adapter.Adapter for MySQL
type Adapter struct {
	cfg adapter.Config
	dsn *mysql.Config

	mu sync.RWMutex
	db *sql.DB
}

// NewAdapter validates the DSN and returns an unconnected adapter. A per-call
// credential replaces the DSN password.
func NewAdapter(cfg adapter.Config) (adapter.Adapter, error) {
	if err := cfg.Require(adapter.ParamConnectionString); err != nil {
		return nil, err
	}
	dsn, err := mysql.ParseDSN(cfg.ConnectionString)
	if err != nil {
		return nil, &adapter.ConfigurationError{
			Backend: adapter.MySQL,
			Field:   adapter.ParamConnectionString,
			Reason:  "unparsable DSN",
			Cause:   err,
		}
	}
	dsn.ParseTime = true
	if cfg.Credential != "" {
		dsn.Passwd = cfg.Credential
	}
	return &Adapter{cfg: cfg, dsn: dsn}, nil
}

func (a *Adapter) Backend() adapter.BackendType {
	return adapter.MySQL
}

func (a *Adapter) Connect(ctx context.Context) error {
	db, err := sql.Open("mysql", a.dsn.FormatDSN())
	if err != nil {
		return adapter.NewConnectionError(adapter.MySQL, a.dsn.Addr, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return adapter.NewConnectionError(adapter.MySQL, a.dsn.Addr, classify(err))
	}

	a.mu.Lock()
	a.db = db
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	return err
}

func (a *Adapter) getDB() (*sql.DB, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.db == nil {
		return nil, adapter.ErrNotConnected
	}
	return a.db, nil
}

// classify maps MySQL error numbers onto the adapter sentinels
func classify(err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case 1044, 1142, 1143, 1227:
		return fmt.Errorf("%w: %s", adapter.ErrPermissionDenied, myErr.Message)
	case 1045:
		return fmt.Errorf("%w: %s", adapter.ErrAuthenticationFailed, myErr.Message)
	}
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, adapter.ErrInvalidQuery) || errors.Is(err, adapter.ErrNotConnected) {
		return err
	}
	return adapter.WrapError(adapter.MySQL, op, classify(err))
}

func (a *Adapter) query(ctx context.Context, db *sql.DB, stmt common.Statement) ([]adapter.Record, error) {
	rows, err := db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func (a *Adapter) Query(ctx context.Context, resource string, params adapter.QueryParams) ([]adapter.Record, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}
	stmt, err := dialect.Select(resource, params)
	if err != nil {
		return nil, err
	}
	recs, err := a.query(ctx, db, stmt)
	return recs, wrap("query", err)
}

func (a *Adapter) QueryOne(ctx context.Context, resource, id string) (adapter.Record, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}
	return a.readBack(ctx, db, resource, id)
}

func (a *Adapter) readBack(ctx context.Context, db *sql.DB, resource, id string) (adapter.Record, error) {
	stmt, err := dialect.SelectByID(resource, id)
	if err != nil {
		return nil, err
	}
	recs, err := a.query(ctx, db, stmt)
	if err != nil {
		return nil, wrap("query_one", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// withID returns a copy of data carrying an id, generating one when absent
func withID(data adapter.Record) (adapter.Record, string) {
	rec := data.Clone()
	if rec == nil {
		rec = adapter.Record{}
	}
	if v, ok := rec[adapter.IDField]; ok && v != nil {
		return rec, adapter.Stringify(v)
	}
	id := uuid.NewString()
	rec[adapter.IDField] = id
	return rec, id
}

func (a *Adapter) Insert(ctx context.Context, resource string, data adapter.Record) (adapter.Record, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}
	rec, id := withID(data)
	stmt, err := dialect.Insert(resource, rec)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return nil, wrap("insert", err)
	}
	return a.readBack(ctx, db, resource, id)
}

// InsertMany inserts every record in one transaction
func (a *Adapter) InsertMany(ctx context.Context, resource string, data []adapter.Record) ([]adapter.Record, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []adapter.Record{}, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("insert_many", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(data))
	for _, d := range data {
		rec, id := withID(d)
		stmt, err := dialect.Insert(resource, rec)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return nil, wrap("insert_many", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("insert_many", err)
	}

	out := make([]adapter.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := a.readBack(ctx, db, resource, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (a *Adapter) Update(ctx context.Context, resource, id string, partial adapter.Record) (adapter.Record, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}
	stmt, err := dialect.Update(resource, id, partial)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return nil, wrap("update", err)
	}
	// RowsAffected is zero for unchanged rows too, so existence is read back
	return a.readBack(ctx, db, resource, id)
}

func (a *Adapter) Upsert(ctx context.Context, resource string, data adapter.Record, conflictKeys []string) (adapter.Record, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}
	if len(conflictKeys) == 0 {
		conflictKeys = []string{adapter.IDField}
	}
	rec := data.Clone()
	if !containsKey(conflictKeys, adapter.IDField) {
		rec, _ = withID(data)
	}
	for _, k := range conflictKeys {
		if _, ok := rec[k]; !ok {
			return nil, fmt.Errorf("%w: upsert data is missing conflict key %s", adapter.ErrInvalidQuery, k)
		}
	}

	stmt, err := dialect.Upsert(resource, rec, conflictKeys)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return nil, wrap("upsert", err)
	}

	filters := make([]adapter.Filter, len(conflictKeys))
	for i, k := range conflictKeys {
		filters[i] = adapter.Filter{Field: k, Operator: adapter.OpEq, Value: rec[k]}
	}
	recs, err := a.Query(ctx, resource, adapter.QueryParams{Filters: filters, Limit: 1})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func containsKey(keys []string, k string) bool {
	for _, key := range keys {
		if key == k {
			return true
		}
	}
	return false
}

func (a *Adapter) Delete(ctx context.Context, resource, id string) (bool, error) {
	db, err := a.getDB()
	if err != nil {
		return false, err
	}
	stmt, err := dialect.Delete(resource, id)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return false, wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("delete", err)
	}
	return n > 0, nil
}

func (a *Adapter) Count(ctx context.Context, resource string, filters []adapter.Filter) (int64, error) {
	db, err := a.getDB()
	if err != nil {
		return 0, err
	}
	stmt, err := dialect.Count(resource, filters)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, prefix := range []string{"SELECT", "SHOW", "DESCRIBE", "EXPLAIN", "WITH"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

// ExecuteRaw runs SQL with ? parameters. Row-returning statements yield
// []adapter.Record; others yield rows_affected and last_insert_id.
func (a *Adapter) ExecuteRaw(ctx context.Context, query string, params ...any) (any, error) {
	db, err := a.getDB()
	if err != nil {
		return nil, err
	}
	if returnsRows(query) {
		recs, err := a.query(ctx, db, common.Statement{SQL: query, Args: params})
		if err != nil {
			return nil, wrap("execute_raw", err)
		}
		return recs, nil
	}

	res, err := db.ExecContext(ctx, query, params...)
	if err != nil {
		return nil, wrap("execute_raw", err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return map[string]any{"rows_affected": affected, "last_insert_id": lastID}, nil
}

func collectRows(rows *sql.Rows) ([]adapter.Record, error) {
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	out := []adapter.Record{}
	for rows.Next() {
		values := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}

		rec := make(adapter.Record, len(types))
		for i, ct := range types {
			rec[ct.Name()] = normalizeValue(values[i], ct.DatabaseTypeName())
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeValue decodes JSON columns and turns byte slices into strings
func normalizeValue(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if strings.EqualFold(dbType, "JSON") {
		var decoded any
		if err := json.Unmarshal(b, &decoded); err == nil {
			return decoded
		}
	}
	return string(b)
}

var _ adapter.Adapter = (*Adapter)(nil)
