// Package postgres is the PostgreSQL storage adapter, built on pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/services/entity/internal/database/common"
)

const dialect = common.Postgres

// querier is satisfied by *pgxpool.Pool and pgx.Tx
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Adapter implements adapter.Adapter for PostgreSQL
type Adapter struct {
	cfg adapter.Config

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// NewAdapter validates cfg and returns an unconnected adapter. A per-call
// credential replaces the connection string's password.
func NewAdapter(cfg adapter.Config) (adapter.Adapter, error) {
	if err := cfg.Require(adapter.ParamConnectionString); err != nil {
		return nil, err
	}
	if _, err := pgxpool.ParseConfig(cfg.ConnectionString); err != nil {
		return nil, &adapter.ConfigurationError{
			Backend: adapter.PostgreSQL,
			Field:   adapter.ParamConnectionString,
			Reason:  "unparsable connection string",
			Cause:   err,
		}
	}
	return &Adapter{cfg: cfg}, nil
}

func (a *Adapter) Backend() adapter.BackendType {
	return adapter.PostgreSQL
}

func (a *Adapter) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(a.cfg.ConnectionString)
	if err != nil {
		return adapter.NewConfigurationError(adapter.PostgreSQL, adapter.ParamConnectionString, "unparsable connection string")
	}
	if a.cfg.Credential != "" {
		poolConfig.ConnConfig.Password = a.cfg.Credential
	}
	target := poolConfig.ConnConfig.Host

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return adapter.NewConnectionError(adapter.PostgreSQL, target, fmt.Errorf("error connecting to database: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return adapter.NewConnectionError(adapter.PostgreSQL, target, fmt.Errorf("error pinging database: %w", classify(err)))
	}

	a.mu.Lock()
	a.pool = pool
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return nil
}

func (a *Adapter) getPool() (*pgxpool.Pool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.pool == nil {
		return nil, adapter.ErrNotConnected
	}
	return a.pool, nil
}

// classify maps PostgreSQL error classes onto the adapter sentinels
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == "42501":
		return fmt.Errorf("%w: %s", adapter.ErrPermissionDenied, pgErr.Message)
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "28":
		return fmt.Errorf("%w: %s", adapter.ErrAuthenticationFailed, pgErr.Message)
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
	return adapter.WrapError(adapter.PostgreSQL, op, classify(err))
}

func queryRecords(ctx context.Context, q querier, stmt common.Statement) ([]adapter.Record, error) {
	rows, err := q.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

func first(recs []adapter.Record) adapter.Record {
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

func (a *Adapter) Query(ctx context.Context, resource string, params adapter.QueryParams) ([]adapter.Record, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}
	stmt, err := dialect.Select(resource, params)
	if err != nil {
		return nil, err
	}
	recs, err := queryRecords(ctx, pool, stmt)
	return recs, wrap("query", err)
}

func (a *Adapter) QueryOne(ctx context.Context, resource, id string) (adapter.Record, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}
	stmt, err := dialect.SelectByID(resource, id)
	if err != nil {
		return nil, err
	}
	recs, err := queryRecords(ctx, pool, stmt)
	if err != nil {
		return nil, wrap("query_one", err)
	}
	return first(recs), nil
}

func (a *Adapter) Insert(ctx context.Context, resource string, data adapter.Record) (adapter.Record, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}
	stmt, err := dialect.Insert(resource, data)
	if err != nil {
		return nil, err
	}
	recs, err := queryRecords(ctx, pool, stmt)
	if err != nil {
		return nil, wrap("insert", err)
	}
	return first(recs), nil
}

// InsertMany inserts every record in one transaction
func (a *Adapter) InsertMany(ctx context.Context, resource string, data []adapter.Record) ([]adapter.Record, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []adapter.Record{}, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, wrap("insert_many", err)
	}
	defer tx.Rollback(ctx)

	out := make([]adapter.Record, 0, len(data))
	for _, rec := range data {
		stmt, err := dialect.Insert(resource, rec)
		if err != nil {
			return nil, err
		}
		recs, err := queryRecords(ctx, tx, stmt)
		if err != nil {
			return nil, wrap("insert_many", err)
		}
		out = append(out, first(recs))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("insert_many", err)
	}
	return out, nil
}

func (a *Adapter) Update(ctx context.Context, resource, id string, partial adapter.Record) (adapter.Record, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}
	stmt, err := dialect.Update(resource, id, partial)
	if err != nil {
		return nil, err
	}
	recs, err := queryRecords(ctx, pool, stmt)
	if err != nil {
		return nil, wrap("update", err)
	}
	return first(recs), nil
}

func (a *Adapter) Upsert(ctx context.Context, resource string, data adapter.Record, conflictKeys []string) (adapter.Record, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}
	if len(conflictKeys) == 0 {
		conflictKeys = []string{adapter.IDField}
	}
	stmt, err := dialect.Upsert(resource, data, conflictKeys)
	if err != nil {
		return nil, err
	}
	recs, err := queryRecords(ctx, pool, stmt)
	if err != nil {
		return nil, wrap("upsert", err)
	}
	if rec := first(recs); rec != nil {
		return rec, nil
	}

	// DO NOTHING returns no row; read the existing one back
	filters := make([]adapter.Filter, len(conflictKeys))
	for i, k := range conflictKeys {
		filters[i] = adapter.Filter{Field: k, Operator: adapter.OpEq, Value: data[k]}
	}
	recs, err = a.Query(ctx, resource, adapter.QueryParams{Filters: filters, Limit: 1})
	if err != nil {
		return nil, err
	}
	return first(recs), nil
}

func (a *Adapter) Delete(ctx context.Context, resource, id string) (bool, error) {
	pool, err := a.getPool()
	if err != nil {
		return false, err
	}
	stmt, err := dialect.Delete(resource, id)
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return false, wrap("delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (a *Adapter) Count(ctx context.Context, resource string, filters []adapter.Filter) (int64, error) {
	pool, err := a.getPool()
	if err != nil {
		return 0, err
	}
	stmt, err := dialect.Count(resource, filters)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := pool.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, wrap("count", err)
	}
	return n, nil
}

// ExecuteRaw runs SQL with positional parameters. Statements returning rows
// yield []adapter.Record; others yield {"rows_affected": n}.
func (a *Adapter) ExecuteRaw(ctx context.Context, query string, params ...any) (any, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, params...)
	if err != nil {
		return nil, wrap("execute_raw", err)
	}
	if len(rows.FieldDescriptions()) == 0 {
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, wrap("execute_raw", err)
		}
		return map[string]any{"rows_affected": rows.CommandTag().RowsAffected()}, nil
	}
	recs, err := collectRows(rows)
	if err != nil {
		return nil, wrap("execute_raw", err)
	}
	return recs, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
