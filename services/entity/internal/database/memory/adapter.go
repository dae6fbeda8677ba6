// Package memory is an in-process storage adapter for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/redbco/redb-entities/pkg/adapter"
)

type table struct {
	rows  map[string]adapter.Record
	order []string
}

// Store holds every tenant's records. Adapters built from the same Store
// share data, the way separate connections share a database.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*table
}

func NewStore() *Store {
	return &Store{tenants: make(map[string]map[string]*table)}
}

// Factory returns an adapter.Factory producing adapters over s
func (s *Store) Factory() adapter.Factory {
	return func(cfg adapter.Config) (adapter.Adapter, error) {
		return NewAdapter(s, cfg), nil
	}
}

// table returns the table for tenant/resource, creating it when create is set
func (s *Store) table(tenantID, resource string, create bool) *table {
	resources := s.tenants[tenantID]
	if resources == nil {
		if !create {
			return nil
		}
		resources = make(map[string]*table)
		s.tenants[tenantID] = resources
	}
	t := resources[resource]
	if t == nil && create {
		t = &table{rows: make(map[string]adapter.Record)}
		resources[resource] = t
	}
	return t
}

// Adapter implements adapter.Adapter over a Store namespace (the tenant id)
type Adapter struct {
	store     *Store
	namespace string
	connected atomic.Bool
}

func NewAdapter(store *Store, cfg adapter.Config) *Adapter {
	ns := cfg.TenantID
	if v := cfg.Options["namespace"]; v != "" {
		ns = v
	}
	return &Adapter{store: store, namespace: ns}
}

func (a *Adapter) Backend() adapter.BackendType {
	return adapter.Memory
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.connected.Store(true)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) check() error {
	if !a.connected.Load() {
		return adapter.ErrNotConnected
	}
	return nil
}

func (a *Adapter) Query(ctx context.Context, resource string, params adapter.QueryParams) ([]adapter.Record, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if err := adapter.ValidateFilters(params.Filters); err != nil {
		return nil, err
	}

	a.store.mu.RLock()
	t := a.store.table(a.namespace, resource, false)
	var matched []adapter.Record
	if t != nil {
		for _, id := range t.order {
			rec := t.rows[id]
			ok, err := adapter.MatchFilters(rec, params.Filters)
			if err != nil {
				a.store.mu.RUnlock()
				return nil, err
			}
			if ok {
				matched = append(matched, rec.Clone())
			}
		}
	}
	a.store.mu.RUnlock()

	adapter.SortRecords(matched, params.Sort)
	page := adapter.Paginate(matched, params.Limit, params.Offset)
	out := make([]adapter.Record, len(page))
	for i, rec := range page {
		out[i] = adapter.Project(rec, params.Columns)
	}
	return out, nil
}

func (a *Adapter) QueryOne(ctx context.Context, resource, id string) (adapter.Record, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()

	t := a.store.table(a.namespace, resource, false)
	if t == nil {
		return nil, nil
	}
	rec, ok := t.rows[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func recordID(rec adapter.Record) string {
	v, ok := rec[adapter.IDField]
	if !ok || v == nil {
		return ""
	}
	return adapter.Stringify(v)
}

func (a *Adapter) insertLocked(resource string, data adapter.Record) (adapter.Record, error) {
	rec := data.Clone()
	if rec == nil {
		rec = adapter.Record{}
	}
	id := recordID(rec)
	if id == "" {
		id = uuid.NewString()
	}
	rec[adapter.IDField] = id

	t := a.store.table(a.namespace, resource, true)
	if _, exists := t.rows[id]; exists {
		return nil, adapter.NewDatabaseError(adapter.Memory, "insert", fmt.Errorf("duplicate key: id %s already exists in %s", id, resource))
	}
	t.rows[id] = rec
	t.order = append(t.order, id)
	return rec.Clone(), nil
}

func (a *Adapter) Insert(ctx context.Context, resource string, data adapter.Record) (adapter.Record, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	return a.insertLocked(resource, data)
}

// InsertMany is all-or-nothing: a duplicate id aborts the batch before any write
func (a *Adapter) InsertMany(ctx context.Context, resource string, data []adapter.Record) ([]adapter.Record, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	t := a.store.table(a.namespace, resource, true)
	seen := make(map[string]bool, len(data))
	for _, rec := range data {
		id := recordID(rec)
		if id == "" {
			continue
		}
		if _, exists := t.rows[id]; exists || seen[id] {
			return nil, adapter.NewDatabaseError(adapter.Memory, "insert_many", fmt.Errorf("duplicate key: id %s", id))
		}
		seen[id] = true
	}

	out := make([]adapter.Record, 0, len(data))
	for _, rec := range data {
		inserted, err := a.insertLocked(resource, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, inserted)
	}
	return out, nil
}

func (a *Adapter) Update(ctx context.Context, resource, id string, partial adapter.Record) (adapter.Record, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	t := a.store.table(a.namespace, resource, false)
	if t == nil {
		return nil, nil
	}
	rec, ok := t.rows[id]
	if !ok {
		return nil, nil
	}
	for k, v := range partial {
		if k == adapter.IDField {
			continue
		}
		rec[k] = v
	}
	return rec.Clone(), nil
}

func (a *Adapter) Upsert(ctx context.Context, resource string, data adapter.Record, conflictKeys []string) (adapter.Record, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if len(conflictKeys) == 0 {
		conflictKeys = []string{adapter.IDField}
	}
	for _, k := range conflictKeys {
		if _, ok := data[k]; !ok {
			return nil, fmt.Errorf("%w: upsert data is missing conflict key %s", adapter.ErrInvalidQuery, k)
		}
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	t := a.store.table(a.namespace, resource, true)
	for _, id := range t.order {
		rec := t.rows[id]
		match := true
		for _, k := range conflictKeys {
			if !adapter.EqualValues(rec[k], data[k]) {
				match = false
				break
			}
		}
		if match {
			for k, v := range data {
				if k == adapter.IDField {
					continue
				}
				rec[k] = v
			}
			return rec.Clone(), nil
		}
	}
	return a.insertLocked(resource, data)
}

func (a *Adapter) Delete(ctx context.Context, resource, id string) (bool, error) {
	if err := a.check(); err != nil {
		return false, err
	}
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	t := a.store.table(a.namespace, resource, false)
	if t == nil {
		return false, nil
	}
	if _, ok := t.rows[id]; !ok {
		return false, nil
	}
	delete(t.rows, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (a *Adapter) Count(ctx context.Context, resource string, filters []adapter.Filter) (int64, error) {
	recs, err := a.Query(ctx, resource, adapter.QueryParams{Filters: filters})
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// ExecuteRaw supports "resources", which lists the namespace's resource names
func (a *Adapter) ExecuteRaw(ctx context.Context, query string, params ...any) (any, error) {
	if err := a.check(); err != nil {
		return nil, err
	}
	if query != "resources" {
		return nil, adapter.NewUnsupportedOperationError(adapter.Memory, "execute_raw", fmt.Sprintf("unknown command %q", query))
	}
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	var names []string
	for name := range a.store.tenants[a.namespace] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

var _ adapter.Adapter = (*Adapter)(nil)

