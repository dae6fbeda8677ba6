// Package resolver is the uniform CRUD facade over the adapter registry.
// It never caches adapters itself and never retries; every failure leaves as
// a *faults.Error.
package resolver

import (
	"context"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
)

// AdapterSource is satisfied by *adapter.Registry
type AdapterSource interface {
	GetAdapter(ctx context.Context, tenantID, resource, credential string) (adapter.Adapter, error)
}

// CallOption customizes a single resolver call
type CallOption func(*call)

type call struct {
	credential string
}

// WithCredential runs the call on a dedicated adapter built with the caller's
// bearer credential. The adapter is disconnected when the call returns.
func WithCredential(credential string) CallOption {
	return func(c *call) { c.credential = credential }
}

// ListResult is one page of records. HasMore is offset+limit < total; it is
// always false without a limit.
type ListResult struct {
	Records []adapter.Record `json:"records"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	HasMore bool             `json:"hasMore"`
}

// BulkFailure is one rejected item of CreateMany
type BulkFailure struct {
	Index int            `json:"index"`
	Data  adapter.Record `json:"data"`
	Err   *faults.Error  `json:"error"`
}

// BulkResult reports every item of CreateMany independently
type BulkResult struct {
	Created []adapter.Record `json:"created"`
	Failed  []BulkFailure    `json:"failed"`
}

// Resolver delegates every operation to the adapter for (tenant, resource)
type Resolver struct {
	source AdapterSource
	logger *logger.Logger
}

func New(source AdapterSource, log *logger.Logger) *Resolver {
	return &Resolver{source: source, logger: log}
}

// with resolves the adapter, runs fn and normalizes whatever fails
func (r *Resolver) with(ctx context.Context, tenantID, resource, op string, opts []CallOption, fn func(a adapter.Adapter) error) error {
	var c call
	for _, opt := range opts {
		opt(&c)
	}
	scope := faults.Scope{
		TenantID:    tenantID,
		EntityTable: resource,
		Context:     map[string]any{"operation": op},
	}

	a, err := r.source.GetAdapter(ctx, tenantID, resource, c.credential)
	if err != nil {
		return faults.Normalize(err, scope)
	}
	if c.credential != "" {
		defer func() {
			if err := a.Disconnect(ctx); err != nil {
				r.logger.Warnf("Failed to disconnect credentialed adapter for tenant %s: %v", tenantID, err)
			}
		}()
	}

	if err := fn(a); err != nil {
		fe := faults.Normalize(err, scope)
		r.logger.Debugf("%s on %s for tenant %s failed: %v", op, resource, tenantID, fe)
		return fe
	}
	return nil
}

// Get returns nil, nil when no record has the id
func (r *Resolver) Get(ctx context.Context, tenantID, resource, id string, opts ...CallOption) (adapter.Record, error) {
	var rec adapter.Record
	err := r.with(ctx, tenantID, resource, "get", opts, func(a adapter.Adapter) error {
		var err error
		rec, err = a.QueryOne(ctx, resource, id)
		return err
	})
	return rec, err
}

// List runs the query and a count with the same filters
func (r *Resolver) List(ctx context.Context, tenantID, resource string, params adapter.QueryParams, opts ...CallOption) (*ListResult, error) {
	var res *ListResult
	err := r.with(ctx, tenantID, resource, "list", opts, func(a adapter.Adapter) error {
		recs, err := a.Query(ctx, resource, params)
		if err != nil {
			return err
		}
		total, err := a.Count(ctx, resource, params.Filters)
		if err != nil {
			return err
		}
		if recs == nil {
			recs = []adapter.Record{}
		}
		res = &ListResult{
			Records: recs,
			Total:   total,
			Limit:   params.Limit,
			Offset:  params.Offset,
			HasMore: params.Limit > 0 && int64(params.Offset+params.Limit) < total,
		}
		return nil
	})
	return res, err
}

func (r *Resolver) Create(ctx context.Context, tenantID, resource string, data adapter.Record, opts ...CallOption) (adapter.Record, error) {
	var rec adapter.Record
	err := r.with(ctx, tenantID, resource, "create", opts, func(a adapter.Adapter) error {
		var err error
		rec, err = a.Insert(ctx, resource, data)
		return err
	})
	return rec, err
}

// CreateMany inserts items one at a time, in order, so each item's outcome is
// reported on its own. Only a failure to resolve the adapter fails the call.
func (r *Resolver) CreateMany(ctx context.Context, tenantID, resource string, data []adapter.Record, opts ...CallOption) (*BulkResult, error) {
	res := &BulkResult{Created: []adapter.Record{}, Failed: []BulkFailure{}}
	err := r.with(ctx, tenantID, resource, "create_many", opts, func(a adapter.Adapter) error {
		for i, item := range data {
			rec, err := a.Insert(ctx, resource, item)
			if err != nil {
				res.Failed = append(res.Failed, BulkFailure{
					Index: i,
					Data:  item,
					Err: faults.Normalize(err, faults.Scope{
						TenantID:    tenantID,
						EntityTable: resource,
						Context:     map[string]any{"operation": "create_many", "index": i},
					}),
				})
				continue
			}
			res.Created = append(res.Created, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(res.Failed) > 0 {
		r.logger.Warnf("Bulk create on %s for tenant %s: %d created, %d failed", resource, tenantID, len(res.Created), len(res.Failed))
	}
	return res, nil
}

// Update returns nil, nil when no record has the id
func (r *Resolver) Update(ctx context.Context, tenantID, resource, id string, partial adapter.Record, opts ...CallOption) (adapter.Record, error) {
	var rec adapter.Record
	err := r.with(ctx, tenantID, resource, "update", opts, func(a adapter.Adapter) error {
		var err error
		rec, err = a.Update(ctx, resource, id, partial)
		return err
	})
	return rec, err
}

func (r *Resolver) Upsert(ctx context.Context, tenantID, resource string, data adapter.Record, conflictKeys []string, opts ...CallOption) (adapter.Record, error) {
	var rec adapter.Record
	err := r.with(ctx, tenantID, resource, "upsert", opts, func(a adapter.Adapter) error {
		var err error
		rec, err = a.Upsert(ctx, resource, data, conflictKeys)
		return err
	})
	return rec, err
}

func (r *Resolver) Delete(ctx context.Context, tenantID, resource, id string, opts ...CallOption) (bool, error) {
	var deleted bool
	err := r.with(ctx, tenantID, resource, "delete", opts, func(a adapter.Adapter) error {
		var err error
		deleted, err = a.Delete(ctx, resource, id)
		return err
	})
	return deleted, err
}

func (r *Resolver) Count(ctx context.Context, tenantID, resource string, filters []adapter.Filter, opts ...CallOption) (int64, error) {
	var n int64
	err := r.with(ctx, tenantID, resource, "count", opts, func(a adapter.Adapter) error {
		var err error
		n, err = a.Count(ctx, resource, filters)
		return err
	})
	return n, err
}

// ExecuteRaw passes query and params through to the tenant's backend in its
// native dialect. resource selects the adapter.
func (r *Resolver) ExecuteRaw(ctx context.Context, tenantID, resource, query string, params []any, opts ...CallOption) (any, error) {
	var out any
	err := r.with(ctx, tenantID, resource, "execute_raw", opts, func(a adapter.Adapter) error {
		var err error
		out, err = a.ExecuteRaw(ctx, query, params...)
		return err
	})
	return out, err
}
