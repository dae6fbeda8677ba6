package entities

import (
	"context"
	"sync"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
	"github.com/redbco/redb-entities/services/entity/internal/resolver"
)

// Records is the storage facade used by the service; *resolver.Resolver satisfies it
type Records interface {
	Get(ctx context.Context, tenantID, resource, id string, opts ...resolver.CallOption) (adapter.Record, error)
	List(ctx context.Context, tenantID, resource string, params adapter.QueryParams, opts ...resolver.CallOption) (*resolver.ListResult, error)
	Create(ctx context.Context, tenantID, resource string, data adapter.Record, opts ...resolver.CallOption) (adapter.Record, error)
	Update(ctx context.Context, tenantID, resource, id string, partial adapter.Record, opts ...resolver.CallOption) (adapter.Record, error)
	Upsert(ctx context.Context, tenantID, resource string, data adapter.Record, conflictKeys []string, opts ...resolver.CallOption) (adapter.Record, error)
	Delete(ctx context.Context, tenantID, resource, id string, opts ...resolver.CallOption) (bool, error)
	Count(ctx context.Context, tenantID, resource string, filters []adapter.Filter, opts ...resolver.CallOption) (int64, error)
}

// Definitions supplies field definitions; *metadata.Store satisfies it
type Definitions interface {
	GetFieldDefinitionsForTenant(ctx context.Context, tenantID, entityTable string) ([]fields.Definition, error)
}

// EventType names the write that fired a hook
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// WriteEvent is passed to hooks after a successful write
type WriteEvent struct {
	Type        EventType
	TenantID    string
	EntityTable string
	Entity      *EntityWithExtensions
	// Credential is forwarded so hook writes run with the caller's rights
	Credential string
}

// WriteHook observes successful writes. Hooks run in registration order on the
// writer's goroutine and must not fail the write.
type WriteHook interface {
	AfterWrite(ctx context.Context, ev WriteEvent)
}

// WriteHookFunc adapts a function to WriteHook
type WriteHookFunc func(ctx context.Context, ev WriteEvent)

func (f WriteHookFunc) AfterWrite(ctx context.Context, ev WriteEvent) { f(ctx, ev) }

// Option configures a Service
type Option func(*Service)

// WithExtensionColumn overrides the column holding the extension blob
func WithExtensionColumn(name string) Option {
	return func(s *Service) { s.blobColumn = name }
}

// CallOption customizes a single call
type CallOption func(*callOptions)

type callOptions struct {
	credential string
	skipHooks  bool
}

// WithCredential runs storage calls with the caller's bearer credential
func WithCredential(credential string) CallOption {
	return func(o *callOptions) { o.credential = credential }
}

// SkipHooks suppresses write hooks; conversion writes use it so one
// conversion never triggers another.
func SkipHooks() CallOption {
	return func(o *callOptions) { o.skipHooks = true }
}

func collect(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o callOptions) resolverOpts() []resolver.CallOption {
	if o.credential == "" {
		return nil
	}
	return []resolver.CallOption{resolver.WithCredential(o.credential)}
}

// ListResult is one page of assembled entities
type ListResult struct {
	Entities []*EntityWithExtensions `json:"entities"`
	Total    int64                   `json:"total"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
	HasMore  bool                    `json:"hasMore"`
}

// BulkFailure is one rejected item of CreateMany
type BulkFailure struct {
	Index int           `json:"index"`
	Err   *faults.Error `json:"error"`
}

// BulkResult reports every CreateMany item independently
type BulkResult struct {
	Created []*EntityWithExtensions `json:"created"`
	Failed  []BulkFailure           `json:"failed"`
}

// Service reads and writes entities with extension fields
type Service struct {
	records    Records
	defs       Definitions
	engine     *fields.Engine
	blobColumn string
	logger     *logger.Logger

	mu    sync.RWMutex
	hooks []WriteHook
}

func NewService(records Records, defs Definitions, engine *fields.Engine, log *logger.Logger, opts ...Option) *Service {
	s := &Service{
		records:    records,
		defs:       defs,
		engine:     engine,
		blobColumn: DefaultExtensionColumn,
		logger:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExtensionColumn returns the blob column name
func (s *Service) ExtensionColumn() string {
	return s.blobColumn
}

// AddHook registers a hook for created and updated events
func (s *Service) AddHook(h WriteHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Service) runHooks(ctx context.Context, ev WriteEvent, o callOptions) {
	if o.skipHooks {
		return
	}
	s.mu.RLock()
	hooks := append([]WriteHook(nil), s.hooks...)
	s.mu.RUnlock()

	ev.Credential = o.credential
	for _, h := range hooks {
		h.AfterWrite(ctx, ev)
	}
}

func (s *Service) definitions(ctx context.Context, tenantID, entity string) ([]fields.Definition, error) {
	defs, err := s.defs.GetFieldDefinitionsForTenant(ctx, tenantID, entity)
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: tenantID, EntityTable: entity})
	}
	return defs, nil
}

// assemble splits a stored row and runs the lenient read pipeline over its blob
func (s *Service) assemble(rec adapter.Record, defs []fields.Definition, scope faults.Scope) *EntityWithExtensions {
	attrs := rec.Clone()
	blob := attrs[s.blobColumn]
	delete(attrs, s.blobColumn)

	id := adapter.Stringify(attrs[adapter.IDField])
	scope.EntityID = id

	raw, err := decodeBlob(blob)
	var warnings []fields.ValidationWarning
	if err != nil {
		s.logger.Warnf("Unreadable extension column on %s/%s for tenant %s: %v", scope.EntityTable, id, scope.TenantID, err)
		warnings = append(warnings, fields.ValidationWarning{Field: s.blobColumn, Code: fields.WarnFieldDropped, Message: err.Error()})
	}

	processed := s.engine.ProcessRead(raw, defs, scope)
	return &EntityWithExtensions{
		ID:         id,
		Attributes: attrs,
		Extensions: processed.Values,
		Warnings:   append(warnings, processed.Warnings...),
	}
}

// written builds the result of a write from the stored row and the values that
// were just validated, so write warnings reach the caller.
func (s *Service) written(rec adapter.Record, processed *fields.Processed) *EntityWithExtensions {
	attrs := rec.Clone()
	delete(attrs, s.blobColumn)
	return &EntityWithExtensions{
		ID:         adapter.Stringify(attrs[adapter.IDField]),
		Attributes: attrs,
		Extensions: processed.Values,
		Warnings:   processed.Warnings,
	}
}

// row merges base attributes with the validated blob
func (s *Service) row(attrs adapter.Record, processed *fields.Processed) adapter.Record {
	row := attrs.Clone()
	if row == nil {
		row = adapter.Record{}
	}
	row[s.blobColumn] = processed.Raw()
	return row
}

// Get returns nil, nil when the entity does not exist
func (s *Service) Get(ctx context.Context, tenantID, entity, id string, opts ...CallOption) (*EntityWithExtensions, error) {
	o := collect(opts)
	defs, err := s.definitions(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	rec, err := s.records.Get(ctx, tenantID, entity, id, o.resolverOpts()...)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.assemble(rec, defs, faults.Scope{TenantID: tenantID, EntityTable: entity}), nil
}

func (s *Service) List(ctx context.Context, tenantID, entity string, params adapter.QueryParams, opts ...CallOption) (*ListResult, error) {
	o := collect(opts)
	defs, err := s.definitions(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	page, err := s.records.List(ctx, tenantID, entity, params, o.resolverOpts()...)
	if err != nil {
		return nil, err
	}

	scope := faults.Scope{TenantID: tenantID, EntityTable: entity}
	out := &ListResult{
		Entities: make([]*EntityWithExtensions, len(page.Records)),
		Total:    page.Total,
		Limit:    page.Limit,
		Offset:   page.Offset,
		HasMore:  page.HasMore,
	}
	for i, rec := range page.Records {
		out.Entities[i] = s.assemble(rec, defs, scope)
	}
	return out, nil
}

// Create validates the extensions, persists the row and fires created hooks
func (s *Service) Create(ctx context.Context, tenantID, entity string, in Input, opts ...CallOption) (*EntityWithExtensions, error) {
	o := collect(opts)
	defs, err := s.definitions(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	scope := faults.Scope{TenantID: tenantID, EntityTable: entity}
	processed, err := s.engine.ProcessWrite(in.Extensions, defs, scope)
	if err != nil {
		return nil, err
	}

	rec, err := s.records.Create(ctx, tenantID, entity, s.row(in.Attributes, processed), o.resolverOpts()...)
	if err != nil {
		return nil, err
	}
	ent := s.written(rec, processed)
	s.runHooks(ctx, WriteEvent{Type: EventCreated, TenantID: tenantID, EntityTable: entity, Entity: ent}, o)
	return ent, nil
}

// CreateMany creates items one at a time, in order, reporting each outcome.
// Hooks fire for every created item.
func (s *Service) CreateMany(ctx context.Context, tenantID, entity string, items []Input, opts ...CallOption) *BulkResult {
	res := &BulkResult{Created: []*EntityWithExtensions{}, Failed: []BulkFailure{}}
	for i, in := range items {
		ent, err := s.Create(ctx, tenantID, entity, in, opts...)
		if err != nil {
			fe := faults.Normalize(err, faults.Scope{TenantID: tenantID, EntityTable: entity, Context: map[string]any{"index": i}})
			res.Failed = append(res.Failed, BulkFailure{Index: i, Err: fe})
			continue
		}
		res.Created = append(res.Created, ent)
	}
	return res
}

// Update applies partial base columns and merges in.Extensions over the stored
// extension values before validating. A nil extension value removes the field.
// It returns nil, nil when the entity does not exist.
func (s *Service) Update(ctx context.Context, tenantID, entity, id string, in Input, opts ...CallOption) (*EntityWithExtensions, error) {
	o := collect(opts)
	defs, err := s.definitions(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	scope := faults.Scope{TenantID: tenantID, EntityTable: entity, EntityID: id}

	partial := in.Attributes.Clone()
	if partial == nil {
		partial = adapter.Record{}
	}
	delete(partial, s.blobColumn)

	var processed *fields.Processed
	if in.Extensions != nil {
		current, err := s.records.Get(ctx, tenantID, entity, id, o.resolverOpts()...)
		if err != nil || current == nil {
			return nil, err
		}
		merged, err := decodeBlob(current[s.blobColumn])
		if err != nil {
			s.logger.Warnf("Replacing unreadable extension column on %s/%s: %v", entity, id, err)
		}
		for k, v := range in.Extensions {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}

		processed, err = s.engine.ProcessWrite(merged, defs, scope)
		if err != nil {
			return nil, err
		}
		partial[s.blobColumn] = processed.Raw()
	}

	var rec adapter.Record
	if len(partial) == 0 {
		rec, err = s.records.Get(ctx, tenantID, entity, id, o.resolverOpts()...)
	} else {
		rec, err = s.records.Update(ctx, tenantID, entity, id, partial, o.resolverOpts()...)
	}
	if err != nil || rec == nil {
		return nil, err
	}

	var ent *EntityWithExtensions
	if processed != nil {
		ent = s.written(rec, processed)
	} else {
		ent = s.assemble(rec, defs, scope)
	}
	s.runHooks(ctx, WriteEvent{Type: EventUpdated, TenantID: tenantID, EntityTable: entity, Entity: ent}, o)
	return ent, nil
}

// Upsert validates in.Extensions as the complete extension map and writes on
// conflictKeys. Hooks see it as an update.
func (s *Service) Upsert(ctx context.Context, tenantID, entity string, in Input, conflictKeys []string, opts ...CallOption) (*EntityWithExtensions, error) {
	o := collect(opts)
	defs, err := s.definitions(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	processed, err := s.engine.ProcessWrite(in.Extensions, defs, faults.Scope{TenantID: tenantID, EntityTable: entity})
	if err != nil {
		return nil, err
	}

	rec, err := s.records.Upsert(ctx, tenantID, entity, s.row(in.Attributes, processed), conflictKeys, o.resolverOpts()...)
	if err != nil {
		return nil, err
	}
	ent := s.written(rec, processed)
	s.runHooks(ctx, WriteEvent{Type: EventUpdated, TenantID: tenantID, EntityTable: entity, Entity: ent}, o)
	return ent, nil
}

func (s *Service) Delete(ctx context.Context, tenantID, entity, id string, opts ...CallOption) (bool, error) {
	return s.records.Delete(ctx, tenantID, entity, id, collect(opts).resolverOpts()...)
}

func (s *Service) Count(ctx context.Context, tenantID, entity string, filters []adapter.Filter, opts ...CallOption) (int64, error) {
	return s.records.Count(ctx, tenantID, entity, filters, collect(opts).resolverOpts()...)
}
