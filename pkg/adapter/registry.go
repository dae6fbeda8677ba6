package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redbco/redb-entities/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// TenantConfigProvider resolves a tenant's backend and connection parameters.
// Unknown tenants must be reported as a ConfigurationError.
type TenantConfigProvider interface {
	GetTenantConnectionConfig(ctx context.Context, tenantID string) (*TenantConnection, error)
}

type cachedAdapter struct {
	tenantID string
	resource string
	adapter  Adapter
}

// Registry holds adapter factories and one connected adapter per (tenant, resource).
// Construction for a key is de-duplicated, so concurrent first access yields one
// adapter and one connection.
type Registry struct {
	mu        sync.RWMutex
	factories map[BackendType]Factory
	instances map[string]*cachedAdapter
	// generation advances on every eviction; builds started before it are not cached
	generation uint64

	tenants TenantConfigProvider
	group   singleflight.Group
	logger  *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(tenants TenantConfigProvider, log *logger.Logger) *Registry {
	return &Registry{
		factories: make(map[BackendType]Factory),
		instances: make(map[string]*cachedAdapter),
		tenants:   tenants,
		logger:    log,
	}
}

// RegisterFactory adds or replaces the factory for a backend
func (r *Registry) RegisterFactory(backend BackendType, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backend] = factory
}

// IsRegistered checks if a backend has a factory
func (r *Registry) IsRegistered(backend BackendType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[backend]
	return ok
}

// ListRegistered returns all backends with a factory, sorted
func (r *Registry) ListRegistered() []BackendType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendType, 0, len(r.factories))
	for b := range r.factories {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cacheKey(tenantID, resource string) string {
	return tenantID + ":" + resource
}

// GetAdapter returns the connected adapter for tenantID/resource. With a non-empty
// credential a new adapter is built and connected on every call and is never cached;
// the caller must Disconnect it.
func (r *Registry) GetAdapter(ctx context.Context, tenantID, resource, credential string) (Adapter, error) {
	if tenantID == "" {
		return nil, NewConfigurationError("", "tenant_id", "tenant id is required")
	}
	if resource == "" {
		return nil, NewConfigurationError("", "resource", "resource name is required")
	}

	if credential != "" {
		return r.build(ctx, tenantID, resource, credential)
	}

	key := cacheKey(tenantID, resource)
	if a := r.cached(key); a != nil {
		return a, nil
	}

	v, err, shared := r.group.Do(key, func() (interface{}, error) {
		r.mu.RLock()
		if e, ok := r.instances[key]; ok {
			r.mu.RUnlock()
			return e.adapter, nil
		}
		gen := r.generation
		r.mu.RUnlock()

		// shared by every waiter, so detached from the first caller's cancellation
		bctx := context.WithoutCancel(ctx)
		a, err := r.build(bctx, tenantID, resource, "")
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			r.logger.Warnf("Adapter for %s was evicted while connecting; discarding it", key)
			if derr := a.Disconnect(bctx); derr != nil {
				r.logger.Errorf("Failed to disconnect discarded adapter %s: %v", key, derr)
			}
			return nil, NewConnectionError(a.Backend(), key, ErrNotConnected)
		}
		r.instances[key] = &cachedAdapter{tenantID: tenantID, resource: resource, adapter: a}
		r.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.Debugf("Shared adapter construction for %s", key)
	}
	return v.(Adapter), nil
}

func (r *Registry) cached(key string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.instances[key]; ok {
		return e.adapter
	}
	return nil
}

func (r *Registry) build(ctx context.Context, tenantID, resource, credential string) (Adapter, error) {
	if r.tenants == nil {
		return nil, NewConfigurationError("", "tenant_provider", "no tenant configuration provider")
	}

	tc, err := r.tenants.GetTenantConnectionConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve connection for tenant %s: %w", tenantID, err)
	}
	if tc == nil {
		return nil, NewConfigurationError("", "tenant_id", fmt.Sprintf("no connection configured for tenant %s", tenantID))
	}

	cfg, err := ConfigFromTenantConnection(tenantID, resource, *tc)
	if err != nil {
		return nil, err
	}
	cfg.Credential = credential

	r.mu.RLock()
	factory, ok := r.factories[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, &ConfigurationError{
			Backend: cfg.Backend,
			Field:   "backend_type",
			Reason:  "no adapter factory registered",
			Cause:   ErrAdapterNotFound,
		}
	}

	a, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	r.logger.Infof("Connecting %s adapter for tenant %s resource %s", cfg.Backend, tenantID, resource)
	if err := a.Connect(ctx); err != nil {
		r.logger.Errorf("Failed to connect %s adapter for tenant %s: %v", cfg.Backend, tenantID, err)
		return nil, WrapError(cfg.Backend, "connect", err)
	}
	return a, nil
}

// ClearForTenant disconnects and evicts every cached adapter of tenantID
func (r *Registry) ClearForTenant(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	r.generation++
	var evicted []*cachedAdapter
	for key, e := range r.instances {
		if e.tenantID == tenantID {
			evicted = append(evicted, e)
			delete(r.instances, key)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range evicted {
		if err := e.adapter.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", cacheKey(e.tenantID, e.resource), err))
		}
	}
	if len(evicted) > 0 {
		r.logger.Infof("Cleared %d adapters for tenant %s", len(evicted), tenantID)
	}
	return errors.Join(errs...)
}

// DisconnectAll closes every cached adapter and empties the cache. Intended for shutdown.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	r.generation++
	instances := r.instances
	r.instances = make(map[string]*cachedAdapter)
	r.mu.Unlock()

	var errs []error
	for key, e := range instances {
		if err := e.adapter.Disconnect(ctx); err != nil {
			r.logger.Errorf("Failed to disconnect adapter %s: %v", key, err)
			errs = append(errs, fmt.Errorf("disconnect %s: %w", key, err))
		}
	}
	r.logger.Infof("Disconnected %d adapters", len(instances))
	return errors.Join(errs...)
}

// CachedCount returns the number of cached adapters
func (r *Registry) CachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
