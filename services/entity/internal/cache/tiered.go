package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/redbco/redb-entities/pkg/database"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
)

// Shared is the cross-instance cache tier. *database.Redis implements it.
type Shared interface {
	GetJSON(ctx context.Context, key string, dst any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Tiered reads through an in-process TTL cache and an optional shared tier.
// Shared tier failures are reported as cache faults and otherwise ignored.
type Tiered[V any] struct {
	local     *TTL[V]
	shared    Shared
	namespace string
	handler   *faults.Handler
	group     singleflight.Group
}

// NewTiered creates a tiered cache. shared may be nil. Keys in the shared tier
// are prefixed with namespace.
func NewTiered[V any](local *TTL[V], shared Shared, namespace string, handler *faults.Handler) *Tiered[V] {
	if handler == nil {
		handler = faults.NewHandler(nil)
	}
	return &Tiered[V]{
		local:     local,
		shared:    shared,
		namespace: namespace,
		handler:   handler,
	}
}

func (t *Tiered[V]) sharedKey(key string) string {
	return t.namespace + ":" + key
}

// Get looks up key in the local tier, then the shared tier. A shared hit
// refreshes the local tier.
func (t *Tiered[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := t.local.Get(key); ok {
		return v, true
	}

	var zero V
	if t.shared == nil {
		return zero, false
	}

	var v V
	err := t.shared.GetJSON(ctx, t.sharedKey(key), &v)
	switch {
	case err == nil:
		t.local.Set(key, v)
		return v, true
	case errors.Is(err, database.ErrCacheMiss):
		return zero, false
	}
	t.report(err, "read", key)
	return zero, false
}

// Set stores value in both tiers
func (t *Tiered[V]) Set(ctx context.Context, key string, value V) {
	t.local.Set(key, value)
	if t.shared == nil {
		return
	}
	if err := t.shared.SetJSON(ctx, t.sharedKey(key), value, t.local.TTL()); err != nil {
		t.report(err, "write", key)
	}
}

// Invalidate evicts keys from both tiers
func (t *Tiered[V]) Invalidate(ctx context.Context, keys ...string) {
	t.local.Delete(keys...)
	if t.shared == nil || len(keys) == 0 {
		return
	}
	shared := make([]string, len(keys))
	for i, k := range keys {
		shared[i] = t.sharedKey(k)
	}
	if err := t.shared.Delete(ctx, shared...); err != nil {
		t.report(err, "evict", keys[0])
	}
}

// Clear empties the local tier
func (t *Tiered[V]) Clear() {
	t.local.Clear()
}

// GetOrLoad returns the cached value for key or calls load once per key,
// sharing the result with concurrent callers. Load errors are not cached.
func (t *Tiered[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := t.Get(ctx, key); ok {
		return v, nil
	}

	res, err, _ := t.group.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		t.Set(ctx, key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

func (t *Tiered[V]) report(err error, op, key string) {
	fe := faults.New(faults.KindCache, "CACHE_"+strings.ToUpper(op)+"_FAILED", "shared cache "+op+" failed for "+key+": "+err.Error(),
		faults.WithCause(err), faults.WithContext("key", key))
	t.handler.Handle(fe, faults.Scope{}, nil)
}
