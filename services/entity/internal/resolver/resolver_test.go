package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/services/entity/internal/database/memory"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/tenant"
)

func newResolver(t *testing.T) (*Resolver, *adapter.Registry) {
	t.Helper()
	tenants := tenant.NewStaticProvider(map[string]config.TenantStaticConfig{
		"tenant-a": {Backend: "memory"},
		"tenant-b": {Backend: "inmemory"},
		"tenant-x": {Backend: "cassandra"},
	})
	registry := adapter.NewRegistry(tenants, nil)
	registry.RegisterFactory(adapter.Memory, memory.NewStore().Factory())
	return New(registry, nil), registry
}

func TestCRUD(t *testing.T) {
	ctx := context.Background()
	r, registry := newResolver(t)

	created, err := r.Create(ctx, "tenant-a", "leads", adapter.Record{"name": "Acme", "status": "open"})
	require.NoError(t, err)
	id := created["id"].(string)

	got, err := r.Get(ctx, "tenant-a", "leads", id)
	require.NoError(t, err)
	assert.Equal(t, "Acme", got["name"])

	updated, err := r.Update(ctx, "tenant-a", "leads", id, adapter.Record{"status": "won"})
	require.NoError(t, err)
	assert.Equal(t, "won", updated["status"])
	assert.Equal(t, "Acme", updated["name"])

	missing, err := r.Update(ctx, "tenant-a", "leads", "nope", adapter.Record{"status": "won"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	up, err := r.Upsert(ctx, "tenant-a", "leads", adapter.Record{"id": id, "score": 9}, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, up["score"])

	n, err := r.Count(ctx, "tenant-a", "leads", []adapter.Filter{{Field: "status", Operator: adapter.OpEq, Value: "won"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	deleted, err := r.Delete(ctx, "tenant-a", "leads", id)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err = r.Get(ctx, "tenant-a", "leads", id)
	require.NoError(t, err)
	assert.Nil(t, got)

	// other tenants never see tenant-a's data
	n, err = r.Count(ctx, "tenant-b", "leads", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 2, registry.CachedCount())
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	for i := 0; i < 5; i++ {
		_, err := r.Create(ctx, "tenant-a", "leads", adapter.Record{"id": fmt.Sprintf("l%d", i), "score": i})
		require.NoError(t, err)
	}

	tests := []struct {
		name    string
		limit   int
		offset  int
		wantIDs []string
		hasMore bool
	}{
		{"first page", 2, 0, []string{"l0", "l1"}, true},
		{"middle page", 2, 2, []string{"l2", "l3"}, true},
		{"last page exactly", 1, 4, []string{"l4"}, false},
		{"no limit", 0, 3, []string{"l3", "l4"}, false},
		{"past the end", 2, 10, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.List(ctx, "tenant-a", "leads", adapter.QueryParams{
				Sort:   []adapter.Sort{{Field: "score"}},
				Limit:  tt.limit,
				Offset: tt.offset,
			})
			require.NoError(t, err)
			assert.EqualValues(t, 5, res.Total)
			assert.Equal(t, tt.hasMore, res.HasMore)

			var ids []string
			for _, rec := range res.Records {
				ids = append(ids, rec["id"].(string))
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestCreateManyReportsEachItem(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	_, err := r.Create(ctx, "tenant-a", "leads", adapter.Record{"id": "dup"})
	require.NoError(t, err)

	res, err := r.CreateMany(ctx, "tenant-a", "leads", []adapter.Record{
		{"id": "a", "name": "first"},
		{"id": "dup", "name": "collides"},
		{"id": "b", "name": "third"},
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 2)
	assert.Equal(t, "a", res.Created[0]["id"])
	assert.Equal(t, "b", res.Created[1]["id"])

	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Index)
	assert.Equal(t, faults.KindDatabase, res.Failed[0].Err.Kind)
	assert.Equal(t, "tenant-a", res.Failed[0].Err.TenantID)
}

func TestErrorsAreNormalized(t *testing.T) {
	ctx := context.Background()
	r, _ := newResolver(t)

	tests := []struct {
		name     string
		tenantID string
		kind     faults.Kind
	}{
		{"unknown tenant", "tenant-missing", faults.KindConfiguration},
		{"unknown backend", "tenant-x", faults.KindConfiguration},
		{"empty tenant", "", faults.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Get(ctx, tt.tenantID, "leads", "1")
			var fe *faults.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.kind, fe.Kind)
			assert.False(t, fe.Retryable)
			assert.Equal(t, "get", fe.Context["operation"])
		})
	}

	_, err := r.List(ctx, "tenant-a", "leads", adapter.QueryParams{
		Filters: []adapter.Filter{{Field: "x", Operator: "between"}},
	})
	assert.True(t, faults.IsKind(err, faults.KindDatabase))
	assert.ErrorIs(t, err, adapter.ErrInvalidQuery)
}

type countingAdapter struct {
	adapter.Adapter
	disconnects *atomic.Int32
}

func (c countingAdapter) Disconnect(ctx context.Context) error {
	c.disconnects.Add(1)
	return c.Adapter.Disconnect(ctx)
}

type credentialSource struct {
	store       *memory.Store
	disconnects atomic.Int32
	credentials []string
}

func (s *credentialSource) GetAdapter(ctx context.Context, tenantID, resource, credential string) (adapter.Adapter, error) {
	if credential == "revoked" {
		return nil, fmt.Errorf("resolve: %w", adapter.ErrPermissionDenied)
	}
	s.credentials = append(s.credentials, credential)
	a := memory.NewAdapter(s.store, adapter.Config{TenantID: tenantID})
	if err := a.Connect(ctx); err != nil {
		return nil, err
	}
	return countingAdapter{Adapter: a, disconnects: &s.disconnects}, nil
}

func TestCredentialedCallsDisconnect(t *testing.T) {
	ctx := context.Background()
	src := &credentialSource{store: memory.NewStore()}
	r := New(src, nil)

	_, err := r.Create(ctx, "tenant-a", "leads", adapter.Record{"name": "Acme"}, WithCredential("jwt-1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.disconnects.Load())

	_, err = r.Count(ctx, "tenant-a", "leads", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.disconnects.Load())
	assert.Equal(t, []string{"jwt-1", ""}, src.credentials)

	_, err = r.Get(ctx, "tenant-a", "leads", "1", WithCredential("revoked"))
	assert.True(t, faults.IsKind(err, faults.KindPermission))
	assert.True(t, errors.Is(err, adapter.ErrPermissionDenied))
}
