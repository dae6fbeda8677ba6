package entities

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/services/entity/internal/database/memory"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
	"github.com/redbco/redb-entities/services/entity/internal/resolver"
	"github.com/redbco/redb-entities/services/entity/internal/tenant"
)

func floatPtr(v float64) *float64 { return &v }

type staticDefinitions map[string][]fields.Definition

func (s staticDefinitions) GetFieldDefinitionsForTenant(ctx context.Context, tenantID, entityTable string) ([]fields.Definition, error) {
	if entityTable == "broken" {
		return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}
	return s[entityTable], nil
}

func testDefinitions() staticDefinitions {
	return staticDefinitions{
		"leads": {
			{FieldName: "score", FieldType: fields.TypeNumber, DefaultValue: "0", IsActive: true,
				ValidationRules: fields.ValidationRules{Min: floatPtr(0), Max: floatPtr(100)}},
			{FieldName: "tier", FieldType: fields.TypeSelect, IsActive: true,
				ValidationRules: fields.ValidationRules{Options: []string{"gold", "silver"}}},
			{FieldName: "email", FieldType: fields.TypeText, IsActive: true,
				ValidationRules: fields.ValidationRules{Format: "email"}},
		},
		"contacts": {
			{FieldName: "email", FieldType: fields.TypeText, IsRequired: true, IsActive: true},
		},
	}
}

type recordingHook struct {
	mu     sync.Mutex
	events []WriteEvent
}

func (h *recordingHook) AfterWrite(ctx context.Context, ev WriteEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}

func (h *recordingHook) types() []EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventType, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Type
	}
	return out
}

func newService(t *testing.T) (*Service, *resolver.Resolver, *recordingHook) {
	t.Helper()
	tenants := tenant.NewStaticProvider(map[string]config.TenantStaticConfig{"t1": {Backend: "memory"}})
	registry := adapter.NewRegistry(tenants, nil)
	registry.RegisterFactory(adapter.Memory, memory.NewStore().Factory())
	res := resolver.New(registry, nil)

	svc := NewService(res, testDefinitions(), fields.NewEngine(fields.Options{}, nil), nil)
	hook := &recordingHook{}
	svc.AddHook(hook)
	return svc, res, hook
}

func warningCodes(warns []fields.ValidationWarning) []string {
	out := make([]string, len(warns))
	for i, w := range warns {
		out[i] = w.Code
	}
	return out
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	svc, res, hook := newService(t)

	ent, err := svc.Create(ctx, "t1", "leads", Input{
		Attributes: adapter.Record{"name": "Acme"},
		Extensions: map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ent.ID)
	assert.Equal(t, "Acme", ent.Attributes["name"])
	assert.NotContains(t, ent.Attributes, DefaultExtensionColumn)
	assert.Equal(t, fields.NumberValue(0), ent.Extensions["score"])
	assert.Equal(t, fields.SelectValue("gold"), ent.Extensions["tier"])
	assert.Contains(t, warningCodes(ent.Warnings), fields.WarnDefaultApplied)
	assert.Equal(t, []EventType{EventCreated}, hook.types())

	stored, err := res.Get(ctx, "t1", "leads", ent.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 0.0, "tier": "gold"}, stored[DefaultExtensionColumn])

	got, err := svc.Get(ctx, "t1", "leads", ent.ID)
	require.NoError(t, err)
	assert.Equal(t, ent.Extensions, got.Extensions)
	assert.Empty(t, got.Warnings)

	missing, err := svc.Get(ctx, "t1", "leads", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateRecoversAndRejects(t *testing.T) {
	ctx := context.Background()
	svc, res, hook := newService(t)

	ent, err := svc.Create(ctx, "t1", "leads", Input{
		Attributes: adapter.Record{"name": "Acme"},
		Extensions: map[string]any{"score": 500, "tier": "bronze"},
	})
	require.NoError(t, err)
	assert.Equal(t, fields.NumberValue(0), ent.Extensions["score"])
	assert.NotContains(t, ent.Extensions, "tier")
	assert.Contains(t, warningCodes(ent.Warnings), fields.WarnValueRecovered)
	assert.Contains(t, warningCodes(ent.Warnings), fields.WarnFieldDropped)

	_, err = svc.Create(ctx, "t1", "contacts", Input{Attributes: adapter.Record{"name": "Jo"}})
	var fe *faults.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fields.CodeValidationFailed, fe.Code)
	assert.Equal(t, "contacts", fe.EntityTable)

	n, err := res.Count(ctx, "t1", "contacts", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, hook.types(), 1)
}

func TestUpdateMergesExtensions(t *testing.T) {
	ctx := context.Background()
	svc, _, hook := newService(t)

	ent, err := svc.Create(ctx, "t1", "leads", Input{
		Attributes: adapter.Record{"name": "Acme"},
		Extensions: map[string]any{"score": 10, "tier": "gold", "email": "a@acme.io"},
	})
	require.NoError(t, err)

	updated, err := svc.Update(ctx, "t1", "leads", ent.ID, Input{
		Attributes: adapter.Record{"status": "won"},
		Extensions: map[string]any{"tier": "silver", "email": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, "won", updated.Attributes["status"])
	assert.Equal(t, "Acme", updated.Attributes["name"])
	assert.Equal(t, fields.Values{
		"score": fields.NumberValue(10),
		"tier":  fields.SelectValue("silver"),
	}, updated.Extensions)

	attrsOnly, err := svc.Update(ctx, "t1", "leads", ent.ID, Input{Attributes: adapter.Record{"status": "lost"}})
	require.NoError(t, err)
	assert.Equal(t, fields.SelectValue("silver"), attrsOnly.Extensions["tier"])

	missing, err := svc.Update(ctx, "t1", "leads", "nope", Input{Extensions: map[string]any{"tier": "gold"}})
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Equal(t, []EventType{EventCreated, EventUpdated, EventUpdated}, hook.types())
}

func TestReadPathIsLenient(t *testing.T) {
	ctx := context.Background()
	svc, res, _ := newService(t)

	blob, err := json.Marshal(map[string]any{"score": 42, "tier": "platinum", "retired": "x"})
	require.NoError(t, err)
	_, err = res.Create(ctx, "t1", "leads", adapter.Record{"id": "raw-1", "name": "Legacy", DefaultExtensionColumn: string(blob)})
	require.NoError(t, err)
	_, err = res.Create(ctx, "t1", "leads", adapter.Record{"id": "raw-2", DefaultExtensionColumn: 17})
	require.NoError(t, err)

	got, err := svc.Get(ctx, "t1", "leads", "raw-1")
	require.NoError(t, err)
	assert.Equal(t, fields.Values{"score": fields.NumberValue(42)}, got.Extensions)
	assert.Contains(t, warningCodes(got.Warnings), fields.WarnFieldDropped)

	page, err := svc.List(ctx, "t1", "leads", adapter.QueryParams{Sort: []adapter.Sort{{Field: "id"}}})
	require.NoError(t, err)
	require.Len(t, page.Entities, 2)
	assert.EqualValues(t, 2, page.Total)
	assert.Equal(t, fields.Values{"score": fields.NumberValue(0)}, page.Entities[1].Extensions)
	assert.Contains(t, warningCodes(page.Entities[1].Warnings), fields.WarnFieldDropped)
}

func TestSkipHooksAndUpsert(t *testing.T) {
	ctx := context.Background()
	svc, _, hook := newService(t)

	_, err := svc.Create(ctx, "t1", "leads", Input{Attributes: adapter.Record{"id": "l1"}}, SkipHooks())
	require.NoError(t, err)
	assert.Empty(t, hook.types())

	ent, err := svc.Upsert(ctx, "t1", "leads", Input{
		Attributes: adapter.Record{"id": "l1", "name": "Acme"},
		Extensions: map[string]any{"score": "55"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, fields.NumberValue(55), ent.Extensions["score"])
	assert.Equal(t, []EventType{EventUpdated}, hook.types())
}

func TestCreateManyIsPerItem(t *testing.T) {
	ctx := context.Background()
	svc, _, hook := newService(t)

	res := svc.CreateMany(ctx, "t1", "contacts", []Input{
		{Extensions: map[string]any{"email": "a@b.co"}},
		{Extensions: map[string]any{}},
		{Extensions: map[string]any{"email": "c@d.co"}},
	})
	require.Len(t, res.Created, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 1, res.Failed[0].Index)
	assert.Equal(t, faults.KindValidation, res.Failed[0].Err.Kind)
	assert.Len(t, hook.types(), 2)
}

func TestDefinitionLoadFailure(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Get(context.Background(), "t1", "broken", "1")
	assert.True(t, faults.IsKind(err, faults.KindNetwork))
}

func TestMarshalFlattensAttributes(t *testing.T) {
	ent := &EntityWithExtensions{
		ID:         "l1",
		Attributes: adapter.Record{"id": "l1", "name": "Acme"},
		Extensions: fields.Values{"tier": fields.SelectValue("gold")},
	}
	b, err := json.Marshal(ent)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"l1","name":"Acme","extensions":{"tier":"gold"}}`, string(b))
}

func TestDecodeBlob(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    map[string]any
		wantErr bool
	}{
		{"nil", nil, map[string]any{}, false},
		{"map", map[string]any{"a": 1.0}, map[string]any{"a": 1.0}, false},
		{"json text", `{"a":1}`, map[string]any{"a": 1.0}, false},
		{"bytes", []byte(`{"a":1}`), map[string]any{"a": 1.0}, false},
		{"json null", "null", map[string]any{}, false},
		{"array", `[1]`, map[string]any{}, true},
		{"number", 3, map[string]any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeBlob(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
