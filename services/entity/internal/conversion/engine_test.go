package conversion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/services/entity/internal/cache"
	"github.com/redbco/redb-entities/services/entity/internal/database/memory"
	"github.com/redbco/redb-entities/services/entity/internal/entities"
	"github.com/redbco/redb-entities/services/entity/internal/events"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
	"github.com/redbco/redb-entities/services/entity/internal/resolver"
	"github.com/redbco/redb-entities/services/entity/internal/tenant"
)

type staticDefinitions map[string][]fields.Definition

func (s staticDefinitions) GetFieldDefinitionsForTenant(ctx context.Context, tenantID, entityTable string) ([]fields.Definition, error) {
	if entityTable == "broken" {
		return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
	}
	return s[entityTable], nil
}

func leadToClientRule() *Rule {
	return &Rule{
		TenantID:          "t1",
		Name:              "won leads become clients",
		IsActive:          true,
		SourceEntity:      "leads",
		TargetEntity:      "clients",
		TriggerConditions: NewTrigger(Simple{Field: "status", Operator: adapter.OpEq, Value: "won"}),
		FieldMapping:      map[string]string{"name": "company_name"},
		ConversionSettings: Settings{
			AutoConversionEnabled: true,
		},
	}
}

type harness struct {
	svc    *entities.Service
	res    *resolver.Resolver
	repo   *MemoryRepository
	store  *Store
	engine *Engine
	events *events.MemoryPublisher
	defs   staticDefinitions
	ctx    context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tenants := tenant.NewStaticProvider(map[string]config.TenantStaticConfig{"t1": {Backend: "memory"}})
	registry := adapter.NewRegistry(tenants, nil)
	registry.RegisterFactory(adapter.Memory, memory.NewStore().Factory())
	res := resolver.New(registry, nil)

	defs := staticDefinitions{
		"leads": {
			{FieldName: "budget", FieldType: fields.TypeText, IsActive: true},
			{FieldName: "region", FieldType: fields.TypeText, IsActive: true},
		},
		"clients": {
			{FieldName: "annual_value", FieldType: fields.TypeNumber, IsActive: true},
			{FieldName: "region", FieldType: fields.TypeText, IsActive: true},
		},
	}
	svc := entities.NewService(res, defs, fields.NewEngine(fields.Options{}, nil), nil)

	repo := NewMemoryRepository()
	tier := cache.NewTiered(cache.NewTTL[[]Rule](5*time.Minute, nil), nil, "rules", nil)
	store := NewStore(repo, tier, faults.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, nil)

	pub := events.NewMemoryPublisher()
	bus := events.NewBus(pub, time.Second, nil)
	engine := NewEngine(store, svc, defs, bus, nil)
	svc.AddHook(engine)

	return &harness{svc: svc, res: res, repo: repo, store: store, engine: engine, events: pub, defs: defs, ctx: context.Background()}
}

func (h *harness) addRule(t *testing.T, rule *Rule) *Rule {
	t.Helper()
	created, err := h.store.CreateRule(h.ctx, *rule)
	require.NoError(t, err)
	return created
}

func (h *harness) clients(t *testing.T) []adapter.Record {
	t.Helper()
	list, err := h.res.List(h.ctx, "t1", "clients", adapter.QueryParams{})
	require.NoError(t, err)
	return list.Records
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, ev := range h.events.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func TestExecuteConvertsWonLead(t *testing.T) {
	h := newHarness(t)
	rule := leadToClientRule()
	rule.ConversionSettings.AutoConversionEnabled = false
	stored := h.addRule(t, rule)

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{Attributes: adapter.Record{"status": "won", "name": "Acme"}})
	require.NoError(t, err)
	assert.Empty(t, h.clients(t))

	res := h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"name → company_name"}, res.ConvertedFields)
	assert.NotEmpty(t, res.ExecutionID)
	assert.NotEmpty(t, res.TargetID)

	clients := h.clients(t)
	require.Len(t, clients, 1)
	assert.Equal(t, "Acme", clients[0]["company_name"])
	assert.Equal(t, []string{events.ConversionCompleted}, h.eventTypes())
}

func TestExecuteConditionNotMet(t *testing.T) {
	h := newHarness(t)
	stored := h.addRule(t, leadToClientRule())

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{Attributes: adapter.Record{"status": "open"}})
	require.NoError(t, err)

	res := h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID)
	assert.Equal(t, StatusConditionNotMet, res.Status)
	assert.False(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Empty(t, h.clients(t))
	assert.Empty(t, h.events.Events())
}

func TestExecuteFailuresAreReported(t *testing.T) {
	h := newHarness(t)
	stored := h.addRule(t, leadToClientRule())

	inactive := leadToClientRule()
	inactive.Name = "inactive"
	inactive.IsActive = false
	inactiveRule := h.addRule(t, inactive)

	broken := leadToClientRule()
	broken.Name = "broken target"
	broken.TargetEntity = "broken"
	brokenRule := h.addRule(t, broken)

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{Attributes: adapter.Record{"status": "won", "name": "Acme"}},
		entities.SkipHooks())
	require.NoError(t, err)

	tests := []struct {
		name     string
		ruleID   string
		sourceID string
		kind     faults.Kind
	}{
		{"unknown rule", "missing", lead.ID, faults.KindConfiguration},
		{"inactive rule", inactiveRule.ID, lead.ID, faults.KindConfiguration},
		{"missing source", stored.ID, "nope", faults.KindValidation},
		{"target definitions unavailable", brokenRule.ID, lead.ID, faults.KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.engine.Execute(h.ctx, "t1", tt.ruleID, tt.sourceID)
			assert.Equal(t, StatusFailed, res.Status)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
			assert.Equal(t, tt.kind, res.ErrorKind)
			assert.Empty(t, res.ConvertedFields)
			assert.Zero(t, res.DurationMs)
		})
	}
	assert.Empty(t, h.clients(t))
	assert.Len(t, h.events.Events(), len(tests))
}

func TestExecuteTargetValidationFailure(t *testing.T) {
	h := newHarness(t)
	rule := leadToClientRule()
	rule.ExtensionFieldMapping = map[string]string{"budget": "annual_value"}
	stored := h.addRule(t, rule)

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{
		Attributes: adapter.Record{"status": "won", "name": "Acme"},
		Extensions: map[string]any{"budget": "twelve"},
	}, entities.SkipHooks())
	require.NoError(t, err)

	res := h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, []string{"budget"}, res.SkippedExtensionFields)
	assert.NotEmpty(t, res.Warnings)
	assert.NotContains(t, res.Target.Extensions, "annual_value")
}

func TestExecuteCarriesTargetWarnings(t *testing.T) {
	h := newHarness(t)
	h.defs["clients"] = append(h.defs["clients"], fields.Definition{
		FieldName: "tier", DisplayName: "Tier", FieldType: fields.TypeText, IsActive: true, DefaultValue: "bronze",
	})
	stored := h.addRule(t, leadToClientRule())

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{
		Attributes: adapter.Record{"status": "won", "name": "Acme"},
	}, entities.SkipHooks())
	require.NoError(t, err)

	res := h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID)
	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Contains(t, res.Warnings, "Tier was empty; default value applied")
	assert.Equal(t, "bronze", res.Target.Extensions.Raw()["tier"])
}

func TestAutoConversionOnWrite(t *testing.T) {
	h := newHarness(t)
	rule := leadToClientRule()
	rule.ExtensionFieldMapping = map[string]string{"budget": "annual_value"}
	rule.ConversionSettings.CopyUnmappedExtensions = true
	rule.ConversionSettings.MarkSourceConverted = true
	rule.ConversionSettings.LinkSourceField = "lead_id"
	rule.TargetNameTemplate = "{source.name} client"
	rule.DefaultValues = map[string]any{"tier": "standard"}
	h.addRule(t, rule)

	manual := leadToClientRule()
	manual.Name = "manual only"
	manual.ConversionSettings.AutoConversionEnabled = false
	h.addRule(t, manual)

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{
		Attributes: adapter.Record{"status": "open", "name": "Acme"},
		Extensions: map[string]any{"budget": "12000", "region": "EMEA"},
	})
	require.NoError(t, err)
	assert.Empty(t, h.clients(t))

	_, err = h.svc.Update(h.ctx, "t1", "leads", lead.ID, entities.Input{Attributes: adapter.Record{"status": "won"}})
	require.NoError(t, err)

	clients := h.clients(t)
	require.Len(t, clients, 1)
	client := clients[0]
	assert.Equal(t, "Acme", client["company_name"])
	assert.Equal(t, "Acme client", client["name"])
	assert.Equal(t, "standard", client["tier"])
	assert.Equal(t, lead.ID, client["lead_id"])
	assert.Equal(t, map[string]any{"annual_value": 12000.0, "region": "EMEA"}, client[entities.DefaultExtensionColumn])

	source, err := h.svc.Get(h.ctx, "t1", "leads", lead.ID)
	require.NoError(t, err)
	assert.Equal(t, DefaultSourceStatusValue, source.Attributes["status"])

	// a converted source does not convert again
	_, err = h.svc.Update(h.ctx, "t1", "leads", lead.ID, entities.Input{Attributes: adapter.Record{"name": "Acme Ltd"}})
	require.NoError(t, err)
	assert.Len(t, h.clients(t), 1)
	assert.Equal(t, []string{events.ConversionCompleted}, h.eventTypes())
}

func TestAutoConversionIsolatesRuleFailures(t *testing.T) {
	h := newHarness(t)

	failing := leadToClientRule()
	failing.Name = "a failing rule"
	failing.TargetEntity = "broken"
	h.addRule(t, failing)
	h.addRule(t, leadToClientRule())

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{Attributes: adapter.Record{"status": "won", "name": "Acme"}},
		entities.SkipHooks())
	require.NoError(t, err)

	results := h.engine.EvaluateWrite(h.ctx, entities.WriteEvent{
		Type: entities.EventCreated, TenantID: "t1", EntityTable: "leads", Entity: lead,
	})
	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, StatusCompleted, results[1].Status)
	assert.Len(t, h.clients(t), 1)
	assert.Equal(t, []string{events.ConversionFailed, events.ConversionCompleted}, h.eventTypes())
}

func TestApprovalGate(t *testing.T) {
	h := newHarness(t)
	rule := leadToClientRule()
	rule.ConversionSettings.AutoConversionEnabled = false
	rule.ApprovalSettings = ApprovalSettings{RequireApproval: true, Approvers: []string{"sales-lead"}}
	stored := h.addRule(t, rule)

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{Attributes: adapter.Record{"status": "won", "name": "Acme"}})
	require.NoError(t, err)

	res := h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID)
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.False(t, res.Success)
	assert.Empty(t, h.clients(t))
	assert.Equal(t, []string{events.ConversionApprovalRequested}, h.eventTypes())

	res = h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID, Approved())
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, h.clients(t), 1)
}

func TestEngineSurvivesPublisherFailure(t *testing.T) {
	h := newHarness(t)
	h.events.FailWith(errors.New("broker down"))
	stored := h.addRule(t, leadToClientRule())

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{Attributes: adapter.Record{"status": "won", "name": "Acme"}},
		entities.SkipHooks())
	require.NoError(t, err)

	res := h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestEvaluateDepthGuardFailsRule(t *testing.T) {
	h := newHarness(t)
	h.engine = NewEngine(h.store, h.svc, staticDefinitions{}, nil, nil, WithMaxDepth(2))

	rule := leadToClientRule()
	rule.TriggerConditions = NewTrigger(And{And{And{Simple{Field: "status", Operator: adapter.OpEq, Value: "won"}}}})
	stored := h.addRule(t, rule)

	lead, err := h.svc.Create(h.ctx, "t1", "leads", entities.Input{Attributes: adapter.Record{"status": "won"}}, entities.SkipHooks())
	require.NoError(t, err)

	res := h.engine.Execute(h.ctx, "t1", stored.ID, lead.ID)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "maximum depth")
}
