package conversion

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/services/entity/internal/cache"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
)

type countingRepository struct {
	*MemoryRepository
	mu    sync.Mutex
	loads int
}

func (r *countingRepository) ListForSource(ctx context.Context, tenantID, sourceEntity string) ([]Rule, error) {
	r.mu.Lock()
	r.loads++
	r.mu.Unlock()
	return r.MemoryRepository.ListForSource(ctx, tenantID, sourceEntity)
}

func (r *countingRepository) loadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRuleStore(repo Repository, clock *manualClock) *Store {
	tier := cache.NewTiered(cache.NewTTL[[]Rule](5*time.Minute, clock.Now), nil, "rules", nil)
	return NewStore(repo, tier, faults.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, nil)
}

func TestStoreCachesRulesPerSource(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepository{MemoryRepository: NewMemoryRepository()}
	clock := &manualClock{now: time.Now()}
	store := newRuleStore(repo, clock)

	created, err := store.CreateRule(ctx, *leadToClientRule())
	require.NoError(t, err)

	rules, err := store.ActiveRules(ctx, "t1", "leads")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 1, repo.loadCount())

	_, err = store.ActiveRules(ctx, "t1", "leads")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loadCount())

	clock.Advance(5 * time.Minute)
	_, err = store.ActiveRules(ctx, "t1", "leads")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loadCount())

	require.NoError(t, store.DeactivateRule(ctx, "t1", created.ID))
	rules, err = store.ActiveRules(ctx, "t1", "leads")
	require.NoError(t, err)
	assert.Empty(t, rules)
	assert.Equal(t, 3, repo.loadCount())

	all, err := store.RulesForSource(ctx, "t1", "leads")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStoreUpdateEvictsOldAndNewSource(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepository{MemoryRepository: NewMemoryRepository()}
	store := newRuleStore(repo, &manualClock{now: time.Now()})

	created, err := store.CreateRule(ctx, *leadToClientRule())
	require.NoError(t, err)

	_, err = store.RulesForSource(ctx, "t1", "leads")
	require.NoError(t, err)
	_, err = store.RulesForSource(ctx, "t1", "prospects")
	require.NoError(t, err)

	moved := *created
	moved.SourceEntity = "prospects"
	_, err = store.UpdateRule(ctx, moved)
	require.NoError(t, err)

	leads, err := store.RulesForSource(ctx, "t1", "leads")
	require.NoError(t, err)
	assert.Empty(t, leads)
	prospects, err := store.RulesForSource(ctx, "t1", "prospects")
	require.NoError(t, err)
	assert.Len(t, prospects, 1)
	assert.Equal(t, 4, repo.loadCount())
}

func TestRepositoryChecks(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	_, err := repo.Create(ctx, *leadToClientRule())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(r *Rule)
		code   string
	}{
		{"duplicate name", func(r *Rule) {}, CodeDuplicateRule},
		{"missing tenant", func(r *Rule) { r.TenantID = "" }, CodeInvalidRule},
		{"missing name", func(r *Rule) { r.Name = "" }, CodeInvalidRule},
		{"same source and target", func(r *Rule) { r.Name = "loop"; r.TargetEntity = "leads" }, CodeInvalidRule},
		{"missing trigger", func(r *Rule) { r.Name = "no trigger"; r.TriggerConditions = Trigger{} }, CodeInvalidRule},
		{"empty mapping target", func(r *Rule) { r.Name = "bad map"; r.FieldMapping = map[string]string{"a": ""} }, CodeInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := leadToClientRule()
			tt.mutate(rule)
			_, err := repo.Create(ctx, *rule)
			require.Error(t, err)
			var fe *faults.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.code, fe.Code)
		})
	}

	other := leadToClientRule()
	other.TenantID = "t2"
	_, err = repo.Create(ctx, *other)
	assert.NoError(t, err, "names are unique per tenant only")

	_, err = repo.Get(ctx, "t1", "missing")
	assert.True(t, faults.IsKind(err, faults.KindConfiguration))
	assert.Error(t, repo.Deactivate(ctx, "t1", "missing"))
}

func TestRuleJSON(t *testing.T) {
	src := `{
		"tenant_id": "t1",
		"name": "won leads",
		"is_active": true,
		"source_entity": "leads",
		"target_entity": "clients",
		"trigger_conditions": {"and": [{"field": "status", "operator": "eq", "value": "won"}, {"field": "amount", "operator": "gte", "value": 100}]},
		"field_mapping": {"name": "company_name"},
		"conversion_settings": {"auto_conversion_enabled": true, "mark_source_converted": true},
		"approval_settings": {"require_approval": false}
	}`
	var rule Rule
	require.NoError(t, json.Unmarshal([]byte(src), &rule))
	require.NoError(t, rule.Check())
	assert.Equal(t, And{
		Simple{Field: "status", Operator: adapter.OpEq, Value: "won"},
		Simple{Field: "amount", Operator: adapter.OpGte, Value: 100.0},
	}, rule.TriggerConditions.Root)
	assert.Equal(t, "status", rule.ConversionSettings.statusField())
	assert.Equal(t, "converted", rule.ConversionSettings.statusValue())

	out, err := json.Marshal(rule)
	require.NoError(t, err)
	var again Rule
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, rule.TriggerConditions, again.TriggerConditions)

	bad := `{"name": "x", "trigger_conditions": {"field": "a", "operator": "around"}}`
	assert.Error(t, json.Unmarshal([]byte(bad), &Rule{}))
}
