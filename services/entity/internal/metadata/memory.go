package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// MemoryRepository keeps definitions in process. It backs static
// configuration, the CLI and tests.
type MemoryRepository struct {
	mu   sync.RWMutex
	defs map[string]map[string]fields.Definition
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		defs: make(map[string]map[string]fields.Definition),
		now:  time.Now,
	}
}

func entityKey(tenantID, entityTable string) string {
	return tenantID + ":" + entityTable
}

// Seed stores definitions as given, without checks or timestamps
func (m *MemoryRepository) Seed(defs ...fields.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range defs {
		key := entityKey(d.TenantID, d.EntityTable)
		if m.defs[key] == nil {
			m.defs[key] = make(map[string]fields.Definition)
		}
		m.defs[key][d.FieldName] = d
	}
}

func (m *MemoryRepository) ListForEntity(ctx context.Context, tenantID, entityTable string) ([]fields.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byName := m.defs[entityKey(tenantID, entityTable)]
	out := make([]fields.Definition, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out, nil
}

func (m *MemoryRepository) Get(ctx context.Context, tenantID, entityTable, fieldName string) (*fields.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.defs[entityKey(tenantID, entityTable)][fieldName]
	if !ok {
		return nil, notFound(tenantID, entityTable, fieldName)
	}
	return &d, nil
}

func (m *MemoryRepository) Create(ctx context.Context, def fields.Definition) (*fields.Definition, error) {
	if err := checkDefinition(def); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := entityKey(def.TenantID, def.EntityTable)
	byName := m.defs[key]
	if byName == nil {
		byName = make(map[string]fields.Definition)
		m.defs[key] = byName
	}
	if _, exists := byName[def.FieldName]; exists {
		return nil, duplicate(def)
	}
	active := 0
	for _, d := range byName {
		if d.IsActive {
			active++
		}
	}
	if def.IsActive && active >= fields.MaxFieldsPerEntity {
		return nil, limitExceeded(def)
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := m.now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	byName[def.FieldName] = def
	return &def, nil
}

func (m *MemoryRepository) Update(ctx context.Context, def fields.Definition) (*fields.Definition, error) {
	if err := checkDefinition(def); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byName := m.defs[entityKey(def.TenantID, def.EntityTable)]
	existing, ok := byName[def.FieldName]
	if !ok {
		return nil, notFound(def.TenantID, def.EntityTable, def.FieldName)
	}
	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = m.now().UTC()
	byName[def.FieldName] = def
	return &def, nil
}

func (m *MemoryRepository) Deactivate(ctx context.Context, tenantID, entityTable, fieldName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byName := m.defs[entityKey(tenantID, entityTable)]
	d, ok := byName[fieldName]
	if !ok {
		return notFound(tenantID, entityTable, fieldName)
	}
	d.IsActive = false
	d.UpdatedAt = m.now().UTC()
	byName[fieldName] = d
	return nil
}
