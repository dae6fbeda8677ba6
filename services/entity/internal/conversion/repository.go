package conversion

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-entities/services/entity/internal/faults"
)

// Error codes raised by rule repositories
const (
	CodeRuleNotFound  = "RULE_NOT_FOUND"
	CodeDuplicateRule = "DUPLICATE_RULE"
	CodeInvalidRule   = "INVALID_RULE"
)

// Repository persists conversion rules. ListForSource returns active and
// inactive rules ordered by name.
type Repository interface {
	ListForSource(ctx context.Context, tenantID, sourceEntity string) ([]Rule, error)
	Get(ctx context.Context, tenantID, id string) (*Rule, error)
	Create(ctx context.Context, rule Rule) (*Rule, error)
	Update(ctx context.Context, rule Rule) (*Rule, error)
	Deactivate(ctx context.Context, tenantID, id string) error
}

func ruleNotFound(tenantID, id string) error {
	return faults.New(faults.KindConfiguration, CodeRuleNotFound, fmt.Sprintf("conversion rule %s not found", id),
		faults.WithTenant(tenantID, ""), faults.WithContext("rule_id", id))
}

func duplicateRule(rule Rule) error {
	return faults.New(faults.KindValidation, CodeDuplicateRule, fmt.Sprintf("conversion rule %q already exists", rule.Name),
		faults.WithTenant(rule.TenantID, rule.SourceEntity))
}

func checkRule(rule Rule) error {
	if rule.TenantID == "" {
		return faults.New(faults.KindValidation, CodeInvalidRule, "tenant_id is required")
	}
	if err := rule.Check(); err != nil {
		return faults.New(faults.KindValidation, CodeInvalidRule, err.Error(),
			faults.WithTenant(rule.TenantID, rule.SourceEntity), faults.WithCause(err))
	}
	return nil
}

// MemoryRepository keeps rules in process
type MemoryRepository struct {
	mu    sync.RWMutex
	rules map[string]map[string]Rule
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rules: make(map[string]map[string]Rule), now: time.Now}
}

func (m *MemoryRepository) tenant(tenantID string) map[string]Rule {
	byID := m.rules[tenantID]
	if byID == nil {
		byID = make(map[string]Rule)
		m.rules[tenantID] = byID
	}
	return byID
}

func (m *MemoryRepository) ListForSource(ctx context.Context, tenantID, sourceEntity string) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Rule{}
	for _, r := range m.rules[tenantID] {
		if r.SourceEntity == sourceEntity {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryRepository) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[tenantID][id]
	if !ok {
		return nil, ruleNotFound(tenantID, id)
	}
	return &r, nil
}

func (m *MemoryRepository) Create(ctx context.Context, rule Rule) (*Rule, error) {
	if err := checkRule(rule); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.tenant(rule.TenantID)
	for _, existing := range byID {
		if existing.Name == rule.Name {
			return nil, duplicateRule(rule)
		}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := m.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	byID[rule.ID] = rule
	return &rule, nil
}

func (m *MemoryRepository) Update(ctx context.Context, rule Rule) (*Rule, error) {
	if err := checkRule(rule); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.tenant(rule.TenantID)
	existing, ok := byID[rule.ID]
	if !ok {
		return nil, ruleNotFound(rule.TenantID, rule.ID)
	}
	for id, other := range byID {
		if id != rule.ID && other.Name == rule.Name {
			return nil, duplicateRule(rule)
		}
	}
	rule.CreatedAt = existing.CreatedAt
	rule.CreatedBy = existing.CreatedBy
	rule.UpdatedAt = m.now().UTC()
	byID[rule.ID] = rule
	return &rule, nil
}

func (m *MemoryRepository) Deactivate(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[tenantID][id]
	if !ok {
		return ruleNotFound(tenantID, id)
	}
	r.IsActive = false
	r.UpdatedAt = m.now().UTC()
	m.rules[tenantID][id] = r
	return nil
}
