package conversion

import (
	"context"

	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/cache"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
)

// Store serves rules per tenant:source_entity from cache. Mutations evict the
// old and new source keys.
type Store struct {
	repo   Repository
	cache  *cache.Tiered[[]Rule]
	retry  faults.Policy
	logger *logger.Logger
}

func NewStore(repo Repository, c *cache.Tiered[[]Rule], retry faults.Policy, log *logger.Logger) *Store {
	return &Store{repo: repo, cache: c, retry: retry, logger: log}
}

func sourceKey(tenantID, sourceEntity string) string {
	return tenantID + ":" + sourceEntity
}

// RulesForSource returns every rule, active or not, converting from sourceEntity
func (s *Store) RulesForSource(ctx context.Context, tenantID, sourceEntity string) ([]Rule, error) {
	key := sourceKey(tenantID, sourceEntity)
	rules, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]Rule, error) {
		s.logger.Debugf("Conversion rule cache miss for %s", key)
		return faults.Retry(ctx, s.retry, func(ctx context.Context) ([]Rule, error) {
			return s.repo.ListForSource(ctx, tenantID, sourceEntity)
		})
	})
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: tenantID, EntityTable: sourceEntity})
	}
	return append([]Rule(nil), rules...), nil
}

// ActiveRules returns the active rules for sourceEntity in name order
func (s *Store) ActiveRules(ctx context.Context, tenantID, sourceEntity string) ([]Rule, error) {
	rules, err := s.RulesForSource(ctx, tenantID, sourceEntity)
	if err != nil {
		return nil, err
	}
	active := rules[:0]
	for _, r := range rules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	return active, nil
}

// GetRule reads one rule from the repository
func (s *Store) GetRule(ctx context.Context, tenantID, id string) (*Rule, error) {
	rule, err := faults.Retry(ctx, s.retry, func(ctx context.Context) (*Rule, error) {
		return s.repo.Get(ctx, tenantID, id)
	})
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: tenantID, Context: map[string]any{"rule_id": id}})
	}
	return rule, nil
}

func (s *Store) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	created, err := s.repo.Create(ctx, rule)
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: rule.TenantID, EntityTable: rule.SourceEntity})
	}
	s.Invalidate(ctx, created.TenantID, created.SourceEntity)
	return created, nil
}

func (s *Store) UpdateRule(ctx context.Context, rule Rule) (*Rule, error) {
	previous, err := s.repo.Get(ctx, rule.TenantID, rule.ID)
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: rule.TenantID, EntityTable: rule.SourceEntity})
	}
	updated, err := s.repo.Update(ctx, rule)
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: rule.TenantID, EntityTable: rule.SourceEntity})
	}
	s.Invalidate(ctx, previous.TenantID, previous.SourceEntity)
	if updated.SourceEntity != previous.SourceEntity {
		s.Invalidate(ctx, updated.TenantID, updated.SourceEntity)
	}
	return updated, nil
}

// DeactivateRule soft-deletes a rule
func (s *Store) DeactivateRule(ctx context.Context, tenantID, id string) error {
	rule, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return faults.Normalize(err, faults.Scope{TenantID: tenantID})
	}
	if err := s.repo.Deactivate(ctx, tenantID, id); err != nil {
		return faults.Normalize(err, faults.Scope{TenantID: tenantID, EntityTable: rule.SourceEntity})
	}
	s.Invalidate(ctx, tenantID, rule.SourceEntity)
	return nil
}

// Invalidate evicts the cached rules of one source entity
func (s *Store) Invalidate(ctx context.Context, tenantID, sourceEntity string) {
	s.cache.Invalidate(ctx, sourceKey(tenantID, sourceEntity))
}
