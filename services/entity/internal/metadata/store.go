package metadata

import (
	"context"

	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/cache"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// Store serves field definitions from cache, loading from the repository on a
// miss. Mutations evict the affected tenant:entity key from every tier.
type Store struct {
	repo   Repository
	cache  *cache.Tiered[[]fields.Definition]
	retry  faults.Policy
	logger *logger.Logger
}

func NewStore(repo Repository, c *cache.Tiered[[]fields.Definition], retry faults.Policy, log *logger.Logger) *Store {
	return &Store{repo: repo, cache: c, retry: retry, logger: log}
}

// GetFieldDefinitionsForTenant returns active and inactive definitions for an entity
func (s *Store) GetFieldDefinitionsForTenant(ctx context.Context, tenantID, entityTable string) ([]fields.Definition, error) {
	key := entityKey(tenantID, entityTable)
	defs, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]fields.Definition, error) {
		s.logger.Debugf("Field definition cache miss for %s", key)
		return faults.Retry(ctx, s.retry, func(ctx context.Context) ([]fields.Definition, error) {
			return s.repo.ListForEntity(ctx, tenantID, entityTable)
		})
	})
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: tenantID, EntityTable: entityTable})
	}
	return append([]fields.Definition(nil), defs...), nil
}

// GetDefinition reads one definition through the cached list
func (s *Store) GetDefinition(ctx context.Context, tenantID, entityTable, fieldName string) (*fields.Definition, error) {
	defs, err := s.GetFieldDefinitionsForTenant(ctx, tenantID, entityTable)
	if err != nil {
		return nil, err
	}
	for _, d := range defs {
		if d.FieldName == fieldName {
			return &d, nil
		}
	}
	return nil, notFound(tenantID, entityTable, fieldName)
}

func (s *Store) CreateDefinition(ctx context.Context, def fields.Definition) (*fields.Definition, error) {
	created, err := s.repo.Create(ctx, def)
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: def.TenantID, EntityTable: def.EntityTable, Field: def.FieldName})
	}
	s.Invalidate(ctx, def.TenantID, def.EntityTable)
	return created, nil
}

func (s *Store) UpdateDefinition(ctx context.Context, def fields.Definition) (*fields.Definition, error) {
	updated, err := s.repo.Update(ctx, def)
	if err != nil {
		return nil, faults.Normalize(err, faults.Scope{TenantID: def.TenantID, EntityTable: def.EntityTable, Field: def.FieldName})
	}
	s.Invalidate(ctx, def.TenantID, def.EntityTable)
	return updated, nil
}

// DeactivateDefinition soft-deletes a definition; it stays readable for history
func (s *Store) DeactivateDefinition(ctx context.Context, tenantID, entityTable, fieldName string) error {
	if err := s.repo.Deactivate(ctx, tenantID, entityTable, fieldName); err != nil {
		return faults.Normalize(err, faults.Scope{TenantID: tenantID, EntityTable: entityTable, Field: fieldName})
	}
	s.Invalidate(ctx, tenantID, entityTable)
	return nil
}

// Invalidate evicts the cached definitions of one entity
func (s *Store) Invalidate(ctx context.Context, tenantID, entityTable string) {
	s.cache.Invalidate(ctx, entityKey(tenantID, entityTable))
}
