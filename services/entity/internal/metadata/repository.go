// Package metadata stores tenant extension field definitions and serves them
// through a TTL cache.
package metadata

import (
	"context"
	"fmt"

	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// Error codes raised by repositories
const (
	CodeFieldNotFound     = "FIELD_NOT_FOUND"
	CodeDuplicateField    = "DUPLICATE_FIELD"
	CodeInvalidDefinition = "INVALID_DEFINITION"
)

// Repository persists field definitions. ListForEntity returns active and
// inactive definitions ordered by field name.
type Repository interface {
	ListForEntity(ctx context.Context, tenantID, entityTable string) ([]fields.Definition, error)
	Get(ctx context.Context, tenantID, entityTable, fieldName string) (*fields.Definition, error)
	Create(ctx context.Context, def fields.Definition) (*fields.Definition, error)
	Update(ctx context.Context, def fields.Definition) (*fields.Definition, error)
	Deactivate(ctx context.Context, tenantID, entityTable, fieldName string) error
}

func notFound(tenantID, entityTable, fieldName string) error {
	return faults.New(faults.KindFieldDefinition, CodeFieldNotFound,
		fmt.Sprintf("field %s is not defined for %s", fieldName, entityTable),
		faults.WithTenant(tenantID, entityTable), faults.WithField(fieldName))
}

func duplicate(def fields.Definition) error {
	return faults.New(faults.KindValidation, CodeDuplicateField,
		fmt.Sprintf("field %s already exists on %s", def.FieldName, def.EntityTable),
		faults.WithTenant(def.TenantID, def.EntityTable), faults.WithField(def.FieldName))
}

func limitExceeded(def fields.Definition) error {
	return faults.New(faults.KindValidation, fields.CodeFieldLimit,
		fmt.Sprintf("%s already has %d active fields", def.EntityTable, fields.MaxFieldsPerEntity),
		faults.WithTenant(def.TenantID, def.EntityTable), faults.WithField(def.FieldName))
}

// checkDefinition validates a definition before it is written
func checkDefinition(def fields.Definition) error {
	if def.TenantID == "" || def.EntityTable == "" {
		return faults.New(faults.KindValidation, CodeInvalidDefinition, "tenant_id and entity_table are required",
			faults.WithField(def.FieldName))
	}
	if err := def.Check(); err != nil {
		return faults.New(faults.KindValidation, CodeInvalidDefinition, err.Error(),
			faults.WithTenant(def.TenantID, def.EntityTable), faults.WithField(def.FieldName), faults.WithCause(err))
	}
	return nil
}
