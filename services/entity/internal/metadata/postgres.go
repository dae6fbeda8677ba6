package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// DB is the subset of *pgxpool.Pool used by the metadata repositories
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// FieldDefinitionSchema creates the definitions table
const FieldDefinitionSchema = `
CREATE TABLE IF NOT EXISTS extension_field_definitions (
	id               UUID PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	entity_table     TEXT NOT NULL,
	field_name       TEXT NOT NULL,
	field_type       TEXT NOT NULL,
	display_name     TEXT NOT NULL DEFAULT '',
	description      TEXT,
	is_required      BOOLEAN NOT NULL DEFAULT FALSE,
	is_searchable    BOOLEAN NOT NULL DEFAULT FALSE,
	is_filterable    BOOLEAN NOT NULL DEFAULT FALSE,
	is_sortable      BOOLEAN NOT NULL DEFAULT FALSE,
	default_value    JSONB,
	validation_rules JSONB NOT NULL DEFAULT '{}',
	ui_config        JSONB NOT NULL DEFAULT '{}',
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, entity_table, field_name)
)`

const definitionColumns = `id::text, tenant_id, entity_table, field_name, field_type, display_name,
	COALESCE(description, ''), is_required, is_searchable, is_filterable, is_sortable,
	default_value, validation_rules, ui_config, is_active, created_at, updated_at`

// PostgresRepository stores definitions in the metadata database
type PostgresRepository struct {
	db     DB
	logger *logger.Logger
}

func NewPostgresRepository(db DB, log *logger.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: log}
}

// EnsureSchema creates the definitions table when missing
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, FieldDefinitionSchema); err != nil {
		return fmt.Errorf("failed to create extension_field_definitions: %w", err)
	}
	return nil
}

func scanDefinition(row pgx.Row) (*fields.Definition, error) {
	var d fields.Definition
	var fieldType string
	var defaultValue, rules, uiConfig []byte

	err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.EntityTable,
		&d.FieldName,
		&fieldType,
		&d.DisplayName,
		&d.Description,
		&d.IsRequired,
		&d.IsSearchable,
		&d.IsFilterable,
		&d.IsSortable,
		&defaultValue,
		&rules,
		&uiConfig,
		&d.IsActive,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.FieldType = fields.FieldType(fieldType)

	if len(defaultValue) > 0 {
		if err := json.Unmarshal(defaultValue, &d.DefaultValue); err != nil {
			return nil, fmt.Errorf("failed to parse default_value of %s: %w", d.FieldName, err)
		}
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &d.ValidationRules); err != nil {
			return nil, fmt.Errorf("failed to parse validation_rules of %s: %w", d.FieldName, err)
		}
	}
	if len(uiConfig) > 0 {
		if err := json.Unmarshal(uiConfig, &d.UIConfig); err != nil {
			return nil, fmt.Errorf("failed to parse ui_config of %s: %w", d.FieldName, err)
		}
	}
	return &d, nil
}

func encodeJSONColumns(d fields.Definition) (defaultValue, rules, uiConfig []byte, err error) {
	if d.DefaultValue != nil {
		if defaultValue, err = json.Marshal(d.DefaultValue); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode default_value: %w", err)
		}
	}
	if rules, err = json.Marshal(d.ValidationRules); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode validation_rules: %w", err)
	}
	ui := d.UIConfig
	if ui == nil {
		ui = map[string]any{}
	}
	if uiConfig, err = json.Marshal(ui); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode ui_config: %w", err)
	}
	return defaultValue, rules, uiConfig, nil
}

func (r *PostgresRepository) ListForEntity(ctx context.Context, tenantID, entityTable string) ([]fields.Definition, error) {
	r.logger.Debugf("Loading field definitions for %s:%s", tenantID, entityTable)
	query := `SELECT ` + definitionColumns + `
		FROM extension_field_definitions
		WHERE tenant_id = $1 AND entity_table = $2
		ORDER BY field_name`

	rows, err := r.db.Query(ctx, query, tenantID, entityTable)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var defs []fields.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return defs, nil
}

func (r *PostgresRepository) Get(ctx context.Context, tenantID, entityTable, fieldName string) (*fields.Definition, error) {
	query := `SELECT ` + definitionColumns + `
		FROM extension_field_definitions
		WHERE tenant_id = $1 AND entity_table = $2 AND field_name = $3`

	d, err := scanDefinition(r.db.QueryRow(ctx, query, tenantID, entityTable, fieldName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(tenantID, entityTable, fieldName)
		}
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepository) Create(ctx context.Context, def fields.Definition) (*fields.Definition, error) {
	if err := checkDefinition(def); err != nil {
		return nil, err
	}
	r.logger.Infof("Creating field definition %s on %s for tenant %s", def.FieldName, def.EntityTable, def.TenantID)

	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM extension_field_definitions WHERE tenant_id = $1 AND entity_table = $2 AND field_name = $3)",
		def.TenantID, def.EntityTable, def.FieldName).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check field name existence: %w", err)
	}
	if exists {
		return nil, duplicate(def)
	}

	if def.IsActive {
		var active int
		err = r.db.QueryRow(ctx,
			"SELECT COUNT(*) FROM extension_field_definitions WHERE tenant_id = $1 AND entity_table = $2 AND is_active",
			def.TenantID, def.EntityTable).Scan(&active)
		if err != nil {
			return nil, fmt.Errorf("failed to count active fields: %w", err)
		}
		if active >= fields.MaxFieldsPerEntity {
			return nil, limitExceeded(def)
		}
	}

	defaultValue, rules, uiConfig, err := encodeJSONColumns(def)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	query := `
		INSERT INTO extension_field_definitions (id, tenant_id, entity_table, field_name, field_type, display_name,
			description, is_required, is_searchable, is_filterable, is_sortable, default_value, validation_rules,
			ui_config, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING ` + definitionColumns

	created, err := scanDefinition(r.db.QueryRow(ctx, query,
		def.ID, def.TenantID, def.EntityTable, def.FieldName, string(def.FieldType), def.DisplayName,
		def.Description, def.IsRequired, def.IsSearchable, def.IsFilterable, def.IsSortable,
		defaultValue, rules, uiConfig, def.IsActive,
	))
	if err != nil {
		r.logger.Errorf("Failed to create field definition: %v", err)
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) Update(ctx context.Context, def fields.Definition) (*fields.Definition, error) {
	if err := checkDefinition(def); err != nil {
		return nil, err
	}
	defaultValue, rules, uiConfig, err := encodeJSONColumns(def)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE extension_field_definitions
		SET field_type = $4, display_name = $5, description = NULLIF($6, ''), is_required = $7,
			is_searchable = $8, is_filterable = $9, is_sortable = $10, default_value = $11,
			validation_rules = $12, ui_config = $13, is_active = $14, updated_at = NOW()
		WHERE tenant_id = $1 AND entity_table = $2 AND field_name = $3
		RETURNING ` + definitionColumns

	updated, err := scanDefinition(r.db.QueryRow(ctx, query,
		def.TenantID, def.EntityTable, def.FieldName, string(def.FieldType), def.DisplayName, def.Description,
		def.IsRequired, def.IsSearchable, def.IsFilterable, def.IsSortable, defaultValue, rules, uiConfig, def.IsActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound(def.TenantID, def.EntityTable, def.FieldName)
		}
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) Deactivate(ctx context.Context, tenantID, entityTable, fieldName string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE extension_field_definitions SET is_active = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND entity_table = $2 AND field_name = $3",
		tenantID, entityTable, fieldName)
	if err != nil {
		return fmt.Errorf("failed to deactivate field %s: %w", fieldName, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(tenantID, entityTable, fieldName)
	}
	return nil
}
