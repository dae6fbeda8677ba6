package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/metadata"
)

// RuleSchema creates the rules table
const RuleSchema = `
CREATE TABLE IF NOT EXISTS entity_conversion_rules (
	id                      UUID PRIMARY KEY,
	tenant_id               TEXT NOT NULL,
	name                    TEXT NOT NULL,
	description             TEXT,
	is_active               BOOLEAN NOT NULL DEFAULT TRUE,
	source_entity           TEXT NOT NULL,
	target_entity           TEXT NOT NULL,
	trigger_conditions      JSONB NOT NULL,
	field_mapping           JSONB NOT NULL DEFAULT '{}',
	extension_field_mapping JSONB NOT NULL DEFAULT '{}',
	conversion_settings     JSONB NOT NULL DEFAULT '{}',
	target_name_template    TEXT,
	default_values          JSONB NOT NULL DEFAULT '{}',
	approval_settings       JSONB NOT NULL DEFAULT '{}',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_by              TEXT,
	UNIQUE (tenant_id, name),
	CHECK (source_entity <> target_entity)
)`

const ruleColumns = `id::text, tenant_id, name, COALESCE(description, ''), is_active, source_entity, target_entity,
	trigger_conditions, field_mapping, extension_field_mapping, conversion_settings,
	COALESCE(target_name_template, ''), default_values, approval_settings, created_at, updated_at,
	COALESCE(created_by, '')`

// PostgresRepository stores rules in the metadata database
type PostgresRepository struct {
	db     metadata.DB
	logger *logger.Logger
}

func NewPostgresRepository(db metadata.DB, log *logger.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: log}
}

// EnsureSchema creates the rules table when missing
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, RuleSchema); err != nil {
		return fmt.Errorf("failed to create entity_conversion_rules: %w", err)
	}
	return nil
}

func scanRule(row pgx.Row) (*Rule, error) {
	var rule Rule
	var trigger, fieldMapping, extMapping, settings, defaults, approval []byte

	err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.Name,
		&rule.Description,
		&rule.IsActive,
		&rule.SourceEntity,
		&rule.TargetEntity,
		&trigger,
		&fieldMapping,
		&extMapping,
		&settings,
		&rule.TargetNameTemplate,
		&defaults,
		&approval,
		&rule.CreatedAt,
		&rule.UpdatedAt,
		&rule.CreatedBy,
	)
	if err != nil {
		return nil, err
	}

	columns := []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"trigger_conditions", trigger, &rule.TriggerConditions},
		{"field_mapping", fieldMapping, &rule.FieldMapping},
		{"extension_field_mapping", extMapping, &rule.ExtensionFieldMapping},
		{"conversion_settings", settings, &rule.ConversionSettings},
		{"default_values", defaults, &rule.DefaultValues},
		{"approval_settings", approval, &rule.ApprovalSettings},
	}
	for _, c := range columns {
		if len(c.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(c.raw, c.dst); err != nil {
			return nil, fmt.Errorf("failed to parse %s of rule %s: %w", c.name, rule.Name, err)
		}
	}
	return &rule, nil
}

type encodedRule struct {
	trigger, fieldMapping, extMapping, settings, defaults, approval []byte
}

func encodeRule(rule Rule) (*encodedRule, error) {
	var e encodedRule
	var err error
	orEmpty := func(m map[string]string) map[string]string {
		if m == nil {
			return map[string]string{}
		}
		return m
	}
	if e.trigger, err = json.Marshal(rule.TriggerConditions); err != nil {
		return nil, fmt.Errorf("failed to encode trigger_conditions: %w", err)
	}
	if e.fieldMapping, err = json.Marshal(orEmpty(rule.FieldMapping)); err != nil {
		return nil, fmt.Errorf("failed to encode field_mapping: %w", err)
	}
	if e.extMapping, err = json.Marshal(orEmpty(rule.ExtensionFieldMapping)); err != nil {
		return nil, fmt.Errorf("failed to encode extension_field_mapping: %w", err)
	}
	if e.settings, err = json.Marshal(rule.ConversionSettings); err != nil {
		return nil, fmt.Errorf("failed to encode conversion_settings: %w", err)
	}
	defaults := rule.DefaultValues
	if defaults == nil {
		defaults = map[string]any{}
	}
	if e.defaults, err = json.Marshal(defaults); err != nil {
		return nil, fmt.Errorf("failed to encode default_values: %w", err)
	}
	if e.approval, err = json.Marshal(rule.ApprovalSettings); err != nil {
		return nil, fmt.Errorf("failed to encode approval_settings: %w", err)
	}
	return &e, nil
}

func (r *PostgresRepository) ListForSource(ctx context.Context, tenantID, sourceEntity string) ([]Rule, error) {
	r.logger.Debugf("Loading conversion rules for %s:%s", tenantID, sourceEntity)
	query := `SELECT ` + ruleColumns + `
		FROM entity_conversion_rules
		WHERE tenant_id = $1 AND source_entity = $2
		ORDER BY name`

	rows, err := r.db.Query(ctx, query, tenantID, sourceEntity)
	if err != nil {
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	rules := []Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *PostgresRepository) Get(ctx context.Context, tenantID, id string) (*Rule, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ruleNotFound(tenantID, id)
	}
	query := `SELECT ` + ruleColumns + ` FROM entity_conversion_rules WHERE tenant_id = $1 AND id = $2`
	rule, err := scanRule(r.db.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ruleNotFound(tenantID, id)
		}
		return nil, err
	}
	return rule, nil
}

func (r *PostgresRepository) nameTaken(ctx context.Context, rule Rule) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM entity_conversion_rules WHERE tenant_id = $1 AND name = $2 AND id::text <> $3)",
		rule.TenantID, rule.Name, rule.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check rule name existence: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) Create(ctx context.Context, rule Rule) (*Rule, error) {
	if err := checkRule(rule); err != nil {
		return nil, err
	}
	r.logger.Infof("Creating conversion rule %s (%s -> %s) for tenant %s", rule.Name, rule.SourceEntity, rule.TargetEntity, rule.TenantID)

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	taken, err := r.nameTaken(ctx, rule)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, duplicateRule(rule)
	}
	enc, err := encodeRule(rule)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO entity_conversion_rules (id, tenant_id, name, description, is_active, source_entity, target_entity,
			trigger_conditions, field_mapping, extension_field_mapping, conversion_settings, target_name_template,
			default_values, approval_settings, created_by)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14, NULLIF($15, ''))
		RETURNING ` + ruleColumns

	created, err := scanRule(r.db.QueryRow(ctx, query,
		rule.ID, rule.TenantID, rule.Name, rule.Description, rule.IsActive, rule.SourceEntity, rule.TargetEntity,
		enc.trigger, enc.fieldMapping, enc.extMapping, enc.settings, rule.TargetNameTemplate,
		enc.defaults, enc.approval, rule.CreatedBy,
	))
	if err != nil {
		r.logger.Errorf("Failed to create conversion rule: %v", err)
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) Update(ctx context.Context, rule Rule) (*Rule, error) {
	if err := checkRule(rule); err != nil {
		return nil, err
	}
	taken, err := r.nameTaken(ctx, rule)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, duplicateRule(rule)
	}
	enc, err := encodeRule(rule)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE entity_conversion_rules
		SET name = $3, description = NULLIF($4, ''), is_active = $5, source_entity = $6, target_entity = $7,
			trigger_conditions = $8, field_mapping = $9, extension_field_mapping = $10, conversion_settings = $11,
			target_name_template = NULLIF($12, ''), default_values = $13, approval_settings = $14, updated_at = NOW()
		WHERE tenant_id = $1 AND id::text = $2
		RETURNING ` + ruleColumns

	updated, err := scanRule(r.db.QueryRow(ctx, query,
		rule.TenantID, rule.ID, rule.Name, rule.Description, rule.IsActive, rule.SourceEntity, rule.TargetEntity,
		enc.trigger, enc.fieldMapping, enc.extMapping, enc.settings, rule.TargetNameTemplate, enc.defaults, enc.approval,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ruleNotFound(rule.TenantID, rule.ID)
		}
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) Deactivate(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE entity_conversion_rules SET is_active = FALSE, updated_at = NOW() WHERE tenant_id = $1 AND id::text = $2",
		tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate conversion rule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ruleNotFound(tenantID, id)
	}
	return nil
}
