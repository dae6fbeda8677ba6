// Package tenant resolves a tenant's storage backend and connection parameters.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/logger"
)

// Secrets decrypts and encrypts connection secrets per tenant.
// *encryption.TenantSecrets implements it.
type Secrets interface {
	EncryptSecret(tenantID, secret string) (string, error)
	DecryptSecret(tenantID, encrypted string) (string, error)
}

// DB is the subset of *pgxpool.Pool used here
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func missingTenant(tenantID string) error {
	return &adapter.ConfigurationError{
		Field:  "tenant_id",
		Reason: fmt.Sprintf("no connection configured for tenant %s", tenantID),
		Cause:  adapter.ErrInvalidConfiguration,
	}
}

// StaticProvider serves connections declared in the service configuration
type StaticProvider struct {
	tenants map[string]adapter.TenantConnection
}

func NewStaticProvider(static map[string]config.TenantStaticConfig) *StaticProvider {
	tenants := make(map[string]adapter.TenantConnection, len(static))
	for id, t := range static {
		params := make(map[string]string, len(t.Params))
		for k, v := range t.Params {
			params[k] = v
		}
		tenants[id] = adapter.TenantConnection{Backend: t.Backend, Params: params}
	}
	return &StaticProvider{tenants: tenants}
}

func (p *StaticProvider) GetTenantConnectionConfig(ctx context.Context, tenantID string) (*adapter.TenantConnection, error) {
	tc, ok := p.tenants[tenantID]
	if !ok {
		return nil, missingTenant(tenantID)
	}
	params := make(map[string]string, len(tc.Params))
	for k, v := range tc.Params {
		params[k] = v
	}
	return &adapter.TenantConnection{Backend: tc.Backend, Params: params}, nil
}

// Tenants lists configured tenant ids, sorted
func (p *StaticProvider) Tenants() []string {
	ids := make([]string, 0, len(p.tenants))
	for id := range p.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionSchema creates the tenant connection table
const ConnectionSchema = `
CREATE TABLE IF NOT EXISTS tenant_connections (
	tenant_id         TEXT PRIMARY KEY,
	backend_type      TEXT NOT NULL,
	connection_params JSONB NOT NULL DEFAULT '{}',
	encrypted_keys    TEXT[] NOT NULL DEFAULT '{}',
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresProvider reads tenant connections from the metadata database.
// Parameters named in encrypted_keys are stored encrypted with the tenant's key.
type PostgresProvider struct {
	db      DB
	secrets Secrets
	logger  *logger.Logger
}

func NewPostgresProvider(db DB, secrets Secrets, log *logger.Logger) *PostgresProvider {
	return &PostgresProvider{db: db, secrets: secrets, logger: log}
}

func (p *PostgresProvider) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, ConnectionSchema); err != nil {
		return fmt.Errorf("failed to create tenant_connections: %w", err)
	}
	return nil
}

func (p *PostgresProvider) GetTenantConnectionConfig(ctx context.Context, tenantID string) (*adapter.TenantConnection, error) {
	var backend string
	var rawParams []byte
	var encryptedKeys []string

	err := p.db.QueryRow(ctx,
		"SELECT backend_type, connection_params, encrypted_keys FROM tenant_connections WHERE tenant_id = $1",
		tenantID).Scan(&backend, &rawParams, &encryptedKeys)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, missingTenant(tenantID)
		}
		return nil, fmt.Errorf("failed to load tenant connection: %w", err)
	}

	params := make(map[string]string)
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, &adapter.ConfigurationError{
				Field:  "connection_params",
				Reason: "connection parameters are not a JSON object of strings",
				Cause:  err,
			}
		}
	}

	for _, key := range encryptedKeys {
		encrypted, ok := params[key]
		if !ok || encrypted == "" {
			continue
		}
		if p.secrets == nil {
			return nil, adapter.NewConfigurationError(adapter.BackendType(backend), key, "encrypted parameter but no tenant secrets configured")
		}
		plain, err := p.secrets.DecryptSecret(tenantID, encrypted)
		if err != nil {
			p.logger.Errorf("Failed to decrypt %s for tenant %s: %v", key, tenantID, err)
			return nil, &adapter.ConfigurationError{
				Backend: adapter.BackendType(backend),
				Field:   key,
				Reason:  "failed to decrypt connection parameter",
				Cause:   err,
			}
		}
		params[key] = plain
	}

	return &adapter.TenantConnection{Backend: backend, Params: params}, nil
}

// SaveTenantConnection stores a tenant connection, encrypting the listed keys
func (p *PostgresProvider) SaveTenantConnection(ctx context.Context, tenantID string, tc adapter.TenantConnection, encryptKeys []string) error {
	if _, ok := adapter.ParseBackend(tc.Backend); !ok {
		return adapter.NewConfigurationError(adapter.BackendType(tc.Backend), "backend_type", "unknown backend type")
	}

	params := make(map[string]string, len(tc.Params))
	for k, v := range tc.Params {
		params[k] = v
	}
	var stored []string
	for _, key := range encryptKeys {
		v, ok := params[key]
		if !ok || v == "" {
			continue
		}
		if p.secrets == nil {
			return adapter.NewConfigurationError(adapter.BackendType(tc.Backend), key, "no tenant secrets configured")
		}
		encrypted, err := p.secrets.EncryptSecret(tenantID, v)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", key, err)
		}
		params[key] = encrypted
		stored = append(stored, key)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode connection params: %w", err)
	}
	if stored == nil {
		stored = []string{}
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO tenant_connections (tenant_id, backend_type, connection_params, encrypted_keys)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id) DO UPDATE
		SET backend_type = EXCLUDED.backend_type, connection_params = EXCLUDED.connection_params,
			encrypted_keys = EXCLUDED.encrypted_keys, updated_at = NOW()`,
		tenantID, tc.Backend, raw, stored)
	if err != nil {
		return fmt.Errorf("failed to save tenant connection: %w", err)
	}
	p.logger.Infof("Saved %s connection for tenant %s", tc.Backend, tenantID)
	return nil
}
