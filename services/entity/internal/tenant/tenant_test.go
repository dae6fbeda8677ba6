package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/encryption"
	"github.com/redbco/redb-entities/pkg/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRow scans fixed values into the destinations given to Scan
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *[]byte:
			*p = r.values[i].([]byte)
		case *[]string:
			*p = r.values[i].([]string)
		}
	}
	return nil
}

// fakeDB is a single-table tenant_connections stand-in
type fakeDB struct {
	rows map[string][]any
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	values, ok := db.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: values}
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if len(args) == 4 {
		db.rows[args[0].(string)] = []any{args[1].(string), args[2].([]byte), args[3].([]string)}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func newSecrets(t *testing.T) *encryption.TenantSecrets {
	t.Helper()
	store := keyring.NewFileKeyring(filepath.Join(t.TempDir(), "keyring.json"), "test")
	secrets := encryption.NewTenantSecrets(store)
	require.NoError(t, secrets.GenerateTenantKeys("t1", 1024))
	return secrets
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]config.TenantStaticConfig{
		"t1": {Backend: "memory"},
		"t2": {Backend: "postgres", Params: map[string]string{"connection_string": "postgres://db/app"}},
	})

	tc, err := p.GetTenantConnectionConfig(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "postgres", tc.Backend)
	assert.Equal(t, "postgres://db/app", tc.Params["connection_string"])

	tc.Params["connection_string"] = "mutated"
	again, err := p.GetTenantConnectionConfig(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/app", again.Params["connection_string"])

	_, err = p.GetTenantConnectionConfig(context.Background(), "unknown")
	require.Error(t, err)
	assert.True(t, adapter.IsConfigurationError(err))

	assert.Equal(t, []string{"t1", "t2"}, p.Tenants())
}

func TestPostgresProviderDecryptsSecrets(t *testing.T) {
	ctx := context.Background()
	secrets := newSecrets(t)
	db := &fakeDB{rows: map[string][]any{}}
	p := NewPostgresProvider(db, secrets, nil)

	err := p.SaveTenantConnection(ctx, "t1", adapter.TenantConnection{
		Backend: "rest",
		Params:  map[string]string{"url": "https://api.example.com", "api_key": "service-key"},
	}, []string{"api_key"})
	require.NoError(t, err)

	var stored map[string]string
	require.NoError(t, json.Unmarshal(db.rows["t1"][1].([]byte), &stored))
	assert.NotEqual(t, "service-key", stored["api_key"])
	assert.Equal(t, "https://api.example.com", stored["url"])

	tc, err := p.GetTenantConnectionConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "rest", tc.Backend)
	assert.Equal(t, "service-key", tc.Params["api_key"])
	assert.Equal(t, "https://api.example.com", tc.Params["url"])
}

func TestPostgresProviderErrors(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{rows: map[string][]any{
		"bad-json":   {"postgres", []byte(`{"port": 5432}`), []string{}},
		"bad-secret": {"postgres", []byte(`{"connection_string": "not-encrypted"}`), []string{"connection_string"}},
	}}
	p := NewPostgresProvider(db, newSecrets(t), nil)

	tests := []struct {
		name     string
		tenantID string
	}{
		{"missing tenant", "nobody"},
		{"params not strings", "bad-json"},
		{"undecryptable secret", "bad-secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.GetTenantConnectionConfig(ctx, tt.tenantID)
			require.Error(t, err)
			assert.True(t, adapter.IsConfigurationError(err))
		})
	}

	err := p.SaveTenantConnection(ctx, "t1", adapter.TenantConnection{Backend: "oracle"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, adapter.ErrInvalidConfiguration))
}
