package adapter

import "strings"

// Connection parameter keys understood by the built-in adapters
const (
	ParamURL              = "url"
	ParamAPIKey           = "api_key"
	ParamConnectionString = "connection_string"
	ParamURI              = "uri"
	ParamDatabase         = "database"
)

// TenantConnection is what the tenant configuration service returns for a tenant
type TenantConnection struct {
	Backend string            `json:"backendType"`
	Params  map[string]string `json:"connectionParams"`
}

// Config is the immutable input to a Factory
type Config struct {
	Backend  BackendType `json:"backend"`
	TenantID string      `json:"tenantId"`
	Resource string      `json:"resource"`

	URL              string `json:"url,omitempty"`
	APIKey           string `json:"-"`
	ConnectionString string `json:"-"`
	URI              string `json:"-"`
	Database         string `json:"database,omitempty"`

	// Credential is a per-call bearer token; adapters built with one are never cached
	Credential string `json:"-"`

	Options map[string]string `json:"options,omitempty"`
}

// ConfigFromTenantConnection builds a Config for tenantID/resource. Unknown
// parameter keys are kept in Options.
func ConfigFromTenantConnection(tenantID, resource string, tc TenantConnection) (Config, error) {
	backend, ok := ParseBackend(tc.Backend)
	if !ok {
		return Config{}, NewConfigurationError(BackendType(tc.Backend), "backend_type", "unknown backend type")
	}

	cfg := Config{
		Backend:  backend,
		TenantID: tenantID,
		Resource: resource,
		Options:  make(map[string]string),
	}
	for k, v := range tc.Params {
		switch strings.ToLower(k) {
		case ParamURL:
			cfg.URL = v
		case ParamAPIKey:
			cfg.APIKey = v
		case ParamConnectionString:
			cfg.ConnectionString = v
		case ParamURI:
			cfg.URI = v
		case ParamDatabase:
			cfg.Database = v
		default:
			cfg.Options[k] = v
		}
	}
	return cfg, nil
}

// Require returns a ConfigurationError naming the first empty field
func (c Config) Require(fields ...string) error {
	for _, f := range fields {
		var v string
		switch f {
		case ParamURL:
			v = c.URL
		case ParamAPIKey:
			v = c.APIKey
		case ParamConnectionString:
			v = c.ConnectionString
		case ParamURI:
			v = c.URI
		case ParamDatabase:
			v = c.Database
		default:
			v = c.Options[f]
		}
		if strings.TrimSpace(v) == "" {
			return NewConfigurationError(c.Backend, f, "missing connection parameter")
		}
	}
	return nil
}
