package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the entity service configuration file
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Redis      RedisConfig      `yaml:"redis"`
	Events     EventsConfig     `yaml:"events"`
	Tenants    TenantsConfig    `yaml:"tenants"`
	Validation ValidationConfig `yaml:"validation"`
	Retry      RetryConfig      `yaml:"retry"`
	Conversion ConversionConfig `yaml:"conversion"`
}

type ServiceConfig struct {
	Name                string        `yaml:"name"`
	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetadataConfig describes the PostgreSQL database holding field definitions,
// conversion rules and tenant connections.
type MetadataConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	Database          string        `yaml:"database"`
	SSLMode           string        `yaml:"ssl_mode"`
	MaxConnections    int32         `yaml:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	DefinitionTTL     time.Duration `yaml:"definition_ttl"`
	RuleTTL           time.Duration `yaml:"rule_ttl"`
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type EventsConfig struct {
	Driver         string        `yaml:"driver"`
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// TenantsConfig selects where tenant connection parameters come from.
type TenantsConfig struct {
	Source string                        `yaml:"source"`
	Static map[string]TenantStaticConfig `yaml:"static"`
}

type TenantStaticConfig struct {
	Backend string            `yaml:"backend"`
	Params  map[string]string `yaml:"params"`
}

type ValidationConfig struct {
	Strict       bool   `yaml:"strict"`
	AllowUnknown bool   `yaml:"allow_unknown"`
	ExtensionKey string `yaml:"extension_column"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

type ConversionConfig struct {
	MaxConditionDepth int `yaml:"max_condition_depth"`
}

// Load reads, defaults, applies environment overrides and validates a config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration suitable for local development
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "entities"
	}
	if c.Service.ShutdownGrace == 0 {
		c.Service.ShutdownGrace = 30 * time.Second
	}
	if c.Service.HealthCheckInterval == 0 {
		c.Service.HealthCheckInterval = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metadata.Port == 0 {
		c.Metadata.Port = 5432
	}
	if c.Metadata.SSLMode == "" {
		c.Metadata.SSLMode = "disable"
	}
	if c.Metadata.MaxConnections == 0 {
		c.Metadata.MaxConnections = 20
	}
	if c.Metadata.ConnectionTimeout == 0 {
		c.Metadata.ConnectionTimeout = 5 * time.Second
	}
	if c.Metadata.DefinitionTTL == 0 {
		c.Metadata.DefinitionTTL = 5 * time.Minute
	}
	if c.Metadata.RuleTTL == 0 {
		c.Metadata.RuleTTL = 5 * time.Minute
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 10 * time.Minute
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "entity-conversions"
	}
	if c.Events.PublishTimeout == 0 {
		c.Events.PublishTimeout = 5 * time.Second
	}
	if c.Tenants.Source == "" {
		c.Tenants.Source = "postgres"
	}
	if c.Validation.ExtensionKey == "" {
		c.Validation.ExtensionKey = "extension_fields"
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 100 * time.Millisecond
	}
	if c.Conversion.MaxConditionDepth == 0 {
		c.Conversion.MaxConditionDepth = 32
	}
}

// Validate checks required settings and enumerations
func (c *Config) Validate() error {
	switch c.Tenants.Source {
	case "postgres":
		if c.Metadata.Database == "" {
			return fmt.Errorf("metadata.database is required when tenants.source is postgres")
		}
		if c.Metadata.Host == "" {
			return fmt.Errorf("metadata.host is required when tenants.source is postgres")
		}
	case "static":
		if len(c.Tenants.Static) == 0 {
			return fmt.Errorf("tenants.static must define at least one tenant when tenants.source is static")
		}
		for id, t := range c.Tenants.Static {
			if t.Backend == "" {
				return fmt.Errorf("tenants.static.%s.backend is required", id)
			}
		}
	default:
		return fmt.Errorf("unsupported tenants.source %q", c.Tenants.Source)
	}

	switch c.Events.Driver {
	case "log":
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("events.brokers is required when events.driver is kafka")
		}
	default:
		return fmt.Errorf("unsupported events.driver %q", c.Events.Driver)
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Conversion.MaxConditionDepth < 1 {
		return fmt.Errorf("conversion.max_condition_depth must be positive")
	}
	return nil
}

// MetadataEnabled reports whether a metadata database is configured
func (c *Config) MetadataEnabled() bool {
	return c.Metadata.Host != "" && c.Metadata.Database != ""
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDB_ENTITIES_METADATA_HOST"); v != "" {
		c.Metadata.Host = v
	}
	if v := os.Getenv("REDB_ENTITIES_METADATA_DATABASE"); v != "" {
		c.Metadata.Database = v
	}
	if v := os.Getenv("REDB_ENTITIES_METADATA_PASSWORD"); v != "" {
		c.Metadata.Password = v
	}
	if v := os.Getenv("REDB_ENTITIES_REDIS_HOST"); v != "" {
		c.Redis.Host = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDB_ENTITIES_KAFKA_BROKERS"); v != "" {
		c.Events.Driver = "kafka"
		c.Events.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDB_ENTITIES_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
