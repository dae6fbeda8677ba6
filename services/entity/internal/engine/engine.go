package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/database"
	"github.com/redbco/redb-entities/pkg/encryption"
	"github.com/redbco/redb-entities/pkg/keyring"
	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/cache"
	"github.com/redbco/redb-entities/services/entity/internal/conversion"
	"github.com/redbco/redb-entities/services/entity/internal/database/memory"
	"github.com/redbco/redb-entities/services/entity/internal/database/mongodb"
	"github.com/redbco/redb-entities/services/entity/internal/database/mysql"
	"github.com/redbco/redb-entities/services/entity/internal/database/postgres"
	"github.com/redbco/redb-entities/services/entity/internal/database/rest"
	"github.com/redbco/redb-entities/services/entity/internal/entities"
	"github.com/redbco/redb-entities/services/entity/internal/events"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
	"github.com/redbco/redb-entities/services/entity/internal/metadata"
	"github.com/redbco/redb-entities/services/entity/internal/resolver"
	"github.com/redbco/redb-entities/services/entity/internal/tenant"
)

// Engine owns every component of the entity service
type Engine struct {
	config *config.Config
	logger *logger.Logger

	db    *database.PostgreSQL
	redis *database.Redis

	registry    *adapter.Registry
	resolver    *resolver.Resolver
	definitions *metadata.Store
	rules       *conversion.Store
	entities    *entities.Service
	conversions *conversion.Engine
	bus         *events.Bus

	state struct {
		running              int32
		writesObserved       int64
		conversionsCompleted int64
		conversionsFailed    int64
		conversionsPending   int64
	}
}

func NewEngine(cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{config: cfg, logger: log}
}

// Build connects the metadata stores and assembles the service graph
func (e *Engine) Build(ctx context.Context) error {
	cfg := e.config
	handler := faults.NewHandler(e.logger)
	retry := faults.Policy{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay}

	if cfg.MetadataEnabled() {
		db, err := database.New(ctx, database.PostgreSQLConfigFrom(cfg.Metadata))
		if err != nil {
			return fmt.Errorf("failed to connect metadata database: %w", err)
		}
		e.db = db
		e.logger.Infof("Connected to metadata database %s on %s", cfg.Metadata.Database, cfg.Metadata.Host)
	}

	if cfg.Redis.Enabled {
		r, err := database.NewRedis(ctx, database.RedisConfigFrom(cfg.Redis))
		if err != nil {
			// the shared tier is optional; local caches keep working
			e.logger.Warnf("Redis unavailable, continuing without shared cache: %v", err)
		} else {
			e.redis = r
		}
	}

	tenants, err := e.tenantProvider(ctx)
	if err != nil {
		return err
	}

	e.registry = adapter.NewRegistry(tenants, e.logger)
	RegisterBackends(e.registry)
	e.resolver = resolver.New(e.registry, e.logger)

	defRepo, ruleRepo, err := e.repositories(ctx)
	if err != nil {
		return err
	}

	var shared cache.Shared
	if e.redis != nil {
		shared = e.redis
	}
	defCache := cache.NewTiered(cache.NewTTL[[]fields.Definition](cfg.Metadata.DefinitionTTL, nil), shared, "field-definitions", handler)
	ruleCache := cache.NewTiered(cache.NewTTL[[]conversion.Rule](cfg.Metadata.RuleTTL, nil), shared, "conversion-rules", handler)
	e.definitions = metadata.NewStore(defRepo, defCache, retry, e.logger)
	e.rules = conversion.NewStore(ruleRepo, ruleCache, retry, e.logger)

	fieldEngine := fields.NewEngine(fields.Options{Strict: cfg.Validation.Strict, AllowUnknown: cfg.Validation.AllowUnknown}, handler)
	e.entities = entities.NewService(e.resolver, e.definitions, fieldEngine, e.logger,
		entities.WithExtensionColumn(cfg.Validation.ExtensionKey))

	publisher, err := events.NewPublisher(cfg.Events, e.logger)
	if err != nil {
		return err
	}
	e.bus = events.NewBus(publisher, cfg.Events.PublishTimeout, e.logger)

	e.conversions = conversion.NewEngine(e.rules, e.entities, e.definitions, e.bus, e.logger,
		conversion.WithMaxDepth(cfg.Conversion.MaxConditionDepth))
	e.entities.AddHook(entities.WriteHookFunc(e.afterWrite))
	return nil
}

// RegisterBackends registers every storage adapter factory
func RegisterBackends(r *adapter.Registry) {
	r.RegisterFactory(adapter.PostgreSQL, postgres.NewAdapter)
	r.RegisterFactory(adapter.MySQL, mysql.NewAdapter)
	r.RegisterFactory(adapter.MongoDB, mongodb.NewAdapter)
	r.RegisterFactory(adapter.REST, rest.Factory())
	r.RegisterFactory(adapter.Memory, memory.NewStore().Factory())
}

func (e *Engine) tenantProvider(ctx context.Context) (adapter.TenantConfigProvider, error) {
	switch e.config.Tenants.Source {
	case "static":
		return tenant.NewStaticProvider(e.config.Tenants.Static), nil
	case "postgres":
		if e.db == nil {
			return nil, errors.New("tenant connections require the metadata database")
		}
		store := keyring.NewManager(keyring.BackendAuto, keyring.DefaultPath(), keyring.MasterPasswordFromEnv())
		provider := tenant.NewPostgresProvider(e.db.Pool(), encryption.NewTenantSecrets(store), e.logger)
		if err := provider.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return provider, nil
	}
	return nil, fmt.Errorf("unsupported tenant source %q", e.config.Tenants.Source)
}

func (e *Engine) repositories(ctx context.Context) (metadata.Repository, conversion.Repository, error) {
	if e.db == nil {
		e.logger.Warn("No metadata database configured; field definitions and conversion rules are kept in memory")
		return metadata.NewMemoryRepository(), conversion.NewMemoryRepository(), nil
	}

	defs := metadata.NewPostgresRepository(e.db.Pool(), e.logger)
	if err := defs.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	rules := conversion.NewPostgresRepository(e.db.Pool(), e.logger)
	if err := rules.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	return defs, rules, nil
}

func (e *Engine) afterWrite(ctx context.Context, ev entities.WriteEvent) {
	atomic.AddInt64(&e.state.writesObserved, 1)
	for _, res := range e.conversions.EvaluateWrite(ctx, ev) {
		switch res.Status {
		case conversion.StatusCompleted:
			atomic.AddInt64(&e.state.conversionsCompleted, 1)
		case conversion.StatusFailed:
			atomic.AddInt64(&e.state.conversionsFailed, 1)
		case conversion.StatusPendingApproval:
			atomic.AddInt64(&e.state.conversionsPending, 1)
		}
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if e.entities == nil {
		return errors.New("engine not built")
	}
	atomic.StoreInt32(&e.state.running, 1)
	e.logger.Infof("Entity engine started with backends %v", e.registry.ListRegistered())
	return nil
}

// Stop closes every cached adapter and the shared connections
func (e *Engine) Stop(ctx context.Context) error {
	atomic.StoreInt32(&e.state.running, 0)

	var errs []error
	if e.registry != nil {
		if err := e.registry.DisconnectAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect adapters: %w", err))
		}
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}
	if e.redis != nil {
		e.redis.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
	return errors.Join(errs...)
}

func (e *Engine) GetMetrics() map[string]int64 {
	m := map[string]int64{
		"writes_observed":       atomic.LoadInt64(&e.state.writesObserved),
		"conversions_completed": atomic.LoadInt64(&e.state.conversionsCompleted),
		"conversions_failed":    atomic.LoadInt64(&e.state.conversionsFailed),
		"conversions_pending":   atomic.LoadInt64(&e.state.conversionsPending),
	}
	if e.registry != nil {
		m["cached_adapters"] = int64(e.registry.CachedCount())
	}
	return m
}

func (e *Engine) checkMetadata(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return e.db.Ping(ctx)
}

func (e *Engine) checkCache(ctx context.Context) error {
	if e.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return e.redis.Ping(ctx)
}

func (e *Engine) checkRunning(ctx context.Context) error {
	if atomic.LoadInt32(&e.state.running) == 0 {
		return errors.New("engine is not running")
	}
	return nil
}

func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }
func (e *Engine) Entities() *entities.Service { return e.entities }
func (e *Engine) Definitions() *metadata.Store { return e.definitions }
func (e *Engine) Rules() *conversion.Store { return e.rules }
func (e *Engine) Conversions() *conversion.Engine { return e.conversions }
func (e *Engine) Registry() *adapter.Registry { return e.registry }
