package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/health"
	"github.com/redbco/redb-entities/pkg/logger"
)

// Service is implemented by every long-running component hosted by BaseService
type Service interface {
	// Initialize is called once before Start
	Initialize(ctx context.Context, cfg *config.Config) error

	// Start begins the service's main work and must not block
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service
	Stop(ctx context.Context, gracePeriod time.Duration) error

	// CollectMetrics returns current service counters
	CollectMetrics() map[string]int64

	// HealthChecks returns service-specific health check functions
	HealthChecks() map[string]health.CheckFunc
}

// LoggerAware is an optional interface for services that want the base logger
type LoggerAware interface {
	SetLogger(logger *logger.Logger)
}

// State is the lifecycle state of a BaseService
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// BaseService runs a Service until its context is cancelled or Shutdown is called
type BaseService struct {
	Name       string
	Version    string
	InstanceID string

	Logger        *logger.Logger
	Config        *config.Config
	HealthChecker *health.Checker

	mu       sync.RWMutex
	state    State
	stopCh   chan struct{}
	stopOnce sync.Once

	impl Service
}

// NewBaseService creates a new base service instance
func NewBaseService(name, version string, cfg *config.Config, impl Service) *BaseService {
	log := logger.New(name, version)
	log.SetLevel(cfg.Logging.Level)

	return &BaseService{
		Name:          name,
		Version:       version,
		InstanceID:    uuid.New().String(),
		Logger:        log,
		Config:        cfg,
		HealthChecker: health.NewChecker(),
		stopCh:        make(chan struct{}),
		impl:          impl,
	}
}

// Run initializes and starts the implementation, then blocks until shutdown
func (s *BaseService) Run(ctx context.Context) error {
	s.setState(StateStarting)
	s.Logger.Infof("Starting %s %s (instance %s)", s.Name, s.Version, s.InstanceID)

	if aware, ok := s.impl.(LoggerAware); ok {
		aware.SetLogger(s.Logger)
	}

	if err := s.impl.Initialize(ctx, s.Config); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	s.Logger.Infof("Service implementation initialized successfully")

	if err := s.impl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go s.healthCheckLoop(loopCtx)

	s.setState(StateRunning)
	s.Logger.Info("Service started successfully")

	select {
	case <-ctx.Done():
		s.Logger.Info("Context cancelled")
	case <-s.stopCh:
		s.Logger.Info("Received stop command")
	}

	s.setState(StateStopping)
	return s.shutdown()
}

// Shutdown asks a running service to stop
func (s *BaseService) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// State returns the current lifecycle state
func (s *BaseService) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *BaseService) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *BaseService) healthCheckLoop(ctx context.Context) {
	interval := s.Config.Service.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	checks := s.impl.HealthChecks()

	for {
		select {
		case <-ticker.C:
			s.HealthChecker.RunAll(ctx, checks)
			if status := s.HealthChecker.OverallStatus(); status != health.StatusHealthy {
				s.Logger.Warnf("Health status is %s", status)
			}
			s.logMetrics()
		case <-ctx.Done():
			return
		}
	}
}

func (s *BaseService) logMetrics() {
	m := collectRuntimeMetrics()
	for k, v := range s.impl.CollectMetrics() {
		m[k] = v
	}
	s.Logger.Debugf("Metrics: %v", m)
}

func (s *BaseService) shutdown() error {
	s.Logger.Info("Starting graceful shutdown")

	grace := s.Config.Service.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	// The parent context is already cancelled at this point
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := s.impl.Stop(ctx, grace)
	if err != nil {
		s.Logger.Errorf("Service implementation shutdown error: %v", err)
	}

	s.setState(StateStopped)
	s.Logger.Info("Service stopped")
	return err
}
