package engine

import (
	"context"
	"errors"
	"time"

	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/health"
	"github.com/redbco/redb-entities/pkg/logger"
)

// Service adapts Engine to the service.Service lifecycle
type Service struct {
	engine *Engine
	config *config.Config
	logger *logger.Logger
}

func NewService() *Service {
	return &Service{}
}

// SetLogger receives the base service logger
func (s *Service) SetLogger(log *logger.Logger) {
	s.logger = log
}

func (s *Service) Initialize(ctx context.Context, cfg *config.Config) error {
	s.config = cfg
	s.engine = NewEngine(cfg, s.logger)
	return s.engine.Build(ctx)
}

func (s *Service) Start(ctx context.Context) error {
	if s.engine == nil {
		return errors.New("service not initialized")
	}
	return s.engine.Start(ctx)
}

func (s *Service) Stop(ctx context.Context, gracePeriod time.Duration) error {
	s.logger.Infof("Stopping entity engine (grace period %s)", gracePeriod)
	if s.engine == nil {
		return nil
	}
	if err := s.engine.Stop(ctx); err != nil {
		s.logger.Errorf("Failed to stop entity engine: %v", err)
		return err
	}
	s.logger.Info("Entity engine stopped successfully")
	return nil
}

// Engine exposes the assembled components to embedding callers
func (s *Service) Engine() *Engine {
	return s.engine
}

func (s *Service) CollectMetrics() map[string]int64 {
	if s.engine == nil {
		return nil
	}
	return s.engine.GetMetrics()
}

func (s *Service) HealthChecks() map[string]health.CheckFunc {
	if s.engine == nil {
		return map[string]health.CheckFunc{
			"engine": func(context.Context) error { return errors.New("service not initialized") },
		}
	}
	return map[string]health.CheckFunc{
		"engine":   s.engine.checkRunning,
		"metadata": s.engine.checkMetadata,
		"cache":    s.engine.checkCache,
	}
}
