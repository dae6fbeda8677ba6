package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redbco/redb-entities/pkg/config"
	"github.com/redbco/redb-entities/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	initErr  error
	started  bool
	stopped  bool
	stopErr  error
	gotGrace time.Duration
}

func (f *fakeService) Initialize(ctx context.Context, cfg *config.Config) error { return f.initErr }
func (f *fakeService) Start(ctx context.Context) error                          { f.started = true; return nil }
func (f *fakeService) Stop(ctx context.Context, grace time.Duration) error {
	f.stopped = true
	f.gotGrace = grace
	return f.stopErr
}
func (f *fakeService) CollectMetrics() map[string]int64          { return map[string]int64{"adapters": 1} }
func (f *fakeService) HealthChecks() map[string]health.CheckFunc { return nil }

func TestBaseServiceRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Service.ShutdownGrace = time.Second
	impl := &fakeService{}
	svc := NewBaseService("entities-test", "1.0.0", cfg, impl)
	svc.Logger.DisableConsoleOutput()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.State() == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.True(t, impl.started)
	assert.True(t, impl.stopped)
	assert.Equal(t, time.Second, impl.gotGrace)
	assert.Equal(t, StateStopped, svc.State())
}

func TestBaseServiceShutdownAndErrors(t *testing.T) {
	cfg := config.Default()
	impl := &fakeService{stopErr: errors.New("close failed")}
	svc := NewBaseService("entities-test", "1.0.0", cfg, impl)
	svc.Logger.DisableConsoleOutput()

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	require.Eventually(t, func() bool { return svc.State() == StateRunning }, time.Second, 5*time.Millisecond)

	svc.Shutdown()
	svc.Shutdown()
	assert.EqualError(t, <-done, "close failed")
}

func TestBaseServiceInitializeFailure(t *testing.T) {
	impl := &fakeService{initErr: errors.New("boom")}
	svc := NewBaseService("entities-test", "1.0.0", config.Default(), impl)
	svc.Logger.DisableConsoleOutput()

	err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to initialize service")
	assert.False(t, impl.started)
}
