package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the health of a single check or of the whole service
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckFunc is a function that performs a health check
type CheckFunc func(ctx context.Context) error

// Check represents a single health check result
type Check struct {
	Name        string
	Status      Status
	Message     string
	LastChecked time.Time
}

// Checker manages health checks for a service
type Checker struct {
	mu          sync.RWMutex
	checks      map[string]*Check
	lastHealthy time.Time
}

// NewChecker creates a new health checker
func NewChecker() *Checker {
	return &Checker{
		checks:      make(map[string]*Check),
		lastHealthy: time.Now(),
	}
}

// RunCheck executes a health check and records its result
func (c *Checker) RunCheck(ctx context.Context, name string, checkFunc CheckFunc) {
	status := StatusHealthy
	message := "OK"

	if err := checkFunc(ctx); err != nil {
		status = StatusUnhealthy
		message = err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.checks[name] = &Check{
		Name:        name,
		Status:      status,
		Message:     message,
		LastChecked: time.Now(),
	}

	if c.isHealthy() {
		c.lastHealthy = time.Now()
	}
}

// RunAll executes every check in checks
func (c *Checker) RunAll(ctx context.Context, checks map[string]CheckFunc) {
	for name, fn := range checks {
		c.RunCheck(ctx, name, fn)
	}
}

// OverallStatus is healthy when all checks pass, unhealthy when all fail, degraded otherwise
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.checks) == 0 {
		return StatusHealthy
	}

	unhealthy := 0
	for _, check := range c.checks {
		if check.Status == StatusUnhealthy {
			unhealthy++
		}
	}

	switch {
	case unhealthy == 0:
		return StatusHealthy
	case unhealthy < len(c.checks):
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

// Checks returns copies of all results sorted by name
func (c *Checker) Checks() []Check {
	c.mu.RLock()
	defer c.mu.RUnlock()

	checks := make([]Check, 0, len(c.checks))
	for _, check := range c.checks {
		checks = append(checks, *check)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

// LastHealthyTime returns the last time all checks were healthy
func (c *Checker) LastHealthyTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHealthy
}

func (c *Checker) isHealthy() bool {
	for _, check := range c.checks {
		if check.Status != StatusHealthy {
			return false
		}
	}
	return true
}
