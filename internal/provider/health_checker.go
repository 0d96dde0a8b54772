package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/pkg/logger"
)

// BackendStatus represents backend reachability.
type BackendStatus string

const (
	BackendStatusUnknown     BackendStatus = "UNKNOWN"
	BackendStatusHealthy     BackendStatus = "HEALTHY"
	BackendStatusUnreachable BackendStatus = "UNREACHABLE"
)

// probeName is looked up on every check. It never exists.
const probeName = "resource-buffer-health-probe"

// BackendHealth contains health check results.
type BackendHealth struct {
	Backend     string        `json:"backend"`
	Status      BackendStatus `json:"status"`
	LastChecked time.Time     `json:"last_checked"`
	Error       string        `json:"error,omitempty"`
}

// HealthChecker periodically probes the backend with a cheap lookup.
type HealthChecker struct {
	backend  Backend
	interval time.Duration
	timeout  time.Duration

	mu     sync.RWMutex
	latest *BackendHealth

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker(backend Backend, interval, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		backend:  backend,
		interval: interval,
		timeout:  timeout,
		latest:   &BackendHealth{Backend: backend.Name(), Status: BackendStatusUnknown},
		stopCh:   make(chan struct{}),
	}
}

// Check performs a single probe and caches the result.
func (c *HealthChecker) Check(ctx context.Context) *BackendHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	health := &BackendHealth{
		Backend:     c.backend.Name(),
		Status:      BackendStatusHealthy,
		LastChecked: time.Now(),
	}
	if _, _, err := c.backend.FindResource(ctx, probeName); err != nil {
		health.Status = BackendStatusUnreachable
		health.Error = err.Error()
		logger.Warn("Backend health check failed",
			zap.String("backend", health.Backend),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	c.latest = health
	c.mu.Unlock()
	return health
}

// Health returns the cached result of the latest probe.
func (c *HealthChecker) Health() BackendHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return *c.latest
}

// Start begins periodic probing.
// nolint:naked-goroutine // ticker loop; doesn't fit worker pool pattern.
func (c *HealthChecker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Check(ctx)
		for {
			select {
			case <-ticker.C:
				c.Check(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic probing. Safe to call more than once.
func (c *HealthChecker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}
