// Package worker provides goroutine pool management.
//
// Flights run on their own pool so a burst of slow cloud calls cannot starve
// the background jobs that share the General pool. The flight pool rejects
// work when full instead of blocking the submitter; a rejected flight stays
// RUNNING in the store and is picked up by the next recovery pass.
//
// Import Path: rbs.io/buffer/internal/pkg/worker
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"rbs.io/buffer/internal/pkg/logger"
)

// Submission errors.
var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool is full")
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the Worker pool collection.
type Pools struct {
	Flight  *Pool
	General *Pool

	// serviceCtx is the service lifecycle context for detached tasks
	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains Worker Pool configuration.
type PoolConfig struct {
	FlightPoolSize  int
	GeneralPoolSize int
	ReleaseTimeout  time.Duration
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		FlightPoolSize:  64,
		GeneralPoolSize: 16,
		ReleaseTimeout:  30 * time.Second,
	}
}

// NewPools creates Worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	flightAnts, err := ants.NewPool(cfg.FlightPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(true),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, fmt.Errorf("create flight pool: %w", err)
	}

	generalAnts, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		flightAnts.Release()
		serviceCancel()
		return nil, fmt.Errorf("create general pool: %w", err)
	}

	return &Pools{
		Flight:        &Pool{pool: flightAnts, name: "flight"},
		General:       &Pool{pool: generalAnts, name: "general"},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit submits a context-aware task.
// If ctx is already cancelled, returns ctx.Err() without submitting.
// A task still queued when ctx is cancelled is skipped.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	switch {
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrPoolClosed
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrPoolFull
	}
	return err
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int {
	return p.pool.Cap()
}

// SubmitDetached submits a task bound to the service lifecycle context instead
// of a request context. It survives request cancellation but still respects
// graceful shutdown.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	pool := p.General
	if poolName == "flight" {
		pool = p.Flight
	}
	return pool.Submit(p.serviceCtx, task)
}

// Shutdown cancels the service context, then waits for running tasks up to
// the configured release timeout.
func (p *Pools) Shutdown(timeout time.Duration) {
	p.serviceCancel()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := p.Flight.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("Flight pool shutdown timeout", zap.Error(err))
	}
	if err := p.General.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("General pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool metrics for observability.
func (p *Pools) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"flight": map[string]int{
			"running": p.Flight.pool.Running(),
			"free":    p.Flight.pool.Free(),
			"cap":     p.Flight.pool.Cap(),
		},
		"general": map[string]int{
			"running": p.General.pool.Running(),
			"free":    p.General.pool.Free(),
			"cap":     p.General.pool.Cap(),
		},
	}
}
