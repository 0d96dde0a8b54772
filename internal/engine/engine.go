// Package engine runs flights: durable, resumable sequences of steps.
//
// Progress is persisted after every step, so a flight interrupted by a crash
// or a shutdown resumes at its persisted cursor on whichever worker claims
// it next. Steps therefore run at least once and must be idempotent.
//
// Import Path: rbs.io/buffer/internal/engine
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"rbs.io/buffer/internal/domain"
	apperrors "rbs.io/buffer/internal/pkg/errors"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/pkg/worker"
	"rbs.io/buffer/internal/repository"
)

// ErrStopped is returned by Submit once Shutdown has begun.
var ErrStopped = errors.New("flight engine is shutting down")

const tracerName = "rbs.io/buffer/internal/engine"

// Store is the persistence the engine needs.
type Store interface {
	CreateFlight(ctx context.Context, f *domain.Flight) (*domain.Flight, bool, error)
	GetFlight(ctx context.Context, id string) (*domain.Flight, error)
	SaveFlightProgress(ctx context.Context, f *domain.Flight) (bool, error)
	ClaimFlight(ctx context.Context, id, workerID, previousOwner string) (bool, error)
	ListRunningFlights(ctx context.Context) ([]domain.FlightOwner, error)

	Heartbeat(ctx context.Context, workerID string) error
	RemoveHeartbeat(ctx context.Context, workerID string) error
	LiveWorkers(ctx context.Context, ttl time.Duration) ([]string, error)
}

// Config contains engine settings.
type Config struct {
	WorkerID            string
	HeartbeatInterval   time.Duration
	HeartbeatTTL        time.Duration
	RecoveryInterval    time.Duration
	ShutdownQuietPeriod time.Duration
	// DefaultBackoff is the retry budget of steps without their own.
	DefaultBackoff wait.Backoff
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithTracerProvider sets the tracer provider for step spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// Engine executes registered flight types on the flight worker pool.
type Engine struct {
	store    Store
	pool     *worker.Pool
	cfg      Config
	observer Observer
	tracer   trace.Tracer
	log      *zap.Logger

	defsMu sync.RWMutex
	defs   map[string]*Definition

	activeMu sync.Mutex
	active   map[string]struct{}

	// runCtx bounds every step. It is cancelled only when shutdown gives up
	// waiting for flights to reach a step boundary.
	runCtx    context.Context
	cancelRun context.CancelFunc

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an Engine. Flight types must be registered before Start.
func New(store Store, pool *worker.Pool, cfg Config, opts ...Option) *Engine {
	runCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     store,
		pool:      pool,
		cfg:       cfg,
		observer:  nopObserver{},
		tracer:    otel.Tracer(tracerName),
		log:       logger.Named("engine").With(zap.String("worker_id", cfg.WorkerID)),
		defs:      make(map[string]*Definition),
		active:    make(map[string]struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WorkerID returns this engine's owner identity.
func (e *Engine) WorkerID() string {
	return e.cfg.WorkerID
}

// Register adds a flight type. Registering a type twice panics.
func (e *Engine) Register(def Definition) {
	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	if _, ok := e.defs[def.Type]; ok {
		panic(fmt.Sprintf("flight type %q registered twice", def.Type))
	}
	d := def
	e.defs[def.Type] = &d
}

func (e *Engine) definition(typ string) (*Definition, bool) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	d, ok := e.defs[typ]
	return d, ok
}

// Submit registers a flight and starts it. Submitting an id that already
// exists with the same type and input returns the existing flight without
// starting anything; a different type or input is a DUPLICATE_FLIGHT error.
func (e *Engine) Submit(ctx context.Context, flightID, flightType string, input map[string]string) (*domain.Flight, error) {
	if _, ok := e.definition(flightType); !ok {
		return nil, apperrors.ErrInvalidRequestFieldf("flight type " + flightType)
	}
	if e.stopping.Load() {
		return nil, ErrStopped
	}

	stored, created, err := e.store.CreateFlight(ctx, &domain.Flight{
		ID:       flightID,
		Type:     flightType,
		Input:    input,
		WorkerID: e.cfg.WorkerID,
	})
	if err != nil {
		return nil, fmt.Errorf("submit flight %s: %w", flightID, err)
	}
	if !created {
		if !stored.SameSubmission(flightType, input) {
			return nil, apperrors.ErrDuplicateFlightf(flightID)
		}
		return stored, nil
	}

	e.log.Debug("Flight submitted",
		logger.FlightID(flightID),
		zap.String("type", flightType),
	)
	e.launch(stored)
	return stored, nil
}

// GetFlightState returns the current state of a flight.
func (e *Engine) GetFlightState(ctx context.Context, flightID string) (*domain.Flight, error) {
	f, err := e.store.GetFlight(ctx, flightID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrFlightNotFoundf(flightID)
	}
	if err != nil {
		return nil, fmt.Errorf("get flight %s: %w", flightID, err)
	}
	return f, nil
}

// Await polls until the flight is terminal or ctx ends.
func (e *Engine) Await(ctx context.Context, flightID string, interval time.Duration) (*domain.Flight, error) {
	var last *domain.Flight
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		f, err := e.GetFlightState(ctx, flightID)
		if err != nil {
			return false, err
		}
		last = f
		return f.Status.Terminal(), nil
	})
	if err != nil {
		return last, fmt.Errorf("await flight %s: %w", flightID, err)
	}
	return last, nil
}

// ActiveFlights returns the number of flights executing on this worker.
func (e *Engine) ActiveFlights() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

func (e *Engine) isActive(id string) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	_, ok := e.active[id]
	return ok
}

// launch hands f to the flight pool unless it already runs here.
func (e *Engine) launch(f *domain.Flight) {
	e.activeMu.Lock()
	if _, ok := e.active[f.ID]; ok {
		e.activeMu.Unlock()
		return
	}
	e.active[f.ID] = struct{}{}
	e.activeMu.Unlock()

	err := e.pool.Submit(e.runCtx, func(ctx context.Context) {
		defer e.release(f.ID)
		e.run(ctx, f)
	})
	if err != nil {
		e.release(f.ID)
		// Still RUNNING and owned here; the next recovery pass relaunches it.
		e.log.Warn("Failed to schedule flight",
			logger.FlightID(f.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) release(id string) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	delete(e.active, id)
}

// Start publishes membership, recovers orphaned flights and starts the
// heartbeat and recovery loops.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Heartbeat(ctx, e.cfg.WorkerID); err != nil {
		return fmt.Errorf("publish worker heartbeat: %w", err)
	}
	if _, err := e.Recover(ctx); err != nil {
		e.log.Warn("Initial flight recovery failed", zap.Error(err))
	}

	e.loop(ctx, "heartbeat", e.cfg.HeartbeatInterval, func(ctx context.Context) {
		if err := e.store.Heartbeat(ctx, e.cfg.WorkerID); err != nil {
			e.log.Warn("Worker heartbeat failed", zap.Error(err))
		}
	})
	e.loop(ctx, "recovery", e.cfg.RecoveryInterval, func(ctx context.Context) {
		if _, err := e.Recover(ctx); err != nil {
			e.log.Warn("Flight recovery failed", zap.Error(err))
		}
	})

	e.log.Info("Flight engine started")
	return nil
}

// loop runs fn every interval until Shutdown or ctx ends.
// nolint:naked-goroutine // ticker loop; doesn't fit worker pool pattern.
func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-e.stopCh:
				e.log.Debug("Engine loop stopped", zap.String("loop", name))
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops new step executions and waits up to the quiet period for
// running flights to reach a step boundary. Flights still running after
// that are abandoned mid-step. Either way they stay RUNNING and are
// recovered by a live worker once this worker's heartbeat is gone.
//
// The heartbeat is removed only after every abandoned step has returned.
// If a step ignores cancellation for another quiet period, the heartbeat is
// left to expire so no peer resumes a flight whose step still runs here.
func (e *Engine) Shutdown(ctx context.Context) {
	e.stopping.Store(true)
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})

	err := wait.PollUntilContextTimeout(ctx, 50*time.Millisecond, e.cfg.ShutdownQuietPeriod, true,
		func(context.Context) (bool, error) {
			return e.ActiveFlights() == 0, nil
		})
	if err != nil {
		e.log.Warn("Quiet period exceeded, abandoning running flights",
			zap.Int("active", e.ActiveFlights()),
			zap.Duration("quiet_period", e.cfg.ShutdownQuietPeriod),
		)
	}
	e.cancelRun()

	err = wait.PollUntilContextTimeout(ctx, 20*time.Millisecond, e.cfg.ShutdownQuietPeriod, true,
		func(context.Context) (bool, error) {
			return e.ActiveFlights() == 0, nil
		})
	if err != nil {
		e.log.Warn("Abandoned steps still running, leaving worker heartbeat to expire",
			zap.Int("active", e.ActiveFlights()),
			zap.Duration("heartbeat_ttl", e.cfg.HeartbeatTTL),
		)
		e.log.Info("Flight engine stopped")
		return
	}

	removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.RemoveHeartbeat(removeCtx, e.cfg.WorkerID); err != nil {
		e.log.Warn("Failed to remove worker heartbeat", zap.Error(err))
	}
	e.log.Info("Flight engine stopped")
}
