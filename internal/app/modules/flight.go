package modules

import (
	"context"

	"github.com/riverqueue/river"

	"rbs.io/buffer/internal/api/handlers"
	"rbs.io/buffer/internal/engine"
	"rbs.io/buffer/internal/flights"
	"rbs.io/buffer/internal/service"
)

// FlightModule owns the execution engine and the lifecycle flight types.
type FlightModule struct {
	engine    *engine.Engine
	submitter *flights.Submitter
}

// NewFlightModule creates the engine on the flight worker pool and registers
// the create and delete flights on it.
func NewFlightModule(infra *Infrastructure) *FlightModule {
	cfg := infra.Config.Engine
	e := engine.New(infra.Store, infra.Pools.Flight, engine.Config{
		WorkerID:            cfg.WorkerID,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatTTL:        cfg.HeartbeatTTL,
		RecoveryInterval:    cfg.RecoveryInterval,
		ShutdownQuietPeriod: cfg.ShutdownQuietPeriod,
		DefaultBackoff: engine.RetryPolicy(
			cfg.StepRetry.MaxAttempts,
			cfg.StepRetry.InitialBackoff,
			cfg.StepRetry.Factor,
			cfg.StepRetry.MaxBackoff,
		),
	}, engine.WithObserver(infra.Metrics))

	flights.Register(e, flights.Deps{
		Store:       infra.Store,
		Backend:     infra.Backend,
		Names:       service.NewNameGenerator(infra.Backend, infra.Config.Pools.NamingMaxAttempts, nil),
		CallTimeout: cfg.ProviderCallTimeout,
	})

	return &FlightModule{
		engine:    e,
		submitter: flights.NewSubmitter(e, infra.Store),
	}
}

// Name implements Module.
func (m *FlightModule) Name() string { return "flight" }

// Engine returns the execution engine.
func (m *FlightModule) Engine() *engine.Engine { return m.engine }

// Submitter returns the lifecycle flight submitter.
func (m *FlightModule) Submitter() *flights.Submitter { return m.submitter }

// ContributeServerDeps implements Module.
func (m *FlightModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	deps.Flights = m.engine
	deps.Submitter = m.submitter
}

// RegisterWorkers implements Module. Flights run on the engine, not River.
func (m *FlightModule) RegisterWorkers(*river.Workers) {}

// Start recovers orphaned flights and starts the heartbeat and recovery loops.
func (m *FlightModule) Start(ctx context.Context) error {
	return m.engine.Start(ctx)
}

// Shutdown stops taking flights and waits for running steps to finish.
func (m *FlightModule) Shutdown(ctx context.Context) error {
	m.engine.Shutdown(ctx)
	return nil
}
