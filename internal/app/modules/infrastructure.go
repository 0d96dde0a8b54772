package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"rbs.io/buffer/internal/config"
	"rbs.io/buffer/internal/infrastructure"
	"rbs.io/buffer/internal/metrics"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/pkg/worker"
	"rbs.io/buffer/internal/provider"
	"rbs.io/buffer/internal/repository"
)

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config      *config.Config
	DB          *infrastructure.DatabaseClients // nil with the memory driver
	Pools       *worker.Pools
	Store       repository.Store
	RiverClient *river.Client[pgx.Tx]
	Backend     provider.Backend
	HealthCheck *provider.HealthChecker
	Metrics     *metrics.Metrics
}

// NewInfrastructure opens the store, worker pools and provisioning backend.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	infra := &Infrastructure{
		Config: cfg,
		Metrics: metrics.New(metrics.Config{
			Enabled:   cfg.Metrics.Enabled,
			Namespace: cfg.Metrics.Namespace,
		}),
	}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("Using the in-memory store; state is lost on restart")
		infra.Store = repository.NewMemoryStore()
	case config.DriverPostgres, "":
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		// Dev-mode: apply schema + River migrations on startup.
		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}
		infra.DB = db
		infra.Store = repository.NewPostgresStore(db.Pool)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		FlightPoolSize:  cfg.Worker.FlightPoolSize,
		GeneralPoolSize: cfg.Worker.GeneralPoolSize,
		ReleaseTimeout:  cfg.Worker.ReleaseTimeout,
	})
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}
	infra.Pools = pools

	backend, err := provider.NewBackend(cfg.Provider)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init provider: %w", err)
	}
	infra.Backend = backend
	infra.HealthCheck = provider.NewHealthChecker(backend, cfg.Provider.HealthCheckInterval, cfg.Engine.ProviderCallTimeout)

	return infra, nil
}

// UsesRiver reports whether durable jobs go through River.
func (i *Infrastructure) UsesRiver() bool {
	return i != nil && i.DB != nil
}

// InitRiver initializes River client on top of a prepared worker registry.
func (i *Infrastructure) InitRiver(workers *river.Workers, queues ...string) error {
	if i == nil || i.DB == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if err := i.DB.InitRiverClient(workers, i.Config.River, queues...); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	i.RiverClient = i.DB.RiverClient
	return nil
}

// Insert enqueues a River job. Modules hold the Infrastructure rather than
// the client because the client only exists once every worker is
// registered.
func (i *Infrastructure) Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if i == nil || i.RiverClient == nil {
		return nil, fmt.Errorf("river client is not initialized")
	}
	return i.RiverClient.Insert(ctx, args, opts)
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown(i.Config.Worker.ReleaseTimeout)
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
