package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"rbs.io/buffer/internal/api/handlers"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/service"
)

// PoolModule owns pool administration and the Handout Service.
type PoolModule struct {
	pools    *service.PoolService
	handouts *service.HandoutService
}

// NewPoolModule loads the pool definitions file and syncs it into the store.
// A definition that conflicts with a stored pool fails startup.
func NewPoolModule(ctx context.Context, infra *Infrastructure) (*PoolModule, error) {
	pools := service.NewPoolService(infra.Store)

	defs, err := pools.LoadPoolConfigs(infra.Config.Pools.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load pool configs: %w", err)
	}
	report, err := pools.SyncPools(ctx, defs)
	if err != nil {
		return nil, fmt.Errorf("sync pools: %w", err)
	}
	logger.Info("Pool definitions synced",
		zap.String("path", infra.Config.Pools.ConfigPath),
		zap.Strings("created", report.Created),
		zap.Strings("resized", report.Resized),
		zap.Strings("deactivated", report.Deactivated),
	)

	return &PoolModule{
		pools:    pools,
		handouts: service.NewHandoutService(infra.Store, infra.Metrics),
	}, nil
}

// Name implements Module.
func (m *PoolModule) Name() string { return "pool" }

// ContributeServerDeps implements Module.
func (m *PoolModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	deps.Pools = m.pools
	deps.Handouts = m.handouts
}

// RegisterWorkers implements Module.
func (m *PoolModule) RegisterWorkers(*river.Workers) {}

// Start implements Module.
func (m *PoolModule) Start(context.Context) error { return nil }

// Shutdown implements Module.
func (m *PoolModule) Shutdown(context.Context) error { return nil }
