package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/pkg/logger"
)

// Start starts all background services: backend health probes, River
// workers, then the modules in order (engine recovery before the
// scheduler submits anything).
func (a *Application) Start(ctx context.Context) error {
	if a.Infra != nil && a.Infra.HealthCheck != nil {
		a.Infra.HealthCheck.Start(ctx)
	}

	if a.Infra != nil && a.Infra.RiverClient != nil {
		if err := a.Infra.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("River client started, jobs will now be consumed")
	}

	for _, mod := range a.Modules {
		if mod == nil {
			continue
		}
		if err := mod.Start(ctx); err != nil {
			return fmt.Errorf("start module %s: %w", mod.Name(), err)
		}
		logger.Info("Module started", zap.String("module", mod.Name()))
	}
	return nil
}

// Shutdown gracefully shuts down all application components. ctx bounds the
// wait for running flights.
func (a *Application) Shutdown(ctx context.Context) {
	for i := len(a.Modules) - 1; i >= 0; i-- {
		mod := a.Modules[i]
		if mod == nil {
			continue
		}
		if err := mod.Shutdown(ctx); err != nil {
			logger.Warn("module shutdown returned error",
				zap.String("module", mod.Name()),
				zap.Error(err),
			)
		}
	}

	if a.Infra == nil {
		return
	}
	if a.Infra.RiverClient != nil {
		if err := a.Infra.RiverClient.Stop(ctx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("River client stopped")
	}
	if a.Infra.HealthCheck != nil {
		a.Infra.HealthCheck.Stop()
	}
	a.Infra.Close()
}
