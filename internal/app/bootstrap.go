// Package app is the composition root: it wires the modules and owns the
// process lifecycle. Bootstrap stays orchestration-only.
//
// Import Path: rbs.io/buffer/internal/app
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"rbs.io/buffer/internal/api/handlers"
	"rbs.io/buffer/internal/app/modules"
	"rbs.io/buffer/internal/config"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	flightModule := modules.NewFlightModule(infra)
	poolModule, err := modules.NewPoolModule(ctx, infra)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init pool module: %w", err)
	}
	jobsModule := modules.NewJobsModule(infra, flightModule.Submitter(), cfg.Engine.WorkerID)

	allModules := []modules.Module{flightModule, poolModule, jobsModule}

	if infra.UsesRiver() {
		workers := river.NewWorkers()
		for _, mod := range allModules {
			mod.RegisterWorkers(workers)
		}
		if err := infra.InitRiver(workers, jobsModule.Queues()...); err != nil {
			infra.Close()
			return nil, fmt.Errorf("init river workers: %w", err)
		}
	}

	server := handlers.NewServer(modules.NewServerDeps(infra, allModules))

	return &Application{
		Config:  cfg,
		Router:  newRouter(cfg, server, infra.Metrics.Handler()),
		Infra:   infra,
		Modules: allModules,
	}, nil
}
