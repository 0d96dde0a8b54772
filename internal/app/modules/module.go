// Package modules contains the dependency modules of the composition root.
//
// Import Path: rbs.io/buffer/internal/app/modules
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"rbs.io/buffer/internal/api/handlers"
)

// Module represents a domain-specific dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared River worker registry.
	// It is not called when the store is in memory.
	RegisterWorkers(*river.Workers)

	// Start launches module background loops. Called in registration order.
	Start(context.Context) error

	// Shutdown performs module-local graceful cleanup. Called in reverse order.
	Shutdown(context.Context) error
}
