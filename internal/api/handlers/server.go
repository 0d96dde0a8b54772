// Package handlers implements the HTTP API of the resource buffer service.
//
// Handlers report failures with c.Error and leave the response to
// middleware.ErrorHandler.
//
// Import Path: rbs.io/buffer/internal/api/handlers
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/provider"
	"rbs.io/buffer/internal/service"
)

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResourceReader loads a single resource.
type ResourceReader interface {
	GetResource(ctx context.Context, id string) (*domain.Resource, error)
}

// FlightReader returns the current state of a flight.
type FlightReader interface {
	GetFlightState(ctx context.Context, flightID string) (*domain.Flight, error)
}

// FlightSubmitter submits lifecycle flights on behalf of operators.
type FlightSubmitter interface {
	SubmitCreate(ctx context.Context, poolID string) (*domain.Flight, error)
	SubmitDeleteResource(ctx context.Context, resourceID string) (*domain.Flight, error)
}

// BackendHealth returns the latest provisioning backend probe.
type BackendHealth interface {
	Health() provider.BackendHealth
}

// Server holds the dependencies of every API handler.
type Server struct {
	store     Pinger
	resources ResourceReader
	handouts  *service.HandoutService
	pools     *service.PoolService
	flights   FlightReader
	submitter FlightSubmitter
	backend   BackendHealth
}

// ServerDeps holds all dependencies for creating a Server.
// Manual DI: the composition root fills it in.
type ServerDeps struct {
	Store     Pinger
	Resources ResourceReader
	Handouts  *service.HandoutService
	Pools     *service.PoolService
	Flights   FlightReader
	Submitter FlightSubmitter
	Backend   BackendHealth // Optional: readiness skips the backend check when nil
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		store:     deps.Store,
		resources: deps.Resources,
		handouts:  deps.Handouts,
		pools:     deps.Pools,
		flights:   deps.Flights,
		submitter: deps.Submitter,
		backend:   deps.Backend,
	}
}

// RegisterRoutes mounts the versioned API on rg.
func (s *Server) RegisterRoutes(rg *gin.RouterGroup) {
	pools := rg.Group("/pools")
	pools.GET("", s.ListPools)
	pools.GET("/:pool_id", s.GetPool)
	pools.PUT("/:pool_id/size", s.ResizePool)
	pools.POST("/:pool_id/deactivate", s.DeactivatePool)
	pools.POST("/:pool_id/resources", s.CreateResource)
	pools.PUT("/:pool_id/handouts/:request_handout_id", s.HandoutResource)

	resources := rg.Group("/resources")
	resources.GET("/:resource_id", s.GetResource)
	resources.DELETE("/:resource_id", s.DeleteResource)

	rg.GET("/flights/:flight_id", s.GetFlight)
}

// RegisterHealthRoutes mounts the liveness and readiness probes on r.
func (s *Server) RegisterHealthRoutes(r gin.IRoutes) {
	r.GET("/health/live", s.GetLiveness)
	r.GET("/health/ready", s.GetReadiness)
}
