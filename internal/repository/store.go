// Package repository implements the Durable Store: pools, resources, flights,
// cleanup records, job locks and worker heartbeats.
//
// PostgresStore is the production implementation. MemoryStore keeps the same
// semantics in process and backs unit tests and the memory driver.
//
// Import Path: rbs.io/buffer/internal/repository
package repository

import (
	"context"
	"errors"
	"time"

	"rbs.io/buffer/internal/domain"
	apperrors "rbs.io/buffer/internal/pkg/errors"
)

// Store errors. ErrNotFound and ErrConflict are the shared sentinels so
// callers outside this package can match them with errors.Is.
var (
	ErrNotFound = apperrors.ErrNotFound
	ErrConflict = apperrors.ErrConflict

	// ErrNoReadyResource is returned by ClaimReadyResource when the pool has
	// nothing to hand out.
	ErrNoReadyResource = errors.New("no ready resource")
)

// Store is the full Durable Store contract. Consumers declare the subset
// they need.
type Store interface {
	Ping(ctx context.Context) error

	// Pools
	InsertPool(ctx context.Context, pool *domain.Pool) error
	GetPool(ctx context.Context, id string) (*domain.Pool, error)
	ListPools(ctx context.Context) ([]*domain.Pool, error)
	UpdatePoolSize(ctx context.Context, id string, size int) error
	UpdatePoolCleanup(ctx context.Context, id string, policy domain.CleanupPolicy) error
	DeactivatePool(ctx context.Context, id string) error

	// Resources
	InsertResource(ctx context.Context, r *domain.Resource) (bool, error)
	GetResource(ctx context.Context, id string) (*domain.Resource, error)
	TransitionResource(ctx context.Context, id string, from, to domain.ResourceState) (bool, error)
	SetCloudName(ctx context.Context, id, name string) error
	MarkResourceReady(ctx context.Context, id, cloudResourceID string) (bool, error)
	FindByHandoutID(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, error)
	ClaimReadyResource(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, error)
	ListDrainable(ctx context.Context, poolID string, limit int) ([]*domain.Resource, error)

	// Snapshots
	PoolStates(ctx context.Context, poolID string) (*domain.PoolAndResourceStates, error)
	ReconcileSnapshot(ctx context.Context) (*domain.ReconcileSnapshot, error)

	// Cleanup
	ListCleanupCandidates(ctx context.Context, limit int) ([]domain.CleanupCandidate, error)
	InsertCleanupRecord(ctx context.Context, rec domain.CleanupRecord) error
	DeleteExpiredResources(ctx context.Context, olderThan time.Time, limit int) (int, error)

	// Flights
	CreateFlight(ctx context.Context, f *domain.Flight) (*domain.Flight, bool, error)
	GetFlight(ctx context.Context, id string) (*domain.Flight, error)
	SaveFlightProgress(ctx context.Context, f *domain.Flight) (bool, error)
	ClaimFlight(ctx context.Context, id, workerID, previousOwner string) (bool, error)
	ListRunningFlights(ctx context.Context) ([]domain.FlightOwner, error)

	// Coordination
	Heartbeat(ctx context.Context, workerID string) error
	RemoveHeartbeat(ctx context.Context, workerID string) error
	LiveWorkers(ctx context.Context, ttl time.Duration) ([]string, error)
	TryAcquireLock(ctx context.Context, name, holder string, maxHold time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string, minHold time.Duration) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
