package jobs

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/pkg/logger"
)

// JobReconcile is the lock and metric name of the reconciler pass.
const JobReconcile = "pool_reconciler"

// ReconcileStore is the persistence the reconciler reads.
type ReconcileStore interface {
	ReconcileSnapshot(ctx context.Context) (*domain.ReconcileSnapshot, error)
	ListDrainable(ctx context.Context, poolID string, limit int) ([]*domain.Resource, error)
}

// FlightSubmitter submits lifecycle flights. Implemented by flights.Submitter.
type FlightSubmitter interface {
	SubmitCreate(ctx context.Context, poolID string) (*domain.Flight, error)
	SubmitDelete(ctx context.Context, poolID, resourceID string, expected domain.ResourceState) (*domain.Flight, error)
}

// ReconcileObserver receives per-pass signals.
type ReconcileObserver interface {
	RecordPoolSnapshot(s domain.PoolAndResourceStates)
	FlightsSubmitted(poolID, flightType string, n int)
}

type nopReconcileObserver struct{}

func (nopReconcileObserver) RecordPoolSnapshot(domain.PoolAndResourceStates) {}
func (nopReconcileObserver) FlightsSubmitted(string, string, int)            {}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Creates int
	Deletes int
	// FailedPools lists pools whose submissions failed this pass.
	FailedPools []string
}

// Reconciler keeps every ACTIVE pool's supply at its target size and drains
// DEACTIVATED pools.
//
// A pass holds no state of its own. Everything it needs is re-read from the
// store, and pending flights are part of the snapshot, so a missed or failed
// pass is corrected by the next one.
type Reconciler struct {
	store         ReconcileStore
	submitter     FlightSubmitter
	observer      ReconcileObserver
	creationLimit int
	deletionLimit int
}

// NewReconciler creates a Reconciler. The limits bound RUNNING create and
// delete flights across all pools and all instances.
func NewReconciler(store ReconcileStore, submitter FlightSubmitter, observer ReconcileObserver, creationLimit, deletionLimit int) *Reconciler {
	if observer == nil {
		observer = nopReconcileObserver{}
	}
	return &Reconciler{
		store:         store,
		submitter:     submitter,
		observer:      observer,
		creationLimit: creationLimit,
		deletionLimit: deletionLimit,
	}
}

// Run executes one reconciliation pass. Pools are served in pool id order.
// A submission failure is logged and the pass moves on to the next pool.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	snap, err := r.store.ReconcileSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read reconcile snapshot: %w", err)
	}

	pools := snap.Pools
	sort.SliceStable(pools, func(i, j int) bool { return pools[i].Pool.ID < pools[j].Pool.ID })

	createBudget := max(r.creationLimit-snap.InFlightCreates, 0)
	deleteBudget := max(r.deletionLimit-snap.InFlightDeletes, 0)
	report := &ReconcileReport{}

	for _, states := range pools {
		r.observer.RecordPoolSnapshot(states)
		poolID := states.Pool.ID

		if want := states.Pool.Size - states.Supply(); states.Pool.Active() && want > 0 {
			n, err := r.fill(ctx, poolID, min(want, createBudget))
			createBudget -= n
			report.Creates += n
			if err != nil {
				report.FailedPools = append(report.FailedPools, poolID)
				logger.Warn("Pool refill failed", logger.PoolID(poolID), zap.Int("submitted", n), zap.Error(err))
				continue
			}
		}

		if excess := surplus(states); excess > 0 && deleteBudget > 0 {
			n, err := r.drain(ctx, poolID, min(excess, deleteBudget))
			deleteBudget -= n
			report.Deletes += n
			if err != nil {
				report.FailedPools = append(report.FailedPools, poolID)
				logger.Warn("Pool drain failed", logger.PoolID(poolID), zap.Int("submitted", n), zap.Error(err))
			}
		}
	}

	if report.Creates > 0 || report.Deletes > 0 || len(report.FailedPools) > 0 {
		logger.Info("Reconcile pass submitted flights",
			zap.Int("creates", report.Creates),
			zap.Int("deletes", report.Deletes),
			zap.Int("pools", len(pools)),
			zap.Strings("failed_pools", report.FailedPools),
		)
	}
	return report, nil
}

// surplus is how many READY resources a pool should give up: all of them
// for a DEACTIVATED pool, supply above target for an ACTIVE one.
func surplus(s domain.PoolAndResourceStates) int {
	if !s.Pool.Active() {
		return s.Count(domain.ResourceStateReady) - s.PendingDeletes
	}
	return s.Supply() - s.Pool.Size
}

func (r *Reconciler) fill(ctx context.Context, poolID string, n int) (int, error) {
	submitted := 0
	defer func() { r.observer.FlightsSubmitted(poolID, domain.FlightTypeCreateResource, submitted) }()

	for submitted < n {
		if _, err := r.submitter.SubmitCreate(ctx, poolID); err != nil {
			return submitted, fmt.Errorf("submit create flight for pool %s: %w", poolID, err)
		}
		submitted++
	}
	return submitted, nil
}

func (r *Reconciler) drain(ctx context.Context, poolID string, n int) (int, error) {
	submitted := 0
	defer func() { r.observer.FlightsSubmitted(poolID, domain.FlightTypeDeleteResource, submitted) }()

	resources, err := r.store.ListDrainable(ctx, poolID, n)
	if err != nil {
		return 0, fmt.Errorf("list drainable resources of pool %s: %w", poolID, err)
	}
	for _, res := range resources {
		f, err := r.submitter.SubmitDelete(ctx, poolID, res.ID, domain.ResourceStateReady)
		if err != nil {
			return submitted, fmt.Errorf("submit delete flight for resource %s: %w", res.ID, err)
		}
		// Terminal: the resource left READY since it was listed.
		if f.Status.Terminal() {
			continue
		}
		submitted++
	}
	return submitted, nil
}
