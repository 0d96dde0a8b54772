package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"rbs.io/buffer/internal/pkg/logger"
)

// Recover claims RUNNING flights whose owner is no longer a live worker and
// resumes them here. Flights this worker owns but is not executing, e.g.
// after a failed progress save, are relaunched as well. It returns the
// number of flights taken over from other workers.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.stopping.Load() {
		return 0, nil
	}

	live, err := e.store.LiveWorkers(ctx, e.cfg.HeartbeatTTL)
	if err != nil {
		return 0, fmt.Errorf("list live workers: %w", err)
	}
	liveSet := sets.New(live...)
	liveSet.Insert(e.cfg.WorkerID)

	owners, err := e.store.ListRunningFlights(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running flights: %w", err)
	}

	claimed := 0
	for _, o := range owners {
		if e.stopping.Load() {
			break
		}
		if o.WorkerID == e.cfg.WorkerID {
			if !e.isActive(o.FlightID) {
				e.resume(ctx, o.FlightID)
			}
			continue
		}
		if liveSet.Has(o.WorkerID) {
			continue
		}

		ok, err := e.store.ClaimFlight(ctx, o.FlightID, e.cfg.WorkerID, o.WorkerID)
		if err != nil {
			e.log.Warn("Failed to claim orphaned flight",
				logger.FlightID(o.FlightID),
				zap.String("previous_owner", o.WorkerID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			// Another worker got there first.
			continue
		}
		claimed++
		e.log.Info("Recovered orphaned flight",
			logger.FlightID(o.FlightID),
			zap.String("previous_owner", o.WorkerID),
		)
		if f := e.resume(ctx, o.FlightID); f != "" {
			e.observer.FlightRecovered(f)
		}
	}
	return claimed, nil
}

// resume loads a flight owned by this worker and launches it. It returns the
// flight type, or "" when nothing was launched.
func (e *Engine) resume(ctx context.Context, flightID string) string {
	f, err := e.store.GetFlight(ctx, flightID)
	if err != nil {
		e.log.Warn("Failed to load flight for resume",
			logger.FlightID(flightID),
			zap.Error(err),
		)
		return ""
	}
	if f.Status.Terminal() || f.WorkerID != e.cfg.WorkerID {
		return ""
	}
	e.launch(f)
	return f.Type
}
