package modules

import (
	"context"

	"github.com/riverqueue/river"

	"rbs.io/buffer/internal/api/handlers"
	"rbs.io/buffer/internal/janitor"
	"rbs.io/buffer/internal/jobs"
)

// JobsModule owns the scheduled passes: pool reconciliation, cleanup
// notification and retention.
type JobsModule struct {
	infra     *Infrastructure
	janitor   janitor.Client
	scheduler *jobs.Scheduler

	Reconciler *jobs.Reconciler
	Cleanup    *jobs.CleanupCoordinator
}

// NewJobsModule wires the reconciler to the flight submitter and the cleanup
// coordinator to its publisher. With River, cleanup requests are queued and
// delivered by CleanupDeliveryWorker; in memory they are sent directly.
func NewJobsModule(infra *Infrastructure, submitter jobs.FlightSubmitter, holder string) *JobsModule {
	cfg := infra.Config
	client := janitor.NewClient(cfg.Cleanup.JanitorURL, cfg.Cleanup.JanitorTimeout)

	var publisher jobs.CleanupPublisher
	if infra.UsesRiver() {
		publisher = jobs.NewRiverCleanupPublisher(infra)
	} else {
		publisher = jobs.NewDirectCleanupPublisher(client)
	}

	m := &JobsModule{
		infra:     infra,
		janitor:   client,
		scheduler: jobs.NewScheduler(infra.Store, holder, infra.Pools.General, infra.Metrics),
		Reconciler: jobs.NewReconciler(infra.Store, submitter, infra.Metrics,
			cfg.Reconciler.CreationLimit, cfg.Reconciler.DeletionLimit),
		Cleanup: jobs.NewCleanupCoordinator(infra.Store, publisher, infra.Metrics, jobs.CleanupOptions{
			BatchSize:       cfg.Cleanup.BatchSize,
			DefaultTTL:      cfg.Cleanup.DefaultTTL,
			ClientLabel:     cfg.Cleanup.ClientLabel,
			RetentionPeriod: cfg.Cleanup.Retention.Period,
			RetentionBatch:  cfg.Cleanup.Retention.BatchSize,
			MaxBatches:      cfg.Cleanup.Retention.MaxBatches,
		}),
	}

	if cfg.Reconciler.Enabled {
		m.scheduler.Add(&jobs.Job{
			Name:     jobs.JobReconcile,
			Interval: cfg.Reconciler.Interval,
			MaxHold:  cfg.Reconciler.LockHold,
			Run:      m.reconcile,
		})
	}
	if cfg.Cleanup.Enabled {
		m.scheduler.Add(&jobs.Job{
			Name:     jobs.JobCleanupNotify,
			Interval: cfg.Cleanup.Interval,
			MaxHold:  cfg.Cleanup.LockHold,
			Run:      m.notify,
		})
		if cfg.Cleanup.Retention.Enabled {
			m.scheduler.Add(&jobs.Job{
				Name:     jobs.JobCleanupRetention,
				Interval: cfg.Cleanup.Retention.Interval,
				Run:      m.retain,
			})
		}
	}
	return m
}

// The jobs log their own outcome; these adapt them to jobs.Job.Run.

func (m *JobsModule) reconcile(ctx context.Context) error {
	_, err := m.Reconciler.Run(ctx)
	return err
}

func (m *JobsModule) notify(ctx context.Context) error {
	_, err := m.Cleanup.Notify(ctx)
	return err
}

func (m *JobsModule) retain(ctx context.Context) error {
	_, err := m.Cleanup.Retain(ctx)
	return err
}

// Queues returns the River queues this module's workers consume.
func (m *JobsModule) Queues() []string {
	return []string{jobs.QueueCleanup}
}

// Name implements Module.
func (m *JobsModule) Name() string { return "jobs" }

// ContributeServerDeps implements Module.
func (m *JobsModule) ContributeServerDeps(*handlers.ServerDeps) {}

// RegisterWorkers registers the cleanup delivery worker.
func (m *JobsModule) RegisterWorkers(workers *river.Workers) {
	river.AddWorker(workers, jobs.NewCleanupDeliveryWorker(m.janitor))
}

// Start launches the scheduled passes.
func (m *JobsModule) Start(ctx context.Context) error {
	m.scheduler.Start(ctx)
	return nil
}

// Shutdown stops scheduling new passes. A pass already running finishes on
// the general pool.
func (m *JobsModule) Shutdown(context.Context) error {
	m.scheduler.Stop()
	return nil
}
