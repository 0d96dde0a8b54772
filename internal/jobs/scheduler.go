// Package jobs holds the scheduled passes of the resource buffer service
// (pool reconciler, cleanup notification, retention) and the River worker
// that delivers cleanup requests.
//
// Every instance runs the same schedule. A named lock in the store makes
// sure only one instance executes a given job per interval.
//
// Import Path: rbs.io/buffer/internal/jobs
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/pkg/worker"
)

// Job run results reported to the JobObserver.
const (
	JobResultRan     = "ran"
	JobResultSkipped = "skipped"
	JobResultFailed  = "failed"
)

// Locker is the distributed lock capability.
type Locker interface {
	TryAcquireLock(ctx context.Context, name, holder string, maxHold time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string, minHold time.Duration) error
}

// JobObserver counts job passes.
type JobObserver interface {
	JobRun(job, result string)
}

type nopJobObserver struct{}

func (nopJobObserver) JobRun(string, string) {}

// Job is one scheduled pass.
type Job struct {
	Name     string
	Interval time.Duration
	// MaxHold bounds how long a crashed holder can block the job.
	MaxHold time.Duration
	Run     func(ctx context.Context) error

	running atomic.Bool
}

// minHold keeps the lock for most of an interval after a fast pass, so
// instances whose tickers fire a little later skip this round.
func (j *Job) minHold() time.Duration {
	return j.Interval * 9 / 10
}

// Scheduler runs Jobs on tickers through the general worker pool.
type Scheduler struct {
	locker   Locker
	holder   string
	pool     *worker.Pool
	observer JobObserver
	jobs     []*Job

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a Scheduler. holder identifies this instance in locks.
func NewScheduler(locker Locker, holder string, pool *worker.Pool, observer JobObserver) *Scheduler {
	if observer == nil {
		observer = nopJobObserver{}
	}
	return &Scheduler{
		locker:   locker,
		holder:   holder,
		pool:     pool,
		observer: observer,
		stopCh:   make(chan struct{}),
	}
}

// Add registers a job. Call before Start.
func (s *Scheduler) Add(job *Job) {
	if job.MaxHold <= 0 {
		job.MaxHold = job.Interval
	}
	s.jobs = append(s.jobs, job)
}

// Start launches one ticker loop per job.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.loop(ctx, job)
	}
	logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
}

// loop ticks job until Stop or ctx ends.
// nolint:naked-goroutine // ticker loop; doesn't fit worker pool pattern.
func (s *Scheduler) loop(ctx context.Context, job *Job) {
	go func() {
		ticker := time.NewTicker(job.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.dispatch(ctx, job)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// dispatch hands one tick to the worker pool unless the previous pass of the
// same job is still running.
func (s *Scheduler) dispatch(ctx context.Context, job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		logger.Debug("Job still running, tick skipped", zap.String("job", job.Name))
		return
	}
	err := s.pool.Submit(ctx, func(ctx context.Context) {
		defer job.running.Store(false)
		if _, err := s.RunOnce(ctx, job); err != nil {
			logger.Warn("Scheduled job failed", zap.String("job", job.Name), zap.Error(err))
		}
	})
	if err != nil {
		job.running.Store(false)
		logger.Warn("Scheduled job not submitted", zap.String("job", job.Name), zap.Error(err))
	}
}

// RunOnce runs job if this instance wins its lock. It reports whether the
// job ran.
func (s *Scheduler) RunOnce(ctx context.Context, job *Job) (bool, error) {
	acquired, err := s.locker.TryAcquireLock(ctx, job.Name, s.holder, job.MaxHold)
	if err != nil {
		s.observer.JobRun(job.Name, JobResultFailed)
		return false, fmt.Errorf("acquire lock %s: %w", job.Name, err)
	}
	if !acquired {
		s.observer.JobRun(job.Name, JobResultSkipped)
		return false, nil
	}
	defer func() {
		// The pass may have been cut short by ctx; release on a fresh context.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.ReleaseLock(relCtx, job.Name, s.holder, job.minHold()); err != nil {
			logger.Warn("Release job lock failed", zap.String("job", job.Name), zap.Error(err))
		}
	}()

	if err := job.Run(ctx); err != nil {
		s.observer.JobRun(job.Name, JobResultFailed)
		return true, fmt.Errorf("run job %s: %w", job.Name, err)
	}
	s.observer.JobRun(job.Name, JobResultRan)
	return true, nil
}

// Stop halts every loop. Passes already running finish on their own.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}
