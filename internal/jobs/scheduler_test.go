package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbs.io/buffer/internal/pkg/worker"
	"rbs.io/buffer/internal/repository"
)

type countingJobObserver struct {
	ran, skipped, failed atomic.Int32
}

func (o *countingJobObserver) JobRun(_, result string) {
	switch result {
	case JobResultRan:
		o.ran.Add(1)
	case JobResultSkipped:
		o.skipped.Add(1)
	case JobResultFailed:
		o.failed.Add(1)
	}
}

func TestScheduler_RunOnceHonoursLock(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore(repository.WithClock(clock.Now))

	var runs atomic.Int32
	newJob := func() *Job {
		return &Job{
			Name:     JobReconcile,
			Interval: time.Minute,
			MaxHold:  50 * time.Second,
			Run: func(context.Context) error {
				runs.Add(1)
				return nil
			},
		}
	}
	obs := &countingJobObserver{}
	a := NewScheduler(store, "instance-a", nil, obs)
	b := NewScheduler(store, "instance-b", nil, obs)

	ran, err := a.RunOnce(ctx, newJob())
	require.NoError(t, err)
	assert.True(t, ran)

	// A released early, but the lease lasts for most of the interval.
	clock.Advance(30 * time.Second)
	ran, err = b.RunOnce(ctx, newJob())
	require.NoError(t, err)
	assert.False(t, ran)

	clock.Advance(30 * time.Second)
	ran, err = b.RunOnce(ctx, newJob())
	require.NoError(t, err)
	assert.True(t, ran)

	assert.EqualValues(t, 2, runs.Load())
	assert.EqualValues(t, 2, obs.ran.Load())
	assert.EqualValues(t, 1, obs.skipped.Load())
}

func TestScheduler_RunOnceFailure(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := repository.NewMemoryStore(repository.WithClock(clock.Now))
	obs := &countingJobObserver{}
	s := NewScheduler(store, "instance-a", nil, obs)

	job := &Job{
		Name:     JobCleanupNotify,
		Interval: time.Minute,
		Run:      func(context.Context) error { return errors.New("boom") },
	}
	s.Add(job)
	ran, err := s.RunOnce(ctx, job)
	require.Error(t, err)
	assert.True(t, ran)
	assert.EqualValues(t, 1, obs.failed.Load())
	assert.Equal(t, time.Minute, job.MaxHold, "zero MaxHold defaults to the interval once added")
}

func TestScheduler_StartAndStop(t *testing.T) {
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{FlightPoolSize: 1, GeneralPoolSize: 2, ReleaseTimeout: time.Second})
	require.NoError(t, err)
	defer pools.Shutdown(time.Second)

	store := repository.NewMemoryStore()
	s := NewScheduler(store, "instance-a", pools.General, nil)

	var runs atomic.Int32
	s.Add(&Job{
		Name:     JobCleanupRetention,
		Interval: 10 * time.Millisecond,
		MaxHold:  time.Second,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	time.Sleep(30 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load(), "no runs after Stop")
}
