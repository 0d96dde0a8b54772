package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"rbs.io/buffer/internal/domain"
)

// runStoreContract exercises the behavior every Store implementation must
// share. Both MemoryStore and PostgresStore run it.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("pools", func(t *testing.T) { testPools(t, newStore(t)) })
	t.Run("resource transitions", func(t *testing.T) { testResourceTransitions(t, newStore(t)) })
	t.Run("cloud name is write once", func(t *testing.T) { testCloudName(t, newStore(t)) })
	t.Run("handout is idempotent and exclusive", func(t *testing.T) { testHandout(t, newStore(t)) })
	t.Run("concurrent handout never double claims", func(t *testing.T) { testConcurrentHandout(t, newStore(t)) })
	t.Run("snapshot counts pending supply", func(t *testing.T) { testSnapshot(t, newStore(t)) })
	t.Run("drainable skips resources being deleted", func(t *testing.T) { testDrainable(t, newStore(t)) })
	t.Run("cleanup candidates", func(t *testing.T) { testCleanupCandidates(t, newStore(t)) })
	t.Run("retention", func(t *testing.T) { testRetention(t, newStore(t)) })
	t.Run("flight submission and fencing", func(t *testing.T) { testFlights(t, newStore(t)) })
	t.Run("heartbeats", func(t *testing.T) { testHeartbeats(t, newStore(t)) })
	t.Run("job lock", func(t *testing.T) { testJobLock(t, newStore(t)) })
}

func testPool(id string, size int) *domain.Pool {
	return &domain.Pool{
		ID:           id,
		Size:         size,
		Status:       domain.PoolStatusActive,
		ResourceType: domain.ResourceTypeCloudProject,
		ResourceConfig: domain.ResourceConfig{
			ConfigName: id,
			Kind:       domain.ResourceTypeCloudProject,
			CloudProject: &domain.CloudProjectConfig{
				ParentFolderID: "folders/1",
				BillingAccount: "billingAccounts/1",
				NameScheme:     domain.NameScheme{Prefix: "rb", Scheme: domain.NamingRandomChar},
			},
		},
	}
}

func mustPool(t *testing.T, s Store, p *domain.Pool) {
	t.Helper()
	require.NoError(t, s.InsertPool(context.Background(), p))
}

// mustResource inserts a resource and walks it to state.
func mustResource(t *testing.T, s Store, poolID string, state domain.ResourceState) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()

	ok, err := s.InsertResource(ctx, &domain.Resource{ID: id, PoolID: poolID, State: domain.ResourceStateCreating})
	require.NoError(t, err)
	require.True(t, ok)

	path := map[domain.ResourceState][]domain.ResourceState{
		domain.ResourceStateCreating:  nil,
		domain.ResourceStateReady:     {domain.ResourceStateReady},
		domain.ResourceStateDeleting:  {domain.ResourceStateDeleting},
		domain.ResourceStateDeleted:   {domain.ResourceStateDeleting, domain.ResourceStateDeleted},
		domain.ResourceStateHandedOut: {domain.ResourceStateReady, domain.ResourceStateHandedOut},
	}[state]

	from := domain.ResourceStateCreating
	for _, to := range path {
		switch to {
		case domain.ResourceStateReady:
			ok, err = s.MarkResourceReady(ctx, id, "cloud/"+id)
		case domain.ResourceStateHandedOut:
			// Callers create handed out resources while no other READY
			// resource exists in the pool, so the claim picks this one.
			var claimed *domain.Resource
			claimed, err = s.ClaimReadyResource(ctx, poolID, "req-"+id)
			ok = err == nil && claimed.ID == id
		default:
			ok, err = s.TransitionResource(ctx, id, from, to)
		}
		require.NoError(t, err)
		require.True(t, ok, "walk %s -> %s", from, to)
		from = to
	}
	return id
}

func testPools(t *testing.T, s Store) {
	ctx := context.Background()
	mustPool(t, s, testPool("b-pool", 2))
	mustPool(t, s, testPool("a-pool", 1))

	err := s.InsertPool(ctx, testPool("a-pool", 9))
	require.True(t, errors.Is(err, ErrConflict), "duplicate insert: %v", err)

	got, err := s.GetPool(ctx, "a-pool")
	require.NoError(t, err)
	require.Equal(t, 1, got.Size)
	require.True(t, got.ResourceConfig.Equal(testPool("a-pool", 1).ResourceConfig))
	require.False(t, got.CreatedAt.IsZero())

	_, err = s.GetPool(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.UpdatePoolSize(ctx, "a-pool", 5))
	require.NoError(t, s.DeactivatePool(ctx, "b-pool"))
	require.NoError(t, s.DeactivatePool(ctx, "b-pool"))
	require.True(t, errors.Is(s.UpdatePoolSize(ctx, "missing", 1), ErrNotFound))
	policy := domain.CleanupPolicy{AutoDelete: true, TTL: 36 * time.Hour}
	require.NoError(t, s.UpdatePoolCleanup(ctx, "a-pool", policy))
	require.True(t, errors.Is(s.UpdatePoolCleanup(ctx, "missing", policy), ErrNotFound))

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	require.Equal(t, "a-pool", pools[0].ID)
	require.Equal(t, 5, pools[0].Size)
	require.Equal(t, policy, pools[0].Cleanup)
	require.Equal(t, domain.PoolStatusDeactivated, pools[1].Status)
}

func testResourceTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	mustPool(t, s, testPool("p1", 1))
	id := uuid.NewString()

	ok, err := s.InsertResource(ctx, &domain.Resource{ID: id, PoolID: "p1", State: domain.ResourceStateCreating})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.InsertResource(ctx, &domain.Resource{ID: id, PoolID: "p1", State: domain.ResourceStateCreating})
	require.NoError(t, err)
	require.False(t, ok, "second insert of the same id must be a no-op")

	_, err = s.TransitionResource(ctx, id, domain.ResourceStateCreating, domain.ResourceStateHandedOut)
	require.Error(t, err, "illegal edge must be rejected")

	ok, err = s.MarkResourceReady(ctx, id, "projects/x")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.MarkResourceReady(ctx, id, "projects/x")
	require.NoError(t, err)
	require.False(t, ok, "already READY")

	ok, err = s.TransitionResource(ctx, id, domain.ResourceStateCreating, domain.ResourceStateDeleting)
	require.NoError(t, err)
	require.False(t, ok, "stale from-state must not apply")

	r, err := s.GetResource(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.ResourceStateReady, r.State)
	require.Equal(t, "projects/x", r.CloudResourceID)

	_, err = s.GetResource(ctx, uuid.NewString())
	require.True(t, errors.Is(err, ErrNotFound))
}

func testCloudName(t *testing.T, s Store) {
	ctx := context.Background()
	mustPool(t, s, testPool("p1", 1))
	id := mustResource(t, s, "p1", domain.ResourceStateCreating)

	require.NoError(t, s.SetCloudName(ctx, id, "rb-abc"))
	require.NoError(t, s.SetCloudName(ctx, id, "rb-abc"))
	require.True(t, errors.Is(s.SetCloudName(ctx, id, "rb-other"), ErrConflict))
	require.True(t, errors.Is(s.SetCloudName(ctx, uuid.NewString(), "x"), ErrNotFound))

	r, err := s.GetResource(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "rb-abc", r.CloudName)
}

func testHandout(t *testing.T, s Store) {
	ctx := context.Background()
	mustPool(t, s, testPool("p1", 2))
	mustResource(t, s, "p1", domain.ResourceStateReady)

	_, err := s.FindByHandoutID(ctx, "p1", "req-1")
	require.True(t, errors.Is(err, ErrNotFound))

	got, err := s.ClaimReadyResource(ctx, "p1", "req-1")
	require.NoError(t, err)
	require.Equal(t, domain.ResourceStateHandedOut, got.State)
	require.Equal(t, "req-1", got.RequestHandoutID)
	require.NotNil(t, got.HandedOutAt)

	again, err := s.FindByHandoutID(ctx, "p1", "req-1")
	require.NoError(t, err)
	require.Equal(t, got.ID, again.ID)

	mustResource(t, s, "p1", domain.ResourceStateReady)
	_, err = s.ClaimReadyResource(ctx, "p1", "req-1")
	require.True(t, errors.Is(err, ErrConflict), "same request id twice: %v", err)

	_, err = s.ClaimReadyResource(ctx, "p1", "req-2")
	require.NoError(t, err)
	_, err = s.ClaimReadyResource(ctx, "p1", "req-3")
	require.True(t, errors.Is(err, ErrNoReadyResource))
}

func testConcurrentHandout(t *testing.T, s Store) {
	const ready, callers = 3, 12
	mustPool(t, s, testPool("p1", ready))
	for i := 0; i < ready; i++ {
		mustResource(t, s, "p1", domain.ResourceStateReady)
	}

	var (
		mu        sync.Mutex
		claimed   = map[string]string{}
		exhausted int
	)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		req := fmt.Sprintf("req-%d", i)
		g.Go(func() error {
			r, err := s.ClaimReadyResource(context.Background(), "p1", req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNoReadyResource):
				exhausted++
				return nil
			case err != nil:
				return err
			}
			if prev, dup := claimed[r.ID]; dup {
				return fmt.Errorf("resource %s claimed by %s and %s", r.ID, prev, req)
			}
			claimed[r.ID] = req
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, claimed, ready)
	require.Equal(t, callers-ready, exhausted)
}

func testSnapshot(t *testing.T, s Store) {
	ctx := context.Background()
	mustPool(t, s, testPool("p1", 5))
	mustPool(t, s, testPool("p2", 0))

	mustResource(t, s, "p1", domain.ResourceStateHandedOut)
	mustResource(t, s, "p1", domain.ResourceStateCreating)
	readyA := mustResource(t, s, "p1", domain.ResourceStateReady)
	mustResource(t, s, "p1", domain.ResourceStateReady)

	// A create flight whose row does not exist yet, and one whose row does.
	pendingID := uuid.NewString()
	_, _, err := s.CreateFlight(ctx, &domain.Flight{
		ID: "create-" + pendingID, Type: domain.FlightTypeCreateResource, WorkerID: "w1",
		Input: map[string]string{domain.FlightInputPoolID: "p1", domain.FlightInputResourceID: pendingID},
	})
	require.NoError(t, err)
	_, _, err = s.CreateFlight(ctx, &domain.Flight{
		ID: "delete-" + readyA, Type: domain.FlightTypeDeleteResource, WorkerID: "w1",
		Input: map[string]string{domain.FlightInputPoolID: "p1", domain.FlightInputResourceID: readyA},
	})
	require.NoError(t, err)

	snap, err := s.ReconcileSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Pools, 2)
	require.Equal(t, "p1", snap.Pools[0].Pool.ID)
	require.Equal(t, 1, snap.InFlightCreates)
	require.Equal(t, 1, snap.InFlightDeletes)

	p1 := snap.Pools[0]
	require.Equal(t, 1, p1.Count(domain.ResourceStateCreating))
	require.Equal(t, 2, p1.Count(domain.ResourceStateReady))
	require.Equal(t, 1, p1.Count(domain.ResourceStateHandedOut))
	require.Equal(t, 1, p1.PendingCreates)
	require.Equal(t, 1, p1.PendingDeletes)
	require.Equal(t, 3, p1.Supply())

	p2, err := s.PoolStates(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, 0, p2.Supply())

	_, err = s.PoolStates(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func testDrainable(t *testing.T, s Store) {
	ctx := context.Background()
	mustPool(t, s, testPool("p1", 0))
	mustResource(t, s, "p1", domain.ResourceStateHandedOut)
	busy := mustResource(t, s, "p1", domain.ResourceStateReady)
	free := mustResource(t, s, "p1", domain.ResourceStateReady)

	_, _, err := s.CreateFlight(ctx, &domain.Flight{
		ID: "delete-" + busy, Type: domain.FlightTypeDeleteResource, WorkerID: "w1",
		Input: map[string]string{domain.FlightInputPoolID: "p1", domain.FlightInputResourceID: busy},
	})
	require.NoError(t, err)

	got, err := s.ListDrainable(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, free, got[0].ID)
}

func testCleanupCandidates(t *testing.T, s Store) {
	ctx := context.Background()
	plain := testPool("plain", 1)
	auto := testPool("auto", 1)
	auto.Cleanup = domain.CleanupPolicy{AutoDelete: true, TTL: time.Hour}
	mustPool(t, s, plain)
	mustPool(t, s, auto)

	handed := mustResource(t, s, "plain", domain.ResourceStateHandedOut)
	mustResource(t, s, "plain", domain.ResourceStateReady)

	failedNamed := mustResource(t, s, "auto", domain.ResourceStateCreating)
	require.NoError(t, s.SetCloudName(ctx, failedNamed, "rb-leak"))
	_, err := s.TransitionResource(ctx, failedNamed, domain.ResourceStateCreating, domain.ResourceStateDeleting)
	require.NoError(t, err)
	_, err = s.TransitionResource(ctx, failedNamed, domain.ResourceStateDeleting, domain.ResourceStateDeleted)
	require.NoError(t, err)
	mustResource(t, s, "auto", domain.ResourceStateDeleted) // never named: nothing to clean

	failedPlain := mustResource(t, s, "plain", domain.ResourceStateCreating)
	require.NoError(t, s.SetCloudName(ctx, failedPlain, "rb-plain"))

	got, err := s.ListCleanupCandidates(ctx, 10)
	require.NoError(t, err)
	ids := map[string]domain.CleanupPolicy{}
	for _, c := range got {
		ids[c.Resource.ID] = c.Policy
	}
	require.Len(t, ids, 2)
	require.Contains(t, ids, handed)
	require.Contains(t, ids, failedNamed)
	require.True(t, ids[failedNamed].AutoDelete)
	require.Equal(t, time.Hour, ids[failedNamed].TTL)

	require.NoError(t, s.InsertCleanupRecord(ctx, domain.CleanupRecord{ResourceID: handed, ScheduledAt: time.Now()}))
	require.NoError(t, s.InsertCleanupRecord(ctx, domain.CleanupRecord{ResourceID: handed, ScheduledAt: time.Now()}))

	got, err = s.ListCleanupCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, failedNamed, got[0].Resource.ID)

	limited, err := s.ListCleanupCandidates(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, limited)
}

func testRetention(t *testing.T, s Store) {
	ctx := context.Background()
	mustPool(t, s, testPool("p1", 0))

	deleted := mustResource(t, s, "p1", domain.ResourceStateDeleted)
	notified := mustResource(t, s, "p1", domain.ResourceStateHandedOut)
	require.NoError(t, s.InsertCleanupRecord(ctx, domain.CleanupRecord{ResourceID: notified, ScheduledAt: time.Now()}))
	unnotified := mustResource(t, s, "p1", domain.ResourceStateHandedOut)
	ready := mustResource(t, s, "p1", domain.ResourceStateReady)

	pinned := mustResource(t, s, "p1", domain.ResourceStateDeleted)
	_, _, err := s.CreateFlight(ctx, &domain.Flight{
		ID: "delete-" + pinned, Type: domain.FlightTypeDeleteResource, WorkerID: "w1",
		Input: map[string]string{domain.FlightInputPoolID: "p1", domain.FlightInputResourceID: pinned},
	})
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)

	n, err := s.DeleteExpiredResources(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Zero(t, n, "nothing is old enough yet")

	n, err = s.DeleteExpiredResources(ctx, future, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n, "batch size bounds the purge")

	n, err = s.DeleteExpiredResources(ctx, future, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for _, gone := range []string{deleted, notified} {
		_, err := s.GetResource(ctx, gone)
		require.True(t, errors.Is(err, ErrNotFound), "resource %s should be purged", gone)
	}
	for _, kept := range []string{unnotified, ready, pinned} {
		_, err := s.GetResource(ctx, kept)
		require.NoError(t, err, "resource %s should be kept", kept)
	}
}

func testFlights(t *testing.T, s Store) {
	ctx := context.Background()
	in := &domain.Flight{
		ID: "create-1", Type: domain.FlightTypeCreateResource, WorkerID: "w1",
		Input: map[string]string{domain.FlightInputPoolID: "p1", domain.FlightInputResourceID: "r1"},
	}

	stored, created, err := s.CreateFlight(ctx, in)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.FlightStatusRunning, stored.Status)
	require.Equal(t, domain.FlightDirectionDo, stored.Direction)
	require.Equal(t, 0, stored.StepCursor)
	require.Equal(t, domain.NoFailedStep, stored.FailedStep)

	again, created, err := s.CreateFlight(ctx, &domain.Flight{ID: "create-1", Type: "other", WorkerID: "w2"})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, domain.FlightTypeCreateResource, again.Type)
	require.Equal(t, "w1", again.WorkerID)

	progress := stored.Clone()
	progress.StepCursor = 2
	progress.Working = map[string]string{"cloud_name": "rb-x"}
	ok, err := s.SaveFlightProgress(ctx, progress)
	require.NoError(t, err)
	require.True(t, ok)

	stale := progress.Clone()
	stale.WorkerID = "w2"
	ok, err = s.SaveFlightProgress(ctx, stale)
	require.NoError(t, err)
	require.False(t, ok, "non-owner write must be fenced")

	ok, err = s.ClaimFlight(ctx, "create-1", "w2", "w-wrong")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.ClaimFlight(ctx, "create-1", "w2", "w1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SaveFlightProgress(ctx, progress)
	require.NoError(t, err)
	require.False(t, ok, "previous owner lost the fence")

	owners, err := s.ListRunningFlights(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.FlightOwner{{FlightID: "create-1", WorkerID: "w2"}}, owners)

	done := progress.Clone()
	done.WorkerID = "w2"
	done.Status = domain.FlightStatusSuccess
	done.Result = map[string]string{"resource_id": "r1"}
	ok, err = s.SaveFlightProgress(ctx, done)
	require.NoError(t, err)
	require.True(t, ok)

	final, err := s.GetFlight(ctx, "create-1")
	require.NoError(t, err)
	require.Equal(t, domain.FlightStatusSuccess, final.Status)
	require.Equal(t, 2, final.StepCursor)
	require.Equal(t, "rb-x", final.Working["cloud_name"])
	require.Equal(t, "r1", final.Result["resource_id"])
	require.NotNil(t, final.CompletedAt)

	ok, err = s.SaveFlightProgress(ctx, done)
	require.NoError(t, err)
	require.False(t, ok, "terminal flights are immutable")

	owners, err = s.ListRunningFlights(ctx)
	require.NoError(t, err)
	require.Empty(t, owners)

	_, err = s.GetFlight(ctx, "nope")
	require.True(t, errors.Is(err, ErrNotFound))
}

func testHeartbeats(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Heartbeat(ctx, "w1"))
	require.NoError(t, s.Heartbeat(ctx, "w2"))
	require.NoError(t, s.Heartbeat(ctx, "w1"))

	live, err := s.LiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"w1", "w2"}, live)

	require.NoError(t, s.RemoveHeartbeat(ctx, "w2"))
	live, err = s.LiveWorkers(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []string{"w1"}, live)
}

func testJobLock(t *testing.T, s Store) {
	ctx := context.Background()

	ok, err := s.TryAcquireLock(ctx, "reconciler", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryAcquireLock(ctx, "reconciler", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "lease still valid")

	ok, err = s.TryAcquireLock(ctx, "cleanup", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "locks are per name")

	require.NoError(t, s.ReleaseLock(ctx, "reconciler", "b", 0))
	ok, err = s.TryAcquireLock(ctx, "reconciler", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "only the holder can release")

	require.NoError(t, s.ReleaseLock(ctx, "reconciler", "a", time.Hour))
	ok, err = s.TryAcquireLock(ctx, "reconciler", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "min hold keeps the lease")

	require.NoError(t, s.ReleaseLock(ctx, "reconciler", "a", 0))
	ok, err = s.TryAcquireLock(ctx, "reconciler", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
