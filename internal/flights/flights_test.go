package flights

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/engine"
	apperrors "rbs.io/buffer/internal/pkg/errors"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/pkg/worker"
	"rbs.io/buffer/internal/provider"
	"rbs.io/buffer/internal/repository"
	"rbs.io/buffer/internal/service"
)

func init() {
	logger.InitNop()
}

type harness struct {
	store     *repository.MemoryStore
	backend   *provider.MockBackend
	engine    *engine.Engine
	submitter *Submitter
}

type harnessOption func(*Deps)

func withFinder(f service.ResourceFinder) harnessOption {
	return func(d *Deps) { d.Names = service.NewNameGenerator(f, 3, nil) }
}

// deletingOutage fails every resource transition into DELETING while down
// is set.
type deletingOutage struct {
	Store
	down atomic.Bool
}

func (s *deletingOutage) TransitionResource(ctx context.Context, id string, from, to domain.ResourceState) (bool, error) {
	if to == domain.ResourceStateDeleting && s.down.Load() {
		return false, errors.New("store unavailable")
	}
	return s.Store.TransitionResource(ctx, id, from, to)
}

func withOutage(o *deletingOutage) harnessOption {
	return func(d *Deps) {
		o.Store = d.Store
		d.Store = o
	}
}

func newHarness(t *testing.T, workerID string, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessOn(t, repository.NewMemoryStore(), provider.NewMockBackend(), workerID, opts...)
}

func newHarnessOn(t *testing.T, store *repository.MemoryStore, backend *provider.MockBackend, workerID string, opts ...harnessOption) *harness {
	t.Helper()
	pools, err := worker.NewPools(context.Background(), worker.PoolConfig{FlightPoolSize: 8, GeneralPoolSize: 1, ReleaseTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { pools.Shutdown(time.Second) })

	e := engine.New(store, pools.Flight, engine.Config{
		WorkerID:            workerID,
		HeartbeatInterval:   time.Hour,
		HeartbeatTTL:        time.Minute,
		RecoveryInterval:    time.Hour,
		ShutdownQuietPeriod: time.Second,
		DefaultBackoff:      wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 4},
	})
	deps := Deps{
		Store:       store,
		Backend:     backend,
		Names:       service.NewNameGenerator(backend, 5, nil),
		CallTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	Register(e, deps)
	return &harness{store: store, backend: backend, engine: e, submitter: NewSubmitter(e, store)}
}

func cloudPool(id string) *domain.Pool {
	return &domain.Pool{
		ID:           id,
		Size:         2,
		Status:       domain.PoolStatusActive,
		ResourceType: domain.ResourceTypeCloudProject,
		ResourceConfig: domain.ResourceConfig{
			ConfigName: id,
			Kind:       domain.ResourceTypeCloudProject,
			CloudProject: &domain.CloudProjectConfig{
				ParentFolderID: "folders/1",
				BillingAccount: "billingAccounts/1",
				EnabledAPIs:    []string{"compute.googleapis.com"},
				IAMBindings:    []domain.IAMBinding{{Role: "roles/owner", Members: []string{"group:ops@example.com"}}},
				Network:        domain.NetworkConfig{EnablePrivateGoogleAccess: true},
				NameScheme:     domain.NameScheme{Prefix: "rb", Scheme: domain.NamingRandomChar},
				Labels:         map[string]string{"team": "research"},
			},
		},
	}
}

func (h *harness) addPool(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.InsertPool(context.Background(), cloudPool(id)))
}

func (h *harness) await(t *testing.T, id string) *domain.Flight {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := h.engine.Await(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return f
}

func (h *harness) resource(t *testing.T, f *domain.Flight) *domain.Resource {
	t.Helper()
	r, err := h.store.GetResource(context.Background(), f.ResourceID())
	require.NoError(t, err)
	return r
}

// createReady runs a create flight to completion and returns the resource.
func (h *harness) createReady(t *testing.T, poolID string) *domain.Resource {
	t.Helper()
	f, err := h.submitter.SubmitCreate(context.Background(), poolID)
	require.NoError(t, err)
	done := h.await(t, f.ID)
	require.Equal(t, domain.FlightStatusSuccess, done.Status, done.ErrorMessage)
	return h.resource(t, done)
}

type allTaken struct{}

func (allTaken) FindResource(_ context.Context, name string) (*provider.ResourceHandle, bool, error) {
	return &provider.ResourceHandle{Name: name}, true, nil
}

func TestCreateFlight_Success(t *testing.T) {
	h := newHarness(t, "w1")
	h.addPool(t, "p1")

	r := h.createReady(t, "p1")
	assert.Equal(t, domain.ResourceStateReady, r.State)
	assert.Regexp(t, `^rb-[a-z0-9]{8}$`, r.CloudName)
	assert.NotEmpty(t, r.CloudResourceID)

	f, err := h.engine.GetFlightState(context.Background(), CreateFlightID(r.ID))
	require.NoError(t, err)
	assert.Equal(t, r.CloudName, f.Result["cloud_name"])
	assert.Equal(t, r.CloudResourceID, f.Result["cloud_resource_id"])

	got, ok := h.backend.Get(r.CloudName)
	require.True(t, ok)
	assert.Equal(t, "p1", got.Labels[LabelPool])
	assert.Equal(t, r.ID, got.Labels[LabelResource])
	assert.Equal(t, "research", got.Labels["team"])
	require.NotNil(t, got.Network)
	assert.True(t, got.Network.EnablePrivateGoogleAccess)
	assert.Len(t, got.IAMBindings, 1)
	assert.Equal(t, []string{"compute.googleapis.com"}, got.EnabledAPIs)
}

func TestCreateFlight_TransientErrorsAreRetried(t *testing.T) {
	h := newHarness(t, "w1")
	h.addPool(t, "p1")
	h.backend.FailNext(provider.OpCreate,
		provider.Transient(provider.OpCreate, errors.New("503")),
		provider.Throttled(provider.OpCreate, errors.New("429")),
	)

	r := h.createReady(t, "p1")
	assert.Equal(t, domain.ResourceStateReady, r.State)
	assert.Equal(t, 3, h.backend.Calls(provider.OpCreate))
	assert.Equal(t, 1, h.backend.Len())
}

func TestCreateFlight_NameExhaustionUnwinds(t *testing.T) {
	h := newHarness(t, "w1", withFinder(allTaken{}))
	h.addPool(t, "p1")

	f, err := h.submitter.SubmitCreate(context.Background(), "p1")
	require.NoError(t, err)
	done := h.await(t, f.ID)

	assert.Equal(t, domain.FlightStatusError, done.Status)
	assert.Equal(t, 1, done.FailedStep)
	assert.Contains(t, done.ErrorMessage, service.ErrNamesExhausted.Error())
	assert.Equal(t, domain.ResourceStateDeleted, h.resource(t, done).State)
	assert.Zero(t, h.backend.Calls(provider.OpCreate))
}

func TestCreateFlight_PostCreateFailureDeletesResource(t *testing.T) {
	h := newHarness(t, "w1")
	h.addPool(t, "p1")
	h.backend.FailNext(provider.OpIAM, provider.Permanent(provider.OpIAM, errors.New("policy rejected")))

	f, err := h.submitter.SubmitCreate(context.Background(), "p1")
	require.NoError(t, err)
	done := h.await(t, f.ID)

	assert.Equal(t, domain.FlightStatusError, done.Status)
	assert.Equal(t, 4, done.FailedStep)
	assert.Empty(t, done.UndoErrors)
	r := h.resource(t, done)
	assert.Equal(t, domain.ResourceStateDeleted, r.State)
	assert.Zero(t, h.backend.Len(), "partially configured resource must be deleted")
}

func TestCreateFlight_CreateFailureCleansLeftover(t *testing.T) {
	h := newHarness(t, "w1")
	h.addPool(t, "p1")
	h.backend.FailNext(provider.OpCreate, provider.Permanent(provider.OpCreate, errors.New("quota exceeded")))

	f, err := h.submitter.SubmitCreate(context.Background(), "p1")
	require.NoError(t, err)
	done := h.await(t, f.ID)

	assert.Equal(t, domain.FlightStatusError, done.Status)
	assert.Equal(t, 2, done.FailedStep)
	assert.Equal(t, domain.ResourceStateDeleted, h.resource(t, done).State)
	assert.Zero(t, h.backend.Len())
}

func TestCreateFlight_UndoFailureIsFatal(t *testing.T) {
	h := newHarness(t, "w1")
	h.addPool(t, "p1")
	h.backend.FailNext(provider.OpEnableAPI, provider.Permanent(provider.OpEnableAPI, errors.New("api unknown")))
	h.backend.FailNext(provider.OpDelete, provider.Permanent(provider.OpDelete, errors.New("lien on project")))

	f, err := h.submitter.SubmitCreate(context.Background(), "p1")
	require.NoError(t, err)
	done := h.await(t, f.ID)

	assert.Equal(t, domain.FlightStatusFatal, done.Status)
	require.Len(t, done.UndoErrors, 1)
	assert.Contains(t, done.UndoErrors[0], "create-resource")
	assert.Equal(t, domain.ResourceStateDeleted, h.resource(t, done).State)
}

func TestCreateFlight_ResumeReusesProvisionedResource(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	backend := provider.NewMockBackend()
	h := newHarnessOn(t, store, backend, "w-live")
	h.addPool(t, "p1")

	// The dead worker created the cloud resource but crashed before
	// persisting the create step.
	resourceID := "0192f3a0-0000-7000-8000-000000000001"
	_, err := store.InsertResource(ctx, &domain.Resource{ID: resourceID, PoolID: "p1", State: domain.ResourceStateCreating})
	require.NoError(t, err)
	require.NoError(t, store.SetCloudName(ctx, resourceID, "rb-survivor"))
	backend.Seed(&provider.MockResource{Handle: provider.ResourceHandle{Name: "rb-survivor", ID: "projects/42"}})

	f, _, err := store.CreateFlight(ctx, &domain.Flight{
		ID:       CreateFlightID(resourceID),
		Type:     domain.FlightTypeCreateResource,
		Input:    map[string]string{domain.FlightInputPoolID: "p1", domain.FlightInputResourceID: resourceID},
		WorkerID: "w-dead",
	})
	require.NoError(t, err)
	f.StepCursor = 2
	f.Working = map[string]string{keyCloudName: "rb-survivor", keyCreateAttempted: "true"}
	_, err = store.SaveFlightProgress(ctx, f)
	require.NoError(t, err)

	claimed, err := h.engine.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	done := h.await(t, f.ID)
	assert.Equal(t, domain.FlightStatusSuccess, done.Status, done.ErrorMessage)
	assert.Zero(t, backend.Calls(provider.OpCreate), "existing resource must be reused")
	r := h.resource(t, done)
	assert.Equal(t, domain.ResourceStateReady, r.State)
	assert.Equal(t, "projects/42", r.CloudResourceID)
}

func TestDeleteFlight(t *testing.T) {
	tests := []struct {
		name           string
		handOut        bool
		expected       domain.ResourceState
		removeUpstream bool
		wantStatus     domain.FlightStatus
		wantState      domain.ResourceState
		wantDeletes    int
	}{
		{"drain ready", false, domain.ResourceStateReady, false, domain.FlightStatusSuccess, domain.ResourceStateDeleted, 1},
		{"delete handed out", true, domain.ResourceStateHandedOut, false, domain.FlightStatusSuccess, domain.ResourceStateDeleted, 1},
		{"already gone upstream", false, domain.ResourceStateReady, true, domain.FlightStatusSuccess, domain.ResourceStateDeleted, 1},
		{"lost to handout", true, domain.ResourceStateReady, false, domain.FlightStatusError, domain.ResourceStateHandedOut, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, "w1")
			h.addPool(t, "p1")
			r := h.createReady(t, "p1")

			if tt.handOut {
				claimed, err := h.store.ClaimReadyResource(ctx, "p1", "req-1")
				require.NoError(t, err)
				require.Equal(t, r.ID, claimed.ID)
			}
			if tt.removeUpstream {
				require.NoError(t, h.backend.DeleteResource(ctx, provider.ResourceHandle{Name: r.CloudName}))
			}
			deletesBefore := h.backend.Calls(provider.OpDelete)

			f, err := h.submitter.SubmitDelete(ctx, "p1", r.ID, tt.expected)
			require.NoError(t, err)
			done := h.await(t, f.ID)

			assert.Equal(t, tt.wantStatus, done.Status, done.ErrorMessage)
			got, err := h.store.GetResource(ctx, r.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.wantDeletes, h.backend.Calls(provider.OpDelete)-deletesBefore)
			if tt.wantStatus == domain.FlightStatusSuccess {
				_, stillThere := h.backend.Get(r.CloudName)
				assert.False(t, stillThere)
			}
		})
	}
}

func TestSubmitter_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "w1")
	h.addPool(t, "p1")
	h.addPool(t, "p-off")
	require.NoError(t, h.store.DeactivatePool(ctx, "p-off"))

	_, err := h.submitter.SubmitCreate(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrUnknownPool)
	_, err = h.submitter.SubmitCreate(ctx, "p-off")
	assert.ErrorIs(t, err, apperrors.ErrUnknownPool)

	_, err = h.submitter.SubmitDelete(ctx, "p1", "r1", domain.ResourceStateCreating)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = h.submitter.SubmitDeleteResource(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	r := h.createReady(t, "p1")
	f, err := h.submitter.SubmitDeleteResource(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, DeleteFlightID(r.ID, domain.ResourceStateReady), f.ID)
	h.await(t, f.ID)

	_, err = h.submitter.SubmitDeleteResource(ctx, r.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestSubmitter_ResubmitsAfterFailedDelete(t *testing.T) {
	ctx := context.Background()
	outage := &deletingOutage{}
	h := newHarness(t, "w1", withOutage(outage))
	h.addPool(t, "p1")
	r := h.createReady(t, "p1")

	outage.down.Store(true)
	first, err := h.submitter.SubmitDelete(ctx, "p1", r.ID, domain.ResourceStateReady)
	require.NoError(t, err)
	assert.Equal(t, DeleteFlightID(r.ID, domain.ResourceStateReady), first.ID)
	assert.Equal(t, domain.FlightStatusError, h.await(t, first.ID).Status)
	assert.Equal(t, domain.ResourceStateReady, h.resource(t, first).State)

	outage.down.Store(false)
	second, err := h.submitter.SubmitDelete(ctx, "p1", r.ID, domain.ResourceStateReady)
	require.NoError(t, err)
	assert.Equal(t, first.ID+"-2", second.ID)
	assert.Equal(t, domain.FlightStatusSuccess, h.await(t, second.ID).Status)
	assert.Equal(t, domain.ResourceStateDeleted, h.resource(t, second).State)

	again, err := h.submitter.SubmitDelete(ctx, "p1", r.ID, domain.ResourceStateReady)
	require.NoError(t, err)
	assert.Equal(t, second.ID, again.ID)
	assert.Equal(t, domain.FlightStatusSuccess, again.Status)
}

func TestSubmitter_NoResubmitAfterResourceMoved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "w1")
	h.addPool(t, "p1")
	r := h.createReady(t, "p1")
	_, err := h.store.ClaimReadyResource(ctx, "p1", "req-1")
	require.NoError(t, err)

	first, err := h.submitter.SubmitDelete(ctx, "p1", r.ID, domain.ResourceStateReady)
	require.NoError(t, err)
	assert.Equal(t, domain.FlightStatusError, h.await(t, first.ID).Status)

	again, err := h.submitter.SubmitDelete(ctx, "p1", r.ID, domain.ResourceStateReady)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Status.Terminal())
}
