// Package flights defines the resource lifecycle flights: create-resource
// and delete-resource.
//
// Every step re-reads what it needs from the store or the flight's working
// map, so a flight resumed on another worker behaves exactly like one that
// never stopped.
//
// Import Path: rbs.io/buffer/internal/flights
package flights

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/engine"
	apperrors "rbs.io/buffer/internal/pkg/errors"
	"rbs.io/buffer/internal/provider"
	"rbs.io/buffer/internal/repository"
	"rbs.io/buffer/internal/service"
)

// Flight input and working keys.
const (
	InputExpectedState = "expected_state"

	keyCloudName       = "cloud_name"
	keyCloudResourceID = "cloud_resource_id"
	keyCreateAttempted = "create_attempted"
	keyNameConflict    = "name_conflict"
)

// Flight id prefixes. The id embeds the resource id so a resubmission for
// the same resource is deduplicated by the engine.
const (
	createFlightPrefix = "create-"
	deleteFlightPrefix = "delete-"
)

// Store is the resource persistence the lifecycle flights need.
type Store interface {
	GetPool(ctx context.Context, id string) (*domain.Pool, error)
	InsertResource(ctx context.Context, r *domain.Resource) (bool, error)
	GetResource(ctx context.Context, id string) (*domain.Resource, error)
	TransitionResource(ctx context.Context, id string, from, to domain.ResourceState) (bool, error)
	SetCloudName(ctx context.Context, id, name string) error
	MarkResourceReady(ctx context.Context, id, cloudResourceID string) (bool, error)
}

// Deps are the collaborators of the lifecycle flights.
type Deps struct {
	Store   Store
	Backend provider.Backend
	Names   *service.NameGenerator
	// CallTimeout bounds every provisioning backend call.
	CallTimeout time.Duration
}

// Register adds the lifecycle flight types to e.
func Register(e *engine.Engine, deps Deps) {
	e.Register(CreateResourceDefinition(deps))
	e.Register(DeleteResourceDefinition(deps))
}

// Submitter submits lifecycle flights.
type Submitter struct {
	engine *engine.Engine
	store  Store
}

// NewSubmitter creates a new Submitter.
func NewSubmitter(e *engine.Engine, store Store) *Submitter {
	return &Submitter{engine: e, store: store}
}

// CreateFlightID returns the id of the create flight for a resource.
func CreateFlightID(resourceID string) string {
	return createFlightPrefix + resourceID
}

// DeleteFlightID returns the id of the first delete flight for a resource
// leaving from state. A drain that lost the resource to a handout does not
// block a later delete of the handed out resource.
func DeleteFlightID(resourceID string, from domain.ResourceState) string {
	return deleteFlightPrefix + strings.ToLower(string(from)) + "-" + resourceID
}

// deleteFlightGeneration returns the id of the n-th delete flight for a
// resource leaving from state. Generation 1 is DeleteFlightID.
func deleteFlightGeneration(resourceID string, from domain.ResourceState, n int) string {
	if n <= 1 {
		return DeleteFlightID(resourceID, from)
	}
	return DeleteFlightID(resourceID, from) + "-" + strconv.Itoa(n)
}

// SubmitCreate submits a create-resource flight for a new resource in pool.
func (s *Submitter) SubmitCreate(ctx context.Context, poolID string) (*domain.Flight, error) {
	pool, err := s.store.GetPool(ctx, poolID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrUnknownPoolf(poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("load pool %s: %w", poolID, err)
	}
	if !pool.Active() {
		return nil, apperrors.ErrUnknownPoolf(poolID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate resource id: %w", err)
	}
	resourceID := id.String()
	return s.engine.Submit(ctx, CreateFlightID(resourceID), domain.FlightTypeCreateResource, map[string]string{
		domain.FlightInputPoolID:     poolID,
		domain.FlightInputResourceID: resourceID,
	})
}

// SubmitDelete submits a delete-resource flight. The flight only acts if the
// resource is still in expected when it starts.
//
// Resubmitting while a delete flight runs returns that flight. When the last
// one ended ERROR or FATAL and the resource is still in expected, the next
// generation is submitted under a new id. A returned flight that is already
// terminal means nothing was started.
func (s *Submitter) SubmitDelete(ctx context.Context, poolID, resourceID string, expected domain.ResourceState) (*domain.Flight, error) {
	if expected != domain.ResourceStateReady && expected != domain.ResourceStateHandedOut {
		return nil, apperrors.ErrInvalidRequestFieldf("expected_state")
	}
	input := map[string]string{
		domain.FlightInputPoolID:     poolID,
		domain.FlightInputResourceID: resourceID,
		InputExpectedState:           string(expected),
	}

	for gen := 1; ; gen++ {
		f, err := s.engine.Submit(ctx, deleteFlightGeneration(resourceID, expected, gen), domain.FlightTypeDeleteResource, input)
		if err != nil {
			return nil, err
		}
		if !f.Status.Terminal() || f.Status == domain.FlightStatusSuccess {
			return f, nil
		}

		r, err := s.store.GetResource(ctx, resourceID)
		if errors.Is(err, repository.ErrNotFound) {
			return f, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load resource %s: %w", resourceID, err)
		}
		if r.State != expected {
			return f, nil
		}
	}
}

// SubmitDeleteResource looks the resource up and submits a delete flight
// from its current state, which must be READY or HANDED_OUT.
func (s *Submitter) SubmitDeleteResource(ctx context.Context, resourceID string) (*domain.Flight, error) {
	r, err := s.store.GetResource(ctx, resourceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrResourceNotFoundf(resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load resource %s: %w", resourceID, err)
	}
	if r.State != domain.ResourceStateReady && r.State != domain.ResourceStateHandedOut {
		return nil, apperrors.Conflict(apperrors.CodeResourceNotDeletable,
			fmt.Sprintf("resource is %s; only READY or HANDED_OUT resources can be deleted", r.State)).
			WithParams(map[string]interface{}{"resource_id": resourceID, "state": string(r.State)})
	}
	return s.SubmitDelete(ctx, r.PoolID, r.ID, r.State)
}

// backendResult classifies a provisioning backend error.
func backendResult(err error) engine.StepResult {
	if provider.IsTransient(err) {
		return engine.Retry(err)
	}
	return engine.Fatal(err)
}

// storeResult classifies a store error. Store outages are assumed to pass.
func storeResult(err error) engine.StepResult {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) {
		return engine.Fatal(err)
	}
	return engine.Retry(err)
}

func (d Deps) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.CallTimeout)
}

// retire walks a resource to DELETED from CREATING or DELETING.
func retire(ctx context.Context, store Store, resourceID string) error {
	if _, err := store.TransitionResource(ctx, resourceID, domain.ResourceStateCreating, domain.ResourceStateDeleting); err != nil {
		return err
	}
	if _, err := store.TransitionResource(ctx, resourceID, domain.ResourceStateDeleting, domain.ResourceStateDeleted); err != nil {
		return err
	}
	r, err := store.GetResource(ctx, resourceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.State != domain.ResourceStateDeleted {
		return fmt.Errorf("resource %s is %s, cannot retire", resourceID, r.State)
	}
	return nil
}
