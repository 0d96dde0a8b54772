package flights

import (
	"context"
	"errors"
	"fmt"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/engine"
	"rbs.io/buffer/internal/provider"
	"rbs.io/buffer/internal/repository"
)

// DeleteResourceDefinition is the delete-resource flight: mark DELETING,
// delete from the backend, mark DELETED. Nothing is undone.
func DeleteResourceDefinition(d Deps) engine.Definition {
	s := &deleteSteps{Deps: d}
	return engine.Definition{
		Type: domain.FlightTypeDeleteResource,
		Steps: []engine.Step{
			// A resource that left the expected state is not an incident.
			{Name: "mark-deleting", Do: s.markDeleting, Retryable: true},
			{Name: "delete-resource", Do: s.deleteResource},
			{Name: "mark-deleted", Do: s.markDeleted},
		},
	}
}

type deleteSteps struct {
	Deps
}

func (s *deleteSteps) markDeleting(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	resourceID := fc.Input(domain.FlightInputResourceID)
	expected := domain.ResourceState(fc.Input(InputExpectedState))

	moved, err := s.Store.TransitionResource(ctx, resourceID, expected, domain.ResourceStateDeleting)
	if err != nil {
		return storeResult(fmt.Errorf("mark resource deleting: %w", err))
	}
	if moved {
		return engine.Success()
	}

	r, err := s.Store.GetResource(ctx, resourceID)
	if errors.Is(err, repository.ErrNotFound) {
		return engine.Fatal(fmt.Errorf("resource %s does not exist", resourceID))
	}
	if err != nil {
		return storeResult(fmt.Errorf("load resource: %w", err))
	}
	switch r.State {
	case domain.ResourceStateDeleting, domain.ResourceStateDeleted:
		// An interrupted attempt of this step already moved it.
		return engine.Success()
	default:
		return engine.Fatal(fmt.Errorf("resource %s is %s, expected %s", resourceID, r.State, expected))
	}
}

func (s *deleteSteps) deleteResource(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	r, err := s.Store.GetResource(ctx, fc.Input(domain.FlightInputResourceID))
	if err != nil {
		return storeResult(fmt.Errorf("load resource: %w", err))
	}
	if r.CloudName == "" {
		return engine.Success()
	}

	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	h := provider.ResourceHandle{Name: r.CloudName, ID: r.CloudResourceID}
	if err := s.Backend.DeleteResource(callCtx, h); err != nil && !provider.IsNotFound(err) {
		return backendResult(fmt.Errorf("delete %s: %w", h.Name, err))
	}
	fc.SetResult(keyCloudName, h.Name)
	return engine.Success()
}

func (s *deleteSteps) markDeleted(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	resourceID := fc.Input(domain.FlightInputResourceID)
	moved, err := s.Store.TransitionResource(ctx, resourceID, domain.ResourceStateDeleting, domain.ResourceStateDeleted)
	if err != nil {
		return storeResult(fmt.Errorf("mark resource deleted: %w", err))
	}
	if !moved {
		r, err := s.Store.GetResource(ctx, resourceID)
		if err != nil {
			return storeResult(fmt.Errorf("load resource: %w", err))
		}
		if r.State != domain.ResourceStateDeleted {
			return engine.Fatal(fmt.Errorf("resource %s is %s, cannot mark deleted", resourceID, r.State))
		}
	}
	fc.SetResult(domain.FlightInputResourceID, resourceID)
	return engine.Success()
}
