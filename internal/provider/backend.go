// Package provider defines the resource provisioning backend contract and
// an in-process mock implementation.
//
// The backend is remote, slow and subject to transient failure. Callers
// classify its errors with IsTransient and IsNotFound; raw backend errors
// never leave a flight step.
//
// Import Path: rbs.io/buffer/internal/provider
package provider

import (
	"context"
	"fmt"

	"rbs.io/buffer/internal/config"
	"rbs.io/buffer/internal/domain"
)

// ResourceHandle identifies a provisioned cloud resource.
type ResourceHandle struct {
	// Name is the generated, globally unique resource name.
	Name string `json:"name"`
	// ID is the provider's opaque identifier, e.g. "projects/123456".
	ID string `json:"id"`
}

// CreateRequest asks the backend to provision one resource.
type CreateRequest struct {
	Name   string
	Config domain.ResourceConfig
	Labels map[string]string
}

// Backend is the provisioning backend capability.
//
// Every method must tolerate being re-invoked after a partial effect:
// flights run steps at least once.
type Backend interface {
	Name() string

	// FindResource looks a resource up by name. found is false when absent.
	FindResource(ctx context.Context, name string) (handle *ResourceHandle, found bool, err error)
	// CreateResource provisions a resource. Returns ErrAlreadyExists if the
	// name is taken.
	CreateResource(ctx context.Context, req CreateRequest) (*ResourceHandle, error)
	// DeleteResource deletes a resource. Returns ErrNotFound if it is gone.
	DeleteResource(ctx context.Context, handle ResourceHandle) error

	// Post-creation configuration. Each call converges to the requested state.
	ConfigureNetwork(ctx context.Context, handle ResourceHandle, cfg domain.NetworkConfig) error
	SetIAMBindings(ctx context.Context, handle ResourceHandle, bindings []domain.IAMBinding) error
	EnableAPIs(ctx context.Context, handle ResourceHandle, apis []string) error
}

// NewBackend builds the backend selected by configuration.
func NewBackend(cfg config.ProviderConfig) (Backend, error) {
	switch cfg.Backend {
	case "mock", "":
		return NewMockBackend(
			WithTransientFailureRate(cfg.Mock.TransientFailureRate),
			WithLatency(cfg.Mock.Latency),
			WithTakenNames(cfg.Mock.TakenNames...),
		), nil
	default:
		return nil, fmt.Errorf("unsupported provider backend %q", cfg.Backend)
	}
}
