package flights

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/engine"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/provider"
	"rbs.io/buffer/internal/repository"
	"rbs.io/buffer/internal/service"
)

// Labels stamped on every provisioned resource.
const (
	LabelPool     = "resource-buffer-pool"
	LabelResource = "resource-buffer-resource"
)

// CreateResourceDefinition is the create-resource flight: insert a CREATING
// row, pick a free name, provision, configure, then mark READY.
func CreateResourceDefinition(d Deps) engine.Definition {
	c := &createSteps{Deps: d}
	return engine.Definition{
		Type: domain.FlightTypeCreateResource,
		Steps: []engine.Step{
			{Name: "insert-resource", Do: c.insertResource, Undo: c.retireResource, Retryable: true},
			{Name: "generate-name", Do: c.generateName, Undo: c.deleteLeftover, Retryable: true},
			{Name: "create-resource", Do: c.createResource, Undo: c.deleteResource, Retryable: true},
			{Name: "configure-network", Do: c.configureNetwork, Retryable: true},
			{Name: "set-iam-bindings", Do: c.setIAMBindings, Retryable: true},
			{Name: "enable-apis", Do: c.enableAPIs, Retryable: true},
			{Name: "mark-ready", Do: c.markReady, Retryable: true},
		},
	}
}

type createSteps struct {
	Deps
}

func (c *createSteps) pool(ctx context.Context, fc *engine.FlightContext) (*domain.Pool, engine.StepResult, bool) {
	pool, err := c.Store.GetPool(ctx, fc.Input(domain.FlightInputPoolID))
	if err != nil {
		return nil, storeResult(fmt.Errorf("load pool: %w", err)), false
	}
	return pool, engine.Success(), true
}

// handle rebuilds the backend handle recorded by earlier steps.
func handle(fc *engine.FlightContext) (provider.ResourceHandle, bool) {
	name, ok := fc.Get(keyCloudName)
	if !ok {
		return provider.ResourceHandle{}, false
	}
	id, _ := fc.Get(keyCloudResourceID)
	return provider.ResourceHandle{Name: name, ID: id}, true
}

func (c *createSteps) insertResource(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	resourceID := fc.Input(domain.FlightInputResourceID)
	if _, err := c.Store.GetResource(ctx, resourceID); err == nil {
		return engine.Success()
	} else if !errors.Is(err, repository.ErrNotFound) {
		return storeResult(fmt.Errorf("load resource: %w", err))
	}

	pool, res, ok := c.pool(ctx, fc)
	if !ok {
		return res
	}
	if !pool.Active() {
		return engine.Fatal(fmt.Errorf("pool %s is %s", pool.ID, pool.Status))
	}
	_, err := c.Store.InsertResource(ctx, &domain.Resource{
		ID:     resourceID,
		PoolID: pool.ID,
		State:  domain.ResourceStateCreating,
	})
	if err != nil {
		return storeResult(fmt.Errorf("insert resource: %w", err))
	}
	return engine.Success()
}

func (c *createSteps) retireResource(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	if err := retire(ctx, c.Store, fc.Input(domain.FlightInputResourceID)); err != nil {
		return storeResult(fmt.Errorf("retire resource: %w", err))
	}
	return engine.Success()
}

func (c *createSteps) generateName(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	if _, ok := fc.Get(keyCloudName); ok {
		return engine.Success()
	}
	resourceID := fc.Input(domain.FlightInputResourceID)

	// A name recorded by an interrupted attempt is reused; a resource may
	// already exist under it.
	r, err := c.Store.GetResource(ctx, resourceID)
	if err != nil {
		return storeResult(fmt.Errorf("load resource: %w", err))
	}
	if r.CloudName != "" {
		fc.Set(keyCloudName, r.CloudName)
		return engine.Success()
	}

	pool, res, ok := c.pool(ctx, fc)
	if !ok {
		return res
	}
	if pool.ResourceConfig.CloudProject == nil {
		return engine.Fatal(fmt.Errorf("pool %s has no %s configuration", pool.ID, pool.ResourceConfig.Kind))
	}

	callCtx, cancel := c.callContext(ctx)
	name, err := c.Names.Generate(callCtx, pool.ResourceConfig.CloudProject.NameScheme)
	cancel()
	if errors.Is(err, service.ErrNamesExhausted) {
		return engine.Fatal(err)
	}
	if err != nil {
		return backendResult(err)
	}

	if err := c.Store.SetCloudName(ctx, resourceID, name); err != nil {
		return storeResult(fmt.Errorf("record cloud name: %w", err))
	}
	fc.Set(keyCloudName, name)
	return engine.Success()
}

// deleteLeftover removes a resource the create step may have provisioned
// before failing. The create step is not undone itself because it failed.
func (c *createSteps) deleteLeftover(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	if _, attempted := fc.Get(keyCreateAttempted); !attempted {
		return engine.Success()
	}
	if _, conflict := fc.Get(keyNameConflict); conflict {
		return engine.Success()
	}
	name, ok := fc.Get(keyCloudName)
	if !ok {
		return engine.Success()
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	h, found, err := c.Backend.FindResource(callCtx, name)
	if err != nil {
		return backendResult(fmt.Errorf("find leftover %s: %w", name, err))
	}
	if !found {
		return engine.Success()
	}
	if err := c.Backend.DeleteResource(callCtx, *h); err != nil && !provider.IsNotFound(err) {
		return backendResult(fmt.Errorf("delete leftover %s: %w", name, err))
	}
	logger.Info("Deleted leftover resource",
		logger.FlightID(fc.FlightID),
		zap.String("cloud_name", name),
	)
	return engine.Success()
}

func (c *createSteps) createResource(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	name, ok := fc.Get(keyCloudName)
	if !ok {
		return engine.Fatal(errors.New("no cloud name recorded"))
	}
	pool, res, ok := c.pool(ctx, fc)
	if !ok {
		return res
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	// An earlier attempt may have succeeded before its result was persisted.
	existing, found, err := c.Backend.FindResource(callCtx, name)
	if err != nil {
		return backendResult(fmt.Errorf("find %s: %w", name, err))
	}
	if found {
		fc.Set(keyCloudResourceID, existing.ID)
		return engine.Success()
	}

	fc.Set(keyCreateAttempted, "true")
	labels := map[string]string{
		LabelPool:     pool.ID,
		LabelResource: fc.Input(domain.FlightInputResourceID),
	}
	if cp := pool.ResourceConfig.CloudProject; cp != nil {
		for k, v := range cp.Labels {
			labels[k] = v
		}
	}
	h, err := c.Backend.CreateResource(callCtx, provider.CreateRequest{
		Name:   name,
		Config: pool.ResourceConfig,
		Labels: labels,
	})
	if provider.IsAlreadyExists(err) {
		fc.Set(keyNameConflict, "true")
		return engine.Fatal(fmt.Errorf("name %s was taken after probing: %w", name, err))
	}
	if err != nil {
		return backendResult(fmt.Errorf("create %s: %w", name, err))
	}
	fc.Set(keyCloudResourceID, h.ID)
	return engine.Success()
}

func (c *createSteps) deleteResource(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	resourceID := fc.Input(domain.FlightInputResourceID)
	if _, err := c.Store.TransitionResource(ctx, resourceID, domain.ResourceStateCreating, domain.ResourceStateDeleting); err != nil {
		return storeResult(fmt.Errorf("mark resource deleting: %w", err))
	}

	h, ok := handle(fc)
	if !ok {
		return engine.Success()
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if err := c.Backend.DeleteResource(callCtx, h); err != nil && !provider.IsNotFound(err) {
		return backendResult(fmt.Errorf("delete %s: %w", h.Name, err))
	}
	return engine.Success()
}

// cloudProjectStep runs fn against the provisioned resource when the pool
// provisions cloud projects.
func (c *createSteps) cloudProjectStep(
	ctx context.Context,
	fc *engine.FlightContext,
	op string,
	fn func(ctx context.Context, h provider.ResourceHandle, cp *domain.CloudProjectConfig) error,
) engine.StepResult {
	pool, res, ok := c.pool(ctx, fc)
	if !ok {
		return res
	}
	cp := pool.ResourceConfig.CloudProject
	if cp == nil {
		return engine.Success()
	}
	h, ok := handle(fc)
	if !ok {
		return engine.Fatal(errors.New("no provisioned resource recorded"))
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if err := fn(callCtx, h, cp); err != nil {
		return backendResult(fmt.Errorf("%s %s: %w", op, h.Name, err))
	}
	return engine.Success()
}

func (c *createSteps) configureNetwork(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	return c.cloudProjectStep(ctx, fc, "configure network of",
		func(ctx context.Context, h provider.ResourceHandle, cp *domain.CloudProjectConfig) error {
			return c.Backend.ConfigureNetwork(ctx, h, cp.Network)
		})
}

func (c *createSteps) setIAMBindings(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	return c.cloudProjectStep(ctx, fc, "set iam bindings on",
		func(ctx context.Context, h provider.ResourceHandle, cp *domain.CloudProjectConfig) error {
			if len(cp.IAMBindings) == 0 {
				return nil
			}
			return c.Backend.SetIAMBindings(ctx, h, cp.IAMBindings)
		})
}

func (c *createSteps) enableAPIs(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	return c.cloudProjectStep(ctx, fc, "enable apis on",
		func(ctx context.Context, h provider.ResourceHandle, cp *domain.CloudProjectConfig) error {
			if len(cp.EnabledAPIs) == 0 {
				return nil
			}
			return c.Backend.EnableAPIs(ctx, h, cp.EnabledAPIs)
		})
}

func (c *createSteps) markReady(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
	resourceID := fc.Input(domain.FlightInputResourceID)
	h, ok := handle(fc)
	if !ok {
		return engine.Fatal(errors.New("no provisioned resource recorded"))
	}

	marked, err := c.Store.MarkResourceReady(ctx, resourceID, h.ID)
	if err != nil {
		return storeResult(fmt.Errorf("mark resource ready: %w", err))
	}
	if !marked {
		r, err := c.Store.GetResource(ctx, resourceID)
		if err != nil {
			return storeResult(fmt.Errorf("load resource: %w", err))
		}
		// Already READY from an interrupted attempt, or handed out since.
		if r.CloudResourceID != h.ID || (r.State != domain.ResourceStateReady && r.State != domain.ResourceStateHandedOut) {
			return engine.Fatal(fmt.Errorf("resource %s is %s, cannot mark ready", resourceID, r.State))
		}
	}

	fc.SetResult(domain.FlightInputResourceID, resourceID)
	fc.SetResult(keyCloudName, h.Name)
	fc.SetResult(keyCloudResourceID, h.ID)
	return engine.Success()
}
