package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"rbs.io/buffer/internal/domain"
)

// Mock operation names, used for failure injection and call counting.
const (
	OpFind      = "find"
	OpCreate    = "create"
	OpDelete    = "delete"
	OpNetwork   = "network"
	OpIAM       = "iam"
	OpEnableAPI = "enable_apis"
)

// MockResource is the state the mock keeps per provisioned resource.
type MockResource struct {
	Handle      ResourceHandle
	Config      domain.ResourceConfig
	Labels      map[string]string
	Network     *domain.NetworkConfig
	IAMBindings []domain.IAMBinding
	EnabledAPIs []string
}

// MockBackend implements Backend in memory for development and tests.
type MockBackend struct {
	mu        sync.RWMutex
	resources map[string]*MockResource // key: name
	taken     map[string]struct{}
	failures  map[string][]error
	calls     map[string]int

	nextID        atomic.Int64
	transientRate float64
	latency       time.Duration
}

// MockOption configures a MockBackend.
type MockOption func(*MockBackend)

// WithTransientFailureRate makes every call fail transiently with the given
// probability in [0,1].
func WithTransientFailureRate(rate float64) MockOption {
	return func(m *MockBackend) { m.transientRate = rate }
}

// WithLatency delays every call.
func WithLatency(d time.Duration) MockOption {
	return func(m *MockBackend) { m.latency = d }
}

// WithTakenNames reserves names owned outside this system. FindResource
// reports them as existing and CreateResource rejects them.
func WithTakenNames(names ...string) MockOption {
	return func(m *MockBackend) {
		for _, n := range names {
			m.taken[n] = struct{}{}
		}
	}
}

// NewMockBackend creates a new MockBackend.
func NewMockBackend(opts ...MockOption) *MockBackend {
	m := &MockBackend{
		resources: make(map[string]*MockResource),
		taken:     make(map[string]struct{}),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed populates the mock with existing resources.
func (m *MockBackend) Seed(resources ...*MockResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range resources {
		m.resources[r.Handle.Name] = r
	}
}

// Reset clears all mock data, injected failures and call counts.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = make(map[string]*MockResource)
	m.failures = make(map[string][]error)
	m.calls = make(map[string]int)
}

// FailNext queues errs to be returned, in order, by the next calls of op.
func (m *MockBackend) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how many times op was invoked.
func (m *MockBackend) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Get returns a copy of the named resource.
func (m *MockBackend) Get(name string) (*MockResource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[name]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Len returns the number of provisioned resources.
func (m *MockBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.resources)
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) FindResource(ctx context.Context, name string) (*ResourceHandle, bool, error) {
	if err := m.enter(ctx, OpFind); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.taken[name]; ok {
		return &ResourceHandle{Name: name}, true, nil
	}
	r, ok := m.resources[name]
	if !ok {
		return nil, false, nil
	}
	h := r.Handle
	return &h, true, nil
}

func (m *MockBackend) CreateResource(ctx context.Context, req CreateRequest) (*ResourceHandle, error) {
	if err := m.enter(ctx, OpCreate); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, Permanent(OpCreate, errors.New("resource name is required"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.taken[req.Name]; ok {
		return nil, fmt.Errorf("create %s: %w", req.Name, ErrAlreadyExists)
	}
	if _, ok := m.resources[req.Name]; ok {
		return nil, fmt.Errorf("create %s: %w", req.Name, ErrAlreadyExists)
	}
	h := ResourceHandle{
		Name: req.Name,
		ID:   fmt.Sprintf("projects/%d", 100000+m.nextID.Add(1)),
	}
	m.resources[req.Name] = &MockResource{Handle: h, Config: req.Config, Labels: req.Labels}
	return &h, nil
}

func (m *MockBackend) DeleteResource(ctx context.Context, handle ResourceHandle) error {
	if err := m.enter(ctx, OpDelete); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[handle.Name]; !ok {
		return fmt.Errorf("delete %s: %w", handle.Name, ErrNotFound)
	}
	delete(m.resources, handle.Name)
	return nil
}

func (m *MockBackend) ConfigureNetwork(ctx context.Context, handle ResourceHandle, cfg domain.NetworkConfig) error {
	return m.update(ctx, OpNetwork, handle, func(r *MockResource) {
		n := cfg
		r.Network = &n
	})
}

func (m *MockBackend) SetIAMBindings(ctx context.Context, handle ResourceHandle, bindings []domain.IAMBinding) error {
	return m.update(ctx, OpIAM, handle, func(r *MockResource) {
		r.IAMBindings = append([]domain.IAMBinding(nil), bindings...)
	})
}

func (m *MockBackend) EnableAPIs(ctx context.Context, handle ResourceHandle, apis []string) error {
	return m.update(ctx, OpEnableAPI, handle, func(r *MockResource) {
		r.EnabledAPIs = append([]string(nil), apis...)
	})
}

func (m *MockBackend) update(ctx context.Context, op string, handle ResourceHandle, fn func(*MockResource)) error {
	if err := m.enter(ctx, op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[handle.Name]
	if !ok {
		return fmt.Errorf("%s %s: %w", op, handle.Name, ErrNotFound)
	}
	fn(r)
	return nil
}

// enter counts the call, applies latency and returns any injected failure.
func (m *MockBackend) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	var injected error
	if queue := m.failures[op]; len(queue) > 0 {
		injected = queue[0]
		m.failures[op] = queue[1:]
	}
	m.mu.Unlock()

	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if injected != nil {
		return injected
	}
	if m.transientRate > 0 && rand.Float64() < m.transientRate {
		return Transient(op, errors.New("simulated backend unavailability"))
	}
	return nil
}
