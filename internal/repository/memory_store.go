package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rbs.io/buffer/internal/domain"
)

// MemoryStore is an in-process Store. A single mutex serializes every
// operation, which gives the same atomicity the SQL statements give.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	pools      map[string]*domain.Pool
	resources  map[string]*domain.Resource
	handouts   map[handoutKey]string
	cleanups   map[string]domain.CleanupRecord
	flights    map[string]*domain.Flight
	heartbeats map[string]time.Time
	locks      map[string]lockRow
}

type handoutKey struct {
	poolID, requestID string
}

type lockRow struct {
	holder    string
	lockedAt  time.Time
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the store clock.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:        time.Now,
		pools:      make(map[string]*domain.Pool),
		resources:  make(map[string]*domain.Resource),
		handouts:   make(map[handoutKey]string),
		cleanups:   make(map[string]domain.CleanupRecord),
		flights:    make(map[string]*domain.Flight),
		heartbeats: make(map[string]time.Time),
		locks:      make(map[string]lockRow),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

func copyPool(p *domain.Pool) *domain.Pool {
	c := *p
	return &c
}

func copyResource(r *domain.Resource) *domain.Resource {
	c := *r
	if r.HandedOutAt != nil {
		t := *r.HandedOutAt
		c.HandedOutAt = &t
	}
	return &c
}

// InsertPool creates a pool. Returns ErrConflict if the id exists.
func (s *MemoryStore) InsertPool(_ context.Context, pool *domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[pool.ID]; ok {
		return fmt.Errorf("insert pool %s: %w", pool.ID, ErrConflict)
	}
	c := copyPool(pool)
	c.CreatedAt = s.now()
	s.pools[pool.ID] = c
	return nil
}

// GetPool returns a pool by id.
func (s *MemoryStore) GetPool(_ context.Context, id string) (*domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("get pool %s: %w", id, ErrNotFound)
	}
	return copyPool(p), nil
}

// ListPools returns all pools ordered by id.
func (s *MemoryStore) ListPools(context.Context) ([]*domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, copyPool(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdatePoolSize resizes a pool.
func (s *MemoryStore) UpdatePoolSize(_ context.Context, id string, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("resize pool %s: %w", id, ErrNotFound)
	}
	p.Size = size
	return nil
}

// UpdatePoolCleanup replaces the cleanup policy of a pool.
func (s *MemoryStore) UpdatePoolCleanup(_ context.Context, id string, policy domain.CleanupPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("update cleanup policy of pool %s: %w", id, ErrNotFound)
	}
	p.Cleanup = policy
	return nil
}

// DeactivatePool moves a pool to DEACTIVATED.
func (s *MemoryStore) DeactivatePool(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pools[id]
	if !ok {
		return fmt.Errorf("deactivate pool %s: %w", id, ErrNotFound)
	}
	p.Status = domain.PoolStatusDeactivated
	return nil
}

// InsertResource inserts a resource. Returns false if the id exists.
func (s *MemoryStore) InsertResource(_ context.Context, r *domain.Resource) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[r.ID]; ok {
		return false, nil
	}
	if _, ok := s.pools[r.PoolID]; !ok {
		return false, fmt.Errorf("insert resource %s: pool %s: %w", r.ID, r.PoolID, ErrNotFound)
	}
	now := s.now()
	s.resources[r.ID] = &domain.Resource{
		ID:             r.ID,
		PoolID:         r.PoolID,
		State:          r.State,
		CreatedAt:      now,
		StateUpdatedAt: now,
	}
	return true, nil
}

// GetResource returns a resource by id.
func (s *MemoryStore) GetResource(_ context.Context, id string) (*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok {
		return nil, fmt.Errorf("get resource %s: %w", id, ErrNotFound)
	}
	return copyResource(r), nil
}

// TransitionResource moves a resource from -> to if it is currently in from.
func (s *MemoryStore) TransitionResource(_ context.Context, id string, from, to domain.ResourceState) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("transition resource %s: illegal edge %s -> %s", id, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok || r.State != from {
		return false, nil
	}
	r.State = to
	r.StateUpdatedAt = s.now()
	return true, nil
}

// SetCloudName records the generated provider name. It is write-once.
func (s *MemoryStore) SetCloudName(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok {
		return fmt.Errorf("set cloud name of resource %s: %w", id, ErrNotFound)
	}
	if r.CloudName == "" {
		r.CloudName = name
		return nil
	}
	if r.CloudName != name {
		return fmt.Errorf("set cloud name of resource %s: already %q: %w", id, r.CloudName, ErrConflict)
	}
	return nil
}

// MarkResourceReady moves a CREATING resource to READY.
func (s *MemoryStore) MarkResourceReady(_ context.Context, id, cloudResourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[id]
	if !ok || r.State != domain.ResourceStateCreating {
		return false, nil
	}
	if r.CloudResourceID != "" && r.CloudResourceID != cloudResourceID {
		return false, nil
	}
	r.State = domain.ResourceStateReady
	r.CloudResourceID = cloudResourceID
	r.StateUpdatedAt = s.now()
	return true, nil
}

// FindByHandoutID returns the resource already handed out for this request.
func (s *MemoryStore) FindByHandoutID(_ context.Context, poolID, requestHandoutID string) (*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.handouts[handoutKey{poolID, requestHandoutID}]
	if !ok {
		return nil, fmt.Errorf("find handout %s/%s: %w", poolID, requestHandoutID, ErrNotFound)
	}
	return copyResource(s.resources[id]), nil
}

// ClaimReadyResource hands out the oldest READY resource of the pool.
func (s *MemoryStore) ClaimReadyResource(_ context.Context, poolID, requestHandoutID string) (*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := handoutKey{poolID, requestHandoutID}
	if _, taken := s.handouts[key]; taken {
		return nil, fmt.Errorf("claim resource in pool %s for %s: %w", poolID, requestHandoutID, ErrConflict)
	}

	var pick *domain.Resource
	for _, r := range s.resources {
		if r.PoolID != poolID || r.State != domain.ResourceStateReady {
			continue
		}
		if pick == nil || r.CreatedAt.Before(pick.CreatedAt) ||
			(r.CreatedAt.Equal(pick.CreatedAt) && r.ID < pick.ID) {
			pick = r
		}
	}
	if pick == nil {
		return nil, ErrNoReadyResource
	}

	now := s.now()
	pick.State = domain.ResourceStateHandedOut
	pick.RequestHandoutID = requestHandoutID
	pick.HandedOutAt = &now
	pick.StateUpdatedAt = now
	s.handouts[key] = pick.ID
	return copyResource(pick), nil
}

// runningFlightFor reports whether a RUNNING flight of typ (any type when
// empty) references the resource. Caller holds mu.
func (s *MemoryStore) runningFlightFor(resourceID, typ string) bool {
	for _, f := range s.flights {
		if f.Status == domain.FlightStatusRunning && f.ResourceID() == resourceID &&
			(typ == "" || f.Type == typ) {
			return true
		}
	}
	return false
}

// ListDrainable returns READY resources with no RUNNING delete flight.
func (s *MemoryStore) ListDrainable(_ context.Context, poolID string, limit int) ([]*domain.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Resource
	for _, r := range s.resources {
		if r.PoolID == poolID && r.State == domain.ResourceStateReady &&
			!s.runningFlightFor(r.ID, domain.FlightTypeDeleteResource) {
			out = append(out, copyResource(r))
		}
	}
	sortResources(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortResources(rs []*domain.Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// snapshotLocked builds the snapshot of the given pools. Caller holds mu.
func (s *MemoryStore) snapshotLocked(poolIDs []string) *domain.ReconcileSnapshot {
	snap := &domain.ReconcileSnapshot{}
	byPool := make(map[string]*domain.PoolAndResourceStates, len(poolIDs))
	for _, id := range poolIDs {
		byPool[id] = &domain.PoolAndResourceStates{
			Pool:   *s.pools[id],
			Counts: make(map[domain.ResourceState]int),
		}
	}

	for _, r := range s.resources {
		if st, ok := byPool[r.PoolID]; ok {
			st.Counts[r.State]++
		}
	}
	for _, f := range s.flights {
		if f.Status != domain.FlightStatusRunning {
			continue
		}
		switch f.Type {
		case domain.FlightTypeCreateResource:
			snap.InFlightCreates++
			if _, exists := s.resources[f.ResourceID()]; !exists {
				if st, ok := byPool[f.PoolID()]; ok {
					st.PendingCreates++
				}
			}
		case domain.FlightTypeDeleteResource:
			snap.InFlightDeletes++
			if r, exists := s.resources[f.ResourceID()]; exists && r.State == domain.ResourceStateReady {
				if st, ok := byPool[r.PoolID]; ok {
					st.PendingDeletes++
				}
			}
		}
	}

	for _, id := range poolIDs {
		snap.Pools = append(snap.Pools, *byPool[id])
	}
	return snap
}

// PoolStates returns the count-by-state snapshot of one pool.
func (s *MemoryStore) PoolStates(_ context.Context, poolID string) (*domain.PoolAndResourceStates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pools[poolID]; !ok {
		return nil, fmt.Errorf("pool states %s: %w", poolID, ErrNotFound)
	}
	snap := s.snapshotLocked([]string{poolID})
	return &snap.Pools[0], nil
}

// ReconcileSnapshot returns every pool's snapshot, ordered by pool id.
func (s *MemoryStore) ReconcileSnapshot(context.Context) (*domain.ReconcileSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pools))
	for id := range s.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return s.snapshotLocked(ids), nil
}

// ListCleanupCandidates mirrors the PostgreSQL eligibility rules.
func (s *MemoryStore) ListCleanupCandidates(_ context.Context, limit int) ([]domain.CleanupCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []*domain.Resource
	for _, r := range s.resources {
		if _, done := s.cleanups[r.ID]; done {
			continue
		}
		pool := s.pools[r.PoolID]
		eligible := r.State == domain.ResourceStateHandedOut ||
			(pool.Cleanup.AutoDelete && r.State == domain.ResourceStateDeleted &&
				r.RequestHandoutID == "" && r.CloudName != "")
		if eligible {
			picked = append(picked, r)
		}
	}
	sort.Slice(picked, func(i, j int) bool {
		if !picked[i].StateUpdatedAt.Equal(picked[j].StateUpdatedAt) {
			return picked[i].StateUpdatedAt.Before(picked[j].StateUpdatedAt)
		}
		return picked[i].ID < picked[j].ID
	})
	if len(picked) > limit {
		picked = picked[:limit]
	}

	out := make([]domain.CleanupCandidate, 0, len(picked))
	for _, r := range picked {
		out = append(out, domain.CleanupCandidate{
			Resource: *copyResource(r),
			Policy:   s.pools[r.PoolID].Cleanup,
		})
	}
	return out, nil
}

// InsertCleanupRecord records a published cleanup request.
func (s *MemoryStore) InsertCleanupRecord(_ context.Context, rec domain.CleanupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.resources[rec.ResourceID]; !ok {
		return fmt.Errorf("insert cleanup record %s: %w", rec.ResourceID, ErrNotFound)
	}
	if _, ok := s.cleanups[rec.ResourceID]; !ok {
		s.cleanups[rec.ResourceID] = rec
	}
	return nil
}

// CleanupRecords returns a copy of all cleanup records.
func (s *MemoryStore) CleanupRecords() map[string]domain.CleanupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]domain.CleanupRecord, len(s.cleanups))
	for k, v := range s.cleanups {
		out[k] = v
	}
	return out
}

// DeleteExpiredResources purges expired terminal rows.
func (s *MemoryStore) DeleteExpiredResources(_ context.Context, olderThan time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*domain.Resource
	for _, r := range s.resources {
		if r.State != domain.ResourceStateDeleted && r.State != domain.ResourceStateHandedOut {
			continue
		}
		if !r.StateUpdatedAt.Before(olderThan) {
			continue
		}
		if _, notified := s.cleanups[r.ID]; r.State == domain.ResourceStateHandedOut && !notified {
			continue
		}
		if s.runningFlightFor(r.ID, "") {
			continue
		}
		doomed = append(doomed, r)
	}
	sort.Slice(doomed, func(i, j int) bool { return doomed[i].StateUpdatedAt.Before(doomed[j].StateUpdatedAt) })
	if len(doomed) > limit {
		doomed = doomed[:limit]
	}

	for _, r := range doomed {
		delete(s.resources, r.ID)
		delete(s.cleanups, r.ID)
		if r.RequestHandoutID != "" {
			delete(s.handouts, handoutKey{r.PoolID, r.RequestHandoutID})
		}
	}
	return len(doomed), nil
}

// CreateFlight registers a RUNNING flight unless the id exists.
func (s *MemoryStore) CreateFlight(_ context.Context, f *domain.Flight) (*domain.Flight, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.flights[f.ID]; ok {
		return existing.Clone(), false, nil
	}
	now := s.now()
	stored := f.Clone()
	stored.Status = domain.FlightStatusRunning
	stored.Direction = domain.FlightDirectionDo
	stored.StepCursor = 0
	stored.FailedStep = domain.NoFailedStep
	stored.Result = nil
	stored.ErrorMessage = ""
	stored.UndoErrors = nil
	stored.SubmittedAt = now
	stored.UpdatedAt = now
	stored.CompletedAt = nil
	s.flights[f.ID] = stored
	return stored.Clone(), true, nil
}

// GetFlight returns a flight by id.
func (s *MemoryStore) GetFlight(_ context.Context, id string) (*domain.Flight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flights[id]
	if !ok {
		return nil, fmt.Errorf("get flight %s: %w", id, ErrNotFound)
	}
	return f.Clone(), nil
}

// SaveFlightProgress persists progress if f.WorkerID still owns the
// RUNNING flight.
func (s *MemoryStore) SaveFlightProgress(_ context.Context, f *domain.Flight) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.flights[f.ID]
	if !ok || stored.WorkerID != f.WorkerID || stored.Status != domain.FlightStatusRunning {
		return false, nil
	}
	now := s.now()
	next := f.Clone()
	next.Type = stored.Type
	next.Input = stored.Input
	next.SubmittedAt = stored.SubmittedAt
	next.UpdatedAt = now
	next.CompletedAt = nil
	if next.Status.Terminal() {
		next.CompletedAt = &now
	}
	s.flights[f.ID] = next
	return true, nil
}

// ClaimFlight hands a RUNNING flight to workerID if previousOwner holds it.
func (s *MemoryStore) ClaimFlight(_ context.Context, id, workerID, previousOwner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flights[id]
	if !ok || f.Status != domain.FlightStatusRunning || f.WorkerID != previousOwner {
		return false, nil
	}
	f.WorkerID = workerID
	f.UpdatedAt = s.now()
	return true, nil
}

// ListRunningFlights returns the owner of every RUNNING flight.
func (s *MemoryStore) ListRunningFlights(context.Context) ([]domain.FlightOwner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var running []*domain.Flight
	for _, f := range s.flights {
		if f.Status == domain.FlightStatusRunning {
			running = append(running, f)
		}
	}
	sort.Slice(running, func(i, j int) bool {
		if !running[i].SubmittedAt.Equal(running[j].SubmittedAt) {
			return running[i].SubmittedAt.Before(running[j].SubmittedAt)
		}
		return running[i].ID < running[j].ID
	})

	out := make([]domain.FlightOwner, 0, len(running))
	for _, f := range running {
		out = append(out, domain.FlightOwner{FlightID: f.ID, WorkerID: f.WorkerID})
	}
	return out, nil
}

// Heartbeat records that workerID is alive now.
func (s *MemoryStore) Heartbeat(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeats[workerID] = s.now()
	return nil
}

// RemoveHeartbeat drops the worker's membership.
func (s *MemoryStore) RemoveHeartbeat(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.heartbeats, workerID)
	return nil
}

// LiveWorkers returns workers whose heartbeat is younger than ttl.
func (s *MemoryStore) LiveWorkers(_ context.Context, ttl time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-ttl)
	var out []string
	for id, seen := range s.heartbeats {
		if seen.After(cutoff) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// TryAcquireLock takes the named lock unless another lease is still valid.
func (s *MemoryStore) TryAcquireLock(_ context.Context, name, holder string, maxHold time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, ok := s.locks[name]; ok && l.expiresAt.After(now) {
		return false, nil
	}
	s.locks[name] = lockRow{holder: holder, lockedAt: now, expiresAt: now.Add(maxHold)}
	return true, nil
}

// ReleaseLock shortens the lease to max(now, lockedAt+minHold).
func (s *MemoryStore) ReleaseLock(_ context.Context, name, holder string, minHold time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[name]
	if !ok || l.holder != holder {
		return nil
	}
	expires := l.lockedAt.Add(minHold)
	if now := s.now(); now.After(expires) {
		expires = now
	}
	l.expiresAt = expires
	s.locks[name] = l
	return nil
}
