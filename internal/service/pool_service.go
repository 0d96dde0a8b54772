package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"rbs.io/buffer/internal/domain"
	apperrors "rbs.io/buffer/internal/pkg/errors"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/repository"
)

// PoolDefinition is one entry of the pool definitions file.
type PoolDefinition struct {
	ID             string                `yaml:"id" validate:"required,max=128"`
	Size           int                   `yaml:"size" validate:"gte=0"`
	ResourceConfig domain.ResourceConfig `yaml:"resource_config"`
	Cleanup        domain.CleanupPolicy  `yaml:"cleanup"`
}

type poolsFile struct {
	Pools []PoolDefinition `yaml:"pools" validate:"dive"`
}

// PoolStore is the persistence the Pool Service needs.
type PoolStore interface {
	InsertPool(ctx context.Context, pool *domain.Pool) error
	GetPool(ctx context.Context, id string) (*domain.Pool, error)
	ListPools(ctx context.Context) ([]*domain.Pool, error)
	UpdatePoolSize(ctx context.Context, id string, size int) error
	UpdatePoolCleanup(ctx context.Context, id string, policy domain.CleanupPolicy) error
	DeactivatePool(ctx context.Context, id string) error
	PoolStates(ctx context.Context, poolID string) (*domain.PoolAndResourceStates, error)
	ReconcileSnapshot(ctx context.Context) (*domain.ReconcileSnapshot, error)
}

// PoolService administers pools: configuration sync, resize, deactivation
// and supply snapshots.
type PoolService struct {
	store    PoolStore
	validate *validator.Validate
}

// NewPoolService creates a new PoolService.
func NewPoolService(store PoolStore) *PoolService {
	return &PoolService{store: store, validate: validator.New()}
}

// LoadPoolConfigs reads and validates a pool definitions file.
func (s *PoolService) LoadPoolConfigs(path string) ([]PoolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool definitions %s: %w", path, err)
	}
	return s.ParsePoolConfigs(data)
}

// ParsePoolConfigs decodes and validates pool definitions.
func (s *PoolService) ParsePoolConfigs(data []byte) ([]PoolDefinition, error) {
	var file poolsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, poolConfigInvalid("decode pool definitions", err)
	}
	if err := s.validate.Struct(file); err != nil {
		return nil, poolConfigInvalid("validate pool definitions", err)
	}

	seen := make(map[string]struct{}, len(file.Pools))
	for _, def := range file.Pools {
		if _, dup := seen[def.ID]; dup {
			return nil, poolConfigInvalid("validate pool definitions", fmt.Errorf("pool %s defined twice", def.ID))
		}
		seen[def.ID] = struct{}{}
		if err := def.ResourceConfig.Check(); err != nil {
			return nil, poolConfigInvalid("validate pool "+def.ID, err)
		}
	}
	return file.Pools, nil
}

func poolConfigInvalid(what string, err error) error {
	return apperrors.Wrap(err, apperrors.CodePoolConfigInvalid, what+": "+err.Error(), http.StatusBadRequest)
}

// SyncReport summarizes a SyncPools run.
type SyncReport struct {
	Created     []string
	Resized     []string
	Deactivated []string
	Unchanged   []string

	// CleanupChanged lists pools whose cleanup policy was replaced.
	CleanupChanged []string
}

// SyncPools makes the stored pools match defs. New pools are created ACTIVE,
// changed sizes and cleanup policies are applied and ACTIVE pools missing
// from defs are deactivated. A pool whose resource configuration changed is left alone and
// reported in the returned error; the other pools are still synced.
func (s *PoolService) SyncPools(ctx context.Context, defs []PoolDefinition) (*SyncReport, error) {
	report := &SyncReport{}
	wanted := make(map[string]struct{}, len(defs))
	var errs []error

	for _, def := range defs {
		wanted[def.ID] = struct{}{}
		changed, err := s.syncPool(ctx, def, report)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !changed {
			report.Unchanged = append(report.Unchanged, def.ID)
		}
	}

	pools, err := s.store.ListPools(ctx)
	if err != nil {
		return report, fmt.Errorf("list pools: %w", err)
	}
	for _, p := range pools {
		if _, ok := wanted[p.ID]; ok || !p.Active() {
			continue
		}
		if err := s.store.DeactivatePool(ctx, p.ID); err != nil {
			errs = append(errs, fmt.Errorf("deactivate pool %s: %w", p.ID, err))
			continue
		}
		report.Deactivated = append(report.Deactivated, p.ID)
		logger.Info("Pool deactivated: no longer configured", logger.PoolID(p.ID))
	}

	return report, errors.Join(errs...)
}

func (s *PoolService) syncPool(ctx context.Context, def PoolDefinition, report *SyncReport) (bool, error) {
	existing, err := s.store.GetPool(ctx, def.ID)
	if errors.Is(err, repository.ErrNotFound) {
		err = s.store.InsertPool(ctx, &domain.Pool{
			ID:             def.ID,
			Size:           def.Size,
			Status:         domain.PoolStatusActive,
			ResourceType:   def.ResourceConfig.Kind,
			ResourceConfig: def.ResourceConfig,
			Cleanup:        def.Cleanup,
		})
		if err != nil {
			return false, fmt.Errorf("create pool %s: %w", def.ID, err)
		}
		report.Created = append(report.Created, def.ID)
		logger.Info("Pool created", logger.PoolID(def.ID), zap.Int("size", def.Size))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load pool %s: %w", def.ID, err)
	}

	if !existing.ResourceConfig.Equal(def.ResourceConfig) {
		return false, apperrors.New(apperrors.CodePoolConfigInvalid,
			"resource configuration of an existing pool cannot change; define a new pool id instead", http.StatusConflict).
			WithParams(map[string]interface{}{"pool_id": def.ID})
	}

	changed := false
	if existing.Cleanup != def.Cleanup {
		if err := s.store.UpdatePoolCleanup(ctx, def.ID, def.Cleanup); err != nil {
			return false, fmt.Errorf("update cleanup policy of pool %s: %w", def.ID, err)
		}
		report.CleanupChanged = append(report.CleanupChanged, def.ID)
		logger.Info("Pool cleanup policy updated",
			logger.PoolID(def.ID),
			zap.Bool("auto_delete", def.Cleanup.AutoDelete),
			zap.Duration("ttl", def.Cleanup.TTL),
		)
		changed = true
	}

	if !existing.Active() {
		logger.Warn("Configured pool is deactivated and stays deactivated", logger.PoolID(def.ID))
		return changed, nil
	}
	if existing.Size == def.Size {
		return changed, nil
	}
	if err := s.store.UpdatePoolSize(ctx, def.ID, def.Size); err != nil {
		return false, fmt.Errorf("resize pool %s: %w", def.ID, err)
	}
	report.Resized = append(report.Resized, def.ID)
	logger.Info("Pool resized",
		logger.PoolID(def.ID),
		zap.Int("from", existing.Size),
		zap.Int("to", def.Size),
	)
	return true, nil
}

// activePool loads a pool and maps absence or deactivation to UNKNOWN_POOL.
func (s *PoolService) activePool(ctx context.Context, poolID string) (*domain.Pool, error) {
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
	return pool, nil
}

// Resize changes the target size of an ACTIVE pool.
func (s *PoolService) Resize(ctx context.Context, poolID string, size int) error {
	if size < 0 {
		return apperrors.ErrInvalidRequestFieldf("size")
	}
	if _, err := s.activePool(ctx, poolID); err != nil {
		return err
	}
	if err := s.store.UpdatePoolSize(ctx, poolID, size); err != nil {
		return fmt.Errorf("resize pool %s: %w", poolID, err)
	}
	logger.Info("Pool resized", logger.PoolID(poolID), zap.Int("to", size))
	return nil
}

// Deactivate stops refilling a pool and lets the reconciler drain it. It
// cannot be undone.
func (s *PoolService) Deactivate(ctx context.Context, poolID string) error {
	if _, err := s.activePool(ctx, poolID); err != nil {
		return err
	}
	if err := s.store.DeactivatePool(ctx, poolID); err != nil {
		return fmt.Errorf("deactivate pool %s: %w", poolID, err)
	}
	logger.Info("Pool deactivated", logger.PoolID(poolID))
	return nil
}

// Snapshot returns the pool with its resource counts by state.
func (s *PoolService) Snapshot(ctx context.Context, poolID string) (*domain.PoolAndResourceStates, error) {
	states, err := s.store.PoolStates(ctx, poolID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrUnknownPoolf(poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot pool %s: %w", poolID, err)
	}
	return states, nil
}

// ListSnapshots returns the snapshot of every pool, ordered by pool id.
func (s *PoolService) ListSnapshots(ctx context.Context) ([]domain.PoolAndResourceStates, error) {
	snap, err := s.store.ReconcileSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot pools: %w", err)
	}
	return snap.Pools, nil
}
