// Package service contains the request-path services of the resource buffer:
// handout, pool administration and resource name generation.
//
// Import Path: rbs.io/buffer/internal/service
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	apperrors "rbs.io/buffer/internal/pkg/errors"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/repository"
)

// Handout outcomes reported to the observer.
const (
	HandoutOutcomeClaimed   = "claimed"
	HandoutOutcomeRepeated  = "repeated"
	HandoutOutcomeExhausted = "exhausted"
	HandoutOutcomeUnknown   = "unknown_pool"
	HandoutOutcomeError     = "error"
)

// maxRequestHandoutIDLen bounds the caller-supplied idempotency key.
const maxRequestHandoutIDLen = 256

// HandoutStore is the persistence the Handout Service needs.
type HandoutStore interface {
	GetPool(ctx context.Context, id string) (*domain.Pool, error)
	FindByHandoutID(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, error)
	ClaimReadyResource(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, error)
}

// HandoutObserver counts handout requests per pool and outcome.
type HandoutObserver interface {
	HandoutRequested(poolID, outcome string)
}

type nopHandoutObserver struct{}

func (nopHandoutObserver) HandoutRequested(string, string) {}

// HandoutService assigns READY resources to callers.
type HandoutService struct {
	store    HandoutStore
	observer HandoutObserver
}

// NewHandoutService creates a new HandoutService. observer may be nil.
func NewHandoutService(store HandoutStore, observer HandoutObserver) *HandoutService {
	if observer == nil {
		observer = nopHandoutObserver{}
	}
	return &HandoutService{store: store, observer: observer}
}

// Handout hands one READY resource of poolID to requestHandoutID.
//
// Repeating a call with the same arguments returns the same resource, in
// whatever state it is now. Callers only ever see POOL_EXHAUSTED or
// UNKNOWN_POOL as business errors.
func (s *HandoutService) Handout(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, error) {
	if strings.TrimSpace(poolID) == "" {
		return nil, apperrors.ErrInvalidRequestFieldf("pool_id")
	}
	if strings.TrimSpace(requestHandoutID) == "" || len(requestHandoutID) > maxRequestHandoutIDLen {
		return nil, apperrors.ErrInvalidRequestFieldf("request_handout_id")
	}

	r, outcome, err := s.handout(ctx, poolID, requestHandoutID)
	s.observer.HandoutRequested(poolID, outcome)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *HandoutService) handout(ctx context.Context, poolID, requestHandoutID string) (*domain.Resource, string, error) {
	existing, err := s.store.FindByHandoutID(ctx, poolID, requestHandoutID)
	if err == nil {
		return existing, HandoutOutcomeRepeated, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, HandoutOutcomeError, fmt.Errorf("look up handout %s: %w", requestHandoutID, err)
	}

	pool, err := s.store.GetPool(ctx, poolID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, HandoutOutcomeUnknown, apperrors.ErrUnknownPoolf(poolID)
	}
	if err != nil {
		return nil, HandoutOutcomeError, fmt.Errorf("load pool %s: %w", poolID, err)
	}
	if !pool.Active() {
		return nil, HandoutOutcomeUnknown, apperrors.ErrUnknownPoolf(poolID)
	}

	r, err := s.store.ClaimReadyResource(ctx, poolID, requestHandoutID)
	switch {
	case err == nil:
		logger.Info("Resource handed out",
			logger.PoolID(poolID),
			logger.ResourceID(r.ID),
			zap.String("request_handout_id", requestHandoutID),
		)
		return r, HandoutOutcomeClaimed, nil
	case errors.Is(err, repository.ErrNoReadyResource):
		return nil, HandoutOutcomeExhausted, apperrors.ErrPoolExhaustedf(poolID)
	case errors.Is(err, repository.ErrConflict):
		// A concurrent call with the same request id won the claim.
		winner, findErr := s.store.FindByHandoutID(ctx, poolID, requestHandoutID)
		if findErr != nil {
			return nil, HandoutOutcomeError, fmt.Errorf("look up concurrent handout %s: %w", requestHandoutID, findErr)
		}
		return winner, HandoutOutcomeRepeated, nil
	default:
		return nil, HandoutOutcomeError, fmt.Errorf("claim resource in pool %s: %w", poolID, err)
	}
}
