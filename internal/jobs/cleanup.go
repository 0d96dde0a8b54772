package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/pkg/logger"
)

// Scheduled job names of the Cleanup Coordinator.
const (
	JobCleanupNotify    = "cleanup_notify"
	JobCleanupRetention = "cleanup_retention"
)

// LabelClient carries the owning-client label on cleanup requests.
const LabelClient = "client"

// CleanupStore is the persistence the cleanup passes need.
type CleanupStore interface {
	ListCleanupCandidates(ctx context.Context, limit int) ([]domain.CleanupCandidate, error)
	InsertCleanupRecord(ctx context.Context, rec domain.CleanupRecord) error
	DeleteExpiredResources(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// CleanupPublisher hands a cleanup request to the outbound channel with
// at-least-once semantics.
type CleanupPublisher interface {
	Publish(ctx context.Context, req domain.CleanupRequest) error
}

// CleanupObserver counts published requests.
type CleanupObserver interface {
	CleanupPublished(published int, failed bool)
}

type nopCleanupObserver struct{}

func (nopCleanupObserver) CleanupPublished(int, bool) {}

// CleanupOptions configures the Cleanup Coordinator.
type CleanupOptions struct {
	BatchSize   int
	DefaultTTL  time.Duration
	ClientLabel string

	RetentionPeriod time.Duration
	RetentionBatch  int
	MaxBatches      int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// CleanupCoordinator notifies the external cleanup system about resources
// that left the pool, and prunes old terminal rows.
type CleanupCoordinator struct {
	store     CleanupStore
	publisher CleanupPublisher
	observer  CleanupObserver
	opts      CleanupOptions
}

// NewCleanupCoordinator creates a CleanupCoordinator.
func NewCleanupCoordinator(store CleanupStore, publisher CleanupPublisher, observer CleanupObserver, opts CleanupOptions) *CleanupCoordinator {
	if observer == nil {
		observer = nopCleanupObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBatches < 1 {
		opts.MaxBatches = 1
	}
	return &CleanupCoordinator{store: store, publisher: publisher, observer: observer, opts: opts}
}

// Notify runs one notification pass over at most BatchSize candidates. A
// publish failure stops the pass; the failed resource and the rest of the
// batch have no record yet, so the next pass picks them up again.
func (c *CleanupCoordinator) Notify(ctx context.Context) (int, error) {
	candidates, err := c.store.ListCleanupCandidates(ctx, c.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list cleanup candidates: %w", err)
	}

	published := 0
	for _, cand := range candidates {
		req := c.request(cand)
		if err := c.publisher.Publish(ctx, req); err != nil {
			c.observer.CleanupPublished(published, true)
			return published, fmt.Errorf("publish cleanup request %s: %w", req.ResourceID, err)
		}
		rec := domain.CleanupRecord{ResourceID: req.ResourceID, ScheduledAt: c.opts.Now().UTC()}
		if err := c.store.InsertCleanupRecord(ctx, rec); err != nil {
			c.observer.CleanupPublished(published+1, true)
			return published, fmt.Errorf("record cleanup request %s: %w", req.ResourceID, err)
		}
		published++
	}

	c.observer.CleanupPublished(published, false)
	if published > 0 {
		logger.Info("Cleanup requests published", zap.Int("count", published))
	}
	return published, nil
}

func (c *CleanupCoordinator) request(cand domain.CleanupCandidate) domain.CleanupRequest {
	res := cand.Resource
	ttl := cand.Policy.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	return domain.CleanupRequest{
		ResourceID:      res.ID,
		PoolID:          res.PoolID,
		CloudName:       res.CloudName,
		CloudResourceID: res.CloudResourceID,
		CreatedAt:       res.CreatedAt,
		ExpiresAt:       res.CreatedAt.Add(ttl),
		Labels:          map[string]string{LabelClient: c.opts.ClientLabel},
	}
}

// Retain deletes terminal resource rows older than the retention period, in
// batches of RetentionBatch, for at most MaxBatches batches.
func (c *CleanupCoordinator) Retain(ctx context.Context) (int, error) {
	cutoff := c.opts.Now().Add(-c.opts.RetentionPeriod)
	total := 0
	for i := 0; i < c.opts.MaxBatches; i++ {
		n, err := c.store.DeleteExpiredResources(ctx, cutoff, c.opts.RetentionBatch)
		total += n
		if err != nil {
			return total, fmt.Errorf("delete resources before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		if n < c.opts.RetentionBatch {
			break
		}
	}

	if total > 0 {
		logger.Info("Retention pass completed",
			zap.Int("deleted_rows", total),
			zap.String("cutoff", cutoff.Format(time.RFC3339)),
		)
	}
	return total, nil
}
