package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/janitor"
	"rbs.io/buffer/internal/pkg/logger"
)

// QueueCleanup is the River queue carrying cleanup deliveries.
const QueueCleanup = "cleanup"

// CleanupRequestArgs is one cleanup request waiting for delivery. Uniqueness
// is keyed on the resource id only.
type CleanupRequestArgs struct {
	ResourceID string                `json:"resource_id" river:"unique"`
	Request    domain.CleanupRequest `json:"request"`
}

// Kind returns the job kind identifier for cleanup delivery.
func (CleanupRequestArgs) Kind() string { return "cleanup_request" }

// InsertOpts keeps at most one live delivery job per resource.
func (CleanupRequestArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueCleanup,
		MaxAttempts: 12,
		UniqueOpts: river.UniqueOpts{
			ByArgs:  true,
			ByQueue: true,
		},
	}
}

// JobInserter is the subset of river.Client the publisher uses.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RiverCleanupPublisher publishes cleanup requests as River jobs. Once the
// insert commits, delivery is River's problem: the job is retried until the
// janitor accepts it.
type RiverCleanupPublisher struct {
	inserter JobInserter
}

// NewRiverCleanupPublisher creates a RiverCleanupPublisher.
func NewRiverCleanupPublisher(inserter JobInserter) *RiverCleanupPublisher {
	return &RiverCleanupPublisher{inserter: inserter}
}

// Publish enqueues req. A duplicate of a pending job is not an error.
func (p *RiverCleanupPublisher) Publish(ctx context.Context, req domain.CleanupRequest) error {
	res, err := p.inserter.Insert(ctx, CleanupRequestArgs{ResourceID: req.ResourceID, Request: req}, nil)
	if err != nil {
		return fmt.Errorf("enqueue cleanup request %s: %w", req.ResourceID, err)
	}
	if res != nil && res.UniqueSkippedAsDuplicate {
		logger.Debug("Cleanup request already queued", logger.ResourceID(req.ResourceID))
	}
	return nil
}

// DirectCleanupPublisher delivers synchronously. Used with the memory
// driver, where there is no River queue.
type DirectCleanupPublisher struct {
	client janitor.Client
}

// NewDirectCleanupPublisher creates a DirectCleanupPublisher.
func NewDirectCleanupPublisher(client janitor.Client) *DirectCleanupPublisher {
	return &DirectCleanupPublisher{client: client}
}

// Publish sends req to the janitor.
func (p *DirectCleanupPublisher) Publish(ctx context.Context, req domain.CleanupRequest) error {
	return p.client.RequestCleanup(ctx, req)
}

// CleanupDeliveryWorker delivers queued cleanup requests to the janitor.
type CleanupDeliveryWorker struct {
	river.WorkerDefaults[CleanupRequestArgs]
	client janitor.Client
}

// NewCleanupDeliveryWorker creates a CleanupDeliveryWorker.
func NewCleanupDeliveryWorker(client janitor.Client) *CleanupDeliveryWorker {
	return &CleanupDeliveryWorker{client: client}
}

// Work delivers one request. Transient failures are returned so River
// retries with its backoff; a rejection cancels the job.
func (w *CleanupDeliveryWorker) Work(ctx context.Context, job *river.Job[CleanupRequestArgs]) error {
	if w == nil || w.client == nil {
		return fmt.Errorf("cleanup delivery worker is not initialized")
	}

	err := w.client.RequestCleanup(ctx, job.Args.Request)
	switch {
	case err == nil:
		logger.Debug("Cleanup request delivered",
			logger.ResourceID(job.Args.ResourceID),
			zap.Int("attempt", job.Attempt),
		)
		return nil
	case errors.Is(err, janitor.ErrRejected):
		logger.Error("Cleanup request rejected by janitor",
			logger.ResourceID(job.Args.ResourceID),
			zap.Error(err),
		)
		return river.JobCancel(err)
	default:
		logger.Warn("Cleanup delivery failed, will retry",
			logger.ResourceID(job.Args.ResourceID),
			zap.Int("attempt", job.Attempt),
			zap.Error(err),
		)
		return err
	}
}
