package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mmdatafocus/onboard_backend/models"
	"github.com/sirupsen/logrus"
)

// ChunkSize bounds each upsert statement. Chunks are written sequentially so
// last-write-wins ordering per domain stays deterministic.
const ChunkSize = 500

// OrganizationStore is the persistence contract the onboarding pipeline
// consumes. Implemented by models.OrganizationStore; tests use a fake.
type OrganizationStore interface {
	UpsertMany(ctx context.Context, records []models.NewOrganization, batchId string) (int64, error)
	FindById(ctx context.Context, id int) (*models.Organization, error)
	ListByBatch(ctx context.Context, batchId string) ([]models.Organization, error)
	MarkProcessing(ctx context.Context, id int) (bool, error)
	MarkCompleted(ctx context.Context, id int) error
	MarkFailed(ctx context.Context, id int, reason string) error
	ForceFail(ctx context.Context, id int, reason string) error
}

// OnboardingJob is one unit of work on the onboarding queue. It carries only
// the store identifier; the worker re-reads current state so it never acts
// on a stale snapshot.
type OnboardingJob struct {
	OrganizationId int `json:"organization_id"`
}

// JobQueue enqueues onboarding jobs onto the dedicated onboarding queue.
type JobQueue interface {
	EnqueueOnboarding(ctx context.Context, job OnboardingJob) error
}

// BulkOnboard assigns a fresh batch id, upserts the input in chunks of
// ChunkSize, and returns the batch's rows re-read from the store. A chunk
// failure aborts the remaining chunks; rows from chunks already written stay
// persisted, so callers recover partial batches by idempotent re-submission.
func BulkOnboard(ctx context.Context, store OrganizationStore, logger *logrus.Logger, input []models.NewOrganization) (string, []models.Organization, error) {
	batchId := uuid.NewString()

	logger.WithFields(logrus.Fields{
		"batch_id":           batchId,
		"organization_count": len(input),
	}).Info("bulk onboard request received")

	for start := 0; start < len(input); start += ChunkSize {
		end := min(start+ChunkSize, len(input))
		if _, err := store.UpsertMany(ctx, input[start:end], batchId); err != nil {
			return batchId, nil, fmt.Errorf("upsert chunk [%d:%d] of batch %s: %w", start, end, batchId, err)
		}
	}

	orgs, err := store.ListByBatch(ctx, batchId)
	if err != nil {
		return batchId, nil, fmt.Errorf("list batch %s: %w", batchId, err)
	}
	return batchId, orgs, nil
}

// DispatchOnboardingJobs enqueues exactly one job per organization. The
// first enqueue failure aborts the rest; already-upserted rows stay pending
// and are picked up by the pending re-dispatch sweep.
func DispatchOnboardingJobs(ctx context.Context, q JobQueue, logger *logrus.Logger, orgs []models.Organization) (int, error) {
	dispatched := 0
	for _, org := range orgs {
		if err := q.EnqueueOnboarding(ctx, OnboardingJob{OrganizationId: org.ID}); err != nil {
			return dispatched, fmt.Errorf("dispatch onboarding job for organization %d: %w", org.ID, err)
		}
		dispatched++
	}

	if dispatched > 0 {
		logger.WithFields(logrus.Fields{
			"batch_id":        orgs[0].BatchId,
			"jobs_dispatched": dispatched,
		}).Info("onboarding jobs dispatched")
	}
	return dispatched, nil
}
