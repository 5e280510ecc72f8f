package repository

import (
	"context"

	"github.com/user/listing-crawler/internal/entity"
)

// FailedJobRepository defines the interface for jobs that were consumed without a payload.
type FailedJobRepository interface {
	// SaveBatch stores every failed job of a run.
	SaveBatch(ctx context.Context, jobs []*entity.FailedJob) error
	// FindByRun retrieves the failed jobs of a run ordered by page index.
	FindByRun(ctx context.Context, runID string) ([]*entity.FailedJob, error)
}
