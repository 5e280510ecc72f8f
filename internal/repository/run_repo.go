package repository

import (
	"context"
	"errors"

	"github.com/user/listing-crawler/internal/entity"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunNotQueued = errors.New("run is not queued")
)

// RunRepository defines the interface for storing crawl runs and their pages.
type RunRepository interface {
	// Create inserts a new run in the QUEUED state.
	Create(ctx context.Context, run *entity.Run) error
	// MarkRunning moves a QUEUED run to RUNNING and stamps its start time. It
	// returns ErrRunNotQueued if the run is missing or already left the queue.
	MarkRunning(ctx context.Context, runID string) error
	// CancelQueued moves a QUEUED run straight to CANCELLED. It returns
	// ErrRunNotQueued if the run already left the queue.
	CancelQueued(ctx context.Context, runID, reason string) error
	// SaveOutcome stores the terminal status, the fetched pages, and the
	// records extracted from them.
	SaveOutcome(ctx context.Context, outcome *entity.RunOutcome, records []entity.Record) error
	// FindByID retrieves a run. It returns ErrRunNotFound if the run does not exist.
	FindByID(ctx context.Context, runID string) (*entity.Run, error)
	// FindRecords retrieves the records of a run ordered by page and position.
	FindRecords(ctx context.Context, runID string) ([]entity.Record, error)
}
