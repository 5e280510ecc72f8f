package repository

import (
	"context"
	"errors"
	"time"

	"github.com/user/listing-crawler/internal/entity"
)

var ErrQueueEmpty = errors.New("queue is empty")

// QueuedRun is a run request waiting for a dispatcher.
type QueuedRun struct {
	RunID   string            `json:"run_id"`
	Request entity.RunRequest `json:"request"`
}

// QueueRepository defines the interface for a FIFO queue of runs.
type QueueRepository interface {
	// Push adds a run to the end of the queue.
	Push(ctx context.Context, run QueuedRun) error
	// Pop removes and returns the run at the front of the queue, waiting at most
	// timeout. It returns ErrQueueEmpty when nothing arrived in time.
	Pop(ctx context.Context, timeout time.Duration) (QueuedRun, error)
	// Size returns the current number of queued runs.
	Size(ctx context.Context) (int64, error)
}
