package orchestrator

import (
	"errors"
	"fmt"

	"github.com/user/listing-crawler/internal/entity"
)

var (
	// ErrRunCancelled wraps the cancellation cause of a CANCELLED run.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrRunTimeout is the cancellation cause when RunTimeout elapses.
	ErrRunTimeout = errors.New("run timeout exceeded")
)

// DetectionEscalationError ends a run after too many consecutive detections
// across all workers.
type DetectionEscalationError struct {
	Consecutive int
	Threshold   int
}

func (e *DetectionEscalationError) Error() string {
	return fmt.Sprintf("detection escalation: %d consecutive detections (threshold %d)", e.Consecutive, e.Threshold)
}

// TransientFetchError records a job skipped after its retry budget ran out.
type TransientFetchError struct {
	Job      entity.FetchJob
	Verdict  entity.Verdict
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("page %d failed after %d attempts (%s): %v", e.Job.PageIndex, e.Attempts, e.Verdict, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }
