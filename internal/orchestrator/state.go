package orchestrator

import (
	"context"
	"sync"

	"github.com/user/listing-crawler/internal/entity"
)

// RunState is the mutable state of one run, shared by its workers.
type RunState struct {
	maxResults     int
	abortThreshold int

	mu                    sync.Mutex
	changed               chan struct{}
	collected             int
	inFlight              int
	fetches               int
	consecutiveDetections int
	totalDetections       int
	limitReached          bool
	exhausted             bool
	aborted               *DetectionEscalationError
	pages                 []entity.PageResult
	skipped               []entity.JobFailure
}

func newRunState(maxResults, abortThreshold int) *RunState {
	return &RunState{
		maxResults:     maxResults,
		abortThreshold: abortThreshold,
		changed:        make(chan struct{}),
	}
}

// reserve claims a result slot before a fetch. It blocks while in-flight
// fetches could still fill the limit and returns false once the limit is met
// or the run is aborted.
func (s *RunState) reserve(ctx context.Context) (bool, error) {
	for {
		s.mu.Lock()
		if s.aborted != nil {
			s.mu.Unlock()
			return false, nil
		}
		if s.collected >= s.maxResults {
			s.limitReached = true
			s.mu.Unlock()
			return false, nil
		}
		if s.collected+s.inFlight < s.maxResults {
			s.inFlight++
			s.mu.Unlock()
			return true, nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, context.Cause(ctx)
		case <-wait:
		}
	}
}

// settle releases a reserved slot, keeping the page if there is one.
func (s *RunState) settle(page *entity.PageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--
	if page != nil {
		s.collected++
		s.pages = append(s.pages, *page)
	}
	s.broadcastLocked()
}

// recordVerdict tracks the run-wide detection streak. It returns the
// escalation error exactly once, to the worker whose verdict crossed the threshold.
func (s *RunState) recordVerdict(v entity.Verdict) *DetectionEscalationError {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case v == entity.VerdictOK:
		s.consecutiveDetections = 0
	case v.IsDetection():
		s.consecutiveDetections++
		s.totalDetections++
	}
	if s.aborted == nil && s.consecutiveDetections >= s.abortThreshold {
		s.aborted = &DetectionEscalationError{Consecutive: s.consecutiveDetections, Threshold: s.abortThreshold}
		s.broadcastLocked()
		return s.aborted
	}
	return nil
}

func (s *RunState) countFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
}

func (s *RunState) skip(f entity.JobFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, f)
}

func (s *RunState) markExhausted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = true
}

// GlobalDetections is the number of detections seen so far in the run.
func (s *RunState) GlobalDetections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDetections
}

// Collected is the number of OK pages accumulated so far.
func (s *RunState) Collected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collected
}

func (s *RunState) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
