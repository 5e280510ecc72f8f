package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/proxypool"
	"github.com/user/listing-crawler/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrLaneBusy       = errors.New("lane already has a fetch in flight")
	ErrLaneRetired    = errors.New("lane is retired")
	ErrLaneNotReady   = errors.New("lane has no open session")
	ErrHandleReleased = errors.New("lane handle already released")
)

// State is a lane lifecycle stage: CREATED → WARM → ACTIVE → WARM … → RETIRED → CLOSED.
type State int

const (
	StateCreated State = iota
	StateWarm
	StateActive
	StateRetired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateWarm:
		return "WARM"
	case StateActive:
		return "ACTIVE"
	case StateRetired:
		return "RETIRED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Limits is the retirement rule shared by every lane of a run.
type Limits struct {
	MaxPages           int
	DetectionThreshold int
}

// Validate fails for limits that would retire a lane before its first page.
func (l Limits) Validate() error {
	if l.MaxPages < 1 {
		return fmt.Errorf("max pages per lane must be at least 1, got %d", l.MaxPages)
	}
	if l.DetectionThreshold < 1 {
		return fmt.Errorf("detection threshold must be at least 1, got %d", l.DetectionThreshold)
	}
	return nil
}

// Lane pairs one proxy endpoint with one browser fingerprint. At most one
// fetch is in flight per lane; Acquire enforces it.
type Lane struct {
	id           string
	fingerprint  entity.Fingerprint
	proxy        *proxypool.Endpoint
	limits       Limits
	fetchTimeout time.Duration
	createdAt    time.Time
	logger       *zap.Logger

	mu                    sync.Mutex
	state                 State
	session               repository.Session
	pagesServed           int
	consecutiveDetections int
}

// Stats is a copy of a lane's counters.
type Stats struct {
	ID                    string
	ProxyID               string
	State                 State
	PagesServed           int
	ConsecutiveDetections int
	CreatedAt             time.Time
}

func newLane(id string, fp entity.Fingerprint, proxy *proxypool.Endpoint, limits Limits, fetchTimeout time.Duration, logger *zap.Logger) *Lane {
	return &Lane{
		id:           id,
		fingerprint:  fp,
		proxy:        proxy,
		limits:       limits,
		fetchTimeout: fetchTimeout,
		createdAt:    time.Now(),
		logger:       logger.With(zap.String("lane", id), zap.String("proxy", proxy.ID())),
		state:        StateCreated,
	}
}

func (l *Lane) ID() string                      { return l.id }
func (l *Lane) Fingerprint() entity.Fingerprint { return l.fingerprint }
func (l *Lane) Proxy() *proxypool.Endpoint      { return l.proxy }

// bind attaches an open session and warms the lane.
func (l *Lane) bind(s repository.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session = s
	l.state = StateWarm
}

// Acquire takes exclusive use of the lane. The handle must be released on
// every path; prefer WithLane.
func (l *Lane) Acquire() (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateCreated:
		return nil, ErrLaneNotReady
	case StateActive:
		return nil, ErrLaneBusy
	case StateRetired, StateClosed:
		return nil, ErrLaneRetired
	}
	l.state = StateActive
	return &Handle{lane: l, session: l.session}, nil
}

func (l *Lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateActive {
		l.state = StateWarm
	}
}

// RecordOutcome updates the lane's counters for one classified fetch.
func (l *Lane) RecordOutcome(v entity.Verdict) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch v {
	case entity.VerdictOK:
		l.pagesServed++
		l.consecutiveDetections = 0
	case entity.VerdictChallenge, entity.VerdictBlocked:
		l.pagesServed++
		l.consecutiveDetections++
	case entity.VerdictRateLimited:
		l.pagesServed++
	}
	l.logger.Debug("Lane outcome recorded",
		zap.Stringer("verdict", v),
		zap.Int("pages_served", l.pagesServed),
		zap.Int("consecutive_detections", l.consecutiveDetections),
	)
}

// ShouldRotate reports whether the lane has reached its retirement rule.
// Once true it stays true.
func (l *Lane) ShouldRotate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldRotateLocked()
}

func (l *Lane) shouldRotateLocked() bool {
	if l.state == StateRetired || l.state == StateClosed {
		return true
	}
	return l.pagesServed >= l.limits.MaxPages || l.consecutiveDetections >= l.limits.DetectionThreshold
}

// Retire marks the lane unusable. Retirement is monotonic.
func (l *Lane) Retire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateClosed {
		l.state = StateRetired
	}
}

// Close retires the lane and closes its session. It fails while a fetch is in flight.
func (l *Lane) Close() error {
	l.mu.Lock()
	if l.state == StateActive {
		l.mu.Unlock()
		return ErrLaneBusy
	}
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	s := l.session
	l.session = nil
	l.state = StateClosed
	l.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close session for lane %s: %w", l.id, err)
	}
	l.logger.Debug("Lane closed")
	return nil
}

// Stats returns a copy of the lane's counters.
func (l *Lane) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		ID:                    l.id,
		ProxyID:               l.proxy.ID(),
		State:                 l.state,
		PagesServed:           l.pagesServed,
		ConsecutiveDetections: l.consecutiveDetections,
		CreatedAt:             l.createdAt,
	}
}

// Handle is exclusive use of a lane between Acquire and Release.
type Handle struct {
	lane     *Lane
	session  repository.Session
	released atomic.Bool
}

// Lane returns the lane this handle holds.
func (h *Handle) Lane() *Lane { return h.lane }

// Execute fetches job through the lane's session, bounded by the lane's fetch timeout.
func (h *Handle) Execute(ctx context.Context, job entity.FetchJob) (entity.RawFetchResult, error) {
	if h.released.Load() {
		return entity.RawFetchResult{}, ErrHandleReleased
	}

	fetchCtx := ctx
	if h.lane.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, h.lane.fetchTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := h.session.Fetch(fetchCtx, job)
	if err != nil {
		if ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return entity.RawFetchResult{}, fmt.Errorf("%w after %s: %v", repository.ErrFetchTimeout, h.lane.fetchTimeout, err)
		}
		return entity.RawFetchResult{}, err
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}

// Release returns the lane to WARM. It is safe to call more than once.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.lane.release()
	}
}

// WithLane runs fn while holding the lane and always releases it, including on
// cancellation, error, or panic.
func WithLane(ctx context.Context, l *Lane, fn func(h *Handle) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := l.Acquire()
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}
