package delay

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/user/listing-crawler/internal/entity"
)

// maxBackoffDoublings bounds how far run-wide detections escalate the backoff.
const maxBackoffDoublings = 4

// Config bounds every delay the scheduler produces.
type Config struct {
	MinDelay             time.Duration
	MaxDelay             time.Duration
	BackoffFloor         time.Duration
	BackoffCap           time.Duration
	BackoffMultiplier    float64
	BackoffJitter        float64
	ThinkTimeProbability float64
	ThinkTimeMin         time.Duration
	ThinkTimeMax         time.Duration
}

// Validate rejects bounds that would make the delay guarantees impossible.
func (c Config) Validate() error {
	var errs []error
	if c.MinDelay < 0 {
		errs = append(errs, fmt.Errorf("min delay must not be negative, got %s", c.MinDelay))
	}
	if c.MinDelay > c.MaxDelay {
		errs = append(errs, fmt.Errorf("min delay %s exceeds max delay %s", c.MinDelay, c.MaxDelay))
	}
	if c.BackoffFloor < 0 {
		errs = append(errs, fmt.Errorf("backoff floor must not be negative, got %s", c.BackoffFloor))
	}
	if c.BackoffCap > 0 && c.BackoffFloor > c.BackoffCap {
		errs = append(errs, fmt.Errorf("backoff floor %s exceeds backoff cap %s", c.BackoffFloor, c.BackoffCap))
	}
	if c.BackoffMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("backoff multiplier must be positive, got %g", c.BackoffMultiplier))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		errs = append(errs, fmt.Errorf("backoff jitter must be in [0,1), got %g", c.BackoffJitter))
	}
	if c.ThinkTimeProbability < 0 || c.ThinkTimeProbability > 1 {
		errs = append(errs, fmt.Errorf("think time probability must be in [0,1], got %g", c.ThinkTimeProbability))
	}
	if c.ThinkTimeMin < 0 || c.ThinkTimeMin > c.ThinkTimeMax {
		errs = append(errs, fmt.Errorf("think time range [%s, %s] is invalid", c.ThinkTimeMin, c.ThinkTimeMax))
	}
	return errors.Join(errs...)
}

// Input is what the scheduler needs to know about the job that just finished.
type Input struct {
	PageIndexInLane  int
	LastVerdict      entity.Verdict
	GlobalDetections int
}

// Scheduler computes the wait before the next fetch.
type Scheduler struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScheduler validates cfg. A nil rng is seeded from the clock.
func NewScheduler(cfg Config, rng *rand.Rand) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{cfg: cfg, rng: rng}, nil
}

// NextDelay returns a NORMAL or THINK_TIME delay in [MinDelay, MaxDelay] after
// an OK page, and a BACKOFF delay of at least BackoffFloor after anything else.
func (s *Scheduler) NextDelay(in Input) entity.DelayDecision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.LastVerdict != entity.VerdictOK {
		return entity.DelayDecision{Duration: s.backoffLocked(in.GlobalDetections), Tag: entity.DelayBackoff}
	}

	lo, hi := s.tier(in.PageIndexInLane)
	d := s.uniformLocked(lo, hi)
	if s.cfg.ThinkTimeProbability > 0 && s.rng.Float64() < s.cfg.ThinkTimeProbability {
		d += s.uniformLocked(s.cfg.ThinkTimeMin, s.cfg.ThinkTimeMax)
		if d > s.cfg.MaxDelay {
			d = s.cfg.MaxDelay
		}
		return entity.DelayDecision{Duration: d, Tag: entity.DelayThinkTime}
	}
	return entity.DelayDecision{Duration: d, Tag: entity.DelayNormal}
}

// tier splits [MinDelay, MaxDelay] in thirds: the first page of a lane is
// early, the next two are middle, and the rest are late.
func (s *Scheduler) tier(pageIndex int) (time.Duration, time.Duration) {
	third := (s.cfg.MaxDelay - s.cfg.MinDelay) / 3
	switch {
	case pageIndex <= 0:
		return s.cfg.MinDelay, s.cfg.MinDelay + third
	case pageIndex < 3:
		return s.cfg.MinDelay + third, s.cfg.MinDelay + 2*third
	default:
		return s.cfg.MinDelay + 2*third, s.cfg.MaxDelay
	}
}

func (s *Scheduler) backoffLocked(globalDetections int) time.Duration {
	lo, hi := s.tier(3)
	base := float64(lo+hi) / 2 * s.cfg.BackoffMultiplier
	if j := s.cfg.BackoffJitter; j > 0 {
		base *= 1 - j + s.rng.Float64()*2*j
	}

	doublings := globalDetections - 1
	if doublings < 0 {
		doublings = 0
	}
	if doublings > maxBackoffDoublings {
		doublings = maxBackoffDoublings
	}
	d := base * math.Pow(2, float64(doublings))

	if s.cfg.BackoffCap > 0 && d > float64(s.cfg.BackoffCap) {
		d = float64(s.cfg.BackoffCap)
	}
	if d < float64(s.cfg.BackoffFloor) {
		d = float64(s.cfg.BackoffFloor)
	}
	return time.Duration(d)
}

func (s *Scheduler) uniformLocked(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)+1))
}
