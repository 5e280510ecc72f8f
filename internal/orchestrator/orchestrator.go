package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/listing-crawler/internal/delay"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/lane"
	"github.com/user/listing-crawler/internal/proxypool"
	"github.com/user/listing-crawler/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// LaneFactory builds a fresh lane on the next healthy proxy.
type LaneFactory interface {
	NewLane(ctx context.Context) (*lane.Lane, error)
}

// ProxyHealth is the slice of the proxy pool the control loop updates.
type ProxyHealth interface {
	MarkSuccess(e *proxypool.Endpoint)
	MarkFailure(e *proxypool.Endpoint)
	IsDegraded(e *proxypool.Endpoint) bool
	HealthyCount() int
	Snapshot() []entity.ProxySnapshot
}

// Classifier turns a raw fetch result into a verdict.
type Classifier interface {
	Classify(r entity.RawFetchResult) entity.Verdict
}

// DelayPolicy decides the wait before the next fetch.
type DelayPolicy interface {
	NextDelay(in delay.Input) entity.DelayDecision
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Config holds the run-level limits.
type Config struct {
	MaxResults  int
	WorkerCount int
	// MaxRetries is how many extra attempts a RATE_LIMITED or TRANSIENT_ERROR job gets.
	MaxRetries int
	// AbortThreshold is the run-wide consecutive-detection count that aborts the run.
	AbortThreshold int
	// RunTimeout bounds the whole run. Zero means no limit.
	RunTimeout time.Duration
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxResults < 1 {
		errs = append(errs, fmt.Errorf("max results must be at least 1, got %d", c.MaxResults))
	}
	if c.WorkerCount < 1 {
		errs = append(errs, fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.AbortThreshold < 1 {
		errs = append(errs, fmt.Errorf("abort threshold must be at least 1, got %d", c.AbortThreshold))
	}
	if c.RunTimeout < 0 {
		errs = append(errs, fmt.Errorf("run timeout must not be negative, got %s", c.RunTimeout))
	}
	return errors.Join(errs...)
}

// Orchestrator drives a crawl run: it hands jobs to workers, rotates lanes,
// classifies results, paces requests, and enforces the stop conditions.
type Orchestrator struct {
	cfg        Config
	lanes      LaneFactory
	pool       ProxyHealth
	classifier Classifier
	delays     DelayPolicy

	sleep   Sleeper
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Orchestrator)

// WithSleeper replaces the timer-based wait, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithLimiter paces fetches across all workers.
func WithLimiter(l *rate.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New validates cfg; invalid bounds fail here and never mid-run.
func New(cfg Config, lanes LaneFactory, pool ProxyHealth, classifier Classifier, delays DelayPolicy, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if lanes == nil || pool == nil || classifier == nil || delays == nil {
		return nil, errors.New("orchestrator requires a lane factory, proxy pool, classifier, and delay policy")
	}
	o := &Orchestrator{
		cfg:        cfg,
		lanes:      lanes,
		pool:       pool,
		classifier: classifier,
		delays:     delays,
		sleep:      SleepContext,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "Orchestrator"))
	return o, nil
}

// Run executes jobs until they are exhausted, MaxResults pages are collected,
// the run aborts, or ctx is cancelled. The outcome is always non-nil and its
// pages are sorted by PageIndex.
func (o *Orchestrator) Run(ctx context.Context, runID string, jobs []entity.FetchJob) *entity.RunOutcome {
	return o.RunWithLimit(ctx, runID, jobs, o.cfg.MaxResults)
}

// RunWithLimit is Run with a per-run page limit. A limit below 1 uses the configured MaxResults.
func (o *Orchestrator) RunWithLimit(ctx context.Context, runID string, jobs []entity.FetchJob, maxResults int) *entity.RunOutcome {
	if maxResults < 1 {
		maxResults = o.cfg.MaxResults
	}
	outcome := &entity.RunOutcome{RunID: runID, Status: entity.RunRunning, StartedAt: o.now()}
	logger := o.logger.With(zap.String("run_id", runID))

	runCtx := ctx
	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, o.cfg.RunTimeout, ErrRunTimeout)
		defer cancel()
	}

	state := newRunState(maxResults, o.cfg.AbortThreshold)
	workers := o.workerCount(len(jobs))
	logger.Info("Run started",
		zap.Int("jobs", len(jobs)),
		zap.Int("workers", workers),
		zap.Int("max_results", maxResults),
	)

	if len(jobs) > 0 {
		g, gctx := errgroup.WithContext(runCtx)
		for i := 0; i < workers; i++ {
			w := &worker{
				o:      o,
				id:     i,
				state:  state,
				jobs:   jobs[i*len(jobs)/workers : (i+1)*len(jobs)/workers],
				logger: logger.With(zap.Int("worker", i)),
			}
			g.Go(func() error { return w.run(gctx) })
		}
		// worker errors are reflected in state; the group only propagates cancellation
		_ = g.Wait()
	}

	o.finish(runCtx, state, outcome)
	o.metrics.IncRun(string(outcome.Status))
	o.metrics.SetHealthyProxies(o.pool.HealthyCount())

	fields := []zap.Field{
		zap.String("status", string(outcome.Status)),
		zap.Int("pages", len(outcome.Pages)),
		zap.Int("skipped", len(outcome.Skipped)),
		zap.Int("fetches", outcome.Fetches),
		zap.Duration("elapsed", outcome.FinishedAt.Sub(outcome.StartedAt)),
	}
	if outcome.Err != nil {
		logger.Warn("Run finished with error", append(fields, zap.Error(outcome.Err))...)
	} else {
		logger.Info("Run finished", fields...)
	}
	return outcome
}

// workerCount never exceeds the healthy proxies or the jobs, and is at least 1.
func (o *Orchestrator) workerCount(jobs int) int {
	n := o.cfg.WorkerCount
	if healthy := o.pool.HealthyCount(); healthy < n {
		n = healthy
	}
	if jobs < n {
		n = jobs
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (o *Orchestrator) finish(runCtx context.Context, state *RunState, outcome *entity.RunOutcome) {
	state.mu.Lock()
	defer state.mu.Unlock()

	switch {
	case state.aborted != nil:
		outcome.Status = entity.RunAborted
		outcome.Err = state.aborted
	case state.limitReached || state.collected >= state.maxResults:
		outcome.Status = entity.RunStoppedLimit
	case runCtx.Err() != nil:
		outcome.Status = entity.RunCancelled
		outcome.Err = fmt.Errorf("%w: %w", ErrRunCancelled, context.Cause(runCtx))
	case state.exhausted:
		outcome.Status = entity.RunStoppedExhausted
		outcome.Err = proxypool.ErrNoHealthyProxy
	default:
		outcome.Status = entity.RunStoppedComplete
	}

	outcome.Pages = append([]entity.PageResult(nil), state.pages...)
	entity.SortPages(outcome.Pages)
	outcome.Skipped = append([]entity.JobFailure(nil), state.skipped...)
	sortFailures(outcome.Skipped)
	outcome.Fetches = state.fetches
	outcome.ProxyHealth = o.pool.Snapshot()
	outcome.FinishedAt = o.now()
}
