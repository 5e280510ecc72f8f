package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/user/listing-crawler/internal/delay"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/lane"
	"github.com/user/listing-crawler/internal/proxypool"
	"go.uber.org/zap"
)

// worker runs its slice of jobs sequentially through one lane at a time.
type worker struct {
	o      *Orchestrator
	id     int
	state  *RunState
	jobs   []entity.FetchJob
	logger *zap.Logger

	current *lane.Lane
}

type attempt struct {
	verdict entity.Verdict
	lane    *lane.Lane
	result  entity.RawFetchResult
	reason  string
}

func (w *worker) run(ctx context.Context) error {
	defer w.closeLane()

	for i, job := range w.jobs {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		ok, err := w.state.reserve(ctx)
		if err != nil {
			return err
		}
		if !ok {
			w.logger.Debug("Worker stopping, result limit reached or run aborted", zap.Int("remaining_jobs", len(w.jobs)-i))
			return nil
		}
		if err := w.runJob(ctx, job, i == len(w.jobs)-1); err != nil {
			if errors.Is(err, proxypool.ErrNoHealthyProxy) {
				w.logger.Warn("Worker stopping, no healthy proxy left", zap.Int("remaining_jobs", len(w.jobs)-i))
				w.state.markExhausted()
				return nil
			}
			return err
		}
	}
	return nil
}

// runJob consumes one job, retrying RATE_LIMITED and TRANSIENT_ERROR up to
// MaxRetries extra times. It settles the reserved slot on every path.
func (w *worker) runJob(ctx context.Context, job entity.FetchJob, last bool) error {
	for n := 1; ; n++ {
		a, err := w.attempt(ctx, job)
		if err != nil {
			w.state.settle(nil)
			return err
		}

		if a.verdict == entity.VerdictOK {
			w.state.settle(&entity.PageResult{
				PageIndex: job.PageIndex,
				URL:       job.URL,
				RawBody:   a.result.Body,
				LaneID:    a.lane.ID(),
				ProxyID:   a.lane.Proxy().ID(),
				FetchedAt: w.o.now(),
			})
			w.state.recordVerdict(a.verdict)
			if last || w.state.Collected() >= w.state.maxResults {
				return nil
			}
			return w.pause(ctx, a)
		}

		if escalation := w.state.recordVerdict(a.verdict); escalation != nil {
			w.state.settle(nil)
			w.skip(job, a, n)
			w.logger.Error("Run aborted on detection escalation",
				zap.Int("consecutive_detections", escalation.Consecutive),
				zap.Int("threshold", escalation.Threshold),
			)
			return escalation
		}

		if a.verdict.IsDetection() {
			w.state.settle(nil)
			w.skip(job, a, n)
			if last {
				return nil
			}
			return w.pause(ctx, a)
		}

		if n > w.o.cfg.MaxRetries {
			w.state.settle(nil)
			w.skip(job, a, n)
			if last {
				return nil
			}
			return w.pause(ctx, a)
		}
		w.logger.Info("Retrying page",
			zap.Int("page_index", job.PageIndex),
			zap.Stringer("verdict", a.verdict),
			zap.Int("attempt", n),
			zap.String("reason", a.reason),
		)
		if err := w.pause(ctx, a); err != nil {
			w.state.settle(nil)
			return err
		}
	}
}

// attempt performs one fetch. A non-nil error stops the worker.
func (w *worker) attempt(ctx context.Context, job entity.FetchJob) (attempt, error) {
	l, err := w.laneFor(ctx)
	if err != nil {
		var openErr *lane.SessionOpenError
		if errors.As(err, &openErr) && ctx.Err() == nil {
			w.o.pool.MarkFailure(openErr.Proxy)
			w.o.metrics.SetHealthyProxies(w.o.pool.HealthyCount())
			w.logger.Warn("Could not open lane session", zap.Error(err))
			return attempt{verdict: entity.VerdictTransientError, reason: err.Error()}, nil
		}
		if ctx.Err() != nil {
			return attempt{}, context.Cause(ctx)
		}
		return attempt{}, err
	}

	if w.o.limiter != nil {
		if err := w.o.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return attempt{}, context.Cause(ctx)
			}
			return attempt{}, err
		}
	}

	var (
		res      entity.RawFetchResult
		fetchErr error
	)
	err = lane.WithLane(ctx, l, func(h *lane.Handle) error {
		res, fetchErr = h.Execute(ctx, job)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return attempt{}, context.Cause(ctx)
		}
		return attempt{}, err
	}
	if fetchErr != nil && ctx.Err() != nil {
		return attempt{}, context.Cause(ctx)
	}
	w.state.countFetch()

	a := attempt{lane: l, result: res}
	if fetchErr != nil {
		a.verdict = entity.VerdictTransientError
		a.reason = fetchErr.Error()
		w.o.pool.MarkFailure(l.Proxy())
	} else {
		a.verdict = w.o.classifier.Classify(res)
		a.reason = fmt.Sprintf("%s (status %d)", a.verdict, res.StatusCode)
		switch a.verdict {
		case entity.VerdictOK:
			w.o.pool.MarkSuccess(l.Proxy())
		case entity.VerdictChallenge, entity.VerdictBlocked, entity.VerdictRateLimited:
			w.o.pool.MarkFailure(l.Proxy())
		}
	}
	l.RecordOutcome(a.verdict)

	w.o.metrics.ObserveFetch(a.verdict.String(), res.Duration)
	w.o.metrics.SetHealthyProxies(w.o.pool.HealthyCount())
	logFn := w.logger.Info
	if a.verdict != entity.VerdictOK {
		logFn = w.logger.Warn
	}
	logFn("Page fetched",
		zap.Int("page_index", job.PageIndex),
		zap.String("lane", l.ID()),
		zap.String("proxy", l.Proxy().ID()),
		zap.Stringer("verdict", a.verdict),
		zap.Int("status_code", res.StatusCode),
		zap.Duration("duration", res.Duration),
		zap.String("reason", a.reason),
	)
	return a, nil
}

// laneFor reuses the worker's lane unless its retirement rule fired or its
// proxy went degraded, in which case it is retired and replaced.
func (w *worker) laneFor(ctx context.Context) (*lane.Lane, error) {
	if w.current != nil && (w.current.ShouldRotate() || w.o.pool.IsDegraded(w.current.Proxy())) {
		stats := w.current.Stats()
		w.logger.Info("Rotating lane",
			zap.String("lane", stats.ID),
			zap.String("proxy", stats.ProxyID),
			zap.Int("pages_served", stats.PagesServed),
			zap.Int("consecutive_detections", stats.ConsecutiveDetections),
		)
		w.closeLane()
		w.o.metrics.IncLaneRotation()
	}
	if w.current == nil {
		l, err := w.o.lanes.NewLane(ctx)
		if err != nil {
			return nil, err
		}
		w.current = l
	}
	return w.current, nil
}

func (w *worker) closeLane() {
	if w.current == nil {
		return
	}
	w.current.Retire()
	if err := w.current.Close(); err != nil {
		w.logger.Warn("Failed to close lane", zap.String("lane", w.current.ID()), zap.Error(err))
	}
	w.current = nil
}

// pause waits out the scheduled delay after an attempt.
func (w *worker) pause(ctx context.Context, a attempt) error {
	pageInLane := 0
	if a.lane != nil {
		if served := a.lane.Stats().PagesServed; served > 0 {
			pageInLane = served - 1
		}
	}
	d := w.o.delays.NextDelay(delay.Input{
		PageIndexInLane:  pageInLane,
		LastVerdict:      a.verdict,
		GlobalDetections: w.state.GlobalDetections(),
	})
	w.o.metrics.ObserveDelay(d.Tag.String(), d.Duration)
	w.logger.Debug("Waiting before next fetch", zap.Duration("delay", d.Duration), zap.Stringer("tag", d.Tag))
	return w.o.sleep(ctx, d.Duration)
}

func (w *worker) skip(job entity.FetchJob, a attempt, attempts int) {
	reason := a.reason
	if a.verdict.IsRetryable() {
		reason = (&TransientFetchError{Job: job, Verdict: a.verdict, Attempts: attempts, Err: errors.New(a.reason)}).Error()
	}
	w.state.skip(entity.JobFailure{Job: job, Verdict: a.verdict, Attempts: attempts, Reason: reason})
	w.o.metrics.IncSkippedJob(a.verdict.String())
	w.logger.Warn("Page skipped",
		zap.Int("page_index", job.PageIndex),
		zap.Stringer("verdict", a.verdict),
		zap.Int("attempts", attempts),
		zap.String("reason", reason),
	)
}

func sortFailures(fs []entity.JobFailure) {
	sort.SliceStable(fs, func(i, j int) bool {
		return fs[i].Job.PageIndex < fs[j].Job.PageIndex
	})
}
