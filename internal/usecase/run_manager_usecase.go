package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/repository"
	"github.com/user/listing-crawler/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrRunFinished = errors.New("run already finished")
	ErrRunNotLocal = errors.New("run is executing on another dispatcher")
	// ErrCancelledByUser is the cancellation cause of a run stopped through Cancel.
	ErrCancelledByUser = errors.New("cancelled by user")
)

const (
	queuePopTimeout = 5 * time.Second
	queueErrorPause = time.Second
)

// RunManager defines the interface for submitting, tracking, and dispatching runs.
type RunManager interface {
	Submit(ctx context.Context, req entity.RunRequest) (*entity.Run, error)
	Get(ctx context.Context, runID string) (*entity.Run, error)
	Records(ctx context.Context, runID string) ([]entity.Record, error)
	FailedJobs(ctx context.Context, runID string) ([]*entity.FailedJob, error)
	Cancel(ctx context.Context, runID string) error
	// Dispatch pops queued runs and executes them one at a time until ctx is done.
	Dispatch(ctx context.Context) error
}

type runManagerUseCase struct {
	runRepo       repository.RunRepository
	failedJobRepo repository.FailedJobRepository
	queueRepo     repository.QueueRepository
	crawler       Crawler
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewRunManager creates a new RunManager use case.
func NewRunManager(
	runRepo repository.RunRepository,
	failedJobRepo repository.FailedJobRepository,
	queueRepo repository.QueueRepository,
	crawler Crawler,
	m *metrics.Metrics,
	logger *zap.Logger,
) RunManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &runManagerUseCase{
		runRepo:       runRepo,
		failedJobRepo: failedJobRepo,
		queueRepo:     queueRepo,
		crawler:       crawler,
		metrics:       m,
		logger:        logger.With(zap.String("component", "RunManager")),
		now:           time.Now,
		active:        make(map[string]context.CancelCauseFunc),
	}
}

// Submit stores the run as QUEUED and pushes it to the queue.
func (uc *runManagerUseCase) Submit(ctx context.Context, req entity.RunRequest) (*entity.Run, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	run := &entity.Run{
		ID:        uuid.NewString(),
		Query:     req.Query,
		Location:  req.Location,
		Status:    entity.RunQueued,
		CreatedAt: uc.now().UTC(),
	}
	if err := uc.runRepo.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := uc.queueRepo.Push(ctx, repository.QueuedRun{RunID: run.ID, Request: req}); err != nil {
		return nil, fmt.Errorf("queue run %s: %w", run.ID, err)
	}
	uc.refreshQueueSize(ctx)

	uc.logger.Info("Run queued", zap.String("run_id", run.ID), zap.String("query", req.Query))
	return run, nil
}

func (uc *runManagerUseCase) Get(ctx context.Context, runID string) (*entity.Run, error) {
	return uc.runRepo.FindByID(ctx, runID)
}

func (uc *runManagerUseCase) Records(ctx context.Context, runID string) ([]entity.Record, error) {
	if _, err := uc.runRepo.FindByID(ctx, runID); err != nil {
		return nil, err
	}
	return uc.runRepo.FindRecords(ctx, runID)
}

func (uc *runManagerUseCase) FailedJobs(ctx context.Context, runID string) ([]*entity.FailedJob, error) {
	if _, err := uc.runRepo.FindByID(ctx, runID); err != nil {
		return nil, err
	}
	return uc.failedJobRepo.FindByRun(ctx, runID)
}

// Cancel stops a run executing in this process, or marks a queued run CANCELLED
// so the dispatcher skips it.
func (uc *runManagerUseCase) Cancel(ctx context.Context, runID string) error {
	if uc.cancelActive(runID) {
		return nil
	}

	err := uc.runRepo.CancelQueued(ctx, runID, ErrCancelledByUser.Error())
	if err == nil {
		uc.logger.Info("Queued run cancelled", zap.String("run_id", runID))
		return nil
	}
	if !errors.Is(err, repository.ErrRunNotQueued) {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}

	// The run left the queue after the first check. A local dispatcher
	// registers it before marking it RUNNING, so look again.
	if uc.cancelActive(runID) {
		return nil
	}
	run, err := uc.runRepo.FindByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}
	return ErrRunNotLocal
}

func (uc *runManagerUseCase) cancelActive(runID string) bool {
	uc.mu.Lock()
	cancel, ok := uc.active[runID]
	uc.mu.Unlock()
	if ok {
		cancel(ErrCancelledByUser)
		uc.logger.Info("Run cancellation requested", zap.String("run_id", runID))
	}
	return ok
}

func (uc *runManagerUseCase) Dispatch(ctx context.Context) error {
	uc.logger.Info("Dispatcher started")
	for {
		if ctx.Err() != nil {
			uc.logger.Info("Dispatcher stopped")
			return nil
		}

		queued, err := uc.queueRepo.Pop(ctx, queuePopTimeout)
		if errors.Is(err, repository.ErrQueueEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			uc.logger.Error("Failed to pop run from queue", zap.Error(err))
			_ = pause(ctx, queueErrorPause)
			continue
		}
		uc.refreshQueueSize(ctx)
		uc.execute(ctx, queued)
	}
}

// execute runs one queued run. Runs cancelled while queued are skipped.
func (uc *runManagerUseCase) execute(ctx context.Context, queued repository.QueuedRun) {
	logger := uc.logger.With(zap.String("run_id", queued.RunID))

	// Register before leaving the queue so a concurrent Cancel always finds
	// either the QUEUED row or this entry.
	runCtx, cancel := context.WithCancelCause(ctx)
	uc.mu.Lock()
	uc.active[queued.RunID] = cancel
	uc.mu.Unlock()
	defer func() {
		uc.mu.Lock()
		delete(uc.active, queued.RunID)
		uc.mu.Unlock()
		cancel(nil)
	}()

	if err := uc.runRepo.MarkRunning(ctx, queued.RunID); err != nil {
		if errors.Is(err, repository.ErrRunNotQueued) {
			logger.Info("Skipping run that is no longer queued")
			return
		}
		logger.Error("Failed to mark run as running", zap.Error(err))
		return
	}

	result, err := uc.crawler.Crawl(runCtx, queued.RunID, queued.Request)
	if err != nil {
		logger.Error("Run failed", zap.Error(err))
	}
	if result == nil {
		// The request never reached the orchestrator; record the failure on the run.
		now := uc.now().UTC()
		outcome := &entity.RunOutcome{RunID: queued.RunID, Status: entity.RunAborted, Err: err, StartedAt: now, FinishedAt: now}
		if saveErr := uc.runRepo.SaveOutcome(context.WithoutCancel(ctx), outcome, nil); saveErr != nil {
			logger.Error("Failed to store failed run", zap.Error(saveErr))
		}
		return
	}
	logger.Info("Run completed",
		zap.String("status", string(result.Outcome.Status)),
		zap.Int("records", len(result.Records)),
	)
}

func (uc *runManagerUseCase) refreshQueueSize(ctx context.Context) {
	if uc.metrics == nil {
		return
	}
	size, err := uc.queueRepo.Size(ctx)
	if err != nil {
		uc.logger.Debug("Failed to read queue size", zap.Error(err))
		return
	}
	uc.metrics.SetRunsInQueue(size)
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
