package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/extract"
	"github.com/user/listing-crawler/internal/repository"
	"go.uber.org/zap"
)

var ErrInvalidRequest = errors.New("invalid run request")

// Runner executes fetch jobs under the anti-detection control loop.
type Runner interface {
	RunWithLimit(ctx context.Context, runID string, jobs []entity.FetchJob, maxResults int) *entity.RunOutcome
}

// HealthPool is the part of the proxy pool whose health survives between runs.
type HealthPool interface {
	IDs() []string
	Restore(snaps []entity.ProxySnapshot)
}

// CrawlResult is a finished run together with the records extracted from its pages.
type CrawlResult struct {
	Outcome *entity.RunOutcome `json:"outcome"`
	Records []entity.Record    `json:"records"`
}

// Crawler defines the interface for executing one crawl run end to end.
type Crawler interface {
	Crawl(ctx context.Context, runID string, req entity.RunRequest) (*CrawlResult, error)
}

// CrawlerDefaults fill in request fields left at zero.
type CrawlerDefaults struct {
	Query      string
	Location   string
	MaxPages   int
	MaxResults int
}

type crawlerUseCase struct {
	runner   Runner
	urls     *PageURLBuilder
	strategy extract.Strategy
	pool     HealthPool
	defaults CrawlerDefaults

	healthStore   repository.HealthStore
	healthTTL     time.Duration
	runRepo       repository.RunRepository
	failedJobRepo repository.FailedJobRepository
	dedupeKey     string
	logger        *zap.Logger
}

type CrawlerOption func(*crawlerUseCase)

// WithHealthStore restores proxy health before a run and saves it afterwards.
func WithHealthStore(store repository.HealthStore, ttl time.Duration) CrawlerOption {
	return func(uc *crawlerUseCase) {
		uc.healthStore = store
		uc.healthTTL = ttl
	}
}

// WithPersistence stores outcomes, records, and skipped jobs.
func WithPersistence(runs repository.RunRepository, failed repository.FailedJobRepository) CrawlerOption {
	return func(uc *crawlerUseCase) {
		uc.runRepo = runs
		uc.failedJobRepo = failed
	}
}

// WithDedupeKey drops records that repeat the given field.
func WithDedupeKey(field string) CrawlerOption {
	return func(uc *crawlerUseCase) { uc.dedupeKey = field }
}

func WithCrawlerLogger(l *zap.Logger) CrawlerOption {
	return func(uc *crawlerUseCase) {
		if l != nil {
			uc.logger = l
		}
	}
}

// NewCrawlerUseCase creates a new instance of the crawler use case.
func NewCrawlerUseCase(
	runner Runner,
	urls *PageURLBuilder,
	strategy extract.Strategy,
	pool HealthPool,
	defaults CrawlerDefaults,
	opts ...CrawlerOption,
) Crawler {
	uc := &crawlerUseCase{
		runner:   runner,
		urls:     urls,
		strategy: strategy,
		pool:     pool,
		defaults: defaults,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	uc.logger = uc.logger.With(zap.String("component", "Crawler"))
	return uc
}

// withDefaults fills zero fields and rejects negative limits.
func (uc *crawlerUseCase) withDefaults(req entity.RunRequest) (entity.RunRequest, error) {
	if req.Query == "" {
		req.Query = uc.defaults.Query
	}
	if req.Location == "" {
		req.Location = uc.defaults.Location
	}
	if req.MaxPages == 0 {
		req.MaxPages = uc.defaults.MaxPages
	}
	if req.MaxResults == 0 {
		req.MaxResults = uc.defaults.MaxResults
	}
	return req, validateRequest(req)
}

func validateRequest(req entity.RunRequest) error {
	switch {
	case req.Query == "":
		return fmt.Errorf("%w: query is required", ErrInvalidRequest)
	case req.MaxPages < 0:
		return fmt.Errorf("%w: max_pages must not be negative", ErrInvalidRequest)
	case req.MaxResults < 0:
		return fmt.Errorf("%w: max_results must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Crawl runs the request to a terminal outcome, extracts records from its pages,
// and persists what it can. The result is returned even when persistence fails.
func (uc *crawlerUseCase) Crawl(ctx context.Context, runID string, req entity.RunRequest) (*CrawlResult, error) {
	req, err := uc.withDefaults(req)
	if err != nil {
		return nil, err
	}
	logger := uc.logger.With(zap.String("run_id", runID), zap.String("query", req.Query))

	uc.restoreHealth(ctx, logger)

	jobs := uc.urls.Jobs(req.Query, req.Location, req.MaxPages)
	outcome := uc.runner.RunWithLimit(ctx, runID, jobs, req.MaxResults)

	records, err := extract.ExtractAll(uc.strategy, outcome.Pages)
	if err != nil {
		logger.Warn("Extraction failed, keeping partial records", zap.Error(err))
	}
	if uc.dedupeKey != "" {
		before := len(records)
		records = extract.Dedupe(records, uc.dedupeKey)
		if dropped := before - len(records); dropped > 0 {
			logger.Debug("Dropped duplicate records", zap.Int("dropped", dropped))
		}
	}
	logger.Info("Records extracted",
		zap.String("strategy", uc.strategy.Name()),
		zap.Int("pages", len(outcome.Pages)),
		zap.Int("records", len(records)),
	)

	// The run context may already be cancelled; the outcome still has to be stored.
	persistCtx := context.WithoutCancel(ctx)
	uc.saveHealth(persistCtx, outcome.ProxyHealth, logger)

	result := &CrawlResult{Outcome: outcome, Records: records}
	if err := uc.persist(persistCtx, outcome, records); err != nil {
		return result, fmt.Errorf("persist run %s: %w", runID, err)
	}
	return result, nil
}

func (uc *crawlerUseCase) restoreHealth(ctx context.Context, logger *zap.Logger) {
	if uc.healthStore == nil {
		return
	}
	snaps, err := uc.healthStore.Load(ctx, uc.pool.IDs())
	if err != nil {
		logger.Warn("Failed to load proxy health, starting fresh", zap.Error(err))
		return
	}
	uc.pool.Restore(snaps)
}

func (uc *crawlerUseCase) saveHealth(ctx context.Context, snaps []entity.ProxySnapshot, logger *zap.Logger) {
	if uc.healthStore == nil {
		return
	}
	if err := uc.healthStore.Save(ctx, snaps, uc.healthTTL); err != nil {
		logger.Warn("Failed to save proxy health", zap.Error(err))
	}
}

func (uc *crawlerUseCase) persist(ctx context.Context, outcome *entity.RunOutcome, records []entity.Record) error {
	var errs []error
	if uc.runRepo != nil {
		if err := uc.runRepo.SaveOutcome(ctx, outcome, records); err != nil {
			errs = append(errs, fmt.Errorf("save outcome: %w", err))
		}
	}
	if uc.failedJobRepo != nil && len(outcome.Skipped) > 0 {
		failed := make([]*entity.FailedJob, 0, len(outcome.Skipped))
		for _, s := range outcome.Skipped {
			failed = append(failed, &entity.FailedJob{
				RunID:                outcome.RunID,
				URL:                  s.Job.URL,
				PageIndex:            s.Job.PageIndex,
				Verdict:              s.Verdict.String(),
				FailureReason:        s.Reason,
				Attempts:             s.Attempts,
				LastAttemptTimestamp: outcome.FinishedAt,
			})
		}
		if err := uc.failedJobRepo.SaveBatch(ctx, failed); err != nil {
			errs = append(errs, fmt.Errorf("save failed jobs: %w", err))
		}
	}
	return errors.Join(errs...)
}
