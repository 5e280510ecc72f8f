package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/user/listing-crawler/internal/adapter/chromedp_fetcher"
	"github.com/user/listing-crawler/internal/adapter/http_fetcher"
	"github.com/user/listing-crawler/internal/adapter/postgres"
	redis_adapter "github.com/user/listing-crawler/internal/adapter/redis"
	"github.com/user/listing-crawler/internal/delay"
	"github.com/user/listing-crawler/internal/delivery/http/handler"
	"github.com/user/listing-crawler/internal/detection"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/internal/extract"
	"github.com/user/listing-crawler/internal/lane"
	"github.com/user/listing-crawler/internal/orchestrator"
	"github.com/user/listing-crawler/internal/proxypool"
	"github.com/user/listing-crawler/internal/repository"
	"github.com/user/listing-crawler/internal/usecase"
	"github.com/user/listing-crawler/pkg/config"
	"github.com/user/listing-crawler/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStoresRequired is returned by RunManager when Postgres or Redis is not configured.
var ErrStoresRequired = errors.New("run manager needs POSTGRES_URL and REDIS_ADDR")

// App holds the wired crawl stack. DB and Redis are nil when not configured.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
	Pool         *proxypool.Pool
	Orchestrator *orchestrator.Orchestrator
	Crawler      usecase.Crawler

	DB    *pgxpool.Pool
	Redis *redis.Client

	runRepo       repository.RunRepository
	failedJobRepo repository.FailedJobRepository
	queueRepo     repository.QueueRepository
}

// New connects the configured stores and builds everything a crawl needs.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config
	if cfg.PostgresURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.DB = dbpool
		if err := dbpool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		a.runRepo = postgres.NewRunRepo(dbpool)
		a.failedJobRepo = postgres.NewFailedJobRepo(dbpool)
		a.Logger.Info("PostgreSQL connection pool established")
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.Redis = rdb
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		a.queueRepo = redis_adapter.NewQueueRepo(rdb)
		a.Logger.Info("Redis connection established")
	}
	return nil
}

func (a *App) build() error {
	cfg := a.Config

	pool, err := proxypool.New(proxypool.Config{
		FailureThreshold: cfg.FailureThreshold,
		AllowDirect:      cfg.AllowDirect,
		Cooldown:         cfg.ProxyCooldown,
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("proxy pool: %w", err)
	}
	if err := pool.Register(cfg.ProxyList...); err != nil {
		return fmt.Errorf("proxy pool: %w", err)
	}
	a.Pool = pool

	lanes, err := lane.NewFactory(
		pool,
		lane.NewFingerprintGenerator(time.Now().UnixNano(), cfg.UserAgents, cfg.Locales),
		a.sessionFactory(),
		lane.Limits{MaxPages: cfg.MaxPagesPerLane, DetectionThreshold: cfg.DetectionThreshold},
		cfg.FetchTimeout,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("lane factory: %w", err)
	}

	classifier, err := detection.NewClassifier(detection.Config{
		ChallengeMarkers:  cfg.ChallengeMarkers,
		ChallengePatterns: cfg.ChallengePatterns,
		ListingSelector:   cfg.ListingSelector,
		ListingMarkers:    cfg.ListingMarkers,
	})
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}

	scheduler, err := delay.NewScheduler(delay.Config{
		MinDelay:             cfg.MinDelay,
		MaxDelay:             cfg.MaxDelay,
		BackoffFloor:         cfg.BackoffFloor,
		BackoffCap:           cfg.BackoffCap,
		BackoffMultiplier:    cfg.BackoffMultiplier,
		BackoffJitter:        cfg.BackoffJitter,
		ThinkTimeProbability: cfg.ThinkTimeProbability,
		ThinkTimeMin:         cfg.ThinkTimeMin,
		ThinkTimeMax:         cfg.ThinkTimeMax,
	}, nil)
	if err != nil {
		return fmt.Errorf("delay scheduler: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithLogger(a.Logger),
	}
	if cfg.GlobalRate > 0 {
		opts = append(opts, orchestrator.WithLimiter(rate.NewLimiter(rate.Limit(cfg.GlobalRate), 1)))
	}
	orch, err := orchestrator.New(orchestrator.Config{
		MaxResults:     cfg.MaxResults,
		WorkerCount:    cfg.WorkerCount,
		MaxRetries:     cfg.MaxRetries,
		AbortThreshold: cfg.AbortThreshold(),
		RunTimeout:     cfg.RunTimeout,
	}, lanes, pool, classifier, scheduler, opts...)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	a.Orchestrator = orch

	urls, err := usecase.NewPageURLBuilder(cfg.SearchURLTemplate, cfg.PageOffsetStep)
	if err != nil {
		return fmt.Errorf("search url: %w", err)
	}
	strategy, err := extract.New(cfg.ExtractionMode, cfg.RecordSelector, cfg.RecordFields)
	if err != nil {
		return fmt.Errorf("extraction: %w", err)
	}

	crawlerOpts := []usecase.CrawlerOption{
		usecase.WithDedupeKey(cfg.DedupeKey),
		usecase.WithCrawlerLogger(a.Logger),
	}
	if a.runRepo != nil {
		crawlerOpts = append(crawlerOpts, usecase.WithPersistence(a.runRepo, a.failedJobRepo))
	}
	if a.Redis != nil {
		crawlerOpts = append(crawlerOpts, usecase.WithHealthStore(redis_adapter.NewHealthStore(a.Redis), cfg.HealthTTL))
	}
	a.Crawler = usecase.NewCrawlerUseCase(orch, urls, strategy, pool, usecase.CrawlerDefaults{
		Query:      cfg.TargetQuery,
		Location:   cfg.TargetLocation,
		MaxPages:   cfg.MaxPages,
		MaxResults: cfg.MaxResults,
	}, crawlerOpts...)
	return nil
}

func (a *App) sessionFactory() repository.SessionFactory {
	if a.Config.Fetcher == config.FetcherHTTP {
		return http_fetcher.NewSessionFactory(http_fetcher.Options{}, a.Logger)
	}
	return chromedp_fetcher.NewSessionFactory(chromedp_fetcher.Options{Headless: a.Config.Headless}, a.Logger)
}

// Persistent reports whether run outcomes are stored.
func (a *App) Persistent() bool { return a.runRepo != nil }

// RunManager builds the queue-backed run manager. It needs both stores.
func (a *App) RunManager() (usecase.RunManager, error) {
	if a.runRepo == nil || a.queueRepo == nil {
		return nil, ErrStoresRequired
	}
	return usecase.NewRunManager(a.runRepo, a.failedJobRepo, a.queueRepo, a.Crawler, a.Metrics, a.Logger), nil
}

// StartRun records a foreground run as RUNNING so its outcome can be stored.
// It is a no-op without Postgres.
func (a *App) StartRun(ctx context.Context, runID string, req entity.RunRequest) error {
	if a.runRepo == nil {
		return nil
	}
	if req.Query == "" {
		req.Query = a.Config.TargetQuery
	}
	if req.Location == "" {
		req.Location = a.Config.TargetLocation
	}
	run := &entity.Run{
		ID:        runID,
		Query:     req.Query,
		Location:  req.Location,
		Status:    entity.RunQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.runRepo.Create(ctx, run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return a.runRepo.MarkRunning(ctx, runID)
}

// HealthChecks returns a ping per connected store.
func (a *App) HealthChecks() map[string]handler.HealthCheck {
	checks := make(map[string]handler.HealthCheck)
	if a.DB != nil {
		checks["postgres"] = a.DB.Ping
	}
	if a.Redis != nil {
		rdb := a.Redis
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	checks["proxies"] = func(context.Context) error {
		if a.Pool.HealthyCount() == 0 && !a.Config.AllowDirect {
			return proxypool.ErrNoHealthyProxy
		}
		return nil
	}
	return checks
}

// Close releases the store connections. Safe on a partially built App.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
}
