package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/user/listing-crawler/internal/app"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/pkg/config"
	"github.com/user/listing-crawler/pkg/logger"
	"go.uber.org/zap"
)

// Runs one crawl in the foreground and prints the outcome and records as JSON.
func main() {
	configPath := flag.String("config", "", "path to a .env file (default .env)")
	query := flag.String("query", "", "search query (default TARGET_QUERY)")
	location := flag.String("location", "", "search location (default TARGET_LOCATION)")
	maxPages := flag.Int("max-pages", 0, "pages to enumerate (default MAX_PAGES)")
	maxResults := flag.Int("max-results", 0, "pages to collect before stopping (default MAX_RESULTS)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("could not load config", zap.Error(err))
	}

	// Logs go to stderr so stdout carries only the result.
	log, err := logger.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("could not build logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("could not initialise application", zap.Error(err))
	}
	defer a.Close()

	runID := uuid.NewString()
	req := entity.RunRequest{Query: *query, Location: *location, MaxPages: *maxPages, MaxResults: *maxResults}
	if err := a.StartRun(ctx, runID, req); err != nil {
		log.Fatal("could not record run", zap.Error(err))
	}

	result, err := a.Crawler.Crawl(ctx, runID, req)
	if err != nil {
		log.Error("crawl finished with error", zap.String("run_id", runID), zap.Error(err))
	}
	if result == nil {
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatal("could not write result", zap.Error(err))
	}
	if result.Outcome.Status == entity.RunAborted {
		os.Exit(2)
	}
}
