package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/listing-crawler/internal/app"
	"github.com/user/listing-crawler/internal/delivery/http/handler"
	"github.com/user/listing-crawler/internal/delivery/http/router"
	"github.com/user/listing-crawler/pkg/config"
	"github.com/user/listing-crawler/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- Configuration ---
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		zap.NewExample().Fatal("could not load config", zap.Error(err))
	}

	// --- Logger ---
	log, err := logger.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("could not build logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Stores and crawl stack ---
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("could not initialise application", zap.Error(err))
	}
	defer a.Close()

	runs, err := a.RunManager()
	if err != nil {
		log.Fatal("api server needs both stores", zap.Error(err))
	}

	// --- HTTP Server ---
	apiHandler := handler.NewHandler(runs, a.HealthChecks(), log)
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router.New(apiHandler, a.Metrics, a.Registry, log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runs.Dispatch(gctx) })
	g.Go(func() error {
		log.Info("server started", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server exiting")
}
