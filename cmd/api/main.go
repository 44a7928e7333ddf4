package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/api"
	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/logging"
	"github.com/pranavko12/weathervault/internal/metrics"
	"github.com/pranavko12/weathervault/internal/progress"
	"github.com/pranavko12/weathervault/internal/queue"
	"github.com/pranavko12/weathervault/internal/telemetry"
)

func main() {
	cfg, err := config.Load(config.NeedStore, config.NeedQueue)
	if err != nil {
		logging.Must("info", "json").Fatal("config error", zap.Error(err))
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg, "weathervault-api")
	if err != nil {
		logger.Fatal("tracing init error", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	store, closeStore, err := controlstore.Open(ctx, cfg, false)
	if err != nil {
		logger.Fatal("control store init error", zap.Error(err))
	}
	defer closeStore()

	rd := queue.NewRedis(cfg)
	defer func() { _ = rd.Close() }()

	tracker := progress.NewTracker(store, cfg.Job.JobID, cfg.DispatchQueue, cfg.RetryPolicy(), logger.Named("progress"))
	srv := api.NewServer(api.Options{
		Addr:    cfg.HTTPAddr,
		Tracker: tracker,
		Items:   store,
		Deps:    api.Dependencies{"control store": store, "redis": rd},
		Metrics: metrics.Handler(cfg.Job.JobID, cfg.DispatchQueue, metrics.NewProgressProvider(tracker, rd, cfg.DispatchQueue)),
		Logger:  logger,
	})

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
