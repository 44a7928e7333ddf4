package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/logging"
	"github.com/pranavko12/weathervault/internal/objectstore"
	"github.com/pranavko12/weathervault/internal/progress"
	"github.com/pranavko12/weathervault/internal/reconcile"
)

func main() {
	cfg, err := config.Load(config.NeedStore, config.NeedObjectStore, config.NeedLocations)
	if err != nil {
		logging.Must("info", "json").Fatal("config error", zap.Error(err))
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := controlstore.Open(ctx, cfg, false)
	if err != nil {
		logger.Fatal("control store init error", zap.Error(err))
	}
	defer closeStore()

	objects, err := objectstore.New(cfg.S3, cfg.HTTPTimeout)
	if err != nil {
		logger.Fatal("object store init error", zap.Error(err))
	}
	if err := objects.EnsureBucket(ctx, false); err != nil {
		logger.Fatal("bucket validation failed", zap.String("bucket", objects.Bucket()), zap.Error(err))
	}

	tracker := progress.NewTracker(store, cfg.Job.JobID, cfg.DispatchQueue, cfg.RetryPolicy(), logger.Named("progress"))
	r := reconcile.New(objects, tracker, cfg.S3.RawPrefix, cfg.Job.Locations, logger.Named("reconcile"))
	if _, err := r.Run(ctx); err != nil {
		logger.Fatal("reconcile failed", zap.Error(err))
	}
}
