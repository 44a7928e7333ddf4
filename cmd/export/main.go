package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/export"
	"github.com/pranavko12/weathervault/internal/logging"
	"github.com/pranavko12/weathervault/internal/objectstore"
)

func main() {
	cfg, err := config.Load(config.NeedObjectStore)
	if err != nil {
		logging.Must("info", "json").Fatal("config error", zap.Error(err))
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := objectstore.New(cfg.S3, cfg.HTTPTimeout)
	if err != nil {
		logger.Fatal("object store init error", zap.Error(err))
	}
	if err := objects.EnsureBucket(ctx, false); err != nil {
		logger.Fatal("bucket validation failed", zap.String("bucket", objects.Bucket()), zap.Error(err))
	}

	exp := export.New(objects, export.Config{
		RawPrefix:       cfg.S3.RawPrefix,
		ProcessedPrefix: cfg.S3.ProcessedPrefix,
		ProcessedFile:   cfg.S3.ProcessedFile,
	}, logger.Named("export"))
	if _, err := exp.Run(ctx); err != nil {
		logger.Fatal("export failed", zap.Error(err))
	}
}
