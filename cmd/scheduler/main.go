package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/dispatch"
	"github.com/pranavko12/weathervault/internal/logging"
	"github.com/pranavko12/weathervault/internal/queue"
	"github.com/pranavko12/weathervault/internal/scheduler"
	"github.com/pranavko12/weathervault/internal/telemetry"
)

func main() {
	every := flag.Duration("every", 0, "repeat the tick at this interval instead of running once")
	migrate := flag.Bool("migrate", true, "apply control store migrations before the first tick")
	flag.Parse()

	cfg, err := config.Load(config.NeedStore, config.NeedQueue, config.NeedLocations)
	if err != nil {
		logging.Must("info", "json").Fatal("config error", zap.Error(err))
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg, "weathervault-scheduler")
	if err != nil {
		logger.Fatal("tracing init error", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	store, closeStore, err := controlstore.Open(ctx, cfg, *migrate)
	if err != nil {
		logger.Fatal("control store init error", zap.Error(err))
	}
	defer closeStore()

	rd := queue.NewRedis(cfg)
	defer func() { _ = rd.Close() }()
	if err := rd.Ping(ctx); err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}

	s := scheduler.New(store, scheduler.Config{
		JobID:          cfg.Job.JobID,
		Locations:      cfg.Job.Locations,
		StartDate:      cfg.Job.StartDate,
		EndDate:        cfg.Job.EndDate,
		DailyCallLimit: cfg.Job.DailyCallLimit,
		MaxBatch:       cfg.Job.MaxBatch,
		LockTTL:        cfg.Job.BootstrapLockTTL,
	}, logger.Named("scheduler"))
	dispatcher := dispatch.NewDispatcher(rd, cfg.DispatchQueue, dispatch.NewLeaser(rd, "", cfg.LeaseTTL))

	if *every <= 0 {
		if !tick(ctx, s, dispatcher, logger) {
			os.Exit(1)
		}
		return
	}

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		tick(ctx, s, dispatcher, logger)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func tick(ctx context.Context, s *scheduler.Scheduler, d scheduler.Dispatcher, logger *zap.Logger) bool {
	res, err := s.Tick(ctx, time.Now().UTC(), d)
	if err != nil {
		logger.Error("scheduler tick failed", zap.Error(err), zap.Int("dispatched", res.Dispatched))
		return false
	}
	logger.Info("scheduler tick",
		zap.String("bootstrap", string(res.Bootstrap.Outcome)),
		zap.Int("batch", len(res.Batch.Items)),
		zap.Int("dispatched", res.Dispatched),
		zap.Bool("quota_reset", res.Batch.QuotaReset),
		zap.Int("remaining_quota", res.Batch.RemainingQuota),
		zap.String("reason", res.Batch.Reason),
	)
	return true
}
