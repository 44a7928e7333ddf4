package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pranavko12/weathervault/internal/collector"
	"github.com/pranavko12/weathervault/internal/config"
	"github.com/pranavko12/weathervault/internal/controlstore"
	"github.com/pranavko12/weathervault/internal/dispatch"
	"github.com/pranavko12/weathervault/internal/geocode"
	"github.com/pranavko12/weathervault/internal/logging"
	"github.com/pranavko12/weathervault/internal/metrics"
	"github.com/pranavko12/weathervault/internal/objectstore"
	"github.com/pranavko12/weathervault/internal/progress"
	"github.com/pranavko12/weathervault/internal/queue"
	"github.com/pranavko12/weathervault/internal/telemetry"
	"github.com/pranavko12/weathervault/internal/weather"
)

func main() {
	item := flag.String("item", "", `process one dispatch message, e.g. '{"item_id":"10001#US#2020-01-01"}', and exit`)
	workers := flag.Int("workers", 0, "number of queue consumers (default WORKER_CONCURRENCY)")
	createBucket := flag.Bool("create-bucket", false, "create the bucket if it does not exist")
	flag.Parse()

	cfg, err := config.Load(config.NeedStore, config.NeedQueue, config.NeedWeatherAPI, config.NeedObjectStore)
	if err != nil {
		logging.Must("info", "json").Fatal("config error", zap.Error(err))
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg, "weathervault-collector")
	if err != nil {
		logger.Fatal("tracing init error", zap.Error(err))
	}
	defer func() { _ = shutdown(context.Background()) }()

	store, closeStore, err := controlstore.Open(ctx, cfg, false)
	if err != nil {
		logger.Fatal("control store init error", zap.Error(err))
	}
	defer closeStore()

	objects, err := objectstore.New(cfg.S3, cfg.HTTPTimeout)
	if err != nil {
		logger.Fatal("object store init error", zap.Error(err))
	}
	if err := objects.EnsureBucket(ctx, *createBucket); err != nil {
		logger.Fatal("bucket validation failed", zap.String("bucket", objects.Bucket()), zap.Error(err))
	}

	rd := queue.NewRedis(cfg)
	defer func() { _ = rd.Close() }()

	api := weather.NewAPI(weather.NewClient(cfg.HTTPTimeout, cfg.OpenWeather.UserAgent), cfg.OpenWeather)
	coll := collector.New(geocode.NewResolver(store, api, logger.Named("geocode")), api, objects, cfg.S3.RawPrefix, logger.Named("collector"))
	tracker := progress.NewTracker(store, cfg.Job.JobID, cfg.DispatchQueue, cfg.RetryPolicy(), logger.Named("progress"))

	leaser := dispatch.NewLeaser(rd, "collector-"+uuid.NewString(), cfg.LeaseTTL)
	throttler := dispatch.NewThrottler(cfg.DispatchQueue, cfg.WorkerConcurrency, cfg.RateLimitPerSec)
	defer throttler.Close()

	processor := dispatch.NewProcessor(store, coll, tracker, leaser, throttler, cfg.DispatchQueue, logger.Named("dispatch"))

	if *item != "" {
		if err := runOne(ctx, processor, cfg.DispatchQueue, *item, logger); err != nil {
			logger.Error("single item run failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	if err := rd.Ping(ctx); err != nil {
		logger.Fatal("failed to connect redis", zap.Error(err))
	}

	n := *workers
	if n <= 0 {
		n = cfg.WorkerConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		loop := dispatch.NewLoop(rd, processor, cfg.DispatchQueue, logger.With(zap.Int("consumer", i)))
		g.Go(func() error { return loop.Run(gctx) })
	}
	g.Go(func() error {
		return serveMetrics(gctx, cfg, metrics.NewProgressProvider(tracker, rd, cfg.DispatchQueue))
	})

	logger.Info("collector started", zap.Int("consumers", n), zap.String("queue", cfg.DispatchQueue))
	if err := g.Wait(); err != nil {
		logger.Error("collector stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func runOne(ctx context.Context, processor *dispatch.Processor, queueName, raw string, logger *zap.Logger) error {
	msg, err := dispatch.DecodeMessage([]byte(raw))
	if err != nil {
		return err
	}
	ctx, end := dispatch.StartItemSpan(ctx, msg.ItemID, queueName, msg.Traceparent)
	defer end()

	outcome, err := processor.Process(ctx, msg)
	if err != nil {
		return err
	}
	logger.Info("item processed", zap.String("item_id", msg.ItemID), zap.String("outcome", string(outcome)))
	return nil
}

func serveMetrics(ctx context.Context, cfg config.Config, provider metrics.ProgressProvider) error {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler(cfg.Job.JobID, cfg.DispatchQueue, provider))

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
