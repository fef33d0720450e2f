package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/swipeflow/internal/capture"
	"github.com/dunamismax/swipeflow/internal/config"
	"github.com/dunamismax/swipeflow/internal/logger"
	"github.com/dunamismax/swipeflow/internal/storage"
	"github.com/dunamismax/swipeflow/internal/store"
	"github.com/dunamismax/swipeflow/internal/telemetry"
	"github.com/dunamismax/swipeflow/internal/webhook"
	"github.com/dunamismax/swipeflow/internal/worker"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", os.Getenv("SWIPEFLOW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, EnableSource: cfg.Log.Source})
	if err != nil {
		return err
	}
	log = log.With("service", "swipeflow-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "swipeflow-worker", cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	if err := capture.Startup(); err != nil {
		return fmt.Errorf("start image runtime: %w", err)
	}
	defer capture.Shutdown()

	jobStore, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	emitter, err := newEmitter(ctx, cfg, log)
	if err != nil {
		return err
	}

	browser := capture.ChromeBrowser{
		NavigateTimeout: cfg.Capture.Timeout,
		ViewportWidth:   cfg.Capture.ViewportWidth,
		ViewportHeight:  cfg.Capture.ViewportHeight,
		MinViews:        cfg.Capture.MinViews,
		MaxViews:        cfg.Capture.MaxViews,
		SettleDelay:     cfg.Capture.SettleDelay,
		ExecPath:        cfg.Capture.ChromePath,
	}
	var captureOpts []capture.Option
	if cfg.Capture.ThumbnailWidth > 0 {
		captureOpts = append(captureOpts, capture.WithThumbnails(capture.NewThumbnailer(), cfg.Capture.ThumbnailWidth))
	}
	procedure, err := capture.NewProcedure(browser, emitter, log, captureOpts...)
	if err != nil {
		return err
	}

	executor := worker.NewExecutor(jobStore, procedure, webhook.NewClient(webhook.ConfigFrom(cfg.Webhook)), log)

	redisOpt, err := cfg.Queue.RedisConnOpt()
	if err != nil {
		return err
	}
	srv, err := worker.NewServer(log, redisOpt, cfg.Queue, cfg.Worker, executor)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	log.Info("starting worker",
		"queue", cfg.Queue.Name,
		"concurrency", cfg.Worker.Concurrency,
		"max_browsers", cfg.Worker.MaxBrowsers,
		"max_retries", cfg.Queue.MaxRetries,
		"retry_delay", cfg.Queue.RetryDelay,
		"capture_timeout", cfg.Capture.Timeout,
	)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	<-ctx.Done()
	log.Info("shutting down")
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return metricsServer.Shutdown(shutdownCtx)
}

func newEmitter(ctx context.Context, cfg config.Config, log *slog.Logger) (capture.Emitter, error) {
	switch cfg.Capture.Emitter {
	case "local":
		log.Warn("writing screenshots to local disk", "dir", cfg.Worker.LocalOutputDir)
		return capture.LocalFileEmitter{OutputDir: cfg.Worker.LocalOutputDir}, nil
	case "object_store":
		client, err := storage.NewClient(storage.Config{
			Endpoint:      cfg.Storage.Endpoint,
			Access:        cfg.Storage.AccessKey,
			Secret:        cfg.Storage.SecretKey,
			Bucket:        cfg.Storage.Bucket,
			UseSSL:        cfg.Storage.UseSSL,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return capture.ObjectStoreEmitter{Storage: client, Prefix: cfg.Storage.Prefix}, nil
	default:
		return nil, fmt.Errorf("unsupported capture emitter: %s", cfg.Capture.Emitter)
	}
}
