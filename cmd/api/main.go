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

	"github.com/dunamismax/swipeflow/internal/api"
	"github.com/dunamismax/swipeflow/internal/auth"
	"github.com/dunamismax/swipeflow/internal/config"
	"github.com/dunamismax/swipeflow/internal/jobs"
	"github.com/dunamismax/swipeflow/internal/logger"
	"github.com/dunamismax/swipeflow/internal/queue"
	"github.com/dunamismax/swipeflow/internal/ratelimit"
	"github.com/dunamismax/swipeflow/internal/store"
	"github.com/dunamismax/swipeflow/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", os.Getenv("SWIPEFLOW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
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
	log = log.With("service", "swipeflow-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "swipeflow-api", cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	jobStore, err := store.Open(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer jobStore.Close()

	redisOpt, err := cfg.Queue.RedisConnOpt()
	if err != nil {
		return err
	}
	queueClient := queue.NewClient(redisOpt, queue.Options{
		Queue:     cfg.Queue.Name,
		MaxRetry:  cfg.Queue.MaxRetries,
		Timeout:   cfg.Queue.TaskTimeout,
		Retention: cfg.Queue.Retention,
	})
	defer queueClient.Close()
	inspector := queue.NewInspector(redisOpt, cfg.Queue.Name)
	defer inspector.Close()

	authenticator, err := newAuthenticator(cfg.Auth, log)
	if err != nil {
		return err
	}

	var opts []api.Option
	if cfg.RateLimit.Enabled {
		limiter, closeLimiter, err := newRateLimiter(cfg)
		if err != nil {
			return err
		}
		defer closeLimiter()
		opts = append(opts, api.WithRateLimiter(limiter))
	}

	gin.SetMode(gin.ReleaseMode)
	service := jobs.NewService(jobStore, queueClient, log, jobs.WithInspector(inspector))
	app := api.NewServer(log, service, authenticator, opts...)

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.API.Addr, "queue", cfg.Queue.Name, "store", cfg.Store.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	return nil
}

func newAuthenticator(cfg config.AuthConfig, log *slog.Logger) (auth.Authenticator, error) {
	if !cfg.Enabled() {
		log.Warn("no jwt key configured; accepting unauthenticated requests")
		return auth.Anonymous{}, nil
	}
	verifier, err := auth.NewJWTVerifierFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure jwt verifier: %w", err)
	}
	return verifier, nil
}

func newRateLimiter(cfg config.Config) (*ratelimit.SlidingWindow, func(), error) {
	redisURL := cfg.RateLimit.RedisURL
	if redisURL == "" {
		redisURL = cfg.Queue.BrokerURL
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse rate limit redis url: %w", err)
	}
	client := redis.NewClient(opts)
	limiter, err := ratelimit.NewSlidingWindow(client, cfg.RateLimit.Limit, cfg.RateLimit.Window, "")
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return limiter, func() { _ = client.Close() }, nil
}
