package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"book-pipeline/internal/api"
	"book-pipeline/internal/config"
	"book-pipeline/internal/jobs"
	"book-pipeline/internal/logging"
	"book-pipeline/internal/ratelimit"
	"book-pipeline/internal/recordstore"
	"book-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bookpipe exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := recordstore.New(cfg.DataDir)
	if err != nil {
		return err
	}
	pool := jobs.NewPool(cfg.Workers, cfg.QueueDepth, slog.Default())
	coord := jobs.NewCoordinator(st, pool, slog.Default())

	proc, err := worker.NewProcessor(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	if err := proc.Register(coord, cfg.JobKinds); err != nil {
		return err
	}

	if n, err := coord.Recover(ctx); err != nil {
		return err
	} else if n > 0 {
		slog.Warn("failed jobs interrupted by previous shutdown", "count", n)
	}

	limiter, closeLimiter := newLimiter(cfg)
	defer closeLimiter()

	pool.Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(cfg, coord, limiter).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", httpServer.Addr, "data_dir", cfg.DataDir, "workers", cfg.Workers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = pool.Shutdown(context.Background())
			return err
		}
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Error("worker pool did not drain", "pending", pool.Pending(), "error", err)
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// newLimiter shares the submission budget through Redis when one is
// configured and keeps it in process otherwise.
func newLimiter(cfg config.Config) (ratelimit.Limiter, func()) {
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill), func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour), func() { _ = client.Close() }
}
