// Package main runs the stats-refresh queue consumer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/velogdash/stats-refresher/internal/api"
	"github.com/velogdash/stats-refresher/internal/clock/system"
	"github.com/velogdash/stats-refresher/internal/config"
	"github.com/velogdash/stats-refresher/internal/consumer"
	"github.com/velogdash/stats-refresher/internal/crawl"
	"github.com/velogdash/stats-refresher/internal/errtrack"
	"github.com/velogdash/stats-refresher/internal/logging"
	redisqueue "github.com/velogdash/stats-refresher/internal/queue/redis"
	"github.com/velogdash/stats-refresher/internal/retry"
	"github.com/velogdash/stats-refresher/internal/store/postgres"
	"github.com/velogdash/stats-refresher/internal/vault"
	"github.com/velogdash/stats-refresher/internal/velog"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("velog stats refresher starting",
		zap.String("component", "consumer"),
		zap.String("queue_prefix", cfg.Redis.QueuePrefix),
		zap.Int64("max_concurrent_fetches", cfg.Crawl.MaxConcurrentFetches))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reporter, err := errtrack.NewSentry(cfg.Sentry.DSN, "production")
	if err != nil {
		logger.Fatal("error tracking init failed", zap.Error(err))
	}
	defer reporter.Flush(2 * time.Second)

	keys, err := cfg.Vault.DecodedKeys()
	if err != nil {
		logger.Fatal("vault keys invalid", zap.Error(err))
	}
	cipher, err := vault.New(keys)
	if err != nil {
		logger.Fatal("vault init failed", zap.Error(err))
	}

	store, err := postgres.New(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		logger.Fatal("record store init failed", zap.Error(err))
	}
	defer store.Close()

	queue, err := redisqueue.New(ctx, redisqueue.Config{
		Addr:          cfg.Redis.Addr(),
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		QueuePrefix:   cfg.Redis.QueuePrefix,
		MaxFailedSize: cfg.Consumer.MaxFailedQueueSize,
	}, logger.Named("queue"))
	if err != nil {
		logger.Fatal("queue init failed", zap.Error(err))
	}

	client := velog.New(velog.Config{
		V3URL:       cfg.Velog.V3URL,
		V2CDNURL:    cfg.Velog.V2CDNURL,
		Timeout:     cfg.Velog.RequestTimeout,
		MaxInflight: cfg.Crawl.MaxConcurrentFetches,
	}, logger.Named("velog"))

	clk := system.New()
	engine := crawl.New(store, cipher, client, clk, reporter, logger.Named("crawl"), crawl.Config{
		PageLimit:       cfg.Crawl.PageLimit,
		InsertBatchSize: cfg.Crawl.InsertBatchSize,
		StatsChunkSize:  cfg.Crawl.StatsChunkSize,
		ChunkPause:      cfg.Crawl.ChunkPause,
	})
	orchestrator := retry.New(engine.RefreshUser, clk, reporter, logger.Named("retry"), retry.Config{
		MaxRetries:  cfg.Consumer.MaxRetries,
		BackoffBase: cfg.Consumer.RetryBackoffBase,
	})
	cons := consumer.New(queue, orchestrator, clk, reporter, logger.Named("consumer"), consumer.Config{
		BlockingTimeout:         cfg.Consumer.BlockingTimeout,
		GracefulShutdownTimeout: cfg.Consumer.GracefulShutdownTimeout,
		MaxConsecutiveErrors:    cfg.Consumer.MaxConsecutiveErrors,
	})

	opsServer := api.NewServer(cons, queue, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- cons.Start(ctx) }()

	var fatal error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		cons.Shutdown()
		fatal = <-runErr
	case fatal = <-runErr:
		cons.Shutdown()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}

	if fatal != nil {
		logger.Error("consumer exited fatally", zap.Error(fatal))
		reporter.CaptureException(fatal)
		reporter.Flush(2 * time.Second)
		store.Close()
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
