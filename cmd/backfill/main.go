// Package main runs the offline bulk refresh across group ranges.
//
// The group interval is split into disjoint partitions, each driven by
// its own engine with its own request semaphore, so a slow partition
// never starves the others.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/velogdash/stats-refresher/internal/clock/system"
	"github.com/velogdash/stats-refresher/internal/config"
	"github.com/velogdash/stats-refresher/internal/crawl"
	"github.com/velogdash/stats-refresher/internal/errtrack"
	"github.com/velogdash/stats-refresher/internal/logging"
	"github.com/velogdash/stats-refresher/internal/store/postgres"
	"github.com/velogdash/stats-refresher/internal/vault"
	"github.com/velogdash/stats-refresher/internal/velog"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	minGroup := flag.Int("min-group", 0, "Lowest group id to refresh")
	maxGroup := flag.Int("max-group", 99, "Highest group id to refresh")
	partitions := flag.Int("partitions", 4, "Number of parallel partitions")
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

	ranges := crawl.SplitRange(*minGroup, *maxGroup, *partitions)
	if len(ranges) == 0 {
		logger.Fatal("invalid group range",
			zap.Int("min_group", *minGroup),
			zap.Int("max_group", *maxGroup),
			zap.Int("partitions", *partitions))
	}

	logger.Info("velog stats refresher starting",
		zap.String("component", "backfill"),
		zap.Int("min_group", *minGroup),
		zap.Int("max_group", *maxGroup),
		zap.Int("partitions", len(ranges)))

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

	clk := system.New()
	started := clk.Now()

	var mu sync.Mutex
	total := crawl.RangeReport{}

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		r := r
		log := logger.Named("crawl").With(
			zap.Int("partition", i),
			zap.Int("min_group", r[0]),
			zap.Int("max_group", r[1]))

		// One client per partition keeps each partition's request
		// semaphore independent.
		client := velog.New(velog.Config{
			V3URL:       cfg.Velog.V3URL,
			V2CDNURL:    cfg.Velog.V2CDNURL,
			Timeout:     cfg.Velog.RequestTimeout,
			MaxInflight: cfg.Crawl.MaxConcurrentFetches,
		}, log.Named("velog"))

		engine := crawl.New(store, cipher, client, clk, reporter, log, crawl.Config{
			PageLimit:       cfg.Crawl.PageLimit,
			InsertBatchSize: cfg.Crawl.InsertBatchSize,
			StatsChunkSize:  cfg.Crawl.StatsChunkSize,
			ChunkPause:      cfg.Crawl.ChunkPause,
		})

		g.Go(func() error {
			report, err := engine.RefreshGroupRange(gctx, r[0], r[1])
			mu.Lock()
			total.Users += report.Users
			total.Succeeded += report.Succeeded
			total.Failed += report.Failed
			mu.Unlock()
			if err != nil {
				log.Error("partition aborted", zap.Error(err))
				return err
			}
			log.Info("partition complete",
				zap.Int("users", report.Users),
				zap.Int("succeeded", report.Succeeded),
				zap.Int("failed", report.Failed))
			return nil
		})
	}

	runErr := g.Wait()
	logger.Info("backfill finished",
		zap.Int("users", total.Users),
		zap.Int("succeeded", total.Succeeded),
		zap.Int("failed", total.Failed),
		zap.Duration("elapsed", clk.Now().Sub(started)))

	if runErr != nil {
		logger.Error("backfill exited with error", zap.Error(runErr))
		reporter.CaptureException(runErr)
		reporter.Flush(2 * time.Second)
		store.Close()
		_ = logger.Sync()
		os.Exit(1)
	}
}
