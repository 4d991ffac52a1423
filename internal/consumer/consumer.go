// Package consumer runs the blocking-pop loop against the work queue,
// moving each message through its visibility states and delegating the
// actual refresh to the retry orchestrator.
package consumer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/velogdash/stats-refresher/internal/errtrack"
	"github.com/velogdash/stats-refresher/internal/metrics"
	"github.com/velogdash/stats-refresher/internal/refresh"
)

// Processor decides the fate of one decoded message.
type Processor interface {
	ProcessWithRetry(ctx context.Context, msg *refresh.Message) bool
}

// Config tunes the consume loop.
type Config struct {
	BlockingTimeout         time.Duration
	GracefulShutdownTimeout time.Duration
	MaxConsecutiveErrors    int
}

func (c *Config) applyDefaults() {
	if c.BlockingTimeout <= 0 {
		c.BlockingTimeout = 5 * time.Second
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 30 * time.Second
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
}

// Consumer is single-threaded at the message level: one message runs to
// completion, retries included, before the next pop.
type Consumer struct {
	queue     refresh.Queue
	processor Processor
	clock     refresh.Clock
	reporter  errtrack.Reporter
	logger    *zap.Logger
	cfg       Config

	running    atomic.Bool
	processing atomic.Bool
	started    time.Time

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	shutdownOnce sync.Once
	sleep        func(ctx context.Context, d time.Duration)
}

// New constructs a Consumer.
func New(queue refresh.Queue, processor Processor, clk refresh.Clock, reporter errtrack.Reporter, logger *zap.Logger, cfg Config) *Consumer {
	cfg.applyDefaults()
	if reporter == nil {
		reporter = errtrack.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:     queue,
		processor: processor,
		clock:     clk,
		reporter:  reporter,
		logger:    logger,
		cfg:       cfg,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// Start runs the consume loop until Shutdown is called, the context
// ends, or too many consecutive loop errors signal a systemic outage.
// Only the systemic case returns an error.
func (c *Consumer) Start(ctx context.Context) error {
	c.started = c.clock.Now()
	c.running.Store(true)
	c.logger.Info("consumer started",
		zap.Duration("blocking_timeout", c.cfg.BlockingTimeout))

	consecutive := 0
	for c.running.Load() {
		if ctx.Err() != nil {
			c.running.Store(false)
			break
		}

		raw, err := c.queue.Pop(ctx, c.cfg.BlockingTimeout)
		if err != nil {
			if !c.running.Load() || ctx.Err() != nil {
				break
			}
			consecutive++
			c.logger.Error("queue pop failed",
				zap.Int("consecutive_errors", consecutive),
				zap.Error(err))
			c.reporter.CaptureException(err)
			if consecutive >= c.cfg.MaxConsecutiveErrors {
				c.running.Store(false)
				return fmt.Errorf("%d consecutive loop errors, shutting down: %w", consecutive, err)
			}
			c.sleep(ctx, errorBackoff(consecutive))
			continue
		}
		if raw == nil {
			// Pop timeout. Not an error, so the streak resets.
			consecutive = 0
			continue
		}

		if err := c.processMessage(ctx, raw); err != nil {
			consecutive++
			c.logger.Error("message handling failed",
				zap.Int("consecutive_errors", consecutive),
				zap.Error(err))
			c.reporter.CaptureException(err)
			if consecutive >= c.cfg.MaxConsecutiveErrors {
				c.running.Store(false)
				return fmt.Errorf("%d consecutive loop errors, shutting down: %w", consecutive, err)
			}
			c.sleep(ctx, errorBackoff(consecutive))
			continue
		}
		consecutive = 0
	}
	return nil
}

// processMessage handles one raw payload. The returned error covers
// queue-level failures only; business outcomes are absorbed into the
// counters and the dead-letter list.
func (c *Consumer) processMessage(ctx context.Context, raw []byte) error {
	c.processing.Store(true)
	defer c.processing.Store(false)
	c.processed.Add(1)

	msg, err := refresh.DecodeMessage(raw)
	if err != nil {
		c.failed.Add(1)
		metrics.ObserveMessage("malformed")
		c.logger.Warn("malformed payload dead-lettered",
			zap.ByteString("payload", raw),
			zap.Error(err))
		if qerr := c.queue.PushMalformed(ctx, raw, err); qerr != nil {
			return fmt.Errorf("dead-letter malformed payload: %w", qerr)
		}
		return nil
	}

	// The mirror holds the bytes exactly as popped; removal must use the
	// same bytes or it will not match.
	if err := c.queue.PushToProcessing(ctx, raw); err != nil {
		return fmt.Errorf("mirror message: %w", err)
	}
	// The mirror is advisory; a failed removal is logged for operator
	// cleanup but never fails the message.
	defer func() {
		if rerr := c.queue.RemoveFromProcessing(context.WithoutCancel(ctx), raw); rerr != nil {
			c.logger.Error("remove processing mirror", zap.Error(rerr))
		}
	}()

	if c.processor.ProcessWithRetry(ctx, msg) {
		c.succeeded.Add(1)
		metrics.ObserveMessage("succeeded")
		return nil
	}

	c.failed.Add(1)
	metrics.ObserveMessage("failed")
	if qerr := c.queue.PushToFailed(ctx, raw); qerr != nil {
		return fmt.Errorf("dead-letter failed message: %w", qerr)
	}
	return nil
}

// Shutdown stops the loop, waits for any in-flight message up to the
// configured timeout, then closes the queue. Safe to call more than
// once; later calls are no-ops.
func (c *Consumer) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.running.Store(false)
		c.logger.Info("consumer draining")

		deadline := c.clock.Now().Add(c.cfg.GracefulShutdownTimeout)
		for c.processing.Load() {
			if c.clock.Now().After(deadline) {
				c.logger.Warn("shutdown timeout elapsed with a message still in flight",
					zap.Duration("timeout", c.cfg.GracefulShutdownTimeout))
				break
			}
			time.Sleep(100 * time.Millisecond)
		}

		if err := c.queue.Close(); err != nil {
			c.logger.Error("close queue", zap.Error(err))
		}

		s := c.Summary()
		c.logger.Info("consumer stopped",
			zap.Int64("processed", s.Processed),
			zap.Int64("succeeded", s.Succeeded),
			zap.Int64("failed", s.Failed),
			zap.Duration("uptime", s.Uptime))
	})
}

// Running reports whether the consume loop is accepting work.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Summary returns the per-process counters.
func (c *Consumer) Summary() refresh.Summary {
	var uptime time.Duration
	if !c.started.IsZero() {
		uptime = c.clock.Now().Sub(c.started)
	}
	return refresh.Summary{
		Processed: c.processed.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		Uptime:    uptime,
	}
}

// errorBackoff returns 2^min(n,5) seconds.
func errorBackoff(n int) time.Duration {
	if n > 5 {
		n = 5
	}
	return time.Duration(math.Pow(2, float64(n))) * time.Second
}
