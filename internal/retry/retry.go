// Package retry drives handler attempts for one queue message,
// classifying failures and backing off between transient ones.
package retry

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/velogdash/stats-refresher/internal/errtrack"
	"github.com/velogdash/stats-refresher/internal/metrics"
	"github.com/velogdash/stats-refresher/internal/refresh"
)

// Handler performs the refresh work for one user.
type Handler func(ctx context.Context, userID int64) error

// Config tunes the attempt loop.
type Config struct {
	MaxRetries  int
	BackoffBase int
}

// Orchestrator runs a handler with validation, bounded retries and
// exponential backoff. Terminal outcomes are returned to the caller,
// which owns dead-letter routing.
type Orchestrator struct {
	handler  Handler
	clock    refresh.Clock
	reporter errtrack.Reporter
	logger   *zap.Logger
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration)
}

// New constructs an Orchestrator.
func New(handler Handler, clk refresh.Clock, reporter errtrack.Reporter, logger *zap.Logger, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2
	}
	if reporter == nil {
		reporter = errtrack.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		handler:  handler,
		clock:    clk,
		reporter: reporter,
		logger:   logger,
		cfg:      cfg,
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// ProcessWithRetry runs the handler for msg, retrying transient
// failures up to MaxRetries attempts. It reports whether the message
// ultimately succeeded. The message is stamped with retry metadata
// before every attempt so a re-serialized copy carries its history.
func (o *Orchestrator) ProcessWithRetry(ctx context.Context, msg *refresh.Message) bool {
	if err := msg.Validate(); err != nil {
		o.logger.Error("message rejected by validation",
			zap.Int64("user_id", msg.UserID),
			zap.Error(err))
		o.reporter.CaptureException(err)
		return false
	}

	log := o.logger.With(zap.Int64("user_id", msg.UserID))
	started := o.clock.Now()

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		msg.RetryCount = attempt
		msg.LastAttemptAt = o.clock.Now().UTC().Format(time.RFC3339)
		if attempt > 1 {
			metrics.ObserveRetry()
		}

		err := o.handler(ctx, msg.UserID)
		if err == nil {
			log.Info("message processed",
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", o.clock.Now().Sub(started)))
			return true
		}

		kind := refresh.KindOf(err)
		log.Warn("attempt failed",
			zap.Int("attempt", attempt),
			zap.Stringer("kind", kind),
			zap.Duration("elapsed", o.clock.Now().Sub(started)),
			zap.Error(err))
		o.reporter.CaptureException(err)

		if kind != refresh.KindTransient {
			log.Error("terminal failure, not retrying",
				zap.Int("attempt", attempt),
				zap.Stringer("kind", kind))
			return false
		}
		if attempt < o.cfg.MaxRetries {
			o.sleep(ctx, o.backoff(attempt))
		}
	}

	log.Error("retries exhausted",
		zap.Int("attempts", o.cfg.MaxRetries),
		zap.Duration("elapsed", o.clock.Now().Sub(started)))
	return false
}

// backoff returns base^attempt seconds.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	secs := math.Pow(float64(o.cfg.BackoffBase), float64(attempt))
	return time.Duration(secs * float64(time.Second))
}
