// Package redis implements the durable work queue on Redis lists.
//
// Three lists share a common prefix: the primary queue, a processing
// mirror holding payloads currently being handled, and a capped
// dead-letter list. Producers LPUSH and the consumer BRPOPs, so the
// lists behave FIFO.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/velogdash/stats-refresher/internal/metrics"
	"github.com/velogdash/stats-refresher/internal/refresh"
)

// Config controls the Redis connection and queue naming.
type Config struct {
	Addr        string
	Password    string
	DB          int
	QueuePrefix string
	// MaxFailedSize caps the dead-letter list. Oldest entries are
	// evicted first. Zero or negative means a default of 10000.
	MaxFailedSize int64
}

// Queue implements refresh.Queue on a Redis client.
type Queue struct {
	client        goredis.UniversalClient
	primary       string
	processing    string
	failed        string
	maxFailedSize int64
	logger        *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client goredis.UniversalClient, cfg Config, logger *zap.Logger) *Queue {
	prefix := cfg.QueuePrefix
	if prefix == "" {
		prefix = "vd:queue:stats-refresh"
	}
	maxFailed := cfg.MaxFailedSize
	if maxFailed <= 0 {
		maxFailed = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:        client,
		primary:       prefix,
		processing:    prefix + ":processing",
		failed:        prefix + ":failed",
		maxFailedSize: maxFailed,
		logger:        logger,
	}
}

// Pop blocks up to timeout for the next payload on the primary queue.
// A blocking timeout returns (nil, nil).
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BRPop(ctx, timeout, q.primary).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", q.primary, err)
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop %s: unexpected reply of %d elements", q.primary, len(res))
	}
	return []byte(res[1]), nil
}

// PushToProcessing mirrors the raw payload onto the processing list.
func (q *Queue) PushToProcessing(ctx context.Context, raw []byte) error {
	if err := q.client.LPush(ctx, q.processing, raw).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.processing, err)
	}
	return nil
}

// RemoveFromProcessing deletes the mirror entry. The raw bytes must be
// the exact payload previously pushed, or LREM will not match.
func (q *Queue) RemoveFromProcessing(ctx context.Context, raw []byte) error {
	removed, err := q.client.LRem(ctx, q.processing, 1, raw).Result()
	if err != nil {
		return fmt.Errorf("lrem %s: %w", q.processing, err)
	}
	if removed == 0 {
		q.logger.Warn("processing mirror entry not found",
			zap.String("list", q.processing),
			zap.ByteString("payload", raw))
	}
	return nil
}

// PushToFailed appends the original payload, unmodified, to the
// dead-letter list.
func (q *Queue) PushToFailed(ctx context.Context, raw []byte) error {
	if err := q.pushCapped(ctx, raw); err != nil {
		return err
	}
	metrics.ObserveDeadLetter("business")
	return nil
}

// PushMalformed records an undecodable payload together with parse
// diagnostics so operators can inspect what the producer sent.
func (q *Queue) PushMalformed(ctx context.Context, raw []byte, cause error) error {
	entry := struct {
		RawMessage string `json:"raw_message"`
		Error      string `json:"error"`
		ErrorType  string `json:"error_type"`
	}{
		RawMessage: string(raw),
		Error:      cause.Error(),
		ErrorType:  "JSONDecodeError",
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal malformed entry: %w", err)
	}
	if err := q.pushCapped(ctx, payload); err != nil {
		return err
	}
	metrics.ObserveDeadLetter("malformed")
	return nil
}

// pushCapped pushes onto the dead-letter list and trims it to the cap,
// dropping the oldest entries from the tail.
func (q *Queue) pushCapped(ctx context.Context, payload []byte) error {
	if err := q.client.LPush(ctx, q.failed, payload).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.failed, err)
	}
	if err := q.client.LTrim(ctx, q.failed, 0, q.maxFailedSize-1).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", q.failed, err)
	}
	return nil
}

// Depths reports the length of each list.
func (q *Queue) Depths(ctx context.Context) (refresh.QueueDepths, error) {
	var depths refresh.QueueDepths
	var err error
	if depths.Primary, err = q.client.LLen(ctx, q.primary).Result(); err != nil {
		return refresh.QueueDepths{}, fmt.Errorf("llen %s: %w", q.primary, err)
	}
	if depths.Processing, err = q.client.LLen(ctx, q.processing).Result(); err != nil {
		return refresh.QueueDepths{}, fmt.Errorf("llen %s: %w", q.processing, err)
	}
	if depths.Failed, err = q.client.LLen(ctx, q.failed).Result(); err != nil {
		return refresh.QueueDepths{}, fmt.Errorf("llen %s: %w", q.failed, err)
	}
	return depths, nil
}

// Close releases the Redis client.
func (q *Queue) Close() error {
	return q.client.Close()
}
