// Package memory provides an in-memory work queue for local development
// and testing.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/velogdash/stats-refresher/internal/refresh"
)

// Queue implements refresh.Queue on a channel plus tracked side lists.
type Queue struct {
	ch chan []byte

	mu         sync.Mutex
	processing [][]byte
	failed     [][]byte
	maxFailed  int

	closeMu sync.Mutex
	closed  bool
}

// New constructs a queue with the provided capacity and dead-letter cap.
func New(capacity int, maxFailed int) *Queue {
	if maxFailed <= 0 {
		maxFailed = 10000
	}
	return &Queue{
		ch:        make(chan []byte, capacity),
		maxFailed: maxFailed,
	}
}

// Push enqueues a payload, or returns when the context ends.
func (q *Queue) Push(ctx context.Context, raw []byte) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("push canceled: %w", ctx.Err())
	case q.ch <- append([]byte(nil), raw...):
		return nil
	}
}

// Pop waits up to timeout for the next payload. A timeout returns
// (nil, nil).
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("pop canceled: %w", ctx.Err())
	case <-timer.C:
		return nil, nil
	case raw, ok := <-q.ch:
		if !ok {
			return nil, fmt.Errorf("queue closed")
		}
		return raw, nil
	}
}

// PushToProcessing mirrors the payload onto the processing list.
func (q *Queue) PushToProcessing(_ context.Context, raw []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing = append(q.processing, append([]byte(nil), raw...))
	return nil
}

// RemoveFromProcessing removes the first mirror entry matching raw.
// A missing entry is not an error.
func (q *Queue) RemoveFromProcessing(_ context.Context, raw []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.processing {
		if string(entry) == string(raw) {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			return nil
		}
	}
	return nil
}

// PushToFailed appends the payload to the capped dead-letter list.
func (q *Queue) PushToFailed(_ context.Context, raw []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appendFailedLocked(append([]byte(nil), raw...))
	return nil
}

// PushMalformed records an undecodable payload with parse diagnostics.
func (q *Queue) PushMalformed(_ context.Context, raw []byte, cause error) error {
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
	q.mu.Lock()
	defer q.mu.Unlock()
	q.appendFailedLocked(payload)
	return nil
}

// appendFailedLocked prepends newest-first and evicts the oldest past
// the cap, matching the Redis list layout.
func (q *Queue) appendFailedLocked(payload []byte) {
	q.failed = append([][]byte{payload}, q.failed...)
	if len(q.failed) > q.maxFailed {
		q.failed = q.failed[:q.maxFailed]
	}
}

// Depths reports the length of each list.
func (q *Queue) Depths(context.Context) (refresh.QueueDepths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return refresh.QueueDepths{
		Primary:    int64(len(q.ch)),
		Processing: int64(len(q.processing)),
		Failed:     int64(len(q.failed)),
	}, nil
}

// Failed returns a copy of the dead-letter list, newest first.
func (q *Queue) Failed() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.failed))
	for i, entry := range q.failed {
		out[i] = append([]byte(nil), entry...)
	}
	return out
}

// Processing returns a copy of the processing mirror.
func (q *Queue) Processing() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, len(q.processing))
	for i, entry := range q.processing {
		out[i] = append([]byte(nil), entry...)
	}
	return out
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	close(q.ch)
	q.closed = true
	return nil
}
