// Package refresh holds the domain types and interfaces shared by the
// queue consumer, retry orchestrator and crawl engine.
package refresh

import (
	"time"

	"github.com/google/uuid"
)

// Message is a stats-refresh request popped from the work queue.
// Timestamps travel as RFC 3339 strings because the upstream producer
// writes ISO 8601 text and the consumer only ever logs or restamps them.
type Message struct {
	UserID        int64  `json:"userId"`
	RequestedAt   string `json:"requestedAt,omitempty"`
	RetryCount    int    `json:"retryCount"`
	LastAttemptAt string `json:"lastAttemptAt,omitempty"`
}

// TokenPair is a user's credential set for the remote content API.
// Plaintext only ever lives in memory during a crawl cycle.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// User is the record-store view of a dashboard user.
type User struct {
	ID           int64
	VelogUUID    uuid.UUID
	AccessToken  string // ciphertext
	RefreshToken string // ciphertext
	GroupID      int
	Email        string
	IsActive     bool
}

// PostRecord is a post as synced from the remote API. Posts are created
// on first sight and never updated, so this carries insert fields only.
type PostRecord struct {
	PostUUID   uuid.UUID
	Title      string
	Slug       string
	ReleasedAt *time.Time
}

// PostStats is the cumulative view/like snapshot for one post.
type PostStats struct {
	Views int
	Likes int
}

// Summary reports per-process consumer counters.
type Summary struct {
	Processed int64         `json:"processed"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Uptime    time.Duration `json:"uptime"`
}

// QueueDepths reports the length of each queue list.
type QueueDepths struct {
	Primary    int64 `json:"primary"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}
