package refresh

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue provides the durable work queue plus its processing mirror and
// dead-letter list. Raw payload bytes are used for the mirror so that
// removal matches the exact serialized form that was pushed.
type Queue interface {
	// Pop blocks up to timeout for the next raw payload. A timeout is
	// signalled by (nil, nil) and is not an error.
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	PushToProcessing(ctx context.Context, raw []byte) error
	RemoveFromProcessing(ctx context.Context, raw []byte) error
	// PushToFailed appends the original payload, unmodified, to the
	// dead-letter list.
	PushToFailed(ctx context.Context, raw []byte) error
	// PushMalformed records an undecodable payload with parse diagnostics.
	PushMalformed(ctx context.Context, raw []byte, cause error) error
	Depths(ctx context.Context) (QueueDepths, error)
	Close() error
}

// RecordStore is the narrow persistence interface the crawl engine
// depends on. The wider ORM surface (admin screens, migrations) lives
// elsewhere and is out of scope.
type RecordStore interface {
	GetUser(ctx context.Context, id int64) (User, error)
	// ListActiveUsers returns active users whose group id falls in
	// [minGroup, maxGroup], ordered by id.
	ListActiveUsers(ctx context.Context, minGroup, maxGroup int) ([]User, error)
	// UpdateUserTokens persists only the non-nil token fields.
	UpdateUserTokens(ctx context.Context, userID int64, accessToken, refreshToken *string) error
	// BulkInsertPosts inserts in batches, silently ignoring posts whose
	// UUID already exists. Returns the number of rows actually inserted.
	BulkInsertPosts(ctx context.Context, userID int64, posts []PostRecord, batchSize int) (int64, error)
	// UpsertDailyStatistic creates the (post, date) row or overwrites its
	// counts with the latest snapshot.
	UpsertDailyStatistic(ctx context.Context, postUUID uuid.UUID, date time.Time, views, likes int) error
	Close()
}

// Cipher encrypts and decrypts token material with a key chosen by the
// user's group.
type Cipher interface {
	Encrypt(plaintext string, groupID int) (string, error)
	Decrypt(ciphertext string, groupID int) (string, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}
