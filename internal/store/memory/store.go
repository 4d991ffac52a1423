// Package memory provides an in-memory record store for development and
// testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velogdash/stats-refresher/internal/refresh"
)

type statKey struct {
	postUUID uuid.UUID
	date     time.Time
}

// DailyStat is one (post, date) statistics row.
type DailyStat struct {
	Views int
	Likes int
}

// Store keeps users, posts and daily statistics in maps guarded by one
// mutex.
type Store struct {
	mu    sync.RWMutex
	users map[int64]refresh.User
	posts map[uuid.UUID]refresh.PostRecord
	owner map[uuid.UUID]int64
	stats map[statKey]DailyStat
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		users: make(map[int64]refresh.User),
		posts: make(map[uuid.UUID]refresh.PostRecord),
		owner: make(map[uuid.UUID]int64),
		stats: make(map[statKey]DailyStat),
	}
}

// PutUser seeds or replaces a user record.
func (s *Store) PutUser(u refresh.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// GetUser loads one user by id.
func (s *Store) GetUser(_ context.Context, id int64) (refresh.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return refresh.User{}, refresh.ErrUserNotFound
	}
	return u, nil
}

// ListActiveUsers returns active users with group id in
// [minGroup, maxGroup], ordered by id.
func (s *Store) ListActiveUsers(_ context.Context, minGroup, maxGroup int) ([]refresh.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []refresh.User
	for _, u := range s.users {
		if u.IsActive && u.GroupID >= minGroup && u.GroupID <= maxGroup {
			users = append(users, u)
		}
	}
	for i := 1; i < len(users); i++ {
		for j := i; j > 0 && users[j-1].ID > users[j].ID; j-- {
			users[j-1], users[j] = users[j], users[j-1]
		}
	}
	return users, nil
}

// UpdateUserTokens overwrites only the non-nil token fields.
func (s *Store) UpdateUserTokens(_ context.Context, userID int64, accessToken, refreshToken *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return refresh.ErrUserNotFound
	}
	if accessToken != nil {
		u.AccessToken = *accessToken
	}
	if refreshToken != nil {
		u.RefreshToken = *refreshToken
	}
	s.users[userID] = u
	return nil
}

// BulkInsertPosts inserts the posts that are not yet known, returning
// the inserted count. Existing UUIDs are skipped, never updated.
func (s *Store) BulkInsertPosts(_ context.Context, userID int64, posts []refresh.PostRecord, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted int64
	for _, p := range posts {
		if _, ok := s.posts[p.PostUUID]; ok {
			continue
		}
		s.posts[p.PostUUID] = p
		s.owner[p.PostUUID] = userID
		inserted++
	}
	return inserted, nil
}

// UpsertDailyStatistic creates or overwrites the (post, date) row.
func (s *Store) UpsertDailyStatistic(_ context.Context, postUUID uuid.UUID, date time.Time, views, likes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats[statKey{postUUID: postUUID, date: date.Truncate(24 * time.Hour)}] = DailyStat{
		Views: views,
		Likes: likes,
	}
	return nil
}

// DailyStatistic reads back the (post, date) row, reporting whether it
// exists.
func (s *Store) DailyStatistic(postUUID uuid.UUID, date time.Time) (DailyStat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stat, ok := s.stats[statKey{postUUID: postUUID, date: date.Truncate(24 * time.Hour)}]
	return stat, ok
}

// PostCount reports the number of stored posts.
func (s *Store) PostCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.posts)
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}
