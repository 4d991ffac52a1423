package crawl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/velogdash/stats-refresher/internal/refresh"
	"github.com/velogdash/stats-refresher/internal/store/memory"
	"github.com/velogdash/stats-refresher/internal/velog"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeCipher struct{ broken bool }

func (c fakeCipher) Encrypt(plaintext string, _ int) (string, error) {
	return "enc:" + plaintext, nil
}

func (c fakeCipher) Decrypt(ciphertext string, _ int) (string, error) {
	if c.broken {
		return "", errors.New("token decryption failed")
	}
	return strings.TrimPrefix(ciphertext, "enc:"), nil
}

type fakeAPI struct {
	mu sync.Mutex

	ident    *velog.Identity
	rotated  refresh.TokenPair
	identErr error

	pages   [][]velog.PostSummary
	pageIdx int

	stats    map[string]*velog.Stats
	statsErr map[string]error

	currentUserCalls int
	postsCalls       int
	statsCalls       int
}

func (a *fakeAPI) CurrentUser(context.Context, refresh.TokenPair) (*velog.Identity, refresh.TokenPair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentUserCalls++
	if a.identErr != nil {
		return nil, refresh.TokenPair{}, a.identErr
	}
	return a.ident, a.rotated, nil
}

func (a *fakeAPI) Posts(context.Context, refresh.TokenPair, string, string, int) ([]velog.PostSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.postsCalls++
	if a.pageIdx >= len(a.pages) {
		return nil, nil
	}
	page := a.pages[a.pageIdx]
	a.pageIdx++
	return page, nil
}

func (a *fakeAPI) PostStats(_ context.Context, _ refresh.TokenPair, postID string) (*velog.Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statsCalls++
	if err := a.statsErr[postID]; err != nil {
		return nil, err
	}
	return a.stats[postID], nil
}

func (a *fakeAPI) rewind() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pageIdx = 0
}

var testNow = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

func seedUser(store *memory.Store) refresh.User {
	user := refresh.User{
		ID:           42,
		VelogUUID:    uuid.New(),
		AccessToken:  "enc:access-1",
		RefreshToken: "enc:refresh-1",
		GroupID:      7,
		IsActive:     true,
	}
	store.PutUser(user)
	return user
}

func newEngine(store *memory.Store, cipher refresh.Cipher, api API) *Engine {
	return New(store, cipher, api, fakeClock{now: testNow}, nil, zap.NewNop(), Config{
		PageLimit:      2,
		StatsChunkSize: 2,
		ChunkPause:     0,
	})
}

func TestRefreshUserFullCycle(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedUser(store)

	p1, p2, p3 := uuid.NewString(), uuid.NewString(), uuid.NewString()
	api := &fakeAPI{
		ident:   &velog.Identity{ID: "u-1", Username: "velouser"},
		rotated: refresh.TokenPair{AccessToken: "access-2"},
		pages: [][]velog.PostSummary{
			{{ID: p1, Title: "one", URLSlug: "one"}, {ID: p2, Title: "two", URLSlug: "two"}},
			{{ID: p3, Title: "three", URLSlug: "three"}},
		},
		stats: map[string]*velog.Stats{
			p1: {ID: p1, Views: 100, Likes: 1},
			p2: {ID: p2, Views: 200, Likes: 2},
			p3: {ID: p3, Views: 300, Likes: 3},
		},
	}

	engine := newEngine(store, fakeCipher{}, api)
	require.NoError(t, engine.RefreshUser(context.Background(), 42))

	require.Equal(t, 3, store.PostCount())

	// Rotated access token is re-encrypted; untouched refresh token keeps
	// its original ciphertext.
	u, err := store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "enc:access-2", u.AccessToken)
	require.Equal(t, "enc:refresh-1", u.RefreshToken)

	day := testNow.Truncate(24 * time.Hour)
	stat, ok := store.DailyStatistic(uuid.MustParse(p2), day)
	require.True(t, ok)
	require.Equal(t, 200, stat.Views)
	require.Equal(t, 2, stat.Likes)
}

func TestRefreshUserUnknownUserIsValidationFailure(t *testing.T) {
	t.Parallel()

	engine := newEngine(memory.New(), fakeCipher{}, &fakeAPI{})
	err := engine.RefreshUser(context.Background(), 404)
	require.Error(t, err)
	require.Equal(t, refresh.KindValidation, refresh.KindOf(err))
}

func TestUndecryptableTokensSkipUser(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedUser(store)
	api := &fakeAPI{}

	engine := newEngine(store, fakeCipher{broken: true}, api)
	require.NoError(t, engine.RefreshUser(context.Background(), 42))
	require.Zero(t, api.currentUserCalls)
}

func TestRevokedTokensSkipWithoutPersistingRotation(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedUser(store)
	api := &fakeAPI{
		ident:   nil,
		rotated: refresh.TokenPair{AccessToken: "should-not-be-written"},
	}

	engine := newEngine(store, fakeCipher{}, api)
	require.NoError(t, engine.RefreshUser(context.Background(), 42))
	require.Zero(t, api.postsCalls)

	u, err := store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, "enc:access-1", u.AccessToken)
}

func TestIdentityFailureIsTransient(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedUser(store)
	api := &fakeAPI{identErr: errors.New("connection refused")}

	engine := newEngine(store, fakeCipher{}, api)
	err := engine.RefreshUser(context.Background(), 42)
	require.Error(t, err)
	require.Equal(t, refresh.KindTransient, refresh.KindOf(err))
}

func TestPostSyncIsIdempotent(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedUser(store)

	p1, p2 := uuid.NewString(), uuid.NewString()
	api := &fakeAPI{
		ident: &velog.Identity{Username: "velouser"},
		pages: [][]velog.PostSummary{
			{{ID: p1, Title: "one"}, {ID: p2, Title: "two"}},
		},
		stats: map[string]*velog.Stats{
			p1: {ID: p1, Views: 1, Likes: 0},
			p2: {ID: p2, Views: 2, Likes: 0},
		},
	}

	engine := newEngine(store, fakeCipher{}, api)
	require.NoError(t, engine.RefreshUser(context.Background(), 42))
	require.Equal(t, 2, store.PostCount())

	api.rewind()
	require.NoError(t, engine.RefreshUser(context.Background(), 42))
	require.Equal(t, 2, store.PostCount())
}

func TestSinglePostFailureDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seedUser(store)

	p1, p2, p3 := uuid.NewString(), uuid.NewString(), uuid.NewString()
	api := &fakeAPI{
		ident: &velog.Identity{Username: "velouser"},
		pages: [][]velog.PostSummary{
			{{ID: p1}, {ID: p2}},
			{{ID: p3}},
		},
		stats: map[string]*velog.Stats{
			p1: {ID: p1, Views: 10, Likes: 1},
			p3: {ID: p3, Views: 30, Likes: 3},
		},
		statsErr: map[string]error{p2: errors.New("502 from upstream")},
	}

	engine := newEngine(store, fakeCipher{}, api)
	require.NoError(t, engine.RefreshUser(context.Background(), 42))

	day := testNow.Truncate(24 * time.Hour)
	_, ok := store.DailyStatistic(uuid.MustParse(p1), day)
	require.True(t, ok)
	_, ok = store.DailyStatistic(uuid.MustParse(p2), day)
	require.False(t, ok)
	_, ok = store.DailyStatistic(uuid.MustParse(p3), day)
	require.True(t, ok)
}

func TestRefreshGroupRangeIsolatesUserFailures(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.PutUser(refresh.User{ID: 1, GroupID: 3, IsActive: true, AccessToken: "enc:a", RefreshToken: "enc:r"})
	store.PutUser(refresh.User{ID: 2, GroupID: 3, IsActive: true, AccessToken: "enc:a", RefreshToken: "enc:r"})

	// Identity always errors, so each user fails independently.
	api := &fakeAPI{identErr: errors.New("boom")}
	engine := newEngine(store, fakeCipher{}, api)

	report, err := engine.RefreshGroupRange(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Equal(t, RangeReport{Users: 2, Succeeded: 0, Failed: 2}, report)
	require.Equal(t, 2, api.currentUserCalls)
}

func TestRefreshGroupRangeSucceeds(t *testing.T) {
	t.Parallel()

	store := memory.New()
	store.PutUser(refresh.User{ID: 1, GroupID: 3, IsActive: true, AccessToken: "enc:a", RefreshToken: "enc:r"})
	store.PutUser(refresh.User{ID: 2, GroupID: 99, IsActive: true, AccessToken: "enc:a", RefreshToken: "enc:r"})

	api := &fakeAPI{ident: &velog.Identity{Username: "velouser"}}
	engine := newEngine(store, fakeCipher{}, api)

	report, err := engine.RefreshGroupRange(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Equal(t, RangeReport{Users: 1, Succeeded: 1, Failed: 0}, report)
}

func TestSplitRange(t *testing.T) {
	t.Parallel()

	require.Equal(t, [][2]int{{0, 3}, {4, 6}, {7, 9}}, SplitRange(0, 9, 3))
	require.Equal(t, [][2]int{{5, 5}}, SplitRange(5, 5, 4))
	require.Nil(t, SplitRange(10, 5, 2))
	require.Nil(t, SplitRange(0, 9, 0))

	// Partitions are disjoint and cover the interval.
	parts := SplitRange(1, 100, 7)
	last := 0
	for _, p := range parts {
		require.Equal(t, last+1, p[0])
		require.GreaterOrEqual(t, p[1], p[0])
		last = p[1]
	}
	require.Equal(t, 100, last)
}
