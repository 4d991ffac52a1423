package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/velogdash/stats-refresher/internal/refresh"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestGetUser(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	velogUUID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "velog_uuid", "access_token", "refresh_token", "group_id", "email", "is_active"}).
			AddRow(int64(42), velogUUID, "enc-access", "enc-refresh", 7, "u@example.com", true))

	u, err := store.GetUser(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(42), u.ID)
	require.Equal(t, velogUUID, u.VelogUUID)
	require.Equal(t, "enc-access", u.AccessToken)
	require.Equal(t, 7, u.GroupID)
	require.True(t, u.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs(int64(99)).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetUser(context.Background(), 99)
	require.ErrorIs(t, err, refresh.ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveUsersFiltersGroupRange(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE is_active AND group_id BETWEEN").
		WithArgs(10, 20).
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "velog_uuid", "access_token", "refresh_token", "group_id", "email", "is_active"}).
			AddRow(int64(1), uuid.New(), "a", "b", 10, "one@example.com", true).
			AddRow(int64(2), uuid.New(), "c", "d", 15, "two@example.com", true))

	users, err := store.ListActiveUsers(context.Background(), 10, 20)
	require.NoError(t, err)
	require.Len(t, users, 2)
	require.Equal(t, int64(1), users[0].ID)
	require.Equal(t, int64(2), users[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserTokensOnlyChangedFields(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	access := "new-access"

	mock.ExpectExec(`UPDATE users SET access_token = \$1 WHERE id = \$2`).
		WithArgs(access, int64(42)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateUserTokens(context.Background(), 42, &access, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserTokensNoopWhenNothingChanged(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	err := store.UpdateUserTokens(context.Background(), 42, nil, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertPostsBatchesAndCountsInserted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	posts := make([]refresh.PostRecord, 3)
	for i := range posts {
		posts[i] = refresh.PostRecord{PostUUID: uuid.New(), Title: "t", Slug: "s"}
	}

	// Batch size 2: one exec with two tuples, one with a single tuple.
	mock.ExpectExec("INSERT INTO posts (.+) ON CONFLICT \\(post_uuid\\) DO NOTHING").
		WithArgs(posts[0].PostUUID, int64(7), "t", "s", posts[0].ReleasedAt,
			posts[1].PostUUID, int64(7), "t", "s", posts[1].ReleasedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec("INSERT INTO posts (.+) ON CONFLICT \\(post_uuid\\) DO NOTHING").
		WithArgs(posts[2].PostUUID, int64(7), "t", "s", posts[2].ReleasedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.BulkInsertPosts(context.Background(), 7, posts, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkInsertPostsEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	inserted, err := store.BulkInsertPosts(context.Background(), 7, nil, 200)
	require.NoError(t, err)
	require.Zero(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDailyStatistic(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	postUUID := uuid.New()
	date := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO post_daily_statistics (.+) ON CONFLICT \\(post_id, date\\) DO UPDATE").
		WithArgs(postUUID, date, 1234, 7).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.UpsertDailyStatistic(context.Background(), postUUID, date, 1234, 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertDailyStatisticUnknownPost(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	postUUID := uuid.New()
	date := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO post_daily_statistics").
		WithArgs(postUUID, date, 1, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.UpsertDailyStatistic(context.Background(), postUUID, date, 1, 1)
	require.ErrorContains(t, err, "not found")
	require.NoError(t, mock.ExpectationsWereMet())
}
