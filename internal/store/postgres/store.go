// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/velogdash/stats-refresher/internal/refresh"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements refresh.RecordStore on top of pgxpool.
type Store struct {
	pool pgxPool
}

// New creates a Store connected via the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const userColumns = "id, velog_uuid, access_token, refresh_token, group_id, email, is_active"

// GetUser loads one user by primary key.
func (s *Store) GetUser(ctx context.Context, id int64) (refresh.User, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return refresh.User{}, refresh.ErrUserNotFound
	}
	if err != nil {
		return refresh.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// ListActiveUsers returns active users whose group id falls within
// [minGroup, maxGroup], ordered by id.
func (s *Store) ListActiveUsers(ctx context.Context, minGroup, maxGroup int) ([]refresh.User, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+userColumns+" FROM users WHERE is_active AND group_id BETWEEN $1 AND $2 ORDER BY id",
		minGroup, maxGroup)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []refresh.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	return users, nil
}

// UpdateUserTokens persists only the non-nil token fields.
func (s *Store) UpdateUserTokens(ctx context.Context, userID int64, accessToken, refreshToken *string) error {
	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if accessToken != nil {
		args = append(args, *accessToken)
		sets = append(sets, fmt.Sprintf("access_token = $%d", len(args)))
	}
	if refreshToken != nil {
		args = append(args, *refreshToken)
		sets = append(sets, fmt.Sprintf("refresh_token = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, userID)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return refresh.ErrUserNotFound
	}
	return nil
}

// BulkInsertPosts inserts post rows in batches, skipping any whose UUID
// already exists. It returns the number of rows actually inserted.
func (s *Store) BulkInsertPosts(ctx context.Context, userID int64, posts []refresh.PostRecord, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	var inserted int64
	for start := 0; start < len(posts); start += batchSize {
		end := start + batchSize
		if end > len(posts) {
			end = len(posts)
		}
		n, err := s.insertPostBatch(ctx, userID, posts[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *Store) insertPostBatch(ctx context.Context, userID int64, batch []refresh.PostRecord) (int64, error) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO posts (post_uuid, user_id, title, slug, released_at) VALUES ")
	args := make([]any, 0, len(batch)*5)
	for i, p := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, p.PostUUID, userID, p.Title, p.Slug, p.ReleasedAt)
	}
	sb.WriteString(" ON CONFLICT (post_uuid) DO NOTHING")

	tag, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert posts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertDailyStatistic creates the (post, date) statistics row or
// overwrites its counts with the latest snapshot. The post is addressed
// by its remote UUID so callers never handle surrogate keys.
func (s *Store) UpsertDailyStatistic(ctx context.Context, postUUID uuid.UUID, date time.Time, views, likes int) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO post_daily_statistics (post_id, date, daily_view_count, daily_like_count, updated_at)
SELECT p.id, $2, $3, $4, now()
FROM posts p
WHERE p.post_uuid = $1
ON CONFLICT (post_id, date) DO UPDATE SET
	daily_view_count = EXCLUDED.daily_view_count,
	daily_like_count = EXCLUDED.daily_like_count,
	updated_at = now()`,
		postUUID, date, views, likes)
	if err != nil {
		return fmt.Errorf("upsert daily statistic: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("upsert daily statistic: post %s not found", postUUID)
	}
	return nil
}

func scanUser(row pgx.Row) (refresh.User, error) {
	var u refresh.User
	err := row.Scan(&u.ID, &u.VelogUUID, &u.AccessToken, &u.RefreshToken, &u.GroupID, &u.Email, &u.IsActive)
	return u, err
}
