// Package crawl orchestrates the per-user refresh cycle: identity
// validation, token reconciliation, paginated post sync and the
// bounded-concurrency statistics fetch.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/velogdash/stats-refresher/internal/errtrack"
	"github.com/velogdash/stats-refresher/internal/metrics"
	"github.com/velogdash/stats-refresher/internal/refresh"
	"github.com/velogdash/stats-refresher/internal/velog"
)

// API is the slice of the remote content client the engine depends on.
type API interface {
	CurrentUser(ctx context.Context, tok refresh.TokenPair) (*velog.Identity, refresh.TokenPair, error)
	Posts(ctx context.Context, tok refresh.TokenPair, username, cursor string, limit int) ([]velog.PostSummary, error)
	PostStats(ctx context.Context, tok refresh.TokenPair, postID string) (*velog.Stats, error)
}

// Config tunes the sync and fan-out behavior.
type Config struct {
	PageLimit       int
	InsertBatchSize int
	StatsChunkSize  int
	ChunkPause      time.Duration
}

func (c *Config) applyDefaults() {
	if c.PageLimit <= 0 {
		c.PageLimit = 50
	}
	if c.InsertBatchSize <= 0 {
		c.InsertBatchSize = 200
	}
	if c.StatsChunkSize <= 0 {
		c.StatsChunkSize = 40
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
}

// Engine runs refresh cycles for one user at a time. It is safe to run
// several engines concurrently against disjoint user sets; within one
// cycle the statistics fetch fans out under the client's semaphore.
type Engine struct {
	store    refresh.RecordStore
	cipher   refresh.Cipher
	api      API
	clock    refresh.Clock
	reporter errtrack.Reporter
	logger   *zap.Logger
	cfg      Config
}

// New constructs an Engine.
func New(store refresh.RecordStore, cipher refresh.Cipher, api API, clk refresh.Clock, reporter errtrack.Reporter, logger *zap.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	if reporter == nil {
		reporter = errtrack.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		cipher:   cipher,
		api:      api,
		clock:    clk,
		reporter: reporter,
		logger:   logger,
		cfg:      cfg,
	}
}

// RefreshUser runs one full cycle for the given user id. A revoked or
// undecryptable credential skips the user and is not an error; remote
// and store failures come back as transient errors for the retry layer.
func (e *Engine) RefreshUser(ctx context.Context, userID int64) error {
	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, refresh.ErrUserNotFound) {
		return refresh.Validation(fmt.Errorf("user %d not found", userID))
	}
	if err != nil {
		return refresh.Transient(fmt.Errorf("load user %d: %w", userID, err))
	}
	return e.refresh(ctx, user)
}

func (e *Engine) refresh(ctx context.Context, user refresh.User) error {
	started := e.clock.Now()
	log := e.logger.With(zap.Int64("user_id", user.ID))

	tok, ok := e.decryptTokens(user, log)
	if !ok {
		metrics.ObserveUserCrawl("skipped_credentials", e.clock.Now().Sub(started))
		return nil
	}

	ident, rotated, err := e.api.CurrentUser(ctx, tok)
	if err != nil {
		metrics.ObserveUserCrawl("error", e.clock.Now().Sub(started))
		return refresh.Transient(fmt.Errorf("validate identity: %w", err))
	}
	if ident == nil {
		log.Info("tokens revoked, skipping user")
		metrics.ObserveUserCrawl("revoked", e.clock.Now().Sub(started))
		return nil
	}

	// Identity confirmed; safe to persist any rotated tokens.
	if err := e.reconcileTokens(ctx, user, tok, rotated, log); err != nil {
		metrics.ObserveUserCrawl("error", e.clock.Now().Sub(started))
		return err
	}

	posts, err := e.syncPosts(ctx, user, tok, ident.Username, log)
	if err != nil {
		metrics.ObserveUserCrawl("error", e.clock.Now().Sub(started))
		return err
	}

	failed := e.fetchStats(ctx, tok, posts, log)
	if ctx.Err() != nil {
		metrics.ObserveUserCrawl("error", e.clock.Now().Sub(started))
		return refresh.Transient(fmt.Errorf("stats fetch interrupted: %w", ctx.Err()))
	}

	elapsed := e.clock.Now().Sub(started)
	log.Info("refresh cycle complete",
		zap.String("username", ident.Username),
		zap.Int("posts", len(posts)),
		zap.Int64("stats_failed", failed),
		zap.Duration("elapsed", elapsed))
	metrics.ObserveUserCrawl("ok", elapsed)
	return nil
}

// decryptTokens resolves the stored ciphertext to a plaintext pair.
// Any decryption failure means the credential is invalid for the
// current key ring; the user is skipped, not failed.
func (e *Engine) decryptTokens(user refresh.User, log *zap.Logger) (refresh.TokenPair, bool) {
	access, err := e.cipher.Decrypt(user.AccessToken, user.GroupID)
	if err != nil {
		log.Warn("cannot decrypt access token, skipping user", zap.Error(err))
		return refresh.TokenPair{}, false
	}
	refreshTok, err := e.cipher.Decrypt(user.RefreshToken, user.GroupID)
	if err != nil {
		log.Warn("cannot decrypt refresh token, skipping user", zap.Error(err))
		return refresh.TokenPair{}, false
	}
	return refresh.TokenPair{AccessToken: access, RefreshToken: refreshTok}, true
}

// reconcileTokens persists rotated tokens, writing only fields that
// actually changed.
func (e *Engine) reconcileTokens(ctx context.Context, user refresh.User, current, rotated refresh.TokenPair, log *zap.Logger) error {
	var accessCipher, refreshCipher *string
	if rotated.AccessToken != "" && rotated.AccessToken != current.AccessToken {
		enc, err := e.cipher.Encrypt(rotated.AccessToken, user.GroupID)
		if err != nil {
			return refresh.Transient(fmt.Errorf("encrypt rotated access token: %w", err))
		}
		accessCipher = &enc
	}
	if rotated.RefreshToken != "" && rotated.RefreshToken != current.RefreshToken {
		enc, err := e.cipher.Encrypt(rotated.RefreshToken, user.GroupID)
		if err != nil {
			return refresh.Transient(fmt.Errorf("encrypt rotated refresh token: %w", err))
		}
		refreshCipher = &enc
	}
	if accessCipher == nil && refreshCipher == nil {
		return nil
	}
	if err := e.store.UpdateUserTokens(ctx, user.ID, accessCipher, refreshCipher); err != nil {
		return refresh.Transient(fmt.Errorf("persist rotated tokens: %w", err))
	}
	log.Info("rotated tokens persisted",
		zap.Bool("access_changed", accessCipher != nil),
		zap.Bool("refresh_changed", refreshCipher != nil))
	return nil
}

// syncPosts pages through the user's posts until an empty page and
// bulk-inserts them, ignoring already-known UUIDs. It returns every
// post seen this cycle, inserted or not.
func (e *Engine) syncPosts(ctx context.Context, user refresh.User, tok refresh.TokenPair, username string, log *zap.Logger) ([]velog.PostSummary, error) {
	var all []velog.PostSummary
	var records []refresh.PostRecord
	cursor := ""
	for {
		page, err := e.api.Posts(ctx, tok, username, cursor, e.cfg.PageLimit)
		if err != nil {
			return nil, refresh.Transient(fmt.Errorf("list posts after %q: %w", cursor, err))
		}
		if len(page) == 0 {
			break
		}
		for _, p := range page {
			postUUID, err := uuid.Parse(p.ID)
			if err != nil {
				log.Warn("remote post id is not a uuid, skipping",
					zap.String("post_id", p.ID), zap.Error(err))
				continue
			}
			all = append(all, p)
			records = append(records, refresh.PostRecord{
				PostUUID:   postUUID,
				Title:      p.Title,
				Slug:       p.URLSlug,
				ReleasedAt: p.ReleasedAt,
			})
		}
		cursor = page[len(page)-1].ID
	}

	inserted, err := e.store.BulkInsertPosts(ctx, user.ID, records, e.cfg.InsertBatchSize)
	if err != nil {
		return nil, refresh.Transient(fmt.Errorf("bulk insert posts: %w", err))
	}
	if inserted > 0 {
		log.Info("new posts synced", zap.Int64("inserted", inserted))
	}
	metrics.AddPostsSynced(inserted)
	return all, nil
}

// fetchStats fans the statistics calls out in chunks. A failed or empty
// response for one post never affects its siblings; the return value is
// the number of posts whose stats could not be stored.
func (e *Engine) fetchStats(ctx context.Context, tok refresh.TokenPair, posts []velog.PostSummary, log *zap.Logger) int64 {
	today := e.clock.Now().UTC().Truncate(24 * time.Hour)
	var failed atomic.Int64

	for start := 0; start < len(posts); start += e.cfg.StatsChunkSize {
		end := start + e.cfg.StatsChunkSize
		if end > len(posts) {
			end = len(posts)
		}

		var g errgroup.Group
		for _, post := range posts[start:end] {
			post := post
			g.Go(func() error {
				if err := e.fetchOne(ctx, tok, post, today, log); err != nil {
					failed.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return failed.Load()
		}
		if end < len(posts) && e.cfg.ChunkPause > 0 {
			select {
			case <-ctx.Done():
				return failed.Load()
			case <-time.After(e.cfg.ChunkPause):
			}
		}
	}
	return failed.Load()
}

func (e *Engine) fetchOne(ctx context.Context, tok refresh.TokenPair, post velog.PostSummary, date time.Time, log *zap.Logger) error {
	stats, err := e.api.PostStats(ctx, tok, post.ID)
	if err != nil {
		log.Warn("stats fetch failed", zap.String("post_id", post.ID), zap.Error(err))
		metrics.ObserveStatsFetch("error")
		return err
	}
	if stats == nil {
		log.Warn("stats payload missing, skipping post", zap.String("post_id", post.ID))
		metrics.ObserveStatsFetch("empty")
		return nil
	}
	postUUID, err := uuid.Parse(post.ID)
	if err != nil {
		metrics.ObserveStatsFetch("error")
		return err
	}
	if err := e.store.UpsertDailyStatistic(ctx, postUUID, date, stats.Views, stats.Likes); err != nil {
		log.Warn("daily statistic upsert failed", zap.String("post_id", post.ID), zap.Error(err))
		metrics.ObserveStatsFetch("error")
		return err
	}
	metrics.ObserveStatsFetch("ok")
	return nil
}

// RangeReport summarizes a group-range refresh.
type RangeReport struct {
	Users     int
	Succeeded int
	Failed    int
}

// RefreshGroupRange refreshes every active user whose group falls in
// [minGroup, maxGroup]. Per-user failures are isolated, logged and
// reported; the range always runs to completion unless the context
// ends.
func (e *Engine) RefreshGroupRange(ctx context.Context, minGroup, maxGroup int) (RangeReport, error) {
	users, err := e.store.ListActiveUsers(ctx, minGroup, maxGroup)
	if err != nil {
		return RangeReport{}, fmt.Errorf("list active users in [%d, %d]: %w", minGroup, maxGroup, err)
	}

	report := RangeReport{Users: len(users)}
	for _, user := range users {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := e.refresh(ctx, user); err != nil {
			report.Failed++
			e.logger.Error("user refresh failed",
				zap.Int64("user_id", user.ID),
				zap.Int("group_id", user.GroupID),
				zap.Error(err))
			e.reporter.CaptureException(err)
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

// SplitRange partitions [min, max] into at most parts contiguous,
// disjoint subranges covering the whole interval.
func SplitRange(min, max, parts int) [][2]int {
	if max < min || parts <= 0 {
		return nil
	}
	span := max - min + 1
	if parts > span {
		parts = span
	}
	size := span / parts
	rem := span % parts

	out := make([][2]int, 0, parts)
	lo := min
	for i := 0; i < parts; i++ {
		hi := lo + size - 1
		if i < rem {
			hi++
		}
		out = append(out, [2]int{lo, hi})
		lo = hi + 1
	}
	return out
}
