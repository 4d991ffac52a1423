// Package velog implements the authenticated client for the remote
// content API (GraphQL over HTTP with cookie token auth).
package velog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/velogdash/stats-refresher/internal/metrics"
	"github.com/velogdash/stats-refresher/internal/refresh"
)

const maxResponseBytes = 4 << 20

// Config controls Client behavior.
type Config struct {
	V3URL       string
	V2CDNURL    string
	Timeout     time.Duration
	MaxInflight int64
}

// Client executes GraphQL calls over one shared HTTP client. Every
// request passes a weighted semaphore shared across the whole run, so
// no more than MaxInflight calls are outstanding at once regardless of
// how many posts a user has.
type Client struct {
	httpc    *http.Client
	sem      *semaphore.Weighted
	v3URL    string
	v2cdnURL string
	logger   *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 40
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpc:    &http.Client{Timeout: cfg.Timeout},
		sem:      semaphore.NewWeighted(cfg.MaxInflight),
		v3URL:    cfg.V3URL,
		v2cdnURL: cfg.V2CDNURL,
		logger:   logger,
	}
}

// CurrentUser validates the token pair against the identity endpoint.
// A nil Identity with nil error means the remote reports no
// authenticated identity (revoked tokens) — expected, not an error.
// The second return value carries rotated tokens from Set-Cookie
// headers; fields are empty when the remote rotated nothing.
func (c *Client) CurrentUser(ctx context.Context, tok refresh.TokenPair) (*Identity, refresh.TokenPair, error) {
	var out currentUserResponse
	cookies, err := c.execute(ctx, c.v3URL, tok, graphqlRequest{Query: currentUserQuery}, &out)
	if err != nil {
		return nil, refresh.TokenPair{}, err
	}

	rotated := refresh.TokenPair{
		AccessToken:  cookies["access_token"],
		RefreshToken: cookies["refresh_token"],
	}
	return out.Data.CurrentUser, rotated, nil
}

// Posts fetches one page of the user's posts. An empty slice signals
// the end of pagination.
func (c *Client) Posts(ctx context.Context, tok refresh.TokenPair, username, cursor string, limit int) ([]PostSummary, error) {
	req := graphqlRequest{
		Query: postsQuery,
		Variables: map[string]any{
			"input": map[string]any{
				"cursor":   cursor,
				"username": username,
				"limit":    limit,
				"tag":      "",
			},
		},
	}
	var out postsResponse
	if _, err := c.execute(ctx, c.v3URL, tok, req, &out); err != nil {
		return nil, err
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("velog posts query: %s", out.Errors[0].Message)
	}
	return out.Data.Posts, nil
}

// PostStats fetches the statistics snapshot for one post. A nil result
// with nil error means the remote returned no stats payload; callers
// log and skip rather than fail the batch.
func (c *Client) PostStats(ctx context.Context, tok refresh.TokenPair, postID string) (*Stats, error) {
	req := graphqlRequest{
		Query:     postStatsQuery,
		Variables: map[string]any{"post_id": postID},
	}
	var out statsResponse
	if _, err := c.execute(ctx, c.v2cdnURL, tok, req, &out); err != nil {
		return nil, err
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("velog stats query: %s", out.Errors[0].Message)
	}
	return out.Data.GetStats, nil
}

// execute posts the GraphQL document and decodes the response into out.
// It returns any cookies the remote set, keyed by cookie name.
func (c *Client) execute(ctx context.Context, url string, tok refresh.TokenPair, body graphqlRequest, out any) (map[string]string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire request slot: %w", err)
	}
	defer c.sem.Release(1)

	metrics.IncStatsFetchInflight()
	defer metrics.DecStatsFetchInflight()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", fmt.Sprintf("access_token=%s; refresh_token=%s;", tok.AccessToken, tok.RefreshToken))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("close response body", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("velog api status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	cookies := make(map[string]string)
	for _, cookie := range resp.Cookies() {
		cookies[cookie.Name] = cookie.Value
	}
	return cookies, nil
}
