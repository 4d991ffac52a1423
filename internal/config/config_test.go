package config

import (
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)

	require.Equal(t, "localhost:6379", cfg.Redis.Addr())
	require.Equal(t, "vd:queue:stats-refresh", cfg.Redis.QueuePrefix)
	require.Equal(t, 5*time.Second, cfg.Consumer.BlockingTimeout)
	require.Equal(t, 3, cfg.Consumer.MaxRetries)
	require.Equal(t, 2, cfg.Consumer.RetryBackoffBase)
	require.EqualValues(t, 10000, cfg.Consumer.MaxFailedQueueSize)
	require.Equal(t, 30*time.Second, cfg.Consumer.GracefulShutdownTimeout)
	require.Equal(t, 5, cfg.Consumer.MaxConsecutiveErrors)
	require.EqualValues(t, 40, cfg.Crawl.MaxConcurrentFetches)
	require.Equal(t, 200, cfg.Crawl.InsertBatchSize)
	require.Equal(t, 40, cfg.Crawl.StatsChunkSize)
	require.Equal(t, 500*time.Millisecond, cfg.Crawl.ChunkPause)
	require.Equal(t, 50, cfg.Crawl.PageLimit)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero blocking timeout", func(c *Config) { c.Consumer.BlockingTimeout = 0 }},
		{"zero max retries", func(c *Config) { c.Consumer.MaxRetries = 0 }},
		{"backoff base below one", func(c *Config) { c.Consumer.RetryBackoffBase = 0 }},
		{"zero dlq cap", func(c *Config) { c.Consumer.MaxFailedQueueSize = 0 }},
		{"zero fetch bound", func(c *Config) { c.Crawl.MaxConcurrentFetches = 0 }},
		{"zero insert batch", func(c *Config) { c.Crawl.InsertBatchSize = 0 }},
		{"zero stats chunk", func(c *Config) { c.Crawl.StatsChunkSize = 0 }},
		{"zero page limit", func(c *Config) { c.Crawl.PageLimit = 0 }},
		{"zero server port", func(c *Config) { c.Server.Port = 0 }},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig(t)
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateVaultKeys(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	cfg.Vault.Keys = []string{base64.StdEncoding.EncodeToString(key)}
	require.NoError(t, cfg.Validate())

	cfg.Vault.Keys = []string{base64.StdEncoding.EncodeToString(key[:16])}
	require.Error(t, cfg.Validate())

	cfg.Vault.Keys = []string{"not base64!!"}
	require.Error(t, cfg.Validate())
}
