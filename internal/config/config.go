// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures every tunable of the refresher, loaded via Viper.
// All backoff, timeout and concurrency knobs live here so there is a
// single source of truth instead of constants scattered over call sites.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Consumer ConsumerConfig `mapstructure:"consumer"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	DB       DBConfig       `mapstructure:"db"`
	Velog    VelogConfig    `mapstructure:"velog"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
}

// RedisConfig controls the queue connection and key topology.
type RedisConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	Password    string `mapstructure:"password"`
	DB          int    `mapstructure:"db"`
	QueuePrefix string `mapstructure:"queue_prefix"`
}

// Addr returns the host:port dial address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ConsumerConfig governs the consume loop and retry orchestration.
type ConsumerConfig struct {
	BlockingTimeout         time.Duration `mapstructure:"blocking_timeout"`
	MaxRetries              int           `mapstructure:"max_retries"`
	RetryBackoffBase        int           `mapstructure:"retry_backoff_base"`
	MaxFailedQueueSize      int64         `mapstructure:"max_failed_queue_size"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	MaxConsecutiveErrors    int           `mapstructure:"max_consecutive_errors"`
}

// CrawlConfig bounds the crawl engine's fan-out and batching.
type CrawlConfig struct {
	MaxConcurrentFetches int64         `mapstructure:"max_concurrent_fetches"`
	InsertBatchSize      int           `mapstructure:"insert_batch_size"`
	StatsChunkSize       int           `mapstructure:"stats_chunk_size"`
	ChunkPause           time.Duration `mapstructure:"chunk_pause"`
	PageLimit            int           `mapstructure:"page_limit"`
}

// DBConfig controls access to the record store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// VelogConfig points at the remote content API.
type VelogConfig struct {
	V3URL          string        `mapstructure:"v3_url"`
	V2CDNURL       string        `mapstructure:"v2_cdn_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// VaultConfig carries the token encryption key ring. Keys are
// base64-encoded 32-byte values; index i serves groups with
// (group_id % 100) % len(keys) == i.
type VaultConfig struct {
	Keys []string `mapstructure:"keys"`
}

// DecodedKeys returns the raw key material.
func (v VaultConfig) DecodedKeys() ([][]byte, error) {
	keys := make([][]byte, 0, len(v.Keys))
	for i, enc := range v.Keys {
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("vault.keys[%d]: %w", i, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// ServerConfig controls the ops HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SentryConfig configures the error tracking sink. Empty DSN disables it.
type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STATSREF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_prefix", "vd:queue:stats-refresh")

	v.SetDefault("consumer.blocking_timeout", "5s")
	v.SetDefault("consumer.max_retries", 3)
	v.SetDefault("consumer.retry_backoff_base", 2)
	v.SetDefault("consumer.max_failed_queue_size", 10000)
	v.SetDefault("consumer.graceful_shutdown_timeout", "30s")
	v.SetDefault("consumer.max_consecutive_errors", 5)

	v.SetDefault("crawl.max_concurrent_fetches", 40)
	v.SetDefault("crawl.insert_batch_size", 200)
	v.SetDefault("crawl.stats_chunk_size", 40)
	v.SetDefault("crawl.chunk_pause", "500ms")
	v.SetDefault("crawl.page_limit", 50)

	v.SetDefault("db.max_conns", 4)

	v.SetDefault("velog.v3_url", "https://v3.velog.io/graphql")
	v.SetDefault("velog.v2_cdn_url", "https://v2cdn.velog.io/graphql")
	v.SetDefault("velog.request_timeout", "15s")

	v.SetDefault("server.port", 8090)
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Consumer.BlockingTimeout <= 0 {
		return fmt.Errorf("consumer.blocking_timeout must be > 0")
	}
	if c.Consumer.MaxRetries <= 0 {
		return fmt.Errorf("consumer.max_retries must be > 0")
	}
	if c.Consumer.RetryBackoffBase < 1 {
		return fmt.Errorf("consumer.retry_backoff_base must be >= 1")
	}
	if c.Consumer.MaxFailedQueueSize <= 0 {
		return fmt.Errorf("consumer.max_failed_queue_size must be > 0")
	}
	if c.Consumer.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("consumer.max_consecutive_errors must be > 0")
	}
	if c.Crawl.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("crawl.max_concurrent_fetches must be > 0")
	}
	if c.Crawl.InsertBatchSize <= 0 {
		return fmt.Errorf("crawl.insert_batch_size must be > 0")
	}
	if c.Crawl.StatsChunkSize <= 0 {
		return fmt.Errorf("crawl.stats_chunk_size must be > 0")
	}
	if c.Crawl.PageLimit <= 0 {
		return fmt.Errorf("crawl.page_limit must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	keys, err := c.Vault.DecodedKeys()
	if err != nil {
		return err
	}
	for i, key := range keys {
		if len(key) != 32 {
			return fmt.Errorf("vault.keys[%d] must decode to 32 bytes, got %d", i, len(key))
		}
	}
	return nil
}
