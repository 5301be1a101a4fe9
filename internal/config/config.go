// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Blob backends.
const (
	BlobNone   = "none"
	BlobMemory = "memory"
	BlobLocal  = "local"
	BlobGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Store     StoreConfig     `mapstructure:"store"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	Article   ArticleConfig   `mapstructure:"article"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs workers and the defaults applied to submitted jobs.
type CrawlerConfig struct {
	Workers      int    `mapstructure:"workers"`
	QueueDepth   int    `mapstructure:"queue_depth"`
	Concurrency  int    `mapstructure:"concurrency"`
	UserAgent    string `mapstructure:"user_agent"`
	MaxDepth     int    `mapstructure:"max_depth"`
	MaxRedirects int    `mapstructure:"max_redirects"`
	MaxBodyBytes int    `mapstructure:"max_body_bytes"`
	// CacheTTLHours is applied to jobs that leave cache_ttl_hours unset.
	CacheTTLHours int `mapstructure:"cache_ttl_hours"`
	// ExtractConcurrency bounds parallel record evaluation in phase 2.
	ExtractConcurrency int `mapstructure:"extract_concurrency"`
	// PhaseTopic receives phase completion events; empty disables them.
	PhaseTopic string `mapstructure:"phase_topic"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// RateLimitConfig configures per-host politeness.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// StoreConfig selects the Dedup Store backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the on-disk store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
	WAL  bool   `mapstructure:"wal"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	TablePrefix            string `mapstructure:"table_prefix"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// BlobConfig selects where binary bodies are offloaded.
type BlobConfig struct {
	Backend string          `mapstructure:"backend"`
	Local   LocalBlobConfig `mapstructure:"local"`
	GCS     GCSBlobConfig   `mapstructure:"gcs"`
}

// LocalBlobConfig configures filesystem blobs.
type LocalBlobConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSBlobConfig configures Cloud Storage blobs.
type GCSBlobConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// ExtractorConfig points at the document-extraction service. An empty URL
// disables binary text extraction.
type ExtractorConfig struct {
	URL            string `mapstructure:"url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Strategy       string `mapstructure:"strategy"`
}

// ArticleConfig enables article parsing of HTML records through a
// Zyte-compatible extract API.
type ArticleConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether phase events go to Pub/Sub.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.TopicName != ""
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITECRAWLER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("crawler.workers", 2)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.concurrency", 10)
	v.SetDefault("crawler.user_agent", "SiteCrawler/1.0")
	v.SetDefault("crawler.max_depth", 300)
	v.SetDefault("crawler.max_redirects", 30)
	v.SetDefault("crawler.max_body_bytes", 32<<20)
	v.SetDefault("crawler.cache_ttl_hours", -1)
	v.SetDefault("crawler.extract_concurrency", 8)
	v.SetDefault("crawler.phase_topic", "crawl-phases")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 4)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.sqlite.path", "sitecrawler.db")
	v.SetDefault("store.sqlite.wal", true)
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime_minutes", 30)
	v.SetDefault("blob.backend", BlobMemory)
	v.SetDefault("blob.local.base_dir", "blobs")
	v.SetDefault("extractor.timeout_seconds", 120)
	v.SetDefault("extractor.strategy", "auto")
	v.SetDefault("article.enabled", false)
	v.SetDefault("article.url", "https://api.zyte.com/v1/extract")
	v.SetDefault("article.timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.QueueDepth <= 0 {
		return fmt.Errorf("crawler.queue_depth must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Article.Enabled && c.Article.APIKey == "" {
		return fmt.Errorf("article.api_key must be set when article parsing is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS <= 0 {
		return fmt.Errorf("rate_limit.default_rps must be > 0 when rate limiting is enabled")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, sqlite, postgres", c.Store.Backend)
	}
	switch c.Blob.Backend {
	case BlobNone, BlobMemory:
	case BlobLocal:
		if c.Blob.Local.BaseDir == "" {
			return fmt.Errorf("blob.local.base_dir is required for the local backend")
		}
	case BlobGCS:
		if c.Blob.GCS.Bucket == "" {
			return fmt.Errorf("blob.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend %q is not one of none, memory, local, gcs", c.Blob.Backend)
	}
	return nil
}

// FetchTimeout is the per-request fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestTimeout bounds API request handling.
func (c Config) RequestTimeout() time.Duration {
	if c.Server.RequestTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
