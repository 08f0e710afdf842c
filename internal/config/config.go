// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/novel-crawler/internal/crawler"
	"github.com/JakeFAU/novel-crawler/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    logging.Config   `mapstructure:"logging"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Completion CompletionConfig `mapstructure:"completion"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Sites      []SiteConfig     `mapstructure:"sites"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	InfoCacheSize          int `mapstructure:"info_cache_size"`
	InfoCacheTTLSeconds    int `mapstructure:"info_cache_ttl_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig holds the sweep defaults every site inherits.
type CrawlerConfig struct {
	Concurrency         int    `mapstructure:"concurrency"`
	DownloadConcurrency int    `mapstructure:"download_concurrency"`
	ChapterConcurrency  int    `mapstructure:"chapter_concurrency"`
	MaxExploreErrors    int    `mapstructure:"max_explore_errors"`
	MaxAttempts         int    `mapstructure:"max_attempts"`
	UserAgent           string `mapstructure:"user_agent"`
	// Backoff is fixed (timeout/10 between attempts) or exponential.
	Backoff string `mapstructure:"backoff"`
	// TimeZone is the IANA zone for the service clock; empty means UTC.
	TimeZone string `mapstructure:"time_zone"`
}

// HTTPConfig configures the fetcher timeout, headers, and rate limits.
type HTTPConfig struct {
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	Headers        map[string]string `mapstructure:"headers"`
	RateLimit      RateLimitConfig   `mapstructure:"rate_limit"`
}

// RateLimitConfig sets the per-host token buckets. A non-positive default RPS
// disables limiting for hosts without an override.
type RateLimitConfig struct {
	DefaultRPS   float64     `mapstructure:"default_rps"`
	DefaultBurst int         `mapstructure:"default_burst"`
	Hosts        []HostLimit `mapstructure:"hosts"`
}

// HostLimit overrides the bucket for one host. Hosts are a list because Viper
// splits map keys on dots.
type HostLimit struct {
	Host  string  `mapstructure:"host"`
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the chromedp fetcher used by headless sites.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
	SettleMs      int `mapstructure:"settle_ms"`
}

// StorageConfig selects where downloaded text and backups go.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig selects and tunes the record store.
type DBConfig struct {
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	Path                   string `mapstructure:"path"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	BooksTable             string `mapstructure:"books_table"`
	ErrorsTable            string `mapstructure:"errors_table"`
	RunsTable              string `mapstructure:"runs_table"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig drives cron-triggered regular runs in serve mode.
type ScheduleConfig struct {
	Regular           string `mapstructure:"regular"`
	RunTimeoutMinutes int    `mapstructure:"run_timeout_minutes"`
}

// CompletionConfig tunes the heuristic that marks books finished.
type CompletionConfig struct {
	Keywords    []string `mapstructure:"keywords"`
	MaxAgeYears int      `mapstructure:"max_age_years"`
}

// ProgressConfig controls the sweep progress hub.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	StoreRuns     bool `mapstructure:"store_runs"`
	Prometheus    bool `mapstructure:"prometheus"`
	BufferSize    int  `mapstructure:"buffer_size"`
	MaxEvents     int  `mapstructure:"max_batch_events"`
	MaxWaitMs     int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
}

// SiteConfig describes one crawled site. Zero limits inherit CrawlerConfig.
type SiteConfig struct {
	Name                string          `mapstructure:"name"`
	Adapter             string          `mapstructure:"adapter"`
	BookURL             string          `mapstructure:"book_url"`
	ChapterListURL      string          `mapstructure:"chapter_list_url"`
	Encoding            string          `mapstructure:"encoding"`
	Headless            bool            `mapstructure:"headless"`
	Concurrency         int             `mapstructure:"concurrency"`
	DownloadConcurrency int             `mapstructure:"download_concurrency"`
	ChapterConcurrency  int             `mapstructure:"chapter_concurrency"`
	MaxExploreErrors    int             `mapstructure:"max_explore_errors"`
	Selectors           SelectorsConfig `mapstructure:"selectors"`
}

// SelectorConfig locates one field; an empty Attr reads element text.
type SelectorConfig struct {
	CSS  string `mapstructure:"css"`
	Attr string `mapstructure:"attr"`
}

// SelectorsConfig overrides or fully defines an adapter's selectors.
type SelectorsConfig struct {
	Title          SelectorConfig `mapstructure:"title"`
	Writer         SelectorConfig `mapstructure:"writer"`
	Type           SelectorConfig `mapstructure:"type"`
	LastUpdate     SelectorConfig `mapstructure:"last_update"`
	LastChapter    SelectorConfig `mapstructure:"last_chapter"`
	ChapterLink    SelectorConfig `mapstructure:"chapter_link"`
	ChapterContent SelectorConfig `mapstructure:"chapter_content"`
	Remove         []string       `mapstructure:"remove"`
}

// Record store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Retry backoff strategies.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Blob store backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.info_cache_size", 128)
	v.SetDefault("server.info_cache_ttl_seconds", 30)
	v.SetDefault("crawler.concurrency", crawler.DefaultConcurrency)
	v.SetDefault("crawler.download_concurrency", crawler.DefaultDownloadWorkers)
	v.SetDefault("crawler.chapter_concurrency", crawler.DefaultChapterConcurrency)
	v.SetDefault("crawler.max_explore_errors", crawler.DefaultMaxExploreErrors)
	v.SetDefault("crawler.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("crawler.backoff", BackoffFixed)
	v.SetDefault("crawler.user_agent", "novel-crawler/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.rate_limit.default_rps", 0)
	v.SetDefault("http.rate_limit.default_burst", 1)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "novels")
	v.SetDefault("storage.content_type", "text/plain; charset=utf-8")
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.path", "novels.db")
	v.SetDefault("pubsub.topic_name", "book-events")
	v.SetDefault("logging.development", true)
	v.SetDefault("schedule.run_timeout_minutes", 720)
	v.SetDefault("completion.max_age_years", crawler.DefaultCompletionMaxAgeYears)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.store_runs", true)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 500)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	switch c.Crawler.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("crawler.backoff %q is not one of fixed, exponential", c.Crawler.Backoff)
	}
	if _, err := time.LoadLocation(c.Crawler.TimeZone); err != nil {
		return fmt.Errorf("crawler.time_zone: %w", err)
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	for i, h := range c.HTTP.RateLimit.Hosts {
		if strings.TrimSpace(h.Host) == "" {
			return fmt.Errorf("http.rate_limit.hosts[%d].host is required", i)
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	case DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("db.driver %q is not one of memory, postgres, sqlite", c.DB.Driver)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Completion.MaxAgeYears < 0 {
		return fmt.Errorf("completion.max_age_years must be >= 0")
	}
	if c.usesHeadless() && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when a site is headless")
	}
	return c.validateSites()
}

func (c Config) validateSites() error {
	if len(c.Sites) == 0 {
		return fmt.Errorf("at least one site must be configured")
	}
	seen := make(map[string]struct{}, len(c.Sites))
	for i, s := range c.Sites {
		name := crawler.NormalizeSite(s.Name)
		if name == "" {
			return fmt.Errorf("sites[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sites[%d]: duplicate site %q", i, name)
		}
		seen[name] = struct{}{}
		if !strings.Contains(s.BookURL, crawler.NumPlaceholder) {
			return fmt.Errorf("site %s: book_url must contain %s", name, crawler.NumPlaceholder)
		}
		if !strings.Contains(s.ChapterListURL, crawler.NumPlaceholder) {
			return fmt.Errorf("site %s: chapter_list_url must contain %s", name, crawler.NumPlaceholder)
		}
		if s.Concurrency < 0 || s.DownloadConcurrency < 0 || s.ChapterConcurrency < 0 || s.MaxExploreErrors < 0 {
			return fmt.Errorf("site %s: limits must be >= 0", name)
		}
	}
	return nil
}

func (c Config) usesHeadless() bool {
	for _, s := range c.Sites {
		if s.Headless {
			return true
		}
	}
	return false
}

// RetryPolicy builds the per-page retry policy.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	if c.Crawler.Backoff == BackoffExponential {
		return crawler.NewExponentialRetryPolicy(c.Crawler.MaxAttempts, c.FetchTimeout())
	}
	return crawler.NewFixedRetryPolicy(c.Crawler.MaxAttempts, c.FetchTimeout())
}

// FetchTimeout is the per-request timeout shared by fetchers and retries.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
