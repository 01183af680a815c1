// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/delta-crawler/internal/crawler"
)

// Backend names accepted by the frontier, snapshots, queue, and render sections.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendRedis    = "redis"
	BackendGCS      = "gcs"
	BackendS3       = "s3"
	BackendStatic   = "static"
	BackendChromedp = "chromedp"
)

// Trace exporters accepted by tracing.exporter.
const (
	TraceExporterNone = "none"
	TraceExporterGCP  = "gcp"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Tracing   TracingConfig         `mapstructure:"tracing"`
	Frontier  FrontierConfig        `mapstructure:"frontier"`
	Snapshots SnapshotConfig        `mapstructure:"snapshots"`
	Queue     QueueConfig           `mapstructure:"queue"`
	SQLite    SQLiteConfig          `mapstructure:"sqlite"`
	Redis     RedisConfig           `mapstructure:"redis"`
	Fetch     FetchConfig           `mapstructure:"fetch"`
	Render    RenderConfig          `mapstructure:"render"`
	Worker    WorkerConfig          `mapstructure:"worker"`
	Notify    NotifyConfig          `mapstructure:"notify"`
	Sites     map[string]SiteConfig `mapstructure:"sites"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls span sampling and export.
type TracingConfig struct {
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is "none" or "gcp". The gcp exporter sends spans to Cloud Trace
	// in ProjectID.
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// FrontierConfig selects where URL states live.
type FrontierConfig struct {
	Backend  string         `mapstructure:"backend"`
	FileDir  string         `mapstructure:"file_dir"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx pool of the postgres frontier.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SnapshotConfig selects where the last extracted text per resource lives.
type SnapshotConfig struct {
	Backend  string   `mapstructure:"backend"`
	LocalDir string   `mapstructure:"local_dir"`
	Bucket   string   `mapstructure:"bucket"`
	Prefix   string   `mapstructure:"prefix"`
	S3       S3Config `mapstructure:"s3"`
}

// S3Config holds the optional S3-compatible endpoint and static credentials.
type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// QueueConfig selects the dispatch queue backend and its timing.
type QueueConfig struct {
	Backend      string        `mapstructure:"backend"`
	Visibility   time.Duration `mapstructure:"visibility"`
	Wait         time.Duration `mapstructure:"wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ConsumerID   string        `mapstructure:"consumer_id"`
}

// SQLiteConfig is shared by the sqlite frontier and queue backends.
type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// RedisConfig is shared by the redis snapshot and queue backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// FetchConfig governs page and PDF fetching.
type FetchConfig struct {
	UserAgent      string             `mapstructure:"user_agent"`
	TimeoutSeconds int                `mapstructure:"timeout_seconds"`
	IgnoreRobots   bool               `mapstructure:"ignore_robots"`
	RPS            float64            `mapstructure:"rps"`
	Burst          int                `mapstructure:"burst"`
	// DomainLimits is a list rather than a map because viper splits map keys
	// on dots, which every hostname contains.
	DomainLimits []DomainLimit  `mapstructure:"domain_limits"`
	PDFMaxBytes  int64          `mapstructure:"pdf_max_bytes"`
	Headless     HeadlessConfig `mapstructure:"headless"`
}

// DomainLimit overrides fetch.rps for one hostname.
type DomainLimit struct {
	Domain string  `mapstructure:"domain"`
	RPS    float64 `mapstructure:"rps"`
}

// DomainRPS returns the per-domain overrides keyed by hostname.
func (f FetchConfig) DomainRPS() map[string]float64 {
	if len(f.DomainLimits) == 0 {
		return nil
	}
	out := make(map[string]float64, len(f.DomainLimits))
	for _, l := range f.DomainLimits {
		out[l.Domain] = l.RPS
	}
	return out
}

// HeadlessConfig configures headless Chrome for page promotion and link rendering.
type HeadlessConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	MaxParallel        int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int    `mapstructure:"nav_timeout_seconds"`
	// PromotionThreshold is the visible text length below which a
	// client-rendered page is refetched headless.
	PromotionThreshold int    `mapstructure:"promotion_threshold"`
	ExecPath           string `mapstructure:"exec_path"`
	NoSandbox          bool   `mapstructure:"no_sandbox"`
}

// RenderConfig controls listing pages walked during discovery.
type RenderConfig struct {
	Backend           string        `mapstructure:"backend"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	MaxPages          int           `mapstructure:"max_pages"`
	NextSelector      string        `mapstructure:"next_selector"`
}

// WorkerConfig sizes the worker pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// NotifyConfig controls change notifications.
type NotifyConfig struct {
	ProjectID string  `mapstructure:"project_id"`
	Topic     string  `mapstructure:"topic"`
	Threshold float64 `mapstructure:"threshold"`
}

// SiteConfig is a named discovery preset. SearchURL may contain {value},
// replaced by each partition value.
type SiteConfig struct {
	BaseURL      string   `mapstructure:"base_url"`
	SearchURL    string   `mapstructure:"search_url"`
	PartitionKey string   `mapstructure:"partition_key"`
	Partitions   []string `mapstructure:"partitions"`
	HrefFilter   string   `mapstructure:"href_filter"`
	Paginate     bool     `mapstructure:"paginate"`
	MaxPages     int      `mapstructure:"max_pages"`
	Kind         string   `mapstructure:"kind"`
	URLs         []string `mapstructure:"urls"`
}

// Load builds a Config from .env files, an optional config file, and the environment.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, err
	}

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
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadEnvFiles loads ENV_FILE when set, otherwise .env.local then .env.
// Variables already in the environment win.
func loadEnvFiles() error {
	files := []string{".env.local", ".env"}
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		files = []string{envFile}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.exporter", TraceExporterNone)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("frontier.backend", BackendSQLite)
	v.SetDefault("frontier.file_dir", "data/frontier")
	v.SetDefault("frontier.postgres.dsn", "")
	v.SetDefault("frontier.postgres.max_conns", 8)
	v.SetDefault("frontier.postgres.min_conns", 0)
	v.SetDefault("frontier.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("snapshots.backend", BackendLocal)
	v.SetDefault("snapshots.local_dir", "data/snapshots")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.s3.region", "us-east-1")
	v.SetDefault("snapshots.s3.endpoint", "")
	v.SetDefault("snapshots.s3.access_key", "")
	v.SetDefault("snapshots.s3.secret_key", "")
	v.SetDefault("queue.backend", BackendSQLite)
	v.SetDefault("queue.visibility", 5*time.Minute)
	v.SetDefault("queue.wait", 5*time.Second)
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)
	v.SetDefault("queue.consumer_id", "")
	v.SetDefault("sqlite.path", "data/deltacrawler.db")
	v.SetDefault("sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "deltacrawler")
	v.SetDefault("fetch.user_agent", "delta-crawler/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.ignore_robots", false)
	v.SetDefault("fetch.rps", 1.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.pdf_max_bytes", 50<<20)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 2)
	v.SetDefault("fetch.headless.nav_timeout_seconds", 45)
	v.SetDefault("fetch.headless.promotion_threshold", 60)
	v.SetDefault("fetch.headless.exec_path", "")
	v.SetDefault("fetch.headless.no_sandbox", false)
	v.SetDefault("render.backend", BackendStatic)
	v.SetDefault("render.navigation_timeout", 30*time.Second)
	v.SetDefault("render.max_pages", 50)
	v.SetDefault("render.next_selector", "a.pagination-next")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.threshold", 0.1)
	v.SetDefault("sites.arxiv.base_url", "https://arxiv.org")
	v.SetDefault("sites.arxiv.search_url",
		"https://arxiv.org/search/?searchtype=all&query={value}&abstracts=show&size=200&order=-announced_date_first")
	v.SetDefault("sites.arxiv.partition_key", "query")
	v.SetDefault("sites.arxiv.href_filter", "pdf")
	v.SetDefault("sites.arxiv.paginate", true)
	v.SetDefault("sites.arxiv.kind", string(crawler.FetchKindPDF))
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocognit // one check per knob
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Frontier.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Frontier.FileDir == "" {
			return fmt.Errorf("frontier.file_dir is required for the file backend")
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for the sqlite frontier")
		}
	case BackendPostgres:
		if c.Frontier.Postgres.DSN == "" {
			return fmt.Errorf("frontier.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("frontier.backend %q is not one of memory, file, sqlite, postgres", c.Frontier.Backend)
	}
	switch c.Snapshots.Backend {
	case BackendMemory, BackendRedis:
	case BackendLocal:
		if c.Snapshots.LocalDir == "" {
			return fmt.Errorf("snapshots.local_dir is required for the local backend")
		}
	case BackendGCS, BackendS3:
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket is required for the %s backend", c.Snapshots.Backend)
		}
	default:
		return fmt.Errorf("snapshots.backend %q is not one of memory, local, redis, gcs, s3", c.Snapshots.Backend)
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, sqlite, redis", c.Queue.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	switch c.Tracing.Exporter {
	case "", TraceExporterNone:
	case TraceExporterGCP:
		if c.Tracing.ProjectID == "" {
			return fmt.Errorf("tracing.project_id is required for the gcp exporter")
		}
	default:
		return fmt.Errorf("tracing.exporter %q is not one of none, gcp", c.Tracing.Exporter)
	}
	if c.Queue.Visibility <= 0 {
		return fmt.Errorf("queue.visibility must be > 0")
	}
	if c.Queue.Wait < 0 {
		return fmt.Errorf("queue.wait must be >= 0")
	}
	if (c.Snapshots.Backend == BackendRedis || c.Queue.Backend == BackendRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.RPS < 0 {
		return fmt.Errorf("fetch.rps must be >= 0")
	}
	for i, l := range c.Fetch.DomainLimits {
		if l.Domain == "" {
			return fmt.Errorf("fetch.domain_limits[%d].domain is required", i)
		}
		if l.RPS < 0 {
			return fmt.Errorf("fetch.domain_limits[%d].rps must be >= 0", i)
		}
	}
	if c.Fetch.PDFMaxBytes <= 0 {
		return fmt.Errorf("fetch.pdf_max_bytes must be > 0")
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Render.Backend {
	case BackendStatic:
	case BackendChromedp:
		if !c.Fetch.Headless.Enabled {
			return fmt.Errorf("render.backend chromedp requires fetch.headless.enabled")
		}
	default:
		return fmt.Errorf("render.backend %q is not one of static, chromedp", c.Render.Backend)
	}
	if c.Render.MaxPages <= 0 {
		return fmt.Errorf("render.max_pages must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Notify.Threshold < 0 || c.Notify.Threshold > 1 {
		return fmt.Errorf("notify.threshold must be within [0, 1]")
	}
	if (c.Notify.ProjectID == "") != (c.Notify.Topic == "") {
		return fmt.Errorf("notify.project_id and notify.topic must be set together")
	}
	for name, site := range c.Sites {
		if err := site.Validate(); err != nil {
			return fmt.Errorf("sites.%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks a site preset.
func (s SiteConfig) Validate() error {
	if s.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if _, err := crawler.ParseFetchKind(s.FetchKindOrDefault()); err != nil {
		return err
	}
	hasTemplate := strings.Contains(s.SearchURL, "{value}")
	if s.PartitionKey != "" && !hasTemplate {
		return fmt.Errorf("search_url must contain {value} when partition_key is set")
	}
	if hasTemplate && s.PartitionKey == "" {
		return fmt.Errorf("partition_key is required when search_url contains {value}")
	}
	if s.SearchURL == "" && len(s.URLs) == 0 {
		return fmt.Errorf("either search_url or urls is required")
	}
	return nil
}

// FetchKindOrDefault returns the configured kind, defaulting to page.
func (s SiteConfig) FetchKindOrDefault() string {
	if s.Kind == "" {
		return string(crawler.FetchKindPage)
	}
	return s.Kind
}

// ListingURL returns the listing page for one partition value.
func (s SiteConfig) ListingURL(value string) string {
	return strings.ReplaceAll(s.SearchURL, "{value}", value)
}

// FetchTimeout converts fetch.timeout_seconds to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// Site looks up a named preset.
func (c Config) Site(name string) (SiteConfig, error) {
	site, ok := c.Sites[name]
	if !ok {
		return SiteConfig{}, fmt.Errorf("site preset %q is not configured", name)
	}
	return site, nil
}
