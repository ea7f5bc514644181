// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/feedcrawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	DB        DBConfig        `mapstructure:"db"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Sources   []SourceConfig  `mapstructure:"sources"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs fetch identity and politeness.
type CrawlerConfig struct {
	UserAgent                  string  `mapstructure:"user_agent"`
	SourceDelaySeconds         float64 `mapstructure:"source_delay_seconds"`
	AllowPrivateHosts          bool    `mapstructure:"allow_private_hosts"`
	PerHostRPS                 float64 `mapstructure:"per_host_rps"`
	PerHostBurst               int     `mapstructure:"per_host_burst"`
	ArchiveRaw                 bool    `mapstructure:"archive_raw"`
	DefaultUpdateFrequencyMins int     `mapstructure:"default_update_frequency_minutes"`
	// RobotsTTLMinutes refetches robots.txt after this long; zero caches it for the process lifetime.
	RobotsTTLMinutes int `mapstructure:"robots_ttl_minutes"`
}

// HTTPConfig configures the retrying fetch client.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxRetries     int `mapstructure:"max_retries"`
}

// SchedulerConfig sizes the worker pool and trigger semantics.
type SchedulerConfig struct {
	AutoStart                  bool `mapstructure:"auto_start"`
	MaxWorkers                 int  `mapstructure:"max_workers"`
	MaxInstances               int  `mapstructure:"max_instances"`
	MisfireGraceSeconds        int  `mapstructure:"misfire_grace_seconds"`
	HealthCheckIntervalSeconds int  `mapstructure:"health_check_interval_seconds"`
	QueueDepth                 int  `mapstructure:"queue_depth"`
}

// ProxyConfig configures the proxy pool.
type ProxyConfig struct {
	Strategy              string                `mapstructure:"strategy"`
	MaxFailures           int                   `mapstructure:"max_failures"`
	FailureTimeoutSeconds int                   `mapstructure:"failure_timeout_seconds"`
	TestURL               string                `mapstructure:"test_url"`
	TestTimeoutSeconds    int                   `mapstructure:"test_timeout_seconds"`
	ProbeDelayMs          int                   `mapstructure:"probe_delay_ms"`
	Required              bool                  `mapstructure:"required"`
	Proxies               []crawler.ProxyRecord `mapstructure:"proxies"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int    `mapstructure:"promotion_threshold"`
	WaitSelector    string `mapstructure:"wait_selector"`
}

// StorageConfig selects where raw page archives go.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// IngestConfig selects the document store behind the ingestion sink.
type IngestConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres for sources and triggers.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	SourceTable  string `mapstructure:"source_table"`
	TriggerTable string `mapstructure:"trigger_table"`
}

// MongoConfig points at the document store.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourceConfig seeds the in-memory source repository.
type SourceConfig struct {
	ID              int64                 `mapstructure:"id"`
	UserID          int64                 `mapstructure:"user_id"`
	Name            string                `mapstructure:"name"`
	URL             string                `mapstructure:"url"`
	Type            string                `mapstructure:"type"`
	Active          *bool                 `mapstructure:"active"`
	UpdateFrequency int                   `mapstructure:"update_frequency"`
	AutoTags        []string              `mapstructure:"auto_tags"`
	Settings        crawler.CrawlSettings `mapstructure:"settings"`
}

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
	v.SetDefault("crawler.user_agent", "feedcrawler-bot/1.0 (+https://github.com/JakeFAU/feedcrawler)")
	v.SetDefault("crawler.source_delay_seconds", 1)
	v.SetDefault("crawler.allow_private_hosts", false)
	v.SetDefault("crawler.per_host_rps", 0)
	v.SetDefault("crawler.per_host_burst", 1)
	v.SetDefault("crawler.archive_raw", false)
	v.SetDefault("crawler.default_update_frequency_minutes", crawler.DefaultUpdateFrequencyMinutes)
	v.SetDefault("crawler.robots_ttl_minutes", 0)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", crawler.DefaultMaxAttempts)
	v.SetDefault("scheduler.auto_start", true)
	v.SetDefault("scheduler.max_workers", 2)
	v.SetDefault("scheduler.max_instances", 2)
	v.SetDefault("scheduler.misfire_grace_seconds", 300)
	v.SetDefault("scheduler.health_check_interval_seconds", 300)
	v.SetDefault("scheduler.queue_depth", 64)
	v.SetDefault("proxy.strategy", "round_robin")
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.failure_timeout_seconds", 600)
	v.SetDefault("proxy.test_url", "http://httpbin.org/ip")
	v.SetDefault("proxy.test_timeout_seconds", 10)
	v.SetDefault("proxy.probe_delay_ms", 500)
	v.SetDefault("proxy.required", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("ingest.backend", "memory")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.source_table", "sources")
	v.SetDefault("db.trigger_table", "crawler_triggers")
	v.SetDefault("mongo.database", "feedcrawler")
	v.SetDefault("mongo.collection", "documents")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "feedcrawler")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.Crawler.RobotsTTLMinutes < 0 {
		return fmt.Errorf("crawler.robots_ttl_minutes must be >= 0")
	}
	if c.Scheduler.MaxWorkers <= 0 {
		return fmt.Errorf("scheduler.max_workers must be > 0")
	}
	if c.Scheduler.MaxInstances <= 0 {
		return fmt.Errorf("scheduler.max_instances must be > 0")
	}
	if c.Scheduler.HealthCheckIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler.health_check_interval_seconds must be > 0")
	}
	switch c.Proxy.Strategy {
	case "round_robin", "random", "performance":
	default:
		return fmt.Errorf("proxy.strategy must be one of round_robin, random, performance")
	}
	if c.Proxy.MaxFailures <= 0 {
		return fmt.Errorf("proxy.max_failures must be > 0")
	}
	for i, p := range c.Proxy.Proxies {
		if p.URL == "" {
			return fmt.Errorf("proxy.proxies[%d].url must be set", i)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "none":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs, none")
	}
	switch c.Ingest.Backend {
	case "memory":
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("mongo.uri must be set for the mongo ingest backend")
		}
	default:
		return fmt.Errorf("ingest.backend must be one of memory, mongo")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	for i, s := range c.Sources {
		if s.URL == "" {
			return fmt.Errorf("sources[%d].url must be set", i)
		}
		if !crawler.SourceType(s.Type).Valid() {
			return fmt.Errorf("sources[%d].type must be rss or web", i)
		}
	}
	return nil
}

// HTTPTimeout is the per-request network timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// SourceDelay is the pause between sources in a batch.
func (c Config) SourceDelay() time.Duration {
	return time.Duration(c.Crawler.SourceDelaySeconds * float64(time.Second))
}

// RobotsTTL is how long cached robots.txt rules stay valid; zero never expires.
func (c Config) RobotsTTL() time.Duration {
	return time.Duration(c.Crawler.RobotsTTLMinutes) * time.Minute
}

// MisfireGrace is how late a fire may run before it counts as missed.
func (c Config) MisfireGrace() time.Duration {
	return time.Duration(c.Scheduler.MisfireGraceSeconds) * time.Second
}

// HealthCheckInterval is the proxy maintenance period.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Scheduler.HealthCheckIntervalSeconds) * time.Second
}

// SeedSources converts the configured sources into domain values.
// IDs default to their 1-based position.
func (c Config) SeedSources() []crawler.Source {
	out := make([]crawler.Source, 0, len(c.Sources))
	for i, s := range c.Sources {
		id := s.ID
		if id == 0 {
			id = int64(i + 1)
		}
		freq := s.UpdateFrequency
		if freq <= 0 {
			freq = c.Crawler.DefaultUpdateFrequencyMins
		}
		active := s.Active == nil || *s.Active
		name := s.Name
		if name == "" {
			name = s.URL
		}
		out = append(out, crawler.Source{
			ID:                     id,
			UserID:                 s.UserID,
			Name:                   name,
			URL:                    s.URL,
			Type:                   crawler.SourceType(s.Type),
			IsActive:               active,
			UpdateFrequencyMinutes: freq,
			AutoTags:               s.AutoTags,
			Settings:               s.Settings.WithDefaults(),
		})
	}
	return out
}
