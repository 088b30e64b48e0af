// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lotsearch/bidcrawl/internal/crawl"
)

// MinScheduleInterval is the smallest recurrence interval a job may
// request. Anything tighter hammers sources that already block us.
const MinScheduleInterval = 10 * time.Minute

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Proxies   []ProxyConfig   `mapstructure:"proxies"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// GovernorConfig bounds global fetch throughput.
type GovernorConfig struct {
	RPM         int `mapstructure:"rpm"`
	Concurrency int `mapstructure:"concurrency"`
}

// FetchConfig governs the HTTP fetch path.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// BrowserConfig configures the headless rendering path.
type BrowserConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// SchedulerConfig controls the due-claim loop.
type SchedulerConfig struct {
	PollSeconds        int `mapstructure:"poll_seconds"`
	Workers            int `mapstructure:"workers"`
	ClaimBatch         int `mapstructure:"claim_batch"`
	StallAfterFailures int `mapstructure:"stall_after_failures"`
}

// JobsConfig supplies defaults for fields the minimal job form omits.
type JobsConfig struct {
	DefaultBatchSize   int    `mapstructure:"default_batch_size"`
	DefaultRPM         int    `mapstructure:"default_rpm"`
	DefaultConcurrency int    `mapstructure:"default_concurrency"`
	DefaultStrategy    string `mapstructure:"default_strategy"`
}

// ProxyConfig declares one egress proxy profile.
type ProxyConfig struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Scheme string `mapstructure:"scheme"`
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
}

// StorageConfig selects the snapshot blob backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"` // memory | local | gcs
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	TrackingTable string `mapstructure:"tracking_table"`
	ItemsTable    string `mapstructure:"items_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for item event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BIDCRAWL")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("governor.rpm", 60)
	v.SetDefault("governor.concurrency", 4)
	v.SetDefault("fetch.user_agent", "bidcrawl/0.1")
	v.SetDefault("fetch.timeout_seconds", 25)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.nav_timeout_seconds", 25)
	v.SetDefault("scheduler.poll_seconds", 5)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.claim_batch", 8)
	v.SetDefault("scheduler.stall_after_failures", 5)
	v.SetDefault("jobs.default_batch_size", 5)
	v.SetDefault("jobs.default_rpm", 30)
	v.SetDefault("jobs.default_concurrency", 2)
	v.SetDefault("jobs.default_strategy", "bidfax")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.tracking_table", "trackings")
	v.SetDefault("db.items_table", "auction_items")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Governor.RPM < 1 {
		return fmt.Errorf("governor.rpm must be >= 1")
	}
	if c.Governor.Concurrency < 1 {
		return fmt.Errorf("governor.concurrency must be >= 1")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Browser.MaxParallel < 1 {
		return fmt.Errorf("browser.max_parallel must be >= 1")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be >= 1")
	}
	if c.Scheduler.ClaimBatch < 1 {
		return fmt.Errorf("scheduler.claim_batch must be >= 1")
	}
	if c.Scheduler.StallAfterFailures < 1 {
		return fmt.Errorf("scheduler.stall_after_failures must be >= 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set for the local backend")
	}
	seen := make(map[string]struct{}, len(c.Proxies))
	for _, p := range c.Proxies {
		if p.ID == "" || p.Host == "" || p.Port <= 0 {
			return fmt.Errorf("proxy %q must have id, host and port", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate proxy id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// ValidateSpec checks a job spec against the accepted ranges. This is
// the only place spec violations are rejected synchronously; all
// later failures land on the tracking record instead.
func (c Config) ValidateSpec(spec crawl.JobSpec) error {
	if spec.TargetURL == "" {
		return fmt.Errorf("target_url is required")
	}
	if spec.Pages < 1 || spec.Pages > 100 {
		return fmt.Errorf("pages must be within [1,100], got %d", spec.Pages)
	}
	switch spec.FetchMode {
	case crawl.ModeHTTP, crawl.ModeBrowser:
	default:
		return fmt.Errorf("fetch_mode must be %q or %q", crawl.ModeHTTP, crawl.ModeBrowser)
	}
	if spec.RPM < 1 {
		return fmt.Errorf("rpm must be >= 1")
	}
	if spec.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1")
	}
	if spec.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}
	if spec.ScheduleEnabled && spec.Interval() < MinScheduleInterval {
		return fmt.Errorf("schedule_interval_minutes must be >= %d", int(MinScheduleInterval.Minutes()))
	}
	return nil
}

// ApplySpecDefaults fills fields the minimal job form omits.
func (c Config) ApplySpecDefaults(spec crawl.JobSpec) crawl.JobSpec {
	if spec.Pages == 0 {
		spec.Pages = 1
	}
	if spec.FetchMode == "" {
		spec.FetchMode = crawl.ModeHTTP
	}
	if spec.BatchSize == 0 {
		spec.BatchSize = c.Jobs.DefaultBatchSize
	}
	if spec.RPM == 0 {
		spec.RPM = c.Jobs.DefaultRPM
	}
	if spec.Concurrency == 0 {
		spec.Concurrency = c.Jobs.DefaultConcurrency
	}
	if spec.StrategyID == "" {
		spec.StrategyID = c.Jobs.DefaultStrategy
	}
	return spec
}

// FetchTimeout converts the configured fetch timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}
