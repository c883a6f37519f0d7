package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr        string        `mapstructure:"bind_addr"`
	DatabaseURL     string        `mapstructure:"database_url"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Line     LineConfig     `mapstructure:"line"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

type HTTPConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// UpstreamConfig drives the completion API adapter: one attempt per Timeout,
// at most MaxAttempts attempts, exponential backoff between them.
type UpstreamConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`
}

type IngestConfig struct {
	ContextDepth int `mapstructure:"context_depth"`
	DedupCacheMB int `mapstructure:"dedup_cache_mb"`
}

// StatsConfig controls the rollup scheduler and the staleness fallback of the
// stats endpoint.
type StatsConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Window          time.Duration `mapstructure:"window"`
	Staleness       time.Duration `mapstructure:"staleness"`
	SnapshotTimeout time.Duration `mapstructure:"snapshot_timeout"`
}

type LineConfig struct {
	ChannelSecret string `mapstructure:"channel_secret"`
	ChannelToken  string `mapstructure:"channel_token"`
	APIBaseURL    string `mapstructure:"api_base_url"`
}

// Load reads an optional YAML config file, overlays LINEFLOW_* environment
// variables and applies defaults. An empty path means env-only operation,
// which is how the service runs on container platforms.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.namespace", "lineflow")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("upstream.url", "https://api.anthropic.com/v1/messages")
	v.SetDefault("upstream.model", "claude-3-5-haiku-latest")
	v.SetDefault("upstream.max_tokens", 1024)
	v.SetDefault("upstream.timeout", 10*time.Second)
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.backoff_base", 500*time.Millisecond)
	v.SetDefault("upstream.backoff_cap", 8*time.Second)
	v.SetDefault("ingest.context_depth", 10)
	v.SetDefault("ingest.dedup_cache_mb", 8)
	v.SetDefault("stats.interval", 5*time.Minute)
	v.SetDefault("stats.window", 30*24*time.Hour)
	v.SetDefault("stats.staleness", 10*time.Minute)
	v.SetDefault("stats.snapshot_timeout", 5*time.Second)
	v.SetDefault("line.api_base_url", "https://api.line.me")

	v.SetEnvPrefix("LINEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Platform-conventional names take precedence over nothing but are more
	// common than the prefixed forms in deployment manifests.
	_ = v.BindEnv("database_url", "LINEFLOW_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("upstream.api_key", "LINEFLOW_UPSTREAM_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("line.channel_secret", "LINEFLOW_LINE_CHANNEL_SECRET", "LINE_CHANNEL_SECRET")
	_ = v.BindEnv("line.channel_token", "LINEFLOW_LINE_CHANNEL_TOKEN", "LINE_CHANNEL_ACCESS_TOKEN")

	if strings.TrimSpace(path) != "" {
		filename := filepath.Base(path)
		v.AddConfigPath(filepath.Dir(path))
		v.SetConfigName(strings.TrimSuffix(filename, filepath.Ext(filename)))
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode into config struct: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("bind_addr must not be empty")
	}
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("upstream.max_attempts must be at least 1")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.BackoffBase <= 0 || c.Upstream.BackoffCap < c.Upstream.BackoffBase {
		return fmt.Errorf("upstream backoff must satisfy 0 < base <= cap")
	}
	if c.Ingest.ContextDepth < 0 {
		return fmt.Errorf("ingest.context_depth must be >= 0")
	}
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be positive")
	}
	if c.Stats.Window <= 0 {
		return fmt.Errorf("stats.window must be positive")
	}
	if c.Stats.Staleness <= 0 {
		return fmt.Errorf("stats.staleness must be positive")
	}
	if c.Stats.SnapshotTimeout <= 0 {
		return fmt.Errorf("stats.snapshot_timeout must be positive")
	}
	return nil
}
