// Package config loads the posdesk service configuration from YAML,
// overlaying file values onto compiled defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/posdesk/posdesk/internal/combo"
	"github.com/posdesk/posdesk/internal/ingest"
	"github.com/posdesk/posdesk/internal/marks"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig            `yaml:"http"`
	Loop      ingest.LoopConfig     `yaml:"loop"`
	Staleness marks.StalenessConfig `yaml:"staleness"`
	Detect    combo.DetectConfig    `yaml:"detect"`
	Catalog   CatalogConfig         `yaml:"catalog"`
	Redis     RedisConfig           `yaml:"redis"`
	Rules     RulesConfig           `yaml:"rules"`
	LogLevel  string                `yaml:"log_level"` // trace|debug|info|warn|error
}

// HTTPConfig controls the REST and stream surface.
type HTTPConfig struct {
	Addr             string        `yaml:"addr"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`  // per-stream queue depth
	PublishPerMinute int           `yaml:"publish_per_minute"` // rate limit on catalog publishes
}

// CatalogConfig selects the durable backing store for the rules catalog.
// Postgres wins when a DSN is set; otherwise the file path is used.
type CatalogConfig struct {
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RedisConfig enables the optional snapshot mirror when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// RulesConfig holds rules-engine settings.
type RulesConfig struct {
	BaseCurrency string `yaml:"base_currency"` // portfolio-scope evaluation bucket
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:             ":8080",
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     15 * time.Second,
			RequestTimeout:   30 * time.Second,
			SubscriberBuffer: 8,
			PublishPerMinute: 12,
		},
		Loop:      ingest.DefaultLoopConfig(),
		Staleness: marks.DefaultStalenessConfig(),
		Detect:    combo.DefaultDetectConfig(),
		Catalog:   CatalogConfig{Path: "data/rules.yaml"},
		Redis:     RedisConfig{TTL: time.Minute},
		Rules:     RulesConfig{BaseCurrency: "USD"},
		LogLevel:  "info",
	}
}

// Load reads the config file at path, overlaying it on DefaultConfig. An
// empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must be set")
	}
	if c.HTTP.SubscriberBuffer <= 0 {
		return fmt.Errorf("http.subscriber_buffer must be positive, got %d", c.HTTP.SubscriberBuffer)
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive, got %s", c.Loop.Interval)
	}
	if err := c.Staleness.Validate(); err != nil {
		return err
	}
	if c.Detect.CalendarWindowDays <= 0 {
		return fmt.Errorf("detect.calendar_window_days must be positive, got %d", c.Detect.CalendarWindowDays)
	}
	if c.Catalog.Path == "" && c.Catalog.PostgresDSN == "" {
		return fmt.Errorf("catalog.path or catalog.postgres_dsn must be set")
	}
	if c.Rules.BaseCurrency == "" {
		return fmt.Errorf("rules.base_currency must be set")
	}
	return nil
}
