package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for cloned.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	Storage       StorageConfig   `yaml:"storage"`
	GenesisPath   string          `yaml:"genesis"`
	Oracle        OracleConfig    `yaml:"oracle"`
	Feeds         []Feed          `yaml:"feeds"`
	Sources       []Source        `yaml:"sources"`
	Admin         AdminConfig     `yaml:"admin"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Log           LogConfig       `yaml:"log"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// OracleConfig tunes the slot clock and aggregation loop. Every tick
// advances the slot and refreshes the configured feeds.
type OracleConfig struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
}

// Feed binds a protocol oracle slot to an upstream pair.
type Feed struct {
	Index   uint64 `yaml:"index"`
	Address string `yaml:"address"`
	Base    string `yaml:"base"`
	Quote   string `yaml:"quote"`
}

// Source describes an upstream price source.
type Source struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	APIKey   string            `yaml:"api_key"`
	Assets   map[string]string `yaml:"assets"`
	Prices   map[string]string `yaml:"prices"`
}

// AdminConfig enables the price override endpoints when a secret is set.
type AdminConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	ClockSkew Duration `yaml:"clock_skew"`
}

// RateLimitConfig bounds public requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LogConfig controls the log sink.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "leveldb"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != "memory" {
		cfg.Storage.Path = "/var/data/cloned"
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 5 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Admin.ClockSkew.Duration == 0 {
		cfg.Admin.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 50
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg Config) error {
	var errs []error
	switch strings.ToLower(cfg.Storage.Backend) {
	case "leveldb", "bolt", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", cfg.Storage.Backend))
	}
	if len(cfg.Feeds) == 0 {
		errs = append(errs, fmt.Errorf("at least one feed must be configured"))
	}
	if len(cfg.Sources) == 0 {
		errs = append(errs, fmt.Errorf("at least one price source must be configured"))
	}
	seen := make(map[uint64]struct{}, len(cfg.Feeds))
	for i, feed := range cfg.Feeds {
		if !common.IsHexAddress(feed.Address) {
			errs = append(errs, fmt.Errorf("feeds[%d].address %q is not a hex address", i, feed.Address))
		}
		if strings.TrimSpace(feed.Base) == "" || strings.TrimSpace(feed.Quote) == "" {
			errs = append(errs, fmt.Errorf("feeds[%d] requires base and quote", i))
		}
		if _, dup := seen[feed.Index]; dup {
			errs = append(errs, fmt.Errorf("feeds[%d].index %d configured twice", i, feed.Index))
		}
		seen[feed.Index] = struct{}{}
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("rate_limit values must not be negative"))
	}
	return errors.Join(errs...)
}
