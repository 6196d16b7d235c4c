// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scholar-harvester/internal/adapters"
	"github.com/JakeFAU/scholar-harvester/internal/compliance"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig                    `mapstructure:"server"`
	Auth       AuthConfig                      `mapstructure:"auth"`
	Harvester  HarvesterConfig                 `mapstructure:"harvester"`
	Sources    map[string]harvest.SourceConfig `mapstructure:"sources"`
	DB         DBConfig                        `mapstructure:"db"`
	Storage    StorageConfig                   `mapstructure:"storage"`
	Provenance ProvenanceConfig                `mapstructure:"provenance"`
	PubSub     PubSubConfig                    `mapstructure:"pubsub"`
	Logging    LoggingConfig                   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	HarvestsPerMinute int `mapstructure:"harvests_per_minute"`
	HarvestBurst      int `mapstructure:"harvest_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HarvesterConfig governs compliance, throttling and fetch timeouts.
type HarvesterConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	Blocklist       []string      `mapstructure:"blocklist"`
	RobotsTimeout   time.Duration `mapstructure:"robots_timeout"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	DefaultThrottle time.Duration `mapstructure:"default_throttle"`
	SnapshotPrefix  string        `mapstructure:"snapshot_prefix"`
}

// DBConfig selects and tunes the run and metric store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// StorageConfig selects the snapshot archive backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// ProvenanceConfig locates the Markdown ledger.
type ProvenanceConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. Built-in sources are always
// present; configured sources override them field by field.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	cfg.Sources = mergeSources(cfg.Sources, cfg.Harvester.DefaultThrottle)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.harvests_per_minute", 30)
	v.SetDefault("server.harvest_burst", 5)
	v.SetDefault("harvester.user_agent", "ScholarHarvester/2.0 (https://github.com/scholarstack)")
	v.SetDefault("harvester.blocklist", []string{"assist.org", "www.assist.org"})
	v.SetDefault("harvester.robots_timeout", 10*time.Second)
	v.SetDefault("harvester.fetch_timeout", 30*time.Second)
	v.SetDefault("harvester.default_throttle", 2*time.Second)
	v.SetDefault("harvester.snapshot_prefix", "snapshots")
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.base_dir", "data/raw")
	v.SetDefault("provenance.path", "docs/DATA_PROVENANCE.md")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// mergeSources layers configured sources over the built-in catalogue.
func mergeSources(configured map[string]harvest.SourceConfig, fallbackThrottle time.Duration) map[string]harvest.SourceConfig {
	out := adapters.DefaultSources()
	for key, src := range configured {
		base, ok := out[key]
		if !ok {
			base = harvest.SourceConfig{}
		}
		base.Key = key
		if src.Name != "" {
			base.Name = src.Name
		}
		if src.Publisher != "" {
			base.Publisher = src.Publisher
		}
		if src.BaseURL != "" {
			base.BaseURL = src.BaseURL
		}
		if src.Endpoint != "" {
			base.Endpoint = src.Endpoint
		}
		if src.TermsURL != "" {
			base.TermsURL = src.TermsURL
		}
		if src.Throttle > 0 {
			base.Throttle = src.Throttle
		}
		if len(src.AllowedMIME) > 0 {
			base.AllowedMIME = src.AllowedMIME
		}
		out[key] = base
	}
	for key, src := range out {
		if src.Throttle <= 0 {
			src.Throttle = fallbackThrottle
			out[key] = src
		}
	}
	return out
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.HarvestsPerMinute < 0 {
		return fmt.Errorf("server.harvests_per_minute must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if strings.TrimSpace(c.Harvester.UserAgent) == "" {
		return fmt.Errorf("harvester.user_agent is required")
	}
	if c.Harvester.RobotsTimeout <= 0 {
		return fmt.Errorf("harvester.robots_timeout must be > 0")
	}
	if c.Harvester.FetchTimeout <= 0 {
		return fmt.Errorf("harvester.fetch_timeout must be > 0")
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.driver is postgres")
		}
	default:
		return fmt.Errorf("db.driver %q is not supported (memory, postgres)", c.DB.Driver)
	}
	switch c.Storage.Backend {
	case "none", "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported (none, memory, local, gcs)", c.Storage.Backend)
	}
	if c.Provenance.Path == "" {
		return fmt.Errorf("provenance.path is required")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	blocklist := compliance.NewBlocklist(c.Harvester.Blocklist)
	for key, src := range c.Sources {
		if src.BaseURL == "" {
			return fmt.Errorf("sources.%s.base_url is required", key)
		}
		if src.Throttle < 0 {
			return fmt.Errorf("sources.%s.throttle must be >= 0", key)
		}
		if err := checkSourceURL(blocklist, key, "base_url", src.BaseURL); err != nil {
			return err
		}
		if src.Endpoint == "" {
			continue
		}
		if err := checkSourceURL(blocklist, key, "endpoint", src.Endpoint); err != nil {
			return err
		}
	}
	return nil
}

func checkSourceURL(blocklist *compliance.Blocklist, key, field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("sources.%s.%s must be an absolute http(s) url", key, field)
	}
	if blocklist.IsBlocked(u.Hostname()) {
		return fmt.Errorf("sources.%s.%s host %s is blocklisted", key, field, u.Hostname())
	}
	return nil
}
