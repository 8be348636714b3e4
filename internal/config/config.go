// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper. Environment
// variables (prefix HARVEST, dots replaced by underscores) override file
// values.
type Config struct {
	Collection CollectionConfig `mapstructure:"collection"`
	Cache      CacheConfig      `mapstructure:"cache"`
	IIIF       IIIFConfig       `mapstructure:"iiif"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// CollectionConfig names the root of the tree to harvest.
type CollectionConfig struct {
	URI string `mapstructure:"uri"`
}

// CacheConfig sets the on-disk cache location.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// IIIFConfig governs traversal and thumbnail behavior.
type IIIFConfig struct {
	ChunkSize   int              `mapstructure:"chunk_size"`
	Concurrency int              `mapstructure:"concurrency"`
	Thumbnails  ThumbnailsConfig `mapstructure:"thumbnails"`
}

// ThumbnailsConfig tunes the thumbnail resolution strategy.
type ThumbnailsConfig struct {
	Unsafe        bool `mapstructure:"unsafe"`
	PreferredSize int  `mapstructure:"preferred_size"`
	ProbeLimit    int  `mapstructure:"probe_limit"`
}

// HTTPConfig configures HTTP client and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	UserAgent        string `mapstructure:"user_agent"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
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
	// Registering every key, even empty ones, lets AutomaticEnv surface
	// HARVEST_* values through Unmarshal.
	v.SetDefault("collection.uri", "")
	v.SetDefault("cache.dir", "data/iiif")
	v.SetDefault("iiif.chunk_size", 10)
	v.SetDefault("iiif.concurrency", 3)
	v.SetDefault("iiif.thumbnails.unsafe", false)
	v.SetDefault("iiif.thumbnails.preferred_size", 400)
	v.SetDefault("iiif.thumbnails.probe_limit", 3)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.user_agent", "iiif-harvest/1.0")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Collection.URI) == "" {
		return fmt.Errorf("collection.uri is required")
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.IIIF.Concurrency <= 0 {
		return fmt.Errorf("iiif.concurrency must be > 0")
	}
	if c.IIIF.ChunkSize <= 0 {
		return fmt.Errorf("iiif.chunk_size must be > 0")
	}
	if c.IIIF.Thumbnails.PreferredSize <= 0 {
		return fmt.Errorf("iiif.thumbnails.preferred_size must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	return nil
}

// Timeout converts the HTTP timeout config into a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffInitial converts the initial backoff config into a duration.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax converts the backoff ceiling config into a duration.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
