// Package config loads and validates the Trickle service configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Trickle core service.
type Config struct {
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	ClickHouse struct {
		Addr        string `mapstructure:"addr"`
		Database    string `mapstructure:"database"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		TLS         bool   `mapstructure:"tls"`
		MaxPoolSize int    `mapstructure:"max_pool_size"`
	} `mapstructure:"clickhouse"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`
	} `mapstructure:"redis"`

	Messaging struct {
		// Stream is the default bus destination for published events
		Stream string `mapstructure:"stream"`
		// DatabaseNameTemplate formats the per-tenant store database name;
		// the single %s verb receives the lower-cased owner id
		DatabaseNameTemplate string `mapstructure:"database_name_template"`
		// DefaultTableName is the store table used when no override is given
		DefaultTableName string `mapstructure:"default_table_name"`
		// MaxAttempts bounds sink retries (total attempts, including the first)
		MaxAttempts int `mapstructure:"max_attempts"`
	} `mapstructure:"messaging"`

	Dimensions struct {
		// TTL is the default cache validity window
		TTL time.Duration `mapstructure:"ttl"`
		// RefreshInterval drives the background refresh scheduler
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		// CacheSize caps cached entries per dimension
		CacheSize int `mapstructure:"cache_size"`
		// Specs declares file-backed dimensions wired at startup
		Specs []DimensionSpec `mapstructure:"specs"`
	} `mapstructure:"dimensions"`

	Server struct {
		// MetricsAddr is the listen address for /metrics and /healthz
		MetricsAddr string `mapstructure:"metrics_addr"`
	} `mapstructure:"server"`
}

// DimensionSpec declares one file-backed reference-data dimension.
type DimensionSpec struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
	// KeyField names the record field used as the dimension key
	KeyField string `mapstructure:"key_field"`
	// TTL and RefreshInterval override the global dimension settings when set
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// Load reads configuration from trickle.yaml (working directory or ./config),
// environment variables prefixed with TRICKLE_, and built-in defaults.
func Load() (*Config, error) {
	viper.SetConfigName("trickle")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()

	viper.SetEnvPrefix("TRICKLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, defaults and env vars apply
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)

	viper.SetDefault("clickhouse.addr", "localhost:9000")
	viper.SetDefault("clickhouse.database", "default")
	viper.SetDefault("clickhouse.username", "default")
	viper.SetDefault("clickhouse.password", "")
	viper.SetDefault("clickhouse.tls", false)
	viper.SetDefault("clickhouse.max_pool_size", 10)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)

	viper.SetDefault("messaging.stream", "security-events")
	viper.SetDefault("messaging.database_name_template", "trickle_%s")
	viper.SetDefault("messaging.default_table_name", "SecurityEvents")
	viper.SetDefault("messaging.max_attempts", 3)

	viper.SetDefault("dimensions.ttl", 15*time.Minute)
	viper.SetDefault("dimensions.refresh_interval", 15*time.Minute)
	viper.SetDefault("dimensions.cache_size", 512)

	viper.SetDefault("server.metrics_addr", ":9090")
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Messaging.MaxAttempts < 1 {
		return fmt.Errorf("messaging.max_attempts must be at least 1, got %d", c.Messaging.MaxAttempts)
	}
	if !strings.Contains(c.Messaging.DatabaseNameTemplate, "%s") {
		return fmt.Errorf("messaging.database_name_template must contain a %%s verb, got %q", c.Messaging.DatabaseNameTemplate)
	}
	if c.Messaging.Stream == "" {
		return fmt.Errorf("messaging.stream cannot be empty")
	}
	if c.Dimensions.TTL <= 0 {
		return fmt.Errorf("dimensions.ttl must be positive, got %v", c.Dimensions.TTL)
	}
	if c.Dimensions.CacheSize < 1 {
		return fmt.Errorf("dimensions.cache_size must be at least 1, got %d", c.Dimensions.CacheSize)
	}
	for i, spec := range c.Dimensions.Specs {
		if spec.Name == "" {
			return fmt.Errorf("dimensions.specs[%d]: name cannot be empty", i)
		}
		if spec.Path == "" {
			return fmt.Errorf("dimensions.specs[%d] (%s): path cannot be empty", i, spec.Name)
		}
		if spec.KeyField == "" {
			return fmt.Errorf("dimensions.specs[%d] (%s): key_field cannot be empty", i, spec.Name)
		}
	}
	return nil
}
