// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Scoring  ScoringConfig  `mapstructure:"scoring" yaml:"scoring"`
	Import   ImportConfig   `mapstructure:"import" yaml:"import"`
}

// LoggingConfig holds all the configuration for the logger.
type LoggingConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
	Fatal string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// Addr renders the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the Postgres connection details. An empty URL selects
// the in-memory store.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	MaxConns       int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
}

// CacheConfig controls the Redis-backed graph snapshot cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	URL     string        `mapstructure:"url" yaml:"url"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ScoringConfig selects the risk rule table and the score-to-severity tiers.
type ScoringConfig struct {
	RulesFile  string          `mapstructure:"rules_file" yaml:"rules_file"`
	Thresholds ThresholdConfig `mapstructure:"thresholds" yaml:"thresholds"`
}

// ThresholdConfig maps aggregate scores to severity tiers. A score at or
// above Critical is critical, at or above High is high, and so on down to
// informational.
type ThresholdConfig struct {
	Critical int `mapstructure:"critical" yaml:"critical"`
	High     int `mapstructure:"high" yaml:"high"`
	Medium   int `mapstructure:"medium" yaml:"medium"`
	Low      int `mapstructure:"low" yaml:"low"`
}

// ImportConfig tunes the recon-result import pipeline.
type ImportConfig struct {
	Concurrency        int           `mapstructure:"concurrency" yaml:"concurrency"`
	EventBufferSize    int           `mapstructure:"event_buffer_size" yaml:"event_buffer_size"`
	EventFlushInterval time.Duration `mapstructure:"event_flush_interval" yaml:"event_flush_interval"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults establishes the default values for the configuration using Viper.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.service_name", "riskgraph")
	v.SetDefault("logging.log_file", "")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)
	v.SetDefault("logging.compress", true)

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults. No URL by default; the in-memory store is used
	// until one is configured.
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.connect_timeout", "5s")

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.url", "redis://localhost:6379/0")
	v.SetDefault("cache.ttl", "5m")

	// Scoring defaults. An empty rules_file selects the built-in table.
	v.SetDefault("scoring.rules_file", "")
	v.SetDefault("scoring.thresholds.critical", 50)
	v.SetDefault("scoring.thresholds.high", 30)
	v.SetDefault("scoring.thresholds.medium", 15)
	v.SetDefault("scoring.thresholds.low", 1)

	// Import defaults
	v.SetDefault("import.concurrency", 8)
	v.SetDefault("import.event_buffer_size", 256)
	v.SetDefault("import.event_flush_interval", "2s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for connection strings so secrets stay out
	// of config files.
	v.BindEnv("database.url", "RISKGRAPH_DATABASE_URL")
	v.BindEnv("cache.url", "RISKGRAPH_CACHE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Import.Concurrency <= 0 {
		return fmt.Errorf("import.concurrency must be a positive integer")
	}
	if c.Import.EventBufferSize <= 0 {
		return fmt.Errorf("import.event_buffer_size must be a positive integer")
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring configuration invalid: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the scoring thresholds for strict descending order.
func (s *ScoringConfig) Validate() error {
	t := s.Thresholds
	if t.Critical <= t.High || t.High <= t.Medium || t.Medium <= t.Low {
		return fmt.Errorf("thresholds must descend critical > high > medium > low, got %d/%d/%d/%d",
			t.Critical, t.High, t.Medium, t.Low)
	}
	if t.Low < 0 {
		return fmt.Errorf("thresholds.low must not be negative, got %d", t.Low)
	}
	return nil
}

// Validate checks the cache settings when caching is enabled.
func (c *CacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("cache.url is required when the cache is enabled")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be a positive duration")
	}
	return nil
}
