package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	HistoryDBPath string `mapstructure:"history-db-path"`
	FSMDBPath     string `mapstructure:"fsm-db-path"`

	// Firmware retrieval
	HTTPTimeout time.Duration `mapstructure:"http-timeout"`
	S3Region    string        `mapstructure:"s3-region"`
	S3Endpoint  string        `mapstructure:"s3-endpoint"`
	S3Anonymous bool          `mapstructure:"s3-anonymous"`

	// Security limits
	MaxPartSize  int64 `mapstructure:"max-part-size"`
	MaxTotalSize int64 `mapstructure:"max-total-size"`

	// Device timing
	SettleDelay time.Duration `mapstructure:"settle-delay"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("history-db-path", ".artifacts/history.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("http-timeout", 60*time.Second)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("max-part-size", 16*1024*1024)
	viper.SetDefault("max-total-size", 16*1024*1024)
	viper.SetDefault("settle-delay", 100*time.Millisecond)
	viper.SetDefault("log-level", "info")

	// Environment variables (will be ESPFLASH_HISTORY_DB_PATH, etc.)
	viper.SetEnvPrefix("ESPFLASH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.espflash")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.HistoryDBPath == "" {
		return fmt.Errorf("history-db-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http-timeout must be positive")
	}
	if c.MaxPartSize <= 0 {
		return fmt.Errorf("max-part-size must be positive")
	}
	if c.MaxTotalSize < c.MaxPartSize {
		return fmt.Errorf("max-total-size must be at least max-part-size")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle-delay must be non-negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log-level %q", c.LogLevel)
	}
	return level, nil
}
