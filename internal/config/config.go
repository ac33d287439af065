package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Image output and download cache
	BuildDir string `mapstructure:"build-dir"`
	CacheDir string `mapstructure:"cache-dir"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// S3 configuration
	S3Bucket     string `mapstructure:"s3-bucket"`
	S3Region     string `mapstructure:"s3-region"`
	BaseImageKey string `mapstructure:"base-image-key"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Settle delays
	SettleMaster time.Duration `mapstructure:"settle-master"`
	SettleErase  time.Duration `mapstructure:"settle-erase"`
	SettleWrite  time.Duration `mapstructure:"settle-write"`

	// Retry of rename and verification
	RetryAttempts int           `mapstructure:"retry-attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry-backoff"`

	// Device writer
	WriteChunkSize int `mapstructure:"write-chunk-size"`

	// Drive runs through the persisted FSM
	Durable bool `mapstructure:"durable"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("build-dir", ".")
	viper.SetDefault("cache-dir", ".artifacts/cache")
	viper.SetDefault("sqlite-path", ".artifacts/builds.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("s3-bucket", "kiwix-hotspot")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("base-image-key", "images/hotspot-master.img.zip")
	viper.SetDefault("max-file-size", 32*1024*1024*1024)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("settle-master", 20*time.Second)
	viper.SetDefault("settle-erase", 15*time.Second)
	viper.SetDefault("settle-write", 5*time.Second)
	viper.SetDefault("retry-attempts", 4)
	viper.SetDefault("retry-backoff", 5*time.Second)
	viper.SetDefault("write-chunk-size", 4*1024*1024)
	viper.SetDefault("durable", false)

	// Environment variables (will be HOTSPOT_BUILD_DIR, etc.)
	viper.SetEnvPrefix("HOTSPOT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.hotspot-imager")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.BuildDir == "" {
		return fmt.Errorf("build-dir cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir cannot be empty")
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.Durable && c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty when durable is set")
	}
	if c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket cannot be empty")
	}
	if c.BaseImageKey == "" {
		return fmt.Errorf("base-image-key cannot be empty")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	if c.SettleMaster < 0 || c.SettleErase < 0 || c.SettleWrite < 0 {
		return fmt.Errorf("settle delays must be non-negative")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry-attempts must be positive")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry-backoff must be non-negative")
	}
	if c.WriteChunkSize <= 0 {
		return fmt.Errorf("write-chunk-size must be positive")
	}
	return nil
}
