package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the process-wide coordinator configuration, read once
// at start.
type Config struct {
	ListenAddr            string `mapstructure:"listen_addr"`
	UploadDir             string `mapstructure:"upload_dir"`
	ChunkSizeBytes        int64  `mapstructure:"chunk_size_bytes"`
	MaxFileSizeBytes      int64  `mapstructure:"max_file_size_bytes"`
	RetentionDays         int    `mapstructure:"retention_days"`
	StaleThresholdMinutes int    `mapstructure:"stale_threshold_minutes"`
	ReapIntervalMinutes   int    `mapstructure:"reap_interval_minutes"`
	MaxParallelWrites     int    `mapstructure:"max_parallel_writes"`
	MaxParallelPerSession int    `mapstructure:"max_parallel_per_session"`
	SessionQueueDepth     int    `mapstructure:"session_queue_depth"`
	WriteTimeoutSeconds   int    `mapstructure:"write_timeout_seconds"`
	RateLimitGeneral      int    `mapstructure:"rate_limit_general"`
	RateLimitUpload       int    `mapstructure:"rate_limit_upload"`
	RateLimitMonitoring   int    `mapstructure:"rate_limit_monitoring"`
	Verbosity             int    `mapstructure:"verbosity"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:            ":8080",
		UploadDir:             "./uploads",
		ChunkSizeBytes:        1 << 20, // 1MiB
		MaxFileSizeBytes:      2 << 30, // 2GiB; the larger platform cap is authoritative
		RetentionDays:         30,
		StaleThresholdMinutes: 30,
		ReapIntervalMinutes:   5,
		MaxParallelWrites:     16,
		MaxParallelPerSession: 3,
		SessionQueueDepth:     8,
		WriteTimeoutSeconds:   30,
		RateLimitGeneral:      100,  // per 60s per IP
		RateLimitUpload:       1000, // per 60s per IP
		RateLimitMonitoring:   500,  // per 60s per IP
		Verbosity:             0,
	}
}

// LoadConfig loads configuration from file or returns defaults when no
// file exists. A present-but-broken file is surfaced as an error.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("stitch")
	viper.SetConfigType("yaml")

	if homeDir, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(homeDir, ".config", "stitch"))
	}
	viper.AddConfigPath("/etc/stitch")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("STITCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.ChunkSizeBytes <= 0 {
		return fmt.Errorf("chunk_size_bytes must be positive, got %d", c.ChunkSizeBytes)
	}
	if c.MaxFileSizeBytes < c.ChunkSizeBytes {
		return fmt.Errorf("max_file_size_bytes %d is smaller than chunk_size_bytes %d", c.MaxFileSizeBytes, c.ChunkSizeBytes)
	}
	if c.UploadDir == "" {
		return fmt.Errorf("upload_dir must not be empty")
	}
	if c.MaxParallelWrites <= 0 || c.MaxParallelPerSession <= 0 {
		return fmt.Errorf("concurrency caps must be positive")
	}
	return nil
}

// StaleThreshold returns the stale bound as a duration.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMinutes) * time.Minute
}

// ReapInterval returns the reaper period as a duration.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalMinutes) * time.Minute
}

// Retention returns the completed-session retention as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// WriteTimeout returns the per-write deadline as a duration.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}
