// Package config provides configuration loading for the engine CLI and the
// embedded execution runtime.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Session holds the runtime configuration consumed by operators.
type Session struct {
	// Execution configuration
	Execution ExecutionConfig `mapstructure:"execution"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ExecutionConfig holds operator-level execution knobs.
type ExecutionConfig struct {
	// BatchSize is the target number of rows per output batch.
	BatchSize int `mapstructure:"batch_size"`

	// MemoryLimit is the per-process reservation budget in bytes.
	// Zero or negative means unbounded.
	MemoryLimit int64 `mapstructure:"memory_limit"`

	// SpillCompression is the codec hint passed to the spill manager:
	// "uncompressed", "zstd" or "lz4".
	SpillCompression string `mapstructure:"spill_compression"`

	// DiskSpillEnabled controls whether the disk manager accepts temp files.
	DiskSpillEnabled bool `mapstructure:"disk_spill_enabled"`

	// TempDir is the directory used for spill files.
	TempDir string `mapstructure:"temp_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultSession returns a configuration with default values.
func DefaultSession() *Session {
	return &Session{
		Execution: ExecutionConfig{
			BatchSize:        8192,
			MemoryLimit:      0,
			SpillCompression: "uncompressed",
			DiskSpillEnabled: true,
			TempDir:          os.TempDir(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Session, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("datafusion")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("DATAFUSION")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Session
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("execution.batch_size", 8192)
	v.SetDefault("execution.memory_limit", 0)
	v.SetDefault("execution.spill_compression", "uncompressed")
	v.SetDefault("execution.disk_spill_enabled", true)
	v.SetDefault("execution.temp_dir", os.TempDir())
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
