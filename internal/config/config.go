// Package config resolves process options in a fixed order: command
// line flags, environment (prefix MYAPP_), an optional config file,
// then built-in defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MYAPP"

// Defaults
const (
	DefaultLogLevel       = "INFO"
	DefaultMaxConnections = 100
	DefaultBufferSize     = 24 * 1024 * 1024
	DefaultControlAddr    = ":5557"
	DefaultPublishAddr    = ":5556"
	DefaultMetricsAddr    = ":9091"
)

type Config struct {
	// NumThreads sizes the scheduler; 0 auto-detects hardware.
	NumThreads int    `mapstructure:"num_threads"`
	LogLevel   string `mapstructure:"log_level"`
	// MaxConnections bounds concurrent HTTP transfers.
	MaxConnections int `mapstructure:"max_connections"`
	// DefaultBufferSize is the FixedBuffer capacity for file-mode tasks.
	DefaultBufferSize int `mapstructure:"default_buffer_size"`

	ControlAddr string `mapstructure:"control_addr"`
	PublishAddr string `mapstructure:"publish_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// RegisterFlags declares the command line surface on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Int("num_threads", 0, "number of scheduler threads (0 = hardware)")
	fs.String("log_level", DefaultLogLevel, "logging level")
	fs.Int("max_connections", DefaultMaxConnections, "maximum concurrent HTTP transfers")
	fs.Int("default_buffer_size", DefaultBufferSize, "fixed buffer capacity for file tasks in bytes")
	fs.String("control_addr", DefaultControlAddr, "request/response listen address")
	fs.String("publish_addr", DefaultPublishAddr, "event publish listen address")
	fs.String("metrics_addr", DefaultMetricsAddr, "prometheus listen address")
	fs.String("config", "", "path to config file")
}

// Load resolves the configuration from the parsed flag set.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetDefault("num_threads", 0)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("max_connections", DefaultMaxConnections)
	v.SetDefault("default_buffer_size", DefaultBufferSize)
	v.SetDefault("control_addr", DefaultControlAddr)
	v.SetDefault("publish_addr", DefaultPublishAddr)
	v.SetDefault("metrics_addr", DefaultMetricsAddr)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.MaxConnections < 1 {
		cfg.MaxConnections = 1
	}
	if cfg.DefaultBufferSize < 1024 {
		return nil, fmt.Errorf("default_buffer_size too small: %d", cfg.DefaultBufferSize)
	}
	return &cfg, nil
}
