package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Kernel    KernelConfig
	Jupyter   JupyterConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8400"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// KernelConfig holds local kernel launch configuration.
type KernelConfig struct {
	LaunchTimeout   time.Duration `envconfig:"KERNEL_LAUNCH_TIMEOUT" default:"30s"`
	IdleTimeout     time.Duration `envconfig:"KERNEL_IDLE_TIMEOUT" default:"60s"`
	PortRangeStart  int           `envconfig:"KERNEL_PORT_START" default:"9000"`
	DaemonPool      bool          `envconfig:"KERNEL_DAEMON_POOL" default:"true"`
	WorkingDir      string        `envconfig:"KERNEL_WORKING_DIR" default:""`
	PythonPath      string        `envconfig:"KERNEL_PYTHON" default:"python3"`
	KernelspecDirs  []string      `envconfig:"KERNEL_SPEC_DIRS" default:""`
	StandbyRestarts bool          `envconfig:"KERNEL_STANDBY_RESTARTS" default:"true"`
}

// JupyterConfig holds remote Jupyter server configuration.
type JupyterConfig struct {
	BaseURL        string        `envconfig:"JUPYTER_URL" default:""`
	Token          string        `envconfig:"JUPYTER_TOKEN" default:""`
	RequestTimeout time.Duration `envconfig:"JUPYTER_TIMEOUT" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8400",
			Host: "0.0.0.0",
		},
		Kernel: KernelConfig{
			LaunchTimeout:   30 * time.Second,
			IdleTimeout:     60 * time.Second,
			PortRangeStart:  9000,
			DaemonPool:      true,
			PythonPath:      "python3",
			StandbyRestarts: true,
		},
		Jupyter: JupyterConfig{
			RequestTimeout: 30 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
