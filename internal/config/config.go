// Package config loads and validates the YAML configuration used by the
// epsonctl daemon and CLI.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Projector ProjectorConfig `yaml:"projector"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProjectorConfig describes the device and the session timing knobs. All
// durations are in milliseconds; zero means "use the default".
type ProjectorConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ConnectTimeoutMs  int `yaml:"connect_timeout_ms"`
	MonitorIntervalMs int `yaml:"monitor_interval_ms"`
	KeepaliveAfterMs  int `yaml:"keepalive_after_ms"`
	DeadAfterMs       int `yaml:"dead_after_ms"`
	PowerOffQuietMs   int `yaml:"power_off_quiet_ms"`
}

// ServerConfig configures the HTTP/WebSocket bridge.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses a configuration file, overlays environment
// variables, then applies defaults and validates. An empty path yields a
// default configuration with no host set.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays ESCVPNET_* environment variables on top of the file.
func applyEnv(cfg *Config) error {
	if host := os.Getenv("ESCVPNET_HOST"); host != "" {
		cfg.Projector.Host = host
	}
	if port := os.Getenv("ESCVPNET_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("ESCVPNET_PORT: %w", err)
		}
		cfg.Projector.Port = n
	}
	if listen := os.Getenv("ESCVPNET_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}
	if level := os.Getenv("ESCVPNET_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return nil
}
