// Package config loads the engine's YAML configuration: which server to
// talk to, how to talk to it, where logs land, and how snapshots are
// published.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names for ServerConfig.Transport.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// Bus driver names for BusConfig.Driver.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
)

// Config is the complete engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
	Bus     BusConfig     `yaml:"bus"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig points at the agent server.
type ServerConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Transport string        `yaml:"transport"` // sse or ws
	Timeout   time.Duration `yaml:"timeout"`
}

// SessionConfig seeds per-session preferences.
type SessionConfig struct {
	SkipApprovals bool `yaml:"skip_approvals"`
}

// LoggingConfig controls the JSONL log destination.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// BusConfig selects the snapshot bus backend.
type BusConfig struct {
	Driver string `yaml:"driver"` // memory or nats
	URL    string `yaml:"url"`    // nats server url, when driver is nats
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig controls the OpenTelemetry stdout exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	logDir := ".spool/logs"
	if home, err := os.UserHomeDir(); err == nil {
		logDir = filepath.Join(home, ".spool", "logs")
	}
	return &Config{
		Server: ServerConfig{
			BaseURL:   "http://localhost:8711",
			Transport: TransportSSE,
			Timeout:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Dir:   logDir,
			Level: "info",
		},
		Bus: BusConfig{
			Driver: BusMemory,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9711",
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".spool", "config.yaml")
	}
	return ".spool/config.yaml"
}

// Load reads a config file over the defaults. A missing file is not an
// error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	switch c.Server.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("server.transport must be %q or %q, got %q",
			TransportSSE, TransportWebSocket, c.Server.Transport)
	}
	switch c.Bus.Driver {
	case BusMemory, "":
	case BusNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required when bus.driver is nats")
		}
	default:
		return fmt.Errorf("bus.driver must be %q or %q, got %q", BusMemory, BusNATS, c.Bus.Driver)
	}
	return nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
