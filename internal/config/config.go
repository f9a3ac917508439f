package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Debounce    DebounceConfig    `yaml:"debounce"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Relay       RelayConfig       `yaml:"relay"`
	AutoAllow   AutoAllowConfig   `yaml:"autoallow"`
	Sessions    SessionsConfig    `yaml:"sessions"`
}

type ServerConfig struct {
	SocketPath      string `yaml:"socket_path"`
	MaxMessageBytes int    `yaml:"max_message_bytes"`
}

type PermissionsConfig struct {
	TimeoutMs       int `yaml:"timeout_ms"`
	SweepIntervalMs int `yaml:"sweep_interval_ms"`
}

type CorrelationConfig struct {
	Capacity int `yaml:"capacity"`
}

type DebounceConfig struct {
	QuietMs int `yaml:"quiet_ms"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

type RelayConfig struct {
	WSURL          string `yaml:"ws_url"`
	Token          string `yaml:"token"`
	HostID         string `yaml:"host_id"`
	OutboxMax      int    `yaml:"outbox_max"`
	ReconnectMaxMs int    `yaml:"reconnect_max_ms"`
}

type AutoAllowConfig struct {
	// Path of the YAML policy file. Empty keeps the policy in memory only.
	Path string `yaml:"path"`
}

type SessionsConfig struct {
	LivenessIntervalMs int `yaml:"liveness_interval_ms"`
}

func (c PermissionsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c PermissionsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c DebounceConfig) Quiet() time.Duration {
	return time.Duration(c.QuietMs) * time.Millisecond
}

func (c RelayConfig) Enabled() bool {
	return c.WSURL != ""
}

func (c RelayConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

func (c SessionsConfig) LivenessInterval() time.Duration {
	return time.Duration(c.LivenessIntervalMs) * time.Millisecond
}

// LoadConfig reads the YAML file at path. A missing file is not an error:
// the defaults are returned instead.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.SocketPath == "" {
		cfg.Server.SocketPath = DefaultSocketPath()
	}
	if cfg.Server.MaxMessageBytes <= 0 {
		cfg.Server.MaxMessageBytes = 1 << 20
	}
	if cfg.Permissions.TimeoutMs <= 0 {
		cfg.Permissions.TimeoutMs = 300000
	}
	if cfg.Permissions.SweepIntervalMs <= 0 {
		cfg.Permissions.SweepIntervalMs = 5000
	}
	if cfg.Correlation.Capacity <= 0 {
		cfg.Correlation.Capacity = 1000
	}
	if cfg.Debounce.QuietMs <= 0 {
		cfg.Debounce.QuietMs = 300
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Relay.OutboxMax <= 0 {
		cfg.Relay.OutboxMax = 10000
	}
	if cfg.Relay.ReconnectMaxMs <= 0 {
		cfg.Relay.ReconnectMaxMs = 30000
	}
	if cfg.Relay.HostID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Relay.HostID = host
		}
	}
	if cfg.Sessions.LivenessIntervalMs <= 0 {
		cfg.Sessions.LivenessIntervalMs = 10000
	}
}

// Environment overrides win over the file.
func (cfg *Config) applyEnv() {
	if v := os.Getenv("HOOKD_SOCKET"); v != "" {
		cfg.Server.SocketPath = v
	}
	if v := os.Getenv("HOOKD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HOOKD_RELAY_TOKEN"); v != "" {
		cfg.Relay.Token = v
	}
}

// DefaultSocketPath prefers $XDG_RUNTIME_DIR and falls back to a per-user
// directory under the system temp dir.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "hookd", "hookd.sock")
	}
	return filepath.Join(os.TempDir(), "hookd-"+strconv.Itoa(os.Getuid()), "hookd.sock")
}
