// Package config handles gateway configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server ServerConfig `json:"server"`
	Agent  AgentConfig  `json:"agent"`
	Limits LimitsConfig `json:"limits"`
}

// ServerConfig defines the listening surface and auth behaviour.
type ServerConfig struct {
	Host           string   `json:"host,omitempty"` // default 0.0.0.0, loopback in no-auth mode
	Port           int      `json:"port"`
	AuthRequired   bool     `json:"auth_required"`
	APIToken       string   `json:"api_token,omitempty"`
	TrustProxy     bool     `json:"trust_proxy,omitempty"` // honour X-Forwarded-For
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	LogLevel       string   `json:"log_level,omitempty"`
}

// AgentConfig defines how agent child processes are spawned.
type AgentConfig struct {
	Command      string            `json:"command,omitempty"` // default "claude"
	DefaultModel string            `json:"default_model,omitempty"`
	DefaultCwd   string            `json:"default_cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// LimitsConfig defines operational limits.
type LimitsConfig struct {
	MaxSessions       int      `json:"max_sessions,omitempty"`
	HistorySize       int      `json:"history_size,omitempty"`
	MaxMessageBytes   int64    `json:"max_message_bytes,omitempty"`
	AuthTimeout       Duration `json:"auth_timeout,omitempty"`
	PermissionTimeout Duration `json:"permission_timeout,omitempty"`
	DrainTimeout      Duration `json:"drain_timeout,omitempty"`
	PingInterval      Duration `json:"ping_interval,omitempty"`
	DeltaFlushWindow  Duration `json:"delta_flush_window,omitempty"`
}

// Duration is a JSON-friendly time.Duration (accepts strings like "30s", "5m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{Server: ServerConfig{AuthRequired: true}}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a config file, then applies env overrides and
// defaults. A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{Server: ServerConfig{AuthRequired: true}}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyEnv applies CHROXY_PORT and CHROXY_TOKEN overrides. All other runtime
// configuration is explicit.
func (c *Config) applyEnv() {
	if v := os.Getenv("CHROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHROXY_TOKEN"); v != "" {
		c.Server.APIToken = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.LogLevel != "" {
		switch c.Server.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("server.log_level must be debug, info, warn, or error")
		}
	}
	if c.Limits.MaxSessions < 0 {
		return fmt.Errorf("limits.max_sessions must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8765
	}
	if c.Server.Host == "" {
		if c.Server.AuthRequired {
			c.Server.Host = "0.0.0.0"
		} else {
			// No-auth mode must never listen beyond loopback.
			c.Server.Host = "127.0.0.1"
		}
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Limits.MaxSessions == 0 {
		c.Limits.MaxSessions = 5
	}
	if c.Limits.HistorySize == 0 {
		c.Limits.HistorySize = 100
	}
	if c.Limits.MaxMessageBytes == 0 {
		c.Limits.MaxMessageBytes = 64 * 1024
	}
	if c.Limits.AuthTimeout.Duration == 0 {
		c.Limits.AuthTimeout.Duration = 10 * time.Second
	}
	if c.Limits.PermissionTimeout.Duration == 0 {
		c.Limits.PermissionTimeout.Duration = 5 * time.Minute
	}
	if c.Limits.DrainTimeout.Duration == 0 {
		c.Limits.DrainTimeout.Duration = 30 * time.Second
	}
	if c.Limits.PingInterval.Duration == 0 {
		c.Limits.PingInterval.Duration = 30 * time.Second
	}
	if c.Limits.DeltaFlushWindow.Duration == 0 {
		c.Limits.DeltaFlushWindow.Duration = 50 * time.Millisecond
	}
}
