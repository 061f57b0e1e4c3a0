// Package config handles server configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (NETPULSE_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  port: 8080
//	  api_token_hash: $2a$10$...
//
//	database:
//	  url: postgres://localhost:5432/netpulse?sslmode=disable
//
//	redis:
//	  url: redis://localhost:6379/0
//
//	monitor:
//	  interval: 10s
//	  tick_timeout: 8s
//	  health_threshold: 50
//	  probe_count: 3
//	  probe_timeout: 2s
//	  targets:
//	    - address: 192.168.1.1
//	      label: Gateway
//	    - address: 100.64.12.1
//	      label: ISP edge
//	    - address: 8.8.8.8
//	      label: DNS resolver
//
//	alerts:
//	  email:
//	    enabled: true
//	    host: smtp.example.com
//	    port: 587
//	    username: alerts@example.com
//	    password: op://netpulse/smtp/password
//	    from: alerts@example.com
//	    to: [noc@example.com]
//	  webhook:
//	    enabled: true
//	    url: https://hooks.example.com/netpulse
//	    token: op://netpulse/webhook/token
//
//	stream:
//	  poll_interval: 3s
//	  fallback_window: 15m
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulse-net/netpulse/pkg/types"
)

// Config is the complete server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Stream   StreamConfig   `yaml:"stream"`
}

// ServerConfig defines the HTTP listener and API authentication.
type ServerConfig struct {
	Port int `yaml:"port"`

	// APITokenHash is the bcrypt hash of the bearer token that protects
	// the REST read endpoints and the metrics stream. Empty disables auth.
	APITokenHash string `yaml:"api_token_hash,omitempty"`
}

// DatabaseConfig defines the metric store connection.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig defines the optional response cache. Empty URL disables it.
type RedisConfig struct {
	URL string `yaml:"url,omitempty"`
}

// MonitorConfig defines the probe pipeline behavior.
type MonitorConfig struct {
	Interval        time.Duration  `yaml:"interval"`
	TickTimeout     time.Duration  `yaml:"tick_timeout"`
	HealthThreshold float64        `yaml:"health_threshold"`
	ProbeCount      int            `yaml:"probe_count"`
	ProbeTimeout    time.Duration  `yaml:"probe_timeout"`
	FpingPath       string         `yaml:"fping_path,omitempty"`
	Targets         []types.Target `yaml:"targets"`
}

// AlertsConfig defines the degradation alert channels.
type AlertsConfig struct {
	Email   EmailConfig   `yaml:"email"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// EmailConfig defines the SMTP alert channel.
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"` // may be an op:// secret reference
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// WebhookConfig defines the HTTP POST alert channel.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token,omitempty"` // may be an op:// secret reference

	// RatePerMinute bounds deliveries during alert bursts. Default: 6
	RatePerMinute int `yaml:"rate_per_minute,omitempty"`
}

// StreamConfig defines the live metrics WebSocket behavior.
type StreamConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	FallbackWindow time.Duration `yaml:"fallback_window"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/netpulse?sslmode=disable",
		},
		Monitor: MonitorConfig{
			Interval:        10 * time.Second,
			TickTimeout:     8 * time.Second,
			HealthThreshold: 50,
			ProbeCount:      3,
			ProbeTimeout:    2 * time.Second,
			Targets: []types.Target{
				{Address: "192.168.1.1", Label: "Gateway"},
				{Address: "8.8.8.8", Label: "DNS resolver"},
			},
		},
		Alerts: AlertsConfig{
			Email:   EmailConfig{Port: 587},
			Webhook: WebhookConfig{RatePerMinute: 6},
		},
		Stream: StreamConfig{
			PollInterval:   3 * time.Second,
			FallbackWindow: 15 * time.Minute,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if len(c.Monitor.Targets) == 0 {
		return fmt.Errorf("monitor.targets must contain at least one target")
	}
	for i, t := range c.Monitor.Targets {
		if t.Address == "" {
			return fmt.Errorf("monitor.targets[%d].address is required", i)
		}
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.TickTimeout <= 0 || c.Monitor.TickTimeout > c.Monitor.Interval {
		return fmt.Errorf("monitor.tick_timeout must be positive and no longer than the interval")
	}
	if c.Monitor.HealthThreshold < 0 || c.Monitor.HealthThreshold > 100 {
		return fmt.Errorf("monitor.health_threshold must be within [0,100]")
	}
	if c.Alerts.Email.Enabled && (c.Alerts.Email.Host == "" || len(c.Alerts.Email.To) == 0) {
		return fmt.Errorf("alerts.email requires host and at least one recipient")
	}
	if c.Alerts.Webhook.Enabled && c.Alerts.Webhook.URL == "" {
		return fmt.Errorf("alerts.webhook.url is required when the webhook channel is enabled")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the NETPULSE_ prefix:
//   - NETPULSE_DATABASE_URL
//   - NETPULSE_REDIS_URL
//   - NETPULSE_PORT
//   - NETPULSE_API_TOKEN_HASH
//   - NETPULSE_MONITOR_INTERVAL (Go duration, e.g. "10s")
//   - NETPULSE_HEALTH_THRESHOLD
//   - NETPULSE_TARGETS (comma-separated address=label pairs, e.g.
//     "192.168.1.1=Gateway,8.8.8.8=DNS resolver"; a bare address is its own
//     label)
//   - NETPULSE_ALERT_WEBHOOK_URL
//   - NETPULSE_ALERT_WEBHOOK_TOKEN
//   - NETPULSE_SMTP_PASSWORD
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("NETPULSE_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("NETPULSE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("NETPULSE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("NETPULSE_API_TOKEN_HASH"); v != "" {
		c.Server.APITokenHash = v
	}
	if v := os.Getenv("NETPULSE_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Monitor.Interval = d
		}
	}
	if v := os.Getenv("NETPULSE_HEALTH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Monitor.HealthThreshold = f
		}
	}
	if v := os.Getenv("NETPULSE_TARGETS"); v != "" {
		if targets := parseTargetList(v); len(targets) > 0 {
			c.Monitor.Targets = targets
		}
	}
	if v := os.Getenv("NETPULSE_ALERT_WEBHOOK_URL"); v != "" {
		c.Alerts.Webhook.URL = v
		c.Alerts.Webhook.Enabled = true
	}
	if v := os.Getenv("NETPULSE_ALERT_WEBHOOK_TOKEN"); v != "" {
		c.Alerts.Webhook.Token = v
	}
	if v := os.Getenv("NETPULSE_SMTP_PASSWORD"); v != "" {
		c.Alerts.Email.Password = v
	}
}

// parseTargetList parses a comma-separated list of address=label pairs.
// Entries without a label use the address as the label; empty entries are
// skipped. Returns nil when nothing parseable remains.
func parseTargetList(s string) []types.Target {
	var targets []types.Target
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		address, label, hasLabel := strings.Cut(entry, "=")
		address = strings.TrimSpace(address)
		label = strings.TrimSpace(label)
		if address == "" {
			continue
		}
		if !hasLabel || label == "" {
			label = address
		}
		targets = append(targets, types.Target{Address: address, Label: label})
	}
	return targets
}
