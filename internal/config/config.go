package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	WhatsApp  WhatsAppConfig  `yaml:"whatsapp"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// Origin patterns accepted on the realtime websocket; empty means same origin only
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig contains campaign store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WhatsAppConfig contains messaging adapter settings
type WhatsAppConfig struct {
	StorePath  string `yaml:"store_path"`  // whatsmeow device store (sqlite)
	LedgerPath string `yaml:"ledger_path"` // campaign -> device ledger (bbolt)
	QRSize     int    `yaml:"qr_size"`     // QR PNG edge in pixels
	OSName     string `yaml:"os_name"`     // shown in the phone's linked devices list

	// Process-wide pacing of new sessions
	SessionsPerMinute int `yaml:"sessions_per_minute"`
	SessionBurst      int `yaml:"session_burst"`
}

// DispatchConfig contains send loop settings
type DispatchConfig struct {
	DefaultInterval   time.Duration `yaml:"default_interval"`
	SendTimeoutFactor int           `yaml:"send_timeout_factor"` // per-send timeout = factor x interval
	BreakerFailures   int           `yaml:"breaker_failures"`    // consecutive not-logged-in sends before the breaker opens
	BreakerTimeout    time.Duration `yaml:"breaker_timeout"`
}

// SchedulerConfig contains scheduled-start settings
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BroadcastConfig contains realtime fan-out settings
type BroadcastConfig struct {
	Buffer int `yaml:"buffer"` // per-subscriber channel capacity
}

// RateLimitConfig contains per-owner QR quota settings
type RateLimitConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"` // bbolt counters file
	QRPerHour int    `yaml:"qr_per_hour"`
	QRPerDay  int    `yaml:"qr_per_day"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Metrics:   MetricsConfig{Enabled: true},
		RateLimit: RateLimitConfig{Enabled: true},
	}
	cfg.setDefaults()
	return cfg
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/campaign-orchestrator/app.db"
	}

	if c.WhatsApp.StorePath == "" {
		c.WhatsApp.StorePath = "/var/lib/campaign-orchestrator/whatsmeow.db"
	}
	if c.WhatsApp.LedgerPath == "" {
		c.WhatsApp.LedgerPath = "/var/lib/campaign-orchestrator/devices.db"
	}
	if c.WhatsApp.QRSize == 0 {
		c.WhatsApp.QRSize = 256
	}
	if c.WhatsApp.OSName == "" {
		c.WhatsApp.OSName = "Campaign Orchestrator"
	}
	if c.WhatsApp.SessionsPerMinute == 0 {
		c.WhatsApp.SessionsPerMinute = 30
	}
	if c.WhatsApp.SessionBurst == 0 {
		c.WhatsApp.SessionBurst = 5
	}

	if c.Dispatch.DefaultInterval == 0 {
		c.Dispatch.DefaultInterval = 10 * time.Second
	}
	if c.Dispatch.SendTimeoutFactor == 0 {
		c.Dispatch.SendTimeoutFactor = 3
	}
	if c.Dispatch.BreakerFailures == 0 {
		c.Dispatch.BreakerFailures = 5
	}
	if c.Dispatch.BreakerTimeout == 0 {
		c.Dispatch.BreakerTimeout = time.Minute
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 30 * time.Second
	}

	if c.Broadcast.Buffer == 0 {
		c.Broadcast.Buffer = 32
	}

	if c.RateLimit.Path == "" {
		c.RateLimit.Path = "/var/lib/campaign-orchestrator/ratelimit.db"
	}
	if c.RateLimit.QRPerHour == 0 {
		c.RateLimit.QRPerHour = 10
	}
	if c.RateLimit.QRPerDay == 0 {
		c.RateLimit.QRPerDay = 50
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.WhatsApp.StorePath == "" {
		return fmt.Errorf("whatsapp.store_path is required")
	}
	if c.WhatsApp.LedgerPath == "" {
		return fmt.Errorf("whatsapp.ledger_path is required")
	}
	if c.WhatsApp.QRSize < 64 {
		return fmt.Errorf("whatsapp.qr_size must be at least 64")
	}

	switch c.Dispatch.DefaultInterval {
	case 5 * time.Second, 10 * time.Second, 20 * time.Second:
	default:
		return fmt.Errorf("invalid dispatch.default_interval: %s (must be 5s, 10s, or 20s)", c.Dispatch.DefaultInterval)
	}
	if c.Dispatch.SendTimeoutFactor < 1 {
		return fmt.Errorf("dispatch.send_timeout_factor must be at least 1")
	}
	if c.Dispatch.BreakerFailures < 1 {
		return fmt.Errorf("dispatch.breaker_failures must be at least 1")
	}

	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s")
	}
	if c.Broadcast.Buffer < 1 {
		return fmt.Errorf("broadcast.buffer must be at least 1")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.Path == "" {
			return fmt.Errorf("ratelimit.path is required when rate limiting is enabled")
		}
		if c.RateLimit.QRPerHour < 1 || c.RateLimit.QRPerDay < 1 {
			return fmt.Errorf("ratelimit quotas must be positive")
		}
		if c.RateLimit.QRPerHour > c.RateLimit.QRPerDay {
			return fmt.Errorf("ratelimit.qr_per_hour must not exceed ratelimit.qr_per_day")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == c.Server.ListenAddr {
		return fmt.Errorf("metrics.listen_addr must differ from server.listen_addr")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
