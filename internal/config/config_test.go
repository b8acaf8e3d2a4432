package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
server:
  listen_addr: ":8181"

database:
  path: "/tmp/test.db"

whatsapp:
  store_path: "/tmp/wa.db"
  ledger_path: "/tmp/devices.db"
  qr_size: 512
  os_name: "Test Orchestrator"

dispatch:
  default_interval: 5s
  send_timeout_factor: 2
  breaker_failures: 3
  breaker_timeout: 30s

scheduler:
  poll_interval: 10s

broadcast:
  buffer: 8

ratelimit:
  enabled: true
  path: "/tmp/rl.db"
  qr_per_hour: 2
  qr_per_day: 4

metrics:
  enabled: true
  listen_addr: ":9191"
  allowed_ips: ["127.0.0.1", "10.0.0.0/8"]

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":8181" {
		t.Errorf("Server.ListenAddr = %v, want :8181", cfg.Server.ListenAddr)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %v, want /tmp/test.db", cfg.Database.Path)
	}
	if cfg.WhatsApp.QRSize != 512 {
		t.Errorf("WhatsApp.QRSize = %v, want 512", cfg.WhatsApp.QRSize)
	}
	if cfg.Dispatch.DefaultInterval != 5*time.Second {
		t.Errorf("Dispatch.DefaultInterval = %v, want 5s", cfg.Dispatch.DefaultInterval)
	}
	if cfg.Dispatch.SendTimeoutFactor != 2 {
		t.Errorf("Dispatch.SendTimeoutFactor = %v, want 2", cfg.Dispatch.SendTimeoutFactor)
	}
	if cfg.Dispatch.BreakerTimeout != 30*time.Second {
		t.Errorf("Dispatch.BreakerTimeout = %v, want 30s", cfg.Dispatch.BreakerTimeout)
	}
	if cfg.Scheduler.PollInterval != 10*time.Second {
		t.Errorf("Scheduler.PollInterval = %v, want 10s", cfg.Scheduler.PollInterval)
	}
	if cfg.Broadcast.Buffer != 8 {
		t.Errorf("Broadcast.Buffer = %v, want 8", cfg.Broadcast.Buffer)
	}
	if cfg.RateLimit.QRPerHour != 2 || cfg.RateLimit.QRPerDay != 4 {
		t.Errorf("RateLimit = %+v, want 2/4", cfg.RateLimit)
	}
	if len(cfg.Metrics.AllowedIPs) != 2 {
		t.Errorf("Metrics.AllowedIPs = %v, want 2 entries", cfg.Metrics.AllowedIPs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  format: text\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("Server.ListenAddr = %v, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Dispatch.DefaultInterval != 10*time.Second {
		t.Errorf("Dispatch.DefaultInterval = %v, want 10s", cfg.Dispatch.DefaultInterval)
	}
	if cfg.Dispatch.SendTimeoutFactor != 3 {
		t.Errorf("Dispatch.SendTimeoutFactor = %v, want 3", cfg.Dispatch.SendTimeoutFactor)
	}
	if cfg.Dispatch.BreakerFailures != 5 {
		t.Errorf("Dispatch.BreakerFailures = %v, want 5", cfg.Dispatch.BreakerFailures)
	}
	if cfg.Broadcast.Buffer != 32 {
		t.Errorf("Broadcast.Buffer = %v, want 32", cfg.Broadcast.Buffer)
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should default to false when omitted from file")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %v, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %v, want text", cfg.Logging.Format)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "interval outside allowed set",
			mutate:  func(c *Config) { c.Dispatch.DefaultInterval = 7 * time.Second },
			wantErr: "default_interval",
		},
		{
			name:    "zero timeout factor",
			mutate:  func(c *Config) { c.Dispatch.SendTimeoutFactor = 0 },
			wantErr: "send_timeout_factor",
		},
		{
			name:    "zero buffer",
			mutate:  func(c *Config) { c.Broadcast.Buffer = 0 },
			wantErr: "broadcast.buffer",
		},
		{
			name: "hourly quota above daily",
			mutate: func(c *Config) {
				c.RateLimit.QRPerHour = 100
				c.RateLimit.QRPerDay = 10
			},
			wantErr: "qr_per_hour",
		},
		{
			name: "quota ignored when disabled",
			mutate: func(c *Config) {
				c.RateLimit.Enabled = false
				c.RateLimit.QRPerHour = 0
			},
		},
		{
			name:    "metrics on api port",
			mutate:  func(c *Config) { c.Metrics.ListenAddr = c.Server.ListenAddr },
			wantErr: "metrics.listen_addr",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "invalid" },
			wantErr: "logging.level",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	cfg, err := Load(writeConfig(t, string(data)))
	if err != nil {
		t.Fatalf("Load() of marshalled defaults error = %v", err)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled lost in round trip")
	}
	if cfg.Dispatch.BreakerTimeout != time.Minute {
		t.Errorf("Dispatch.BreakerTimeout = %v, want 1m", cfg.Dispatch.BreakerTimeout)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, `invalid: yaml: content: [`))
	if err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}
