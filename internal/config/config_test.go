package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.ListenAddress == "" {
		t.Error("default listen_address should not be empty")
	}
	if cfg.Server.MaxMessageSize != 262144 {
		t.Errorf("default max_message_size = %d, want %d", cfg.Server.MaxMessageSize, 262144)
	}
	if cfg.Server.DrainTimeout != 30*time.Second {
		t.Errorf("default drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 30*time.Second)
	}
	if cfg.Ops.ListenAddress != "127.0.0.1:8081" {
		t.Errorf("default ops.listen_address = %q, want %q", cfg.Ops.ListenAddress, "127.0.0.1:8081")
	}
	if cfg.Call.RingTimeout != 30*time.Second {
		t.Errorf("default ring_timeout = %v, want %v", cfg.Call.RingTimeout, 30*time.Second)
	}
	if cfg.Security.MaxConnections != 1000 {
		t.Errorf("default max_connections = %d, want %d", cfg.Security.MaxConnections, 1000)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  listen_address: "0.0.0.0:9090"
  max_message_size: 2097152
  drain_timeout: "5s"
security:
  max_connections: 500
  max_connections_per_ip: 5
  rate_limit:
    enabled: false
auth:
  jwt_secret: "` + testSecret + `"
store:
  directory: "/var/lib/parley"
call:
  ring_timeout: "20s"
logging:
  level: "debug"
  format: "text"
ops:
  enabled: true
  listen_address: "127.0.0.1:8081"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:9090" {
		t.Errorf("listen_address = %q, want %q", cfg.Server.ListenAddress, "0.0.0.0:9090")
	}
	if cfg.Server.DrainTimeout != 5*time.Second {
		t.Errorf("drain_timeout = %v, want %v", cfg.Server.DrainTimeout, 5*time.Second)
	}
	if cfg.Server.MaxMessageSize != 2097152 {
		t.Errorf("max_message_size = %d, want %d", cfg.Server.MaxMessageSize, 2097152)
	}
	if cfg.Security.MaxConnections != 500 {
		t.Errorf("max_connections = %d, want %d", cfg.Security.MaxConnections, 500)
	}
	if cfg.Call.RingTimeout != 20*time.Second {
		t.Errorf("ring_timeout = %v, want %v", cfg.Call.RingTimeout, 20*time.Second)
	}
	if cfg.Store.Directory != "/var/lib/parley" {
		t.Errorf("store.directory = %q, want %q", cfg.Store.Directory, "/var/lib/parley")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Security.RateLimit.Enabled {
		t.Error("rate_limit.enabled should be false")
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("Load('') error = %v, want jwt_secret validation error", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_AUTH_JWT_SECRET", testSecret)
	t.Setenv("PARLEY_SERVER_LISTEN_ADDRESS", "0.0.0.0:7777")
	t.Setenv("PARLEY_LOGGING_LEVEL", "debug")
	t.Setenv("PARLEY_CALL_RING_TIMEOUT", "45s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.ListenAddress != "0.0.0.0:7777" {
		t.Errorf("listen_address = %q, want env override", cfg.Server.ListenAddress)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Call.RingTimeout != 45*time.Second {
		t.Errorf("ring_timeout = %v, want 45s", cfg.Call.RingTimeout)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid with secret",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "" },
			wantErr: "server.listen_address is required",
		},
		{
			name:    "invalid listen_address",
			modify:  func(c *Config) { c.Server.ListenAddress = "not-a-host-port" },
			wantErr: "server.listen_address is invalid",
		},
		{
			name:    "short jwt secret",
			modify:  func(c *Config) { c.Auth.JWTSecret = "short" },
			wantErr: "jwt_secret must be at least 32 bytes",
		},
		{
			name:    "zero message size",
			modify:  func(c *Config) { c.Server.MaxMessageSize = 0 },
			wantErr: "max_message_size must be positive",
		},
		{
			name:    "bad trusted network",
			modify:  func(c *Config) { c.Security.TrustedNetworks = []string{"10.0.0.0"} },
			wantErr: "trusted_networks",
		},
		{
			name:    "per-ip above total",
			modify:  func(c *Config) { c.Security.MaxConnectionsPerIP = 5000 },
			wantErr: "max_connections_per_ip must not exceed",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "zero ring timeout",
			modify:  func(c *Config) { c.Call.RingTimeout = 0 },
			wantErr: "call.ring_timeout must be positive",
		},
		{
			name:    "bot endpoint scheme",
			modify:  func(c *Config) { c.Bot.Endpoint = "ftp://bot.local" },
			wantErr: "bot.endpoint",
		},
		{
			name:    "tls without cert",
			modify:  func(c *Config) { c.Server.TLS.Enabled = true },
			wantErr: "cert_file",
		},
		{
			name:    "ops address not loopback",
			modify:  func(c *Config) { c.Ops.ListenAddress = "10.1.2.3:8081" },
			wantErr: "loopback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Auth.JWTSecret = testSecret
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReloadSafety(t *testing.T) {
	old := DefaultConfig()
	old.Auth.JWTSecret = testSecret
	updated := DefaultConfig()
	updated.Auth.JWTSecret = testSecret
	updated.Server.ListenAddress = "0.0.0.0:9999"
	updated.Store.Directory = "elsewhere"

	warnings := IsReloadSafe(old, updated)
	if len(warnings) != 2 {
		t.Fatalf("IsReloadSafe warnings = %v, want 2 entries", warnings)
	}

	updated.Call.RingTimeout = 10 * time.Second
	merged := old.ApplyReloadableFields(updated)
	if merged.Call.RingTimeout != 10*time.Second {
		t.Errorf("ring_timeout not reloaded: %v", merged.Call.RingTimeout)
	}
	if merged.Server.ListenAddress != old.Server.ListenAddress {
		t.Errorf("listen_address should not reload, got %q", merged.Server.ListenAddress)
	}
}
