package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the parley server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Security SecurityConfig `yaml:"security"`
	Auth     AuthConfig     `yaml:"auth"`
	Store    StoreConfig    `yaml:"store"`
	Bot      BotConfig      `yaml:"bot"`
	Call     CallConfig     `yaml:"call"`
	Logging  LoggingConfig  `yaml:"logging"`
	Ops      OpsConfig      `yaml:"ops"`
}

// ServerConfig contains the realtime listener settings.
type ServerConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	SendBuffer     int           `yaml:"send_buffer"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains optional TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	TrustedNetworks     []string        `yaml:"trusted_networks"`
	RateLimit           RateLimitConfig `yaml:"rate_limit"`
	MaxConnections      int             `yaml:"max_connections"`
	MaxConnectionsPerIP int             `yaml:"max_connections_per_ip"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	EventsPerSecond      int  `yaml:"events_per_second"`
}

// AuthConfig contains JWT verification settings for the connect handshake.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	Directory    string `yaml:"directory"`
	HistoryLimit int    `yaml:"history_limit"`
}

// BotConfig contains the AI collaborator settings. An empty endpoint
// leaves the bot in fallback-only mode.
type BotConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CallConfig contains call-signaling settings.
type CallConfig struct {
	RingTimeout time.Duration `yaml:"ring_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	RingSize   int    `yaml:"ring_size"`
}

// OpsConfig contains the local operations listener settings
// (health, metrics, recent logs, group administration).
type OpsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddress   string `yaml:"listen_address"`
	HealthEndpoint  string `yaml:"health_endpoint"`
	Detailed        bool   `yaml:"detailed"`
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	// AuthToken guards the /api/* endpoints when set. The health and
	// metrics endpoints stay open for probes.
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:  "0.0.0.0:8080",
			MaxMessageSize: 262144, // 256KB
			SendBuffer:     64,
			PingInterval:   30 * time.Second,
			PongTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			DrainTimeout:   30 * time.Second,
		},
		Security: SecurityConfig{
			MaxConnections:      1000,
			MaxConnectionsPerIP: 10,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				EventsPerSecond:      50,
			},
		},
		Auth: AuthConfig{
			Issuer: "parley",
		},
		Store: StoreConfig{
			Directory:    "data",
			HistoryLimit: 500,
		},
		Bot: BotConfig{
			Model:   "gpt-4o-mini",
			Timeout: 20 * time.Second,
		},
		Call: CallConfig{
			RingTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			RingSize:   500,
		},
		Ops: OpsConfig{
			Enabled:         true,
			ListenAddress:   "127.0.0.1:8081",
			HealthEndpoint:  "/health",
			Detailed:        true,
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'parley config init' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Server.MaxMessageSize > 67108864 {
		return fmt.Errorf("server.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be positive")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
	}

	for _, cidr := range c.Security.TrustedNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_networks entry %q is not a valid CIDR: %w", cidr, err)
		}
	}
	if c.Security.MaxConnections <= 0 {
		return fmt.Errorf("security.max_connections must be positive")
	}
	if c.Security.MaxConnections > 65535 {
		return fmt.Errorf("security.max_connections must not exceed 65535")
	}
	if c.Security.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("security.max_connections_per_ip must be positive")
	}
	if c.Security.MaxConnectionsPerIP > c.Security.MaxConnections {
		return fmt.Errorf("security.max_connections_per_ip must not exceed security.max_connections")
	}
	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Store.Directory == "" {
		return fmt.Errorf("store.directory is required")
	}
	if c.Store.HistoryLimit <= 0 {
		return fmt.Errorf("store.history_limit must be positive")
	}

	if c.Bot.Endpoint != "" {
		if u, err := url.Parse(c.Bot.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("bot.endpoint must use http:// or https:// scheme")
		}
		if c.Bot.Timeout <= 0 {
			return fmt.Errorf("bot.timeout must be positive")
		}
	}

	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be positive")
	}
	if c.Call.RingTimeout > 5*time.Minute {
		return fmt.Errorf("call.ring_timeout must not exceed 5m")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Ops.Enabled {
		if c.Ops.ListenAddress == "" {
			return fmt.Errorf("ops.listen_address is required when ops is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Ops.ListenAddress); err != nil {
			return fmt.Errorf("ops.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Ops.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("ops.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Server.ListenAddress == c.Ops.ListenAddress {
			return fmt.Errorf("server.listen_address and ops.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies PARLEY_ prefixed environment variables.
// Convention: PARLEY_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"PARLEY_SERVER_LISTEN_ADDRESS":   func(v string) { cfg.Server.ListenAddress = v },
		"PARLEY_SERVER_MAX_MESSAGE_SIZE": func(v string) { cfg.Server.MaxMessageSize = parseInt64(v, cfg.Server.MaxMessageSize) },
		"PARLEY_SERVER_PING_INTERVAL":    func(v string) { cfg.Server.PingInterval = parseDuration(v, cfg.Server.PingInterval) },
		"PARLEY_SERVER_PONG_TIMEOUT":     func(v string) { cfg.Server.PongTimeout = parseDuration(v, cfg.Server.PongTimeout) },
		"PARLEY_SERVER_WRITE_TIMEOUT":    func(v string) { cfg.Server.WriteTimeout = parseDuration(v, cfg.Server.WriteTimeout) },
		"PARLEY_SERVER_DRAIN_TIMEOUT":    func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"PARLEY_SECURITY_MAX_CONNECTIONS": func(v string) {
			cfg.Security.MaxConnections = parseInt(v, cfg.Security.MaxConnections)
		},
		"PARLEY_SECURITY_MAX_CONNECTIONS_PER_IP": func(v string) {
			cfg.Security.MaxConnectionsPerIP = parseInt(v, cfg.Security.MaxConnectionsPerIP)
		},
		"PARLEY_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"PARLEY_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"PARLEY_AUTH_JWT_SECRET":    func(v string) { cfg.Auth.JWTSecret = v },
		"PARLEY_AUTH_ISSUER":        func(v string) { cfg.Auth.Issuer = v },
		"PARLEY_STORE_DIRECTORY":    func(v string) { cfg.Store.Directory = v },
		"PARLEY_BOT_ENDPOINT":       func(v string) { cfg.Bot.Endpoint = v },
		"PARLEY_BOT_API_KEY":        func(v string) { cfg.Bot.APIKey = v },
		"PARLEY_BOT_MODEL":          func(v string) { cfg.Bot.Model = v },
		"PARLEY_CALL_RING_TIMEOUT":  func(v string) { cfg.Call.RingTimeout = parseDuration(v, cfg.Call.RingTimeout) },
		"PARLEY_LOGGING_LEVEL":      func(v string) { cfg.Logging.Level = v },
		"PARLEY_LOGGING_FORMAT":     func(v string) { cfg.Logging.Format = v },
		"PARLEY_LOGGING_FILE":       func(v string) { cfg.Logging.File = v },
		"PARLEY_OPS_ENABLED":        func(v string) { cfg.Ops.Enabled = parseBool(v, cfg.Ops.Enabled) },
		"PARLEY_OPS_LISTEN_ADDRESS": func(v string) { cfg.Ops.ListenAddress = v },
		"PARLEY_OPS_AUTH_TOKEN":     func(v string) { cfg.Ops.AuthToken = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, tls, store.directory, auth.jwt_secret.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Security.MaxConnections = newCfg.Security.MaxConnections
	updated.Security.MaxConnectionsPerIP = newCfg.Security.MaxConnectionsPerIP
	updated.Server.MaxMessageSize = newCfg.Server.MaxMessageSize
	updated.Logging.Level = newCfg.Logging.Level
	updated.Bot = newCfg.Bot
	updated.Call.RingTimeout = newCfg.Call.RingTimeout
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		warnings = append(warnings, "server.tls requires restart")
	}
	if old.Ops.ListenAddress != new.Ops.ListenAddress {
		warnings = append(warnings, "ops.listen_address requires restart")
	}
	if old.Store.Directory != new.Store.Directory {
		warnings = append(warnings, "store.directory requires restart")
	}
	if old.Auth.JWTSecret != new.Auth.JWTSecret {
		warnings = append(warnings, "auth.jwt_secret requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
