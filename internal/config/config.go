// ABOUTME: Configuration loading and parsing for keygate
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MinSessionSecretLength is the shortest accepted session signing secret.
const MinSessionSecretLength = 32

// Config represents the complete keygate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	SMTP      SMTPConfig      `yaml:"smtp" toml:"smtp"`
	Alerts    AlertsConfig    `yaml:"alerts" toml:"alerts"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health server

	// PublicURL is the external origin used in e-mail verification links
	PublicURL string `yaml:"public_url" toml:"public_url"`

	JanitorInterval    time.Duration `yaml:"-" toml:"-"`
	JanitorIntervalRaw string        `yaml:"janitor_interval" toml:"janitor_interval"`
}

// TailscaleConfig holds the tailnet admin listener configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Port      int    `yaml:"port" toml:"port"`
}

// StoreConfig selects the record store backends
type StoreConfig struct {
	// Backend is "sqlite" or "postgres" and holds subject records
	Backend     string `yaml:"backend" toml:"backend"`
	SQLitePath  string `yaml:"sqlite_path" toml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`

	// RedisURL moves challenges, bans and e-mail tokens to Redis when set
	RedisURL    string `yaml:"redis_url" toml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix"`
}

// AuthConfig holds authentication policy
type AuthConfig struct {
	SessionSecret string `yaml:"session_secret" toml:"session_secret"`
	AdminToken    string `yaml:"admin_token" toml:"admin_token"`
	MinKeyBits    int    `yaml:"min_key_bits" toml:"min_key_bits"`

	SessionTTL      time.Duration `yaml:"-" toml:"-"`
	BanDuration     time.Duration `yaml:"-" toml:"-"`
	SubjectCooldown time.Duration `yaml:"-" toml:"-"`
	StoreTimeout    time.Duration `yaml:"-" toml:"-"`
	EmailTokenTTL   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SessionTTLRaw      string `yaml:"session_ttl" toml:"session_ttl"`
	BanDurationRaw     string `yaml:"ban_duration" toml:"ban_duration"`
	SubjectCooldownRaw string `yaml:"subject_cooldown" toml:"subject_cooldown"`
	StoreTimeoutRaw    string `yaml:"store_timeout" toml:"store_timeout"`
	EmailTokenTTLRaw   string `yaml:"email_token_ttl" toml:"email_token_ttl"`
}

// SMTPConfig holds the outbound mail relay. An empty host disables mail.
type SMTPConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	From     string `yaml:"from" toml:"from"`
	StartTLS bool   `yaml:"starttls" toml:"starttls"`
}

// AlertsConfig holds operator alert delivery
type AlertsConfig struct {
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`

	// Window suppresses identical alerts sent within it
	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
}

// MatrixConfig holds the Matrix account and room alerts go to
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// RateLimitConfig holds per-client request throttling
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"` // 0 disables throttling
	Burst             int `yaml:"burst" toml:"burst"`
	MaxClients        int `yaml:"max_clients" toml:"max_clients"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "127.0.0.1:8080",
			JanitorIntervalRaw: "1m",
		},
		Tailscale: TailscaleConfig{Hostname: "keygate-admin", Port: 80},
		Store:     StoreConfig{Backend: "sqlite", SQLitePath: "keygate.db", RedisPrefix: "keygate:"},
		Auth: AuthConfig{
			MinKeyBits:         4096,
			SessionTTLRaw:      "12h",
			BanDurationRaw:     "24h",
			SubjectCooldownRaw: "15m",
			StoreTimeoutRaw:    "3s",
			EmailTokenTTLRaw:   "24h",
		},
		SMTP:      SMTPConfig{Port: 587, StartTLS: true},
		Alerts:    AlertsConfig{WindowRaw: "5m"},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, Burst: 20, MaxClients: 100_000},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// DefaultPath returns the path to the config file.
// Priority: KEYGATE_CONFIG env var > XDG_CONFIG_HOME/keygate/keygate.yaml > ~/.config/keygate/keygate.yaml
func DefaultPath() string {
	if envPath := os.Getenv("KEYGATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "keygate.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "keygate", "keygate.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration text in the given format ("yaml" or "toml")
// over the defaults, then parses durations and validates.
func Parse(data, format string) (*Config, error) {
	cfg := Default()

	switch format {
	case "toml":
		if _, err := toml.Decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal([]byte(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server.public_url must be an absolute http(s) URL")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be sqlite or postgres, got %q", c.Store.Backend)
	}

	if len(c.Auth.SessionSecret) < MinSessionSecretLength {
		return fmt.Errorf("auth.session_secret must be at least %d bytes", MinSessionSecretLength)
	}
	if c.Auth.MinKeyBits < 2048 {
		return fmt.Errorf("auth.min_key_bits must be at least 2048")
	}

	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}

	m := c.Alerts.Matrix
	if m.Enabled && (m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" || m.RoomID == "") {
		return fmt.Errorf("alerts.matrix needs homeserver, user_id, access_token and room_id when enabled")
	}

	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.janitor_interval", cfg.Server.JanitorIntervalRaw, &cfg.Server.JanitorInterval},
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"auth.ban_duration", cfg.Auth.BanDurationRaw, &cfg.Auth.BanDuration},
		{"auth.subject_cooldown", cfg.Auth.SubjectCooldownRaw, &cfg.Auth.SubjectCooldown},
		{"auth.store_timeout", cfg.Auth.StoreTimeoutRaw, &cfg.Auth.StoreTimeout},
		{"auth.email_token_ttl", cfg.Auth.EmailTokenTTLRaw, &cfg.Auth.EmailTokenTTL},
		{"alerts.window", cfg.Alerts.WindowRaw, &cfg.Alerts.Window},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// Sample is a starter configuration written by `keygate init`.
const Sample = `# keygate configuration

server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: ""                 # e.g. "127.0.0.1:9090" for grpc.health.v1
  public_url: "https://auth.example.com"
  janitor_interval: "1m"

tailscale:
  enabled: false                # serve admin routes only on the tailnet
  hostname: "keygate-admin"
  auth_key: "${TS_AUTHKEY}"

store:
  backend: "sqlite"             # sqlite or postgres
  sqlite_path: "keygate.db"
  postgres_dsn: "${KEYGATE_POSTGRES_DSN}"
  redis_url: ""                 # e.g. "redis://localhost:6379/0"

auth:
  session_secret: "${KEYGATE_SESSION_SECRET}"
  admin_token: "${KEYGATE_ADMIN_TOKEN}"
  min_key_bits: 4096
  session_ttl: "12h"
  ban_duration: "24h"
  subject_cooldown: "15m"
  store_timeout: "3s"
  email_token_ttl: "24h"

smtp:
  host: ""
  port: 587
  username: ""
  password: "${KEYGATE_SMTP_PASSWORD}"
  from: "keygate@example.com"
  starttls: true

alerts:
  window: "5m"
  matrix:
    enabled: false
    homeserver: "https://matrix.example.org"
    user_id: "@keygate:example.org"
    access_token: "${KEYGATE_MATRIX_TOKEN}"
    room_id: "!ops:example.org"

rate_limit:
  requests_per_minute: 60
  burst: 20

logging:
  level: "info"                 # debug, info, warn, error
  format: "text"                # text, json
`
