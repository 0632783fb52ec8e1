// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/bookmate-proxy/config.toml",
	"configs/config.toml",
}

// Authentication schemes understood by the Bookmate API client.
const (
	AuthSchemeHeader = "auth-token" // auth-token: <token>
	AuthSchemeToken  = "token"      // Authorization: Token <token>
)

// Body delivery modes.
const (
	DeliveryStream = "stream"
	DeliveryBuffer = "buffer"
)

const tokenPlaceholder = "YOUR_TOKEN_HERE"

// reservedRoutes cannot be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/book", "/ping", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Token    string `kong:"help='Bookmate API token (overrides config).',env='BOOKMATE_TOKEN'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Delivery string `kong:"help='Body delivery mode: stream|buffer (overrides config).',env='DELIVERY_MODE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Bookmate BookmateConfig `toml:"bookmate"`
	Upstream UpstreamConfig `toml:"upstream"`
	Delivery DeliveryConfig `toml:"delivery"`
	Static   StaticConfig   `toml:"static"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Tracing  TracingConfig  `toml:"tracing"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (80); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BookmateConfig holds the Bookmate API credential and how it is sent.
type BookmateConfig struct {
	Token      string      `toml:"token"`
	AuthScheme string      `toml:"auth_scheme"`
	Vault      VaultConfig `toml:"vault"`
}

// VaultConfig locates the Bookmate token in a Vault KV v2 secret.
// It is consulted only when no token is set directly.
type VaultConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Token   string `toml:"token"` // falls back to VAULT_TOKEN
	Mount   string `toml:"mount"`
	Path    string `toml:"path"`
	Key     string `toml:"key"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	BaseURL         string   `toml:"base_url"`
	AllowedHosts    []string `toml:"allowed_hosts"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	IdleConnections int      `toml:"idle_connections"`
}

// DeliveryConfig selects how book bodies are relayed to clients.
type DeliveryConfig struct {
	Mode             string `toml:"mode"`
	MaxBufferBytes   int64  `toml:"max_buffer_bytes"`
	HideErrorDetails bool   `toml:"hide_error_details"`
}

// StaticConfig holds the public asset directory.
type StaticConfig struct {
	Dir string `toml:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Endpoint     string  `toml:"endpoint"`
	SamplingRate float64 `toml:"sampling_rate"`
	ServiceName  string  `toml:"service_name"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/bookmate-proxy/config.toml then configs/config.toml. If neither exists
// the service runs on defaults plus CLI/environment values.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Token != "" {
		c.Bookmate.Token = cli.Token
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Delivery != "" {
		c.Delivery.Mode = cli.Delivery
	}
}

func (c *Config) validate() error {
	if c.Bookmate.Token == tokenPlaceholder {
		return fmt.Errorf("bookmate.token contains placeholder value; set a real token or use BOOKMATE_TOKEN")
	}
	switch c.Bookmate.AuthScheme {
	case AuthSchemeHeader, AuthSchemeToken:
	default:
		return fmt.Errorf("bookmate.auth_scheme must be one of: %s, %s; got %q", AuthSchemeHeader, AuthSchemeToken, c.Bookmate.AuthScheme)
	}
	if err := c.Bookmate.Vault.validate(); err != nil {
		return err
	}

	// Upstream URL must be HTTPS.
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("upstream.base_url must use HTTPS; got %q", c.Upstream.BaseURL)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Delivery.MaxBufferBytes < 0 {
		return fmt.Errorf("delivery.max_buffer_bytes must be non-negative; got %d", c.Delivery.MaxBufferBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1]; got %v", c.Tracing.SamplingRate)
	}

	switch c.Delivery.Mode {
	case DeliveryStream, DeliveryBuffer:
	default:
		return fmt.Errorf("delivery.mode must be one of: stream, buffer; got %q", c.Delivery.Mode)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (v *VaultConfig) validate() error {
	if !v.Enabled {
		return nil
	}
	var missing []string
	for _, f := range []struct{ name, val string }{
		{"address", v.Address},
		{"mount", v.Mount},
		{"path", v.Path},
		{"key", v.Key},
	} {
		if f.val == "" {
			missing = append(missing, "bookmate.vault."+f.name)
		}
	}
	if len(missing) > 0 {
		return errors.New("vault is enabled but required fields are empty: " + strings.Join(missing, ", "))
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish between
// an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	c.Bookmate.AuthScheme = strings.ToLower(c.Bookmate.AuthScheme)
	c.Delivery.Mode = strings.ToLower(c.Delivery.Mode)

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 80
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB, only GETs are served
	}
	if c.Bookmate.AuthScheme == "" {
		c.Bookmate.AuthScheme = AuthSchemeHeader
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.bookmate.yandex.net"
	}
	if len(c.Upstream.AllowedHosts) == 0 {
		c.Upstream.AllowedHosts = []string{"api.bookmate.yandex.net"}
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Delivery.Mode == "" {
		c.Delivery.Mode = DeliveryStream
	}
	if c.Delivery.MaxBufferBytes == 0 {
		c.Delivery.MaxBufferBytes = 64 * 1024 * 1024 // 64 MB
	}
	if c.Static.Dir == "" {
		c.Static.Dir = "public"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "bookmate-proxy"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
