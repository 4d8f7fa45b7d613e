// Package config handles TOML configuration loading and validation.
package config

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"forward-proxy-go/internal/rewrite"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/forward-proxy/config.toml",
	"configs/config.toml",
}

// proxyAuthorizationKey is the header injected when credentials are configured.
const proxyAuthorizationKey = "Proxy-Authorization"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	BindHost     string `kong:"help='Listen host (overrides config).',env='BIND_HOST'"`
	BindPort     int    `kong:"short='p',help='Listen port (overrides config).',env='BIND_PORT'"`
	UpstreamHost string `kong:"help='Upstream host (overrides config).',env='UPSTREAM_HOST'"`
	UpstreamPort int    `kong:"help='Upstream port (overrides config).',env='UPSTREAM_PORT'"`
	Username     string `kong:"help='Proxy auth username (overrides config).',env='PROXY_USERNAME'"`
	Password     string `kong:"help='Proxy auth password (overrides config).',env='PROXY_PASSWORD'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig      `toml:"server"`
	Upstream UpstreamConfig    `toml:"upstream"`
	Auth     AuthConfig        `toml:"auth"`
	Headers  map[string]string `toml:"headers"`
	Relay    RelayConfig       `toml:"relay"`
	Admin    AdminConfig       `toml:"admin"`
	Log      LogConfig         `toml:"log"`
	Metrics  MetricsConfig     `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds the inbound listener settings.
type ServerConfig struct {
	Host        string            `toml:"host"` // default 127.0.0.1
	Port        int               `toml:"port"` // 0 means an OS-assigned ephemeral port
	AcceptLimit AcceptLimitConfig `toml:"accept_limit"`
}

// AcceptLimitConfig caps the rate of new inbound connections. Connections
// accepted above the rate are closed immediately.
type AcceptLimitConfig struct {
	Enabled              bool    `toml:"enabled"`
	ConnectionsPerSecond float64 `toml:"connections_per_second"`
}

// UpstreamConfig holds the fixed forwarding target.
type UpstreamConfig struct {
	Host               string `toml:"host"`
	Port               int    `toml:"port"`
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds"`
}

// AuthConfig holds optional proxy credentials. When either field is set, a
// Proxy-Authorization header is added to the override set.
type AuthConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// RelayConfig tunes the forwarding loop.
type RelayConfig struct {
	BufferBytes           int `toml:"buffer_bytes"`            // per-read buffer, default 4096
	TickDelayMicroseconds int `toml:"tick_delay_microseconds"` // per-cycle delay, default 100
	MaxErrors             int `toml:"max_errors"`              // loop restart bound, default 100
}

// AdminConfig holds the optional admin HTTP server settings.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/forward-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.BindHost != "" {
		c.Server.Host = cli.BindHost
	}
	if cli.BindPort != 0 {
		c.Server.Port = cli.BindPort
	}
	if cli.UpstreamHost != "" {
		c.Upstream.Host = cli.UpstreamHost
	}
	if cli.UpstreamPort != 0 {
		c.Upstream.Port = cli.UpstreamPort
	}
	if cli.Username != "" {
		c.Auth.Username = cli.Username
	}
	if cli.Password != "" {
		c.Auth.Password = cli.Password
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream target: required.
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be 1–65535; got %d", c.Upstream.Port)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}

	// Numeric bounds. server.port 0 is valid and means an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.AcceptLimit.Enabled && c.Server.AcceptLimit.ConnectionsPerSecond <= 0 {
		return fmt.Errorf("server.accept_limit.connections_per_second must be > 0 when the accept limit is enabled; got %v", c.Server.AcceptLimit.ConnectionsPerSecond)
	}
	if c.Relay.BufferBytes < 0 {
		return fmt.Errorf("relay.buffer_bytes must be non-negative; got %d", c.Relay.BufferBytes)
	}
	if c.Relay.TickDelayMicroseconds < 0 {
		return fmt.Errorf("relay.tick_delay_microseconds must be non-negative; got %d", c.Relay.TickDelayMicroseconds)
	}
	if c.Relay.MaxErrors < 0 {
		return fmt.Errorf("relay.max_errors must be non-negative; got %d", c.Relay.MaxErrors)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}

	// Header overrides must be serializable as header lines.
	for key, value := range c.Headers {
		if key == "" || strings.ContainsAny(key, "\r\n:") {
			return fmt.Errorf("headers: invalid override key %q", key)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("headers: invalid override value for %q", key)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key. The one exception is server.port,
// where 0 is meaningful: it requests an OS-assigned ephemeral port.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Relay.BufferBytes == 0 {
		c.Relay.BufferBytes = 4096
	}
	if c.Relay.TickDelayMicroseconds == 0 {
		c.Relay.TickDelayMicroseconds = 100
	}
	if c.Relay.MaxErrors == 0 {
		c.Relay.MaxErrors = 100
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 9090
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

// Addr returns the listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the upstream target address as host:port.
func (c *UpstreamConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the admin server listen address as host:port.
func (c *AdminConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HeaderOverrides returns the configured overrides in the order they are
// applied to rewritten requests: the [headers] table sorted by key, then the
// Proxy-Authorization entry derived from [auth]. The auth entry wins over a
// caller-supplied Proxy-Authorization override but leaves every other key
// alone.
func (c *Config) HeaderOverrides() []rewrite.Override {
	keys := make([]string, 0, len(c.Headers))
	for key := range c.Headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	overrides := make([]rewrite.Override, 0, len(keys)+1)
	for _, key := range keys {
		overrides = append(overrides, rewrite.Override{Key: key, Value: c.Headers[key]})
	}

	if c.Auth.Username != "" || c.Auth.Password != "" {
		auth := "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Auth.Username+":"+c.Auth.Password))
		replaced := false
		for i := range overrides {
			if overrides[i].Key == proxyAuthorizationKey {
				overrides[i].Value = auth
				replaced = true
				break
			}
		}
		if !replaced {
			overrides = append(overrides, rewrite.Override{Key: proxyAuthorizationKey, Value: auth})
		}
	}

	return overrides
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file may hold proxy credentials.
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
