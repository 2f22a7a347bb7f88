// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-relay/config.toml",
	"configs/config.toml",
}

// DefaultUserAgent is sent on every upstream fetch unless overridden.
// Many image hosts reject requests without a recognizable browser identity.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"

// reservedRoutes are exact or prefix routes the metrics path must not shadow.
var reservedRoutes = []string{"/proxy", "/healthz", "/relay/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config     string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	StaticRoot string           `kong:"help='Directory served for non-proxy paths (overrides config).',env='STATIC_ROOT'"`
	LogLevel   string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version    kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Relay    RelayConfig    `toml:"relay"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8099)
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	// PortFallback is how many following ports to try when the configured
	// one is in use or not permitted. 0 fails startup instead.
	PortFallback int `toml:"port_fallback"`
}

// RelayConfig controls how proxied responses are shaped.
type RelayConfig struct {
	StaticRoot         string `toml:"static_root"`
	DefaultContentType string `toml:"default_content_type"`
	CacheMaxAgeSeconds int    `toml:"cache_max_age_seconds"`
	// CORSOnError attaches the proxy CORS headers to the 404 failure
	// response as well. Off by default to keep the historical wire behavior.
	CORSOnError bool `toml:"cors_on_error"`
}

// UpstreamConfig holds upstream fetch settings.
type UpstreamConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds"` // 0 means no timeout
	UserAgent      string `toml:"user_agent"`
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

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-relay/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
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
	if cli.StaticRoot != "" {
		c.Relay.StaticRoot = cli.StaticRoot
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.PortFallback < 0 {
		return fmt.Errorf("server.port_fallback must be non-negative; got %d", c.Server.PortFallback)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Relay.CacheMaxAgeSeconds < 0 {
		return fmt.Errorf("relay.cache_max_age_seconds must be non-negative; got %d", c.Relay.CacheMaxAgeSeconds)
	}

	if root := c.Relay.StaticRoot; root != "" {
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("relay.static_root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("relay.static_root must be a directory; got %q", root)
		}
	}

	if strings.ContainsAny(c.Upstream.UserAgent, "\r\n") {
		return fmt.Errorf("upstream.user_agent must not contain line breaks")
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
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

// setDefaults fills zero-valued fields with sensible defaults.
// TOML cannot distinguish an explicit 0 from an omitted key, so a zero port or
// cache age in the file also results in the default. A zero upstream timeout
// is kept as-is and means "wait indefinitely".
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8099
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Relay.StaticRoot == "" {
		c.Relay.StaticRoot = "."
	}
	if c.Relay.DefaultContentType == "" {
		c.Relay.DefaultContentType = "image/jpeg"
	}
	if c.Relay.CacheMaxAgeSeconds == 0 {
		c.Relay.CacheMaxAgeSeconds = 3600
	}
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
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

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the upstream timeout; zero disables it.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheControl returns the Cache-Control value attached to relayed responses.
func (c *RelayConfig) CacheControl() string {
	return fmt.Sprintf("public, max-age=%d", c.CacheMaxAgeSeconds)
}

// FilePath returns the config file that was loaded, or empty when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
