// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/media-proxy/config.toml",
	"configs/config.toml",
}

// Browser identity presented to the origin unless overridden.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) quark-cloud-drive/2.5.20 Chrome/100.0.4896.160 Electron/18.3.5.4-b478491100 Safari/537.36 Channel/pckk_other_ch"
	DefaultReferer   = "https://pan.quark.cn/"
	DefaultOrigin    = "https://pan.quark.cn/"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	PublicURL string `kong:"name='public-url',help='Externally visible proxy base URL used in rewritten playlists (overrides config).',env='PUBLIC_URL'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Serve ServeCmd `kong:"cmd,default='1',help='Run the proxy server.'"`
	URL   URLCmd   `kong:"cmd,name='url',help='Print the proxied URL for a target.'"`
}

// ServeCmd runs the proxy server.
type ServeCmd struct{}

// URLCmd prints the proxied form of a target URL, or with Decode set, the
// target and cookie carried by a proxied URL.
type URLCmd struct {
	Target string `kong:"arg,required,help='Origin URL to route through the proxy (or a proxied URL with --decode).'"`
	Cookie string `kong:"help='Cookie header value forwarded to the origin.',env='PROXY_COOKIE'"`
	Decode bool   `kong:"short='d',help='Decode a proxied URL instead of building one.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Playlist PlaylistConfig `toml:"playlist"`
	Stream   StreamConfig   `toml:"stream"`
	CORS     CORSConfig     `toml:"cors"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (7878); TOML cannot distinguish 0 from unset
	PublicURL string          `toml:"public_url"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds origin connection settings and the identity headers
// sent with every outbound request.
type UpstreamConfig struct {
	UserAgent                    string `toml:"user_agent"`
	Referer                      string `toml:"referer"`
	Origin                       string `toml:"origin"`
	DialTimeoutSeconds           int    `toml:"dial_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int    `toml:"response_header_timeout_seconds"` // 0 disables
	IdleConnections              int    `toml:"idle_connections"`
	InsecureSkipVerify           bool   `toml:"insecure_skip_verify"`
}

// PlaylistConfig bounds manifest rewriting.
type PlaylistConfig struct {
	MaxBytes int64 `toml:"max_bytes"`
}

// StreamConfig tunes the streaming relay.
type StreamConfig struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"` // 0 disables
	BufferBytes        int `toml:"buffer_bytes"`
}

// CORSConfig is the cross-origin policy applied to the proxy route.
type CORSConfig struct {
	AllowOrigins []string `toml:"allow_origins"`
	AllowMethods []string `toml:"allow_methods"`
	AllowHeaders []string `toml:"allow_headers"`
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
// /etc/media-proxy/config.toml then configs/config.toml. Unlike an explicit
// path, a missing file in the search paths is not an error: the proxy then
// runs on defaults alone.
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
	if cli.PublicURL != "" {
		c.Server.PublicURL = cli.PublicURL
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil {
			return fmt.Errorf("server.public_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("server.public_url must use http or https; got %q", c.Server.PublicURL)
		}
		if u.Host == "" {
			return fmt.Errorf("server.public_url must include a host; got %q", c.Server.PublicURL)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("server.public_url must not carry a query or fragment; got %q", c.Server.PublicURL)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.DialTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.dial_timeout_seconds must be non-negative; got %d", c.Upstream.DialTimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Playlist.MaxBytes < 0 {
		return fmt.Errorf("playlist.max_bytes must be non-negative; got %d", c.Playlist.MaxBytes)
	}
	if c.Stream.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("stream.idle_timeout_seconds must be non-negative; got %d", c.Stream.IdleTimeoutSeconds)
	}
	if c.Stream.BufferBytes < 0 {
		return fmt.Errorf("stream.buffer_bytes must be non-negative; got %d", c.Stream.BufferBytes)
	}

	// Header values are sent verbatim; reject anything that would split a header line.
	for name, v := range map[string]string{
		"upstream.user_agent": c.Upstream.UserAgent,
		"upstream.referer":    c.Upstream.Referer,
		"upstream.origin":     c.Upstream.Origin,
	} {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%s must not contain line breaks", name)
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
	case "json", "text", "pretty", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text, pretty; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/proxy", "/healthz"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, MaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. The timeout
// fields are the exception: their zero value disables the timeout.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 7878
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.Upstream.UserAgent == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	if c.Upstream.Referer == "" {
		c.Upstream.Referer = DefaultReferer
	}
	if c.Upstream.Origin == "" {
		c.Upstream.Origin = DefaultOrigin
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Playlist.MaxBytes == 0 {
		c.Playlist.MaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Stream.BufferBytes == 0 {
		c.Stream.BufferBytes = 32 * 1024
	}
	if len(c.CORS.AllowOrigins) == 0 {
		c.CORS.AllowOrigins = []string{"*"}
	}
	if len(c.CORS.AllowMethods) == 0 {
		c.CORS.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(c.CORS.AllowHeaders) == 0 {
		c.CORS.AllowHeaders = []string{"Content-Type", "Range"}
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

// FilePath returns the config file the configuration was read from, or the
// empty string when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
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
