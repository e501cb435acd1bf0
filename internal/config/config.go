// Package config loads lexrt settings from a TOML or YAML file, applies
// LEXRT_* environment overrides and fills defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"lexrt/pkg/realtime"
)

// Duration is a time.Duration written as "10s", "1m30s" in config files.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders d as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalYAML accepts the same strings as UnmarshalText.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig locates the event server.
type ServerConfig struct {
	URL       string `toml:"url" yaml:"url"`               // http(s) or ws(s) base URL
	UploadURL string `toml:"upload_url" yaml:"upload_url"` // defaults to <URL>/upload
	Listen    string `toml:"listen" yaml:"listen"`         // address for `lexrt serve`
}

// ConnectionConfig mirrors realtime.Config.
type ConnectionConfig struct {
	MaxRetries           int      `toml:"max_retries" yaml:"max_retries"`
	BaseBackoff          Duration `toml:"base_backoff" yaml:"base_backoff"`
	MaxBackoff           Duration `toml:"max_backoff" yaml:"max_backoff"`
	DialTimeout          Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	ReconnectTimeout     Duration `toml:"reconnect_timeout" yaml:"reconnect_timeout"`
	DisableAutoReconnect bool     `toml:"disable_auto_reconnect" yaml:"disable_auto_reconnect"`
}

// CorrelationConfig bounds the wait for a session id.
type CorrelationConfig struct {
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// StreamingConfig controls what happens to running sessions.
type StreamingConfig struct {
	// FailOnDisconnect fails running sessions when their channel drops.
	// Unset means true.
	FailOnDisconnect     *bool `toml:"fail_on_disconnect" yaml:"fail_on_disconnect"`
	NotificationCapacity int   `toml:"notification_capacity" yaml:"notification_capacity"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format string `toml:"format" yaml:"format"` // auto, console, json
}

// HistoryConfig locates the session archive.
type HistoryConfig struct {
	Path     string `toml:"path" yaml:"path"`
	Disabled bool   `toml:"disabled" yaml:"disabled"`
}

// Config is the full lexrt configuration.
type Config struct {
	Server      ServerConfig      `toml:"server" yaml:"server"`
	Identity    string            `toml:"identity" yaml:"identity"`
	Connection  ConnectionConfig  `toml:"connection" yaml:"connection"`
	Correlation CorrelationConfig `toml:"correlation" yaml:"correlation"`
	Streaming   StreamingConfig   `toml:"streaming" yaml:"streaming"`
	Log         LogConfig         `toml:"log" yaml:"log"`
	History     HistoryConfig     `toml:"history" yaml:"history"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Server.URL == "" {
		out.Server.URL = "http://127.0.0.1:8787"
	}
	if out.Server.UploadURL == "" {
		out.Server.UploadURL = strings.TrimSuffix(out.Server.URL, "/") + "/upload"
	}
	if out.Server.Listen == "" {
		out.Server.Listen = "127.0.0.1:8787"
	}
	if out.Correlation.Timeout == 0 {
		out.Correlation.Timeout = Duration(realtime.DefaultCorrelationTimeout)
	}
	if out.Streaming.FailOnDisconnect == nil {
		v := true
		out.Streaming.FailOnDisconnect = &v
	}
	if out.Streaming.NotificationCapacity == 0 {
		out.Streaming.NotificationCapacity = realtime.DefaultNotificationCapacity
	}
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	if out.Log.Format == "" {
		out.Log.Format = "auto"
	}
	return out
}

// Home returns LEXRT_HOME or ~/.lexrt.
func Home() (string, error) {
	if v := os.Getenv("LEXRT_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".lexrt"), nil
}

// DefaultPath returns LEXRT_CONFIG, or config.toml under Home.
func DefaultPath() (string, error) {
	if v := os.Getenv("LEXRT_CONFIG"); v != "" {
		return v, nil
	}
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.toml"), nil
}

// Load reads path, decoding TOML or YAML by extension, then applies
// environment overrides and defaults. A missing file is an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := decode(path, data, &c); err != nil {
		return Config{}, err
	}
	return finish(c)
}

// LoadDefault loads DefaultPath, falling back to defaults when the file does
// not exist.
func LoadDefault() (Config, string, error) {
	path, err := DefaultPath()
	if err != nil {
		return Config{}, "", err
	}
	c, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		c, err = finish(Config{})
	}
	return c, path, err
}

func decode(path string, data []byte, c *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("parse %s: unsupported config format %q", path, filepath.Ext(path))
	}
	return nil
}

func finish(c Config) (Config, error) {
	if err := applyEnv(&c); err != nil {
		return Config{}, err
	}
	out := c.withDefaults()
	if out.History.Path == "" {
		home, err := Home()
		if err != nil {
			return Config{}, err
		}
		out.History.Path = filepath.Join(home, "history.db")
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// applyEnv overrides c from LEXRT_* variables.
func applyEnv(c *Config) error {
	strs := map[string]*string{
		"LEXRT_SERVER_URL":   &c.Server.URL,
		"LEXRT_UPLOAD_URL":   &c.Server.UploadURL,
		"LEXRT_LISTEN":       &c.Server.Listen,
		"LEXRT_IDENTITY":     &c.Identity,
		"LEXRT_LOG_LEVEL":    &c.Log.Level,
		"LEXRT_LOG_FORMAT":   &c.Log.Format,
		"LEXRT_HISTORY_PATH": &c.History.Path,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("LEXRT_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEXRT_MAX_RETRIES: %w", err)
		}
		c.Connection.MaxRetries = n
	}
	if v, ok := os.LookupEnv("LEXRT_CORRELATION_TIMEOUT"); ok {
		if err := c.Correlation.Timeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("LEXRT_CORRELATION_TIMEOUT: %w", err)
		}
	}
	return nil
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url: unsupported scheme %q", u.Scheme)
	}
	if c.Connection.MaxRetries < 0 {
		return fmt.Errorf("connection.max_retries: must not be negative")
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}
	return nil
}

// FailOnDisconnect reports the effective streaming policy.
func (c Config) FailOnDisconnect() bool {
	return c.Streaming.FailOnDisconnect == nil || *c.Streaming.FailOnDisconnect
}

// Realtime converts the connection section to realtime.Config.
func (c Config) Realtime() realtime.Config {
	return realtime.Config{
		MaxRetries:           c.Connection.MaxRetries,
		BaseBackoff:          c.Connection.BaseBackoff.Std(),
		MaxBackoff:           c.Connection.MaxBackoff.Std(),
		DialTimeout:          c.Connection.DialTimeout.Std(),
		ReconnectTimeout:     c.Connection.ReconnectTimeout.Std(),
		DisableAutoReconnect: c.Connection.DisableAutoReconnect,
	}
}
