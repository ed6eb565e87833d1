package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"

	"image-prefetcher/internal/prefetch"
)

type Config struct {
	Headers      map[string]string `json:"headers" env:"PREFETCH_HEADERS" envSeparator:"," envKeyValSeparator:":"`
	ListenPort   int               `json:"listen_port" env:"PREFETCH_LISTEN_PORT"`
	CacheDir     string            `json:"cache_dir" env:"PREFETCH_CACHE_DIR"`
	FetchBackend string            `json:"fetch_backend" env:"PREFETCH_FETCH_BACKEND"`
	Aria2RPCUrl  string            `json:"aria2_rpc_url" env:"PREFETCH_ARIA2_RPC_URL"`
	Aria2Secret  string            `json:"aria2_secret" env:"PREFETCH_ARIA2_SECRET"`

	MaxConcurrentDownloads int `json:"max_concurrent_downloads" env:"PREFETCH_MAX_CONCURRENT_DOWNLOADS"`
	RequestTimeoutMs       int `json:"request_timeout_ms" env:"PREFETCH_REQUEST_TIMEOUT_MS"`
	WriteDelayMs           int `json:"write_delay_ms" env:"PREFETCH_WRITE_DELAY_MS"`
	ThrottleIntervalMs     int `json:"throttle_interval_ms" env:"PREFETCH_THROTTLE_INTERVAL_MS"`

	ImgProxy ImgProxyConfig `json:"imgproxy"`

	LogLevel  string `json:"log_level" env:"PREFETCH_LOG_LEVEL"`
	LogFormat string `json:"log_format" env:"PREFETCH_LOG_FORMAT"`
}

type ImgProxyConfig struct {
	Enabled    bool    `json:"enabled" env:"PREFETCH_IMGPROXY_ENABLED"`
	BaseURL    string  `json:"base_url" env:"PREFETCH_IMGPROXY_BASE_URL"`
	Key        string  `json:"key" env:"PREFETCH_IMGPROXY_KEY"`
	Salt       string  `json:"salt" env:"PREFETCH_IMGPROXY_SALT"`
	Oversample float64 `json:"oversample" env:"PREFETCH_IMGPROXY_OVERSAMPLE"`
}

const (
	BackendHTTP  = "http"
	BackendAria2 = "aria2"
)

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		ListenPort:             8084,
		CacheDir:               "./cache",
		FetchBackend:           BackendHTTP,
		Aria2RPCUrl:            "http://localhost:6800/jsonrpc",
		MaxConcurrentDownloads: 4,
		RequestTimeoutMs:       30000,
		WriteDelayMs:           500,
		ThrottleIntervalMs:     100,
		ImgProxy: ImgProxyConfig{
			Oversample: 2,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

var GlobalConfig = Default()

// LoadConfig fills GlobalConfig from the JSON file at path, then from the
// environment, and validates the result.
func LoadConfig(path string) error {
	return GlobalConfig.Load(path)
}

// Load overlays the JSON file at path and PREFETCH_* environment variables
// onto c. A missing file keeps the current values.
func (c *Config) Load(path string) error {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, c); err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "invalid config file %s", path)
		}
	case !os.IsNotExist(err):
		return errors.Wrapf(err, errors.CodeInvalidConfig, "failed to read config file %s", path)
	}

	if err := ParseEnv(c); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid environment")
	}
	return c.Validate()
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Newf(errors.CodeInvalidConfig, format, args...)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return invalid("listen_port out of range: %d", c.ListenPort)
	}
	if c.CacheDir == "" {
		return invalid("cache_dir is required")
	}
	switch c.FetchBackend {
	case BackendHTTP:
	case BackendAria2:
		if _, err := url.ParseRequestURI(c.Aria2RPCUrl); err != nil {
			return invalid("invalid aria2_rpc_url %q", c.Aria2RPCUrl)
		}
	default:
		return invalid("unknown fetch_backend %q", c.FetchBackend)
	}
	if c.MaxConcurrentDownloads <= 0 {
		return invalid("max_concurrent_downloads must be positive")
	}
	if c.RequestTimeoutMs <= 0 {
		return invalid("request_timeout_ms must be positive")
	}
	if c.WriteDelayMs < 0 || c.ThrottleIntervalMs < 0 {
		return invalid("delays must not be negative")
	}
	if c.ImgProxy.Enabled {
		if _, err := url.ParseRequestURI(c.ImgProxy.BaseURL); err != nil {
			return invalid("invalid imgproxy base_url %q", c.ImgProxy.BaseURL)
		}
	}
	if c.ImgProxy.Oversample < 0 {
		return invalid("imgproxy oversample must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return invalid("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// ManagerOptions returns the prefetch options this configuration starts with.
func (c Config) ManagerOptions() prefetch.Options {
	o := prefetch.DefaultOptions()
	o.MaxConcurrentDownloads = c.MaxConcurrentDownloads
	o.RequestTimeout = time.Duration(c.RequestTimeoutMs) * time.Millisecond
	o.ImgProxyEnabled = c.ImgProxy.Enabled
	return o
}

func (c Config) WriteDelay() time.Duration {
	return time.Duration(c.WriteDelayMs) * time.Millisecond
}

func (c Config) ThrottleInterval() time.Duration {
	return time.Duration(c.ThrottleIntervalMs) * time.Millisecond
}
