// Package config loads manifest cache settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/wolfeidau/manifest-cache/ledger"
)

// Config holds the settings shared by every command.
type Config struct {
	Dir     string `env:"MANIFEST_CACHE_DIR" envDefault:"."`
	BaseURL string `env:"MANIFEST_CACHE_BASE_URL" envDefault:"https://www.bungie.net"`
	APIKey  string `env:"BUNGIE_API_KEY"`
	// CredentialsFile is a credentials template whose values override APIKey
	// and RedisURL.
	CredentialsFile string        `env:"MANIFEST_CACHE_CREDENTIALS_FILE"`
	HTTPTimeout     time.Duration `env:"MANIFEST_CACHE_HTTP_TIMEOUT" envDefault:"30s"`
	DownloadTimeout time.Duration `env:"MANIFEST_CACHE_DOWNLOAD_TIMEOUT" envDefault:"10s"`

	LedgerPath    string `env:"MANIFEST_CACHE_LEDGER_PATH"`
	DisableLedger bool   `env:"MANIFEST_CACHE_DISABLE_LEDGER"`

	RedisURL       string        `env:"MANIFEST_CACHE_REDIS_URL"`
	RedisTTL       time.Duration `env:"MANIFEST_CACHE_REDIS_TTL" envDefault:"24h"`
	RedisKeyPrefix string        `env:"MANIFEST_CACHE_REDIS_PREFIX" envDefault:"manifest-cache:"`

	LogLevel  string `env:"MANIFEST_CACHE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MANIFEST_CACHE_LOG_FORMAT" envDefault:"text"`

	MetricsAddr  string `env:"MANIFEST_CACHE_METRICS_ADDR"`
	OTLPEndpoint string `env:"MANIFEST_CACHE_OTLP_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads Config from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Dir) == "" {
		errs = append(errs, errors.New("cache directory is required"))
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("base url is required"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http timeout must be positive, got %s", c.HTTPTimeout))
	}
	if c.DownloadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("download timeout must be positive, got %s", c.DownloadTimeout))
	}
	if c.RedisTTL < 0 {
		errs = append(errs, fmt.Errorf("redis ttl must not be negative, got %s", c.RedisTTL))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format: %s", c.LogFormat))
	}
	return errors.Join(errs...)
}

// LedgerFile returns the ledger database path, or "" when the ledger is
// disabled.
func (c Config) LedgerFile() string {
	if c.DisableLedger {
		return ""
	}
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(c.Dir, ledger.DefaultFileName)
}

// ParseLogLevel converts debug, info, warn or error to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}
