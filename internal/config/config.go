// Package config handles configuration loading from YAML and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Webinfinity/embedly/internal/provider"
	"github.com/Webinfinity/embedly/internal/refresh"
)

// Config is the root configuration structure.
type Config struct {
	Services ServicesConfig `yaml:"services"`
	Cache    CacheConfig    `yaml:"cache"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// ServicesConfig configures the provider manifest endpoint.
type ServicesConfig struct {
	URL                   string `yaml:"url"`
	TimeoutSeconds        int    `yaml:"timeout_seconds"`
	UserAgent             string `yaml:"user_agent"`
	RefreshSchedule       string `yaml:"refresh_schedule"`        // cron expression; empty disables
	RefreshTimeoutSeconds int    `yaml:"refresh_timeout_seconds"` // 0 = refresh.DefaultTimeout
}

// CacheConfig configures the SQLite snapshot cache.
type CacheConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	MaxAgeHours   int    `yaml:"max_age_hours"` // 0 = any age
	KeepSnapshots int    `yaml:"keep_snapshots"`
}

// APIConfig configures the local HTTP API.
type APIConfig struct {
	Listen string `yaml:"listen"` // e.g., "localhost:9191"
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns a Config with defaults.
func DefaultConfig() *Config {
	return &Config{
		Services: ServicesConfig{
			URL:            provider.ServicesURL,
			TimeoutSeconds: int(provider.DefaultTimeout / time.Second),
			UserAgent:      "embedly-go/1.0",
		},
		Cache: CacheConfig{
			Enabled:       false,
			DBPath:        "", // Set in Load based on platform
			MaxAgeHours:   168,
			KeepSnapshots: 10,
		},
		API: APIConfig{
			Listen: "localhost:9191",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "embedly"), nil
	default: // linux, darwin, etc.
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, ".config", "embedly"), nil
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "embedly.db"), nil
}

// Load loads configuration from file, with environment variable overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, fmt.Errorf("getting default db path: %w", err)
	}
	cfg.Cache.DBPath = dbPath

	if path == "" {
		path, err = DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting default config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// No config file - use defaults
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the specified path with secure permissions.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// Write with restrictive permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Services.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("services.url must be an absolute http(s) URL, got %q", c.Services.URL)
	}
	if c.Services.TimeoutSeconds < 0 || c.Services.RefreshTimeoutSeconds < 0 {
		return fmt.Errorf("services.timeout_seconds and services.refresh_timeout_seconds must not be negative")
	}
	if err := refresh.ValidateSchedule(c.Services.RefreshSchedule); err != nil {
		return fmt.Errorf("services.refresh_schedule: %w", err)
	}
	if c.Cache.Enabled && c.Cache.DBPath == "" {
		return fmt.Errorf("cache.db_path is required when the cache is enabled")
	}
	if c.Cache.MaxAgeHours < 0 || c.Cache.KeepSnapshots < 0 {
		return fmt.Errorf("cache.max_age_hours and cache.keep_snapshots must not be negative")
	}
	if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
		return fmt.Errorf("api.listen %q: %w", c.API.Listen, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("EMBEDLY_SERVICES_URL"); v != "" {
		c.Services.URL = v
	}
	if v := os.Getenv("EMBEDLY_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv("EMBEDLY_DB_PATH"); v != "" {
		c.Cache.DBPath = v
		c.Cache.Enabled = true
	}
	if v := os.Getenv("EMBEDLY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv("EMBEDLY_REFRESH_SCHEDULE"); ok {
		c.Services.RefreshSchedule = v
	}
	if v := os.Getenv("EMBEDLY_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Services.TimeoutSeconds = n
		}
	}
}

// Timeout returns the manifest fetch timeout.
func (c *ServicesConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return provider.DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RefreshTimeout returns the bound on one scheduled refresh.
func (c *ServicesConfig) RefreshTimeout() time.Duration {
	if c.RefreshTimeoutSeconds <= 0 {
		return refresh.DefaultTimeout
	}
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

// MaxAge returns the snapshot fallback age limit (0 = any age).
func (c *CacheConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
	}
}
