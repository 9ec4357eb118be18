// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultDirName      = ".feedctl"
	DefaultDatabaseFile = "feed.db"
	DefaultFeedsFile    = "feeds.toml"
	DefaultLogLevel     = "warn"
	DefaultFetchTimeout = 30 * time.Second
	DefaultWorkers      = 4
	DefaultUserAgent    = "feedctl/1.0"
)

// Config holds the application configuration.
type Config struct {
	Home              string
	DatabasePath      string
	SubscriptionsPath string
	LogLevel          string
	FetchTimeout      time.Duration
	Workers           int
	UserAgent         string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv, which lets callers layer
// command-line flags over the process environment.
func LoadFrom(getenv func(string) string) (*Config, error) {
	envOrDefault := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}

	home := getenv("FEEDCTL_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("FEEDCTL_HOME is unset and no home directory: %w", err)
		}
		home = filepath.Join(userHome, DefaultDirName)
	}

	cfg := &Config{
		Home:              home,
		DatabasePath:      envOrDefault("FEEDCTL_DATABASE_PATH", filepath.Join(home, DefaultDatabaseFile)),
		SubscriptionsPath: envOrDefault("FEEDCTL_SUBSCRIPTIONS_PATH", filepath.Join(home, DefaultFeedsFile)),
		LogLevel:          strings.ToLower(envOrDefault("FEEDCTL_LOG_LEVEL", DefaultLogLevel)),
		FetchTimeout:      DefaultFetchTimeout,
		Workers:           DefaultWorkers,
		UserAgent:         envOrDefault("FEEDCTL_USER_AGENT", DefaultUserAgent),
	}

	if raw := getenv("FEEDCTL_FETCH_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDCTL_FETCH_TIMEOUT %q: %w", raw, err)
		}
		cfg.FetchTimeout = d
	}

	if raw := getenv("FEEDCTL_WORKERS"); raw != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid FEEDCTL_WORKERS %q: %w", raw, err)
		}
		cfg.Workers = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that may also come from command-line flags.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive, got %s", c.FetchTimeout)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	return nil
}
