// Package config loads the tasync configuration: a YAML file, optional
// .env files and TASYNC_* environment overrides, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvEncryptionKey = "TASYNC_ENCRYPTION_KEY"
	EnvDB            = "TASYNC_DB"
	EnvListen        = "TASYNC_LISTEN"
	EnvAPIToken      = "TASYNC_API_TOKEN"
	EnvLogLevel      = "TASYNC_LOG_LEVEL"
)

// Config is the full process configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	// EncryptionKey is the 64-hex-char AES-256 key for stored TA passwords.
	// Usually injected through TASYNC_ENCRYPTION_KEY rather than the file.
	EncryptionKey string `yaml:"encryption_key"`

	Browser   BrowserConfig   `yaml:"browser"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Retention RetentionConfig `yaml:"retention"`
}

// BrowserConfig drives the TA browser automation.
type BrowserConfig struct {
	// RemoteURL connects to an already running browser (ws://...).
	RemoteURL           string        `yaml:"remote_url"`
	Bin                 string        `yaml:"bin"`
	Display             string        `yaml:"display"`
	NoSandbox           bool          `yaml:"no_sandbox"`
	ResourceBlocking    bool          `yaml:"resource_blocking"`
	NavigationTimeout   time.Duration `yaml:"navigation_timeout"`
	SelectorTimeout     time.Duration `yaml:"selector_timeout"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
}

// APIConfig targets the generic sync API. An empty BaseURL disables
// execute mode for canonical syncs.
type APIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Token        string        `yaml:"token"`
	AllowPrivate bool          `yaml:"allow_private"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = default, negative disables
	Backoff      time.Duration `yaml:"backoff"`
}

// MetricsConfig sizes the metrics buffer.
type MetricsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RetentionConfig controls periodic cleanup of events and metrics.
type RetentionConfig struct {
	EventLogsDays int           `yaml:"event_logs_days"`
	MetricsDays   int           `yaml:"metrics_days"`
	Interval      time.Duration `yaml:"interval"`
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.DBPath == "" {
		c.DBPath = "data/tasync.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Browser.NavigationTimeout <= 0 {
		c.Browser.NavigationTimeout = 30 * time.Second
	}
	if c.Browser.SelectorTimeout <= 0 {
		c.Browser.SelectorTimeout = 15 * time.Second
	}
	if c.Browser.ConfirmationTimeout <= 0 {
		c.Browser.ConfirmationTimeout = 5 * time.Minute
	}
	if c.Browser.PollInterval <= 0 {
		c.Browser.PollInterval = time.Second
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.API.Backoff <= 0 {
		c.API.Backoff = 250 * time.Millisecond
	}
	if c.Metrics.BufferSize <= 0 {
		c.Metrics.BufferSize = 100
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 5 * time.Second
	}
	if c.Retention.EventLogsDays <= 0 {
		c.Retention.EventLogsDays = 90
	}
	if c.Retention.MetricsDays <= 0 {
		c.Retention.MetricsDays = 30
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = 24 * time.Hour
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path, when path is non-empty, then applies
// environment overrides and defaults. Variables found in envFiles are used
// only when the process environment does not set them; missing env files
// are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return nil, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func readEnvFiles(paths []string) (map[string]string, error) {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: stat %s: %w", p, err)
		}
		existing = append(existing, p)
	}
	if len(existing) == 0 {
		return map[string]string{}, nil
	}
	env, err := godotenv.Read(existing...)
	if err != nil {
		return nil, fmt.Errorf("config: read env files: %w", err)
	}
	return env, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvEncryptionKey); ok {
		c.EncryptionKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvAPIToken); ok {
		c.API.Token = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup("TASYNC_API_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: TASYNC_API_MAX_RETRIES: %w", err)
		}
		c.API.MaxRetries = n
	}
	return nil
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unsupported log_level %q", c.LogLevel)
	}
	if c.Browser.PollInterval > c.Browser.ConfirmationTimeout {
		return fmt.Errorf("config: browser.poll_interval exceeds confirmation_timeout")
	}
	return nil
}
