package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const appName = "pilink"

// Outbox store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// ReconnectConfig holds the reconnection backoff settings
type ReconnectConfig struct {
	MaxRetries        int     `yaml:"max_retries" json:"max_retries"`
	InitialDelayMs    int     `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// OutboxConfig selects and configures the outbox store
type OutboxConfig struct {
	Driver      string `yaml:"driver" json:"driver"` // "sqlite", "redis" or "memory"
	Path        string `yaml:"path,omitempty" json:"path,omitempty"`
	RedisURL    string `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
	RedisPrefix string `yaml:"redis_prefix,omitempty" json:"redis_prefix,omitempty"`
	MaxRetries  int    `yaml:"max_retries" json:"max_retries"`
	BaseDelayMs int    `yaml:"base_delay_ms" json:"base_delay_ms"`
}

// Config holds application configuration
type Config struct {
	ServerURL        string          `yaml:"server_url" json:"server_url"`
	AuthToken        string          `yaml:"auth_token,omitempty" json:"auth_token,omitempty"`
	RequestTimeoutMs int             `yaml:"request_timeout_ms" json:"request_timeout_ms"`
	ConnectTimeoutMs int             `yaml:"connect_timeout_ms" json:"connect_timeout_ms"`
	PingIntervalMs   int             `yaml:"ping_interval_ms" json:"ping_interval_ms"` // 0 disables keep-alive pings
	Reconnect        ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Outbox           OutboxConfig    `yaml:"outbox" json:"outbox"`
	LogLevel         string          `yaml:"log_level" json:"log_level"` // debug, info, warn, error, none
	LogPath          string          `yaml:"log_path" json:"log_path"`
	MetricsAddr      string          `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "linux":
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", appName)
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, appName)
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", appName)
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", appName)
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		ServerURL:        "ws://localhost:3000/ws",
		RequestTimeoutMs: 30000,
		ConnectTimeoutMs: 10000,
		PingIntervalMs:   30000,
		Reconnect: ReconnectConfig{
			MaxRetries:        5,
			InitialDelayMs:    1000,
			MaxDelayMs:        30000,
			BackoffMultiplier: 2,
		},
		Outbox: OutboxConfig{
			Driver:      DriverSQLite,
			Path:        filepath.Join(stateDir, "outbox.db"),
			RedisPrefix: "pilink:outbox",
			MaxRetries:  3,
			BaseDelayMs: 1000,
		},
		LogLevel: "info",
		LogPath:  filepath.Join(stateDir, "pilink.log"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
// ${VAR} and ${VAR:-default} references are expanded before parsing; JSON
// files are accepted as well.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	defaults := DefaultConfig()
	if config.LogLevel == "" {
		config.LogLevel = defaults.LogLevel
	}
	if config.LogPath == "" {
		config.LogPath = defaults.LogPath
	}
	if config.Outbox.Driver == "" {
		config.Outbox.Driver = defaults.Outbox.Driver
	}
	if config.Outbox.Path == "" {
		config.Outbox.Path = defaults.Outbox.Path
	}
	if config.Outbox.RedisPrefix == "" {
		config.Outbox.RedisPrefix = defaults.Outbox.RedisPrefix
	}

	return config, nil
}

// ApplyEnv overrides fields from PILINK_URL, PILINK_TOKEN, PILINK_LOG_LEVEL
// and PILINK_LOG_PATH.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("PILINK_URL")); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("PILINK_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("PILINK_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("PILINK_LOG_PATH")); v != "" {
		c.LogPath = v
	}
}

// Validate checks the configuration for values the client cannot work with.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.ServerURL)
	switch {
	case c.ServerURL == "":
		errs = append(errs, errors.New("server_url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("server_url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("server_url must use ws or wss, got %q", u.Scheme))
	}

	if c.RequestTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout_ms must be > 0, got %d", c.RequestTimeoutMs))
	}
	if c.ConnectTimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("connect_timeout_ms must be > 0, got %d", c.ConnectTimeoutMs))
	}
	if c.PingIntervalMs < 0 {
		errs = append(errs, fmt.Errorf("ping_interval_ms must be >= 0, got %d", c.PingIntervalMs))
	}
	if c.Reconnect.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries must be >= 0, got %d", c.Reconnect.MaxRetries))
	}
	if c.Reconnect.InitialDelayMs <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.initial_delay_ms must be > 0, got %d", c.Reconnect.InitialDelayMs))
	}
	if c.Reconnect.MaxDelayMs < c.Reconnect.InitialDelayMs {
		errs = append(errs, fmt.Errorf("reconnect.max_delay_ms (%d) must be >= initial_delay_ms (%d)",
			c.Reconnect.MaxDelayMs, c.Reconnect.InitialDelayMs))
	}
	if c.Reconnect.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("reconnect.backoff_multiplier must be >= 1, got %g", c.Reconnect.BackoffMultiplier))
	}

	switch c.Outbox.Driver {
	case DriverSQLite:
		if c.Outbox.Path == "" {
			errs = append(errs, errors.New("outbox.path is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Outbox.RedisURL == "" {
			errs = append(errs, errors.New("outbox.redis_url is required for the redis driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown outbox.driver %q", c.Outbox.Driver))
	}
	if c.Outbox.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("outbox.max_retries must be >= 1, got %d", c.Outbox.MaxRetries))
	}
	if c.Outbox.BaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("outbox.base_delay_ms must be >= 0, got %d", c.Outbox.BaseDelayMs))
	}

	return errors.Join(errs...)
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	// the file may hold the auth token
	return os.WriteFile(path, data, 0600)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// RequestTimeout returns request_timeout_ms as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return ms(c.RequestTimeoutMs)
}

// ConnectTimeout returns connect_timeout_ms as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return ms(c.ConnectTimeoutMs)
}

// PingInterval returns ping_interval_ms as a duration.
func (c *Config) PingInterval() time.Duration {
	return ms(c.PingIntervalMs)
}

// InitialDelay returns reconnect.initial_delay_ms as a duration.
func (r ReconnectConfig) InitialDelay() time.Duration {
	return ms(r.InitialDelayMs)
}

// MaxDelay returns reconnect.max_delay_ms as a duration.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return ms(r.MaxDelayMs)
}

// BaseDelay returns outbox.base_delay_ms as a duration.
func (o OutboxConfig) BaseDelay() time.Duration {
	return ms(o.BaseDelayMs)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
