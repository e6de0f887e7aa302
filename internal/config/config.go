// Package config handles pigeon configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage backends.
const (
	StorageBackendFile   = "file"
	StorageBackendSQLite = "sqlite"
)

// Channel transports, in fallback order.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

// Config is the root configuration structure for pigeon.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Storage settings for durable records
	Storage StorageConfig `yaml:"storage" mapstructure:"storage"`

	// Channel settings for the relay connection
	Channel ChannelConfig `yaml:"channel" mapstructure:"channel"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// GlobalConfig contains global pigeon settings.
type GlobalConfig struct {
	// DataDir is where pigeon stores its data (default: ~/.local/share/pigeon).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/pigeon).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// StorageConfig selects and tunes the record store.
type StorageConfig struct {
	// Backend is file or sqlite.
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Dir holds one JSON file per record for the file backend (default: DataDir/records).
	Dir string `yaml:"dir" mapstructure:"dir"`

	// SQLitePath is the database file for the sqlite backend (default: DataDir/pigeon.db).
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// BusyTimeoutMs is how long sqlite waits on a locked database.
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// ChannelConfig contains relay connection settings.
type ChannelConfig struct {
	// URL is the relay base URL (http or https).
	URL string `yaml:"url" mapstructure:"url"`

	// Transports lists transports in fallback order.
	Transports []string `yaml:"transports" mapstructure:"transports"`

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// ReconnectInterval is the pause between reconnects and primary retries.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`

	// PollInterval is the minimum spacing between polling requests.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`

	// SendBuffer is the outbound queue depth before events are dropped.
	SendBuffer int `yaml:"send_buffer" mapstructure:"send_buffer"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "pigeon"),
			ConfigDir: filepath.Join(homeDir, ".config", "pigeon"),
		},
		Storage: StorageConfig{
			Backend:       StorageBackendFile,
			Dir:           "", // Will be set to DataDir/records
			SQLitePath:    "", // Will be set to DataDir/pigeon.db
			BusyTimeoutMs: 5000,
		},
		Channel: ChannelConfig{
			URL:               "http://127.0.0.1:7464",
			Transports:        []string{TransportWebSocket, TransportPolling},
			DialTimeout:       5 * time.Second,
			ReconnectInterval: 2 * time.Second,
			PollInterval:      time.Second,
			PingInterval:      30 * time.Second,
			SendBuffer:        128,
		},
		Logging: LoggingConfig{
			Level:        "warn",
			Format:       "console",
			EnableCaller: false,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case StorageBackendFile, StorageBackendSQLite:
	default:
		return fmt.Errorf("storage.backend must be one of %s, %s", StorageBackendFile, StorageBackendSQLite)
	}
	if c.Storage.BusyTimeoutMs < 0 {
		return fmt.Errorf("storage.busy_timeout_ms must not be negative")
	}

	if strings.TrimSpace(c.Channel.URL) != "" {
		u, err := url.Parse(c.Channel.URL)
		if err != nil {
			return fmt.Errorf("channel.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("channel.url must use http or https")
		}
	}
	if len(c.Channel.Transports) == 0 {
		return fmt.Errorf("channel.transports must name at least one transport")
	}
	for i, transport := range c.Channel.Transports {
		switch transport {
		case TransportWebSocket, TransportPolling:
		default:
			return fmt.Errorf("channel.transports[%d] must be one of %s, %s", i, TransportWebSocket, TransportPolling)
		}
	}
	if c.Channel.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("channel.poll_interval must be at least 50ms")
	}
	if c.Channel.ReconnectInterval < 10*time.Millisecond {
		return fmt.Errorf("channel.reconnect_interval must be at least 10ms")
	}
	if c.Channel.SendBuffer < 1 {
		return fmt.Errorf("channel.send_buffer must be at least 1")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// RecordsDir returns the directory used by the file storage backend.
func (c *Config) RecordsDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return filepath.Join(c.Global.DataDir, "records")
}

// DatabasePath returns the full sqlite database path.
func (c *Config) DatabasePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.Global.DataDir, "pigeon.db")
}

// ContextPath returns the CLI context file path.
func (c *Config) ContextPath() string {
	return filepath.Join(c.Global.ConfigDir, "context.yaml")
}
