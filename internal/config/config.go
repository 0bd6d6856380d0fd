package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Defaults applied when a config file omits a value
const (
	DefaultPort            = 8941
	DefaultMaxConnections  = 256
	DefaultBackendTimeout  = 60
	DefaultQueueMaxDepth   = 32
	DefaultSessionTTLHours = 168
)

// ServerConfig holds the listen address and connection limits
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	MaxConnections int    `json:"max_connections"`
	PIDFile        string `json:"pid_file"`
}

// Addr returns the host:port listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BackendConfig describes the external generation backend process
type BackendConfig struct {
	// Command is the argv of the backend process. The user message is
	// written to its stdin and the reply is read from its stdout.
	Command        []string `json:"command"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// QueueConfig bounds the per-user pending request queue
type QueueConfig struct {
	MaxDepth int `json:"max_depth"`
}

// DatabaseConfig holds the SQLite database location
type DatabaseConfig struct {
	Path string `json:"path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Console bool   `json:"console"`
}

// AuthConfig holds session lifetime configuration
type AuthConfig struct {
	SessionTTLHours int `json:"session_ttl_hours"`
}

// Config is the top-level gateway configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Backend  BackendConfig  `json:"backend"`
	Queue    QueueConfig    `json:"queue"`
	Database DatabaseConfig `json:"database"`
	Log      LogConfig      `json:"log"`
	Auth     AuthConfig     `json:"auth"`
}

// Default returns a config populated with defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           DefaultPort,
			MaxConnections: DefaultMaxConnections,
		},
		Backend: BackendConfig{
			Command:        []string{"chatgate-backend"},
			TimeoutSeconds: DefaultBackendTimeout,
		},
		Queue: QueueConfig{
			MaxDepth: DefaultQueueMaxDepth,
		},
		Database: DatabaseConfig{
			Path: defaultDatabasePath(),
		},
		Log: LogConfig{
			Level: "info",
			Path:  "",
		},
		Auth: AuthConfig{
			SessionTTLHours: DefaultSessionTTLHours,
		},
	}
}

// Load reads the config file at path, applies defaults for missing values,
// then applies CHATGATE_* environment overrides. A missing file is not an
// error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the config for values the server cannot run with
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Backend.Command) == 0 || c.Backend.Command[0] == "" {
		return fmt.Errorf("backend command is not configured")
	}
	if c.Backend.TimeoutSeconds <= 0 {
		return fmt.Errorf("backend timeout must be positive, got %d", c.Backend.TimeoutSeconds)
	}
	if c.Queue.MaxDepth <= 0 {
		return fmt.Errorf("queue max depth must be positive, got %d", c.Queue.MaxDepth)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is not configured")
	}
	return nil
}

// applyEnvOverrides overrides individual values from the environment
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHATGATE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CHATGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHATGATE_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("CHATGATE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CHATGATE_BACKEND_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Backend.TimeoutSeconds = secs
		}
	}
	if v := os.Getenv("CHATGATE_QUEUE_MAX_DEPTH"); v != "" {
		if depth, err := strconv.Atoi(v); err == nil && depth > 0 {
			c.Queue.MaxDepth = depth
		}
	}
}

// defaultDatabasePath returns the default SQLite location under the user's
// home directory, falling back to the working directory.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "chatgate.db"
	}
	return filepath.Join(home, ".chatgate", "chatgate.db")
}
