// Package config loads daemon configuration from a YAML file with
// environment variable overrides on top.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the scriptdeck daemon.
type Config struct {
	// Server configures the HTTP listener and the WebSocket endpoint.
	Server ServerConfig `yaml:"server"`

	// Scripts configures local script execution.
	Scripts ScriptsConfig `yaml:"scripts"`

	// Database configures the execution registry store.
	Database DatabaseConfig `yaml:"database"`

	// SSH configures remote execution defaults.
	SSH SSHConfig `yaml:"ssh"`

	// Workflow configures long-running workflow behavior.
	Workflow WorkflowConfig `yaml:"workflow"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry configures anonymous usage analytics.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the address the HTTP server listens on.
	Addr string `yaml:"addr"`

	// WebSocketPath is the path reserved for the script execution channel.
	WebSocketPath string `yaml:"websocket_path"`

	// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ScriptsConfig configures local script execution.
type ScriptsConfig struct {
	// Dir is the root directory local script paths must resolve under.
	Dir string `yaml:"dir"`

	// Shell is the interpreter used to run local scripts.
	Shell string `yaml:"shell"`
}

// DatabaseConfig configures the execution registry store.
type DatabaseConfig struct {
	// PostgresDSN selects PostgreSQL when set; SQLitePath is used otherwise.
	PostgresDSN string `yaml:"postgres_dsn"`

	// SQLitePath is the SQLite database file path.
	SQLitePath string `yaml:"sqlite_path"`

	// AutoMigrate runs schema migration at startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// SSHConfig configures remote execution defaults.
type SSHConfig struct {
	// DialTimeout bounds the TCP/SSH handshake to a remote host.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// WorkflowConfig configures long-running workflow behavior.
type WorkflowConfig struct {
	// SettleDelay is how long an update waits after entering a container
	// before issuing the update command.
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// LoggingConfig configures structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures anonymous usage analytics.
type TelemetryConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			WebSocketPath:   "/ws/script-execution",
			ShutdownTimeout: 20 * time.Second,
		},
		Scripts: ScriptsConfig{
			Dir:   "scripts",
			Shell: "bash",
		},
		Database: DatabaseConfig{
			SQLitePath:  "scriptdeck.db",
			AutoMigrate: true,
		},
		SSH: SSHConfig{
			DialTimeout: 15 * time.Second,
		},
		Workflow: WorkflowConfig{
			SettleDelay: 3 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint: "https://us.i.posthog.com",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults, then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = envOr("SCRIPTDECK_ADDR", c.Server.Addr)
	c.Server.WebSocketPath = envOr("SCRIPTDECK_WS_PATH", c.Server.WebSocketPath)
	c.Server.ShutdownTimeout = envDuration("SCRIPTDECK_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Scripts.Dir = envOr("SCRIPTDECK_SCRIPTS_DIR", c.Scripts.Dir)
	c.Scripts.Shell = envOr("SCRIPTDECK_SHELL", c.Scripts.Shell)
	c.Database.PostgresDSN = envOr("DATABASE_URL", c.Database.PostgresDSN)
	c.Database.SQLitePath = envOr("SCRIPTDECK_SQLITE_PATH", c.Database.SQLitePath)
	c.Database.AutoMigrate = envBool("DATABASE_AUTO_MIGRATE", c.Database.AutoMigrate)
	c.SSH.DialTimeout = envDuration("SCRIPTDECK_SSH_DIAL_TIMEOUT", c.SSH.DialTimeout)
	c.Workflow.SettleDelay = envDuration("SCRIPTDECK_SETTLE_DELAY", c.Workflow.SettleDelay)
	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("LOG_FORMAT", c.Logging.Format)
	c.Telemetry.APIKey = envOr("POSTHOG_API_KEY", c.Telemetry.APIKey)
	c.Telemetry.Endpoint = envOr("POSTHOG_ENDPOINT", c.Telemetry.Endpoint)
}

// Validate checks that required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.WebSocketPath == "" || c.Server.WebSocketPath[0] != '/' {
		return fmt.Errorf("server.websocket_path must start with '/'")
	}
	if c.Scripts.Dir == "" {
		return fmt.Errorf("scripts.dir is required")
	}
	if c.Database.PostgresDSN == "" && c.Database.SQLitePath == "" {
		return fmt.Errorf("database requires postgres_dsn or sqlite_path")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", c.Logging.Format)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}
