package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SCRIPTDECK_ADDR", "SCRIPTDECK_WS_PATH", "SCRIPTDECK_SCRIPTS_DIR",
		"SCRIPTDECK_SHELL", "SCRIPTDECK_SQLITE_PATH", "SCRIPTDECK_SETTLE_DELAY",
		"DATABASE_URL", "DATABASE_AUTO_MIGRATE", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":8090" {
		t.Errorf("expected Server.Addr ':8090', got %q", cfg.Server.Addr)
	}
	if cfg.Server.WebSocketPath != "/ws/script-execution" {
		t.Errorf("expected default websocket path, got %q", cfg.Server.WebSocketPath)
	}
	if cfg.Scripts.Dir != "scripts" {
		t.Errorf("expected Scripts.Dir 'scripts', got %q", cfg.Scripts.Dir)
	}
	if cfg.Workflow.SettleDelay != 3*time.Second {
		t.Errorf("expected Workflow.SettleDelay 3s, got %v", cfg.Workflow.SettleDelay)
	}
	if cfg.Database.SQLitePath != "scriptdeck.db" {
		t.Errorf("expected Database.SQLitePath 'scriptdeck.db', got %q", cfg.Database.SQLitePath)
	}
}

func TestLoad_FromFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  addr: ":9000"
scripts:
  dir: /opt/scripts
workflow:
  settle_delay: 5s
logging:
  format: json
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("expected Server.Addr ':9000', got %q", cfg.Server.Addr)
	}
	if cfg.Scripts.Dir != "/opt/scripts" {
		t.Errorf("expected Scripts.Dir '/opt/scripts', got %q", cfg.Scripts.Dir)
	}
	if cfg.Workflow.SettleDelay != 5*time.Second {
		t.Errorf("expected Workflow.SettleDelay 5s, got %v", cfg.Workflow.SettleDelay)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected Logging.Format 'json', got %q", cfg.Logging.Format)
	}
	// Untouched sections keep defaults.
	if cfg.SSH.DialTimeout != 15*time.Second {
		t.Errorf("expected SSH.DialTimeout 15s, got %v", cfg.SSH.DialTimeout)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCRIPTDECK_ADDR", ":7070")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("expected Server.Addr ':7070', got %q", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected Logging.Level 'debug', got %q", cfg.Logging.Level)
	}
}

func TestValidate_BadFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid logging format")
	}
}

func TestValidate_BadWebSocketPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.WebSocketPath = "ws"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for websocket path without leading slash")
	}
}
