package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearAnchorEnv unsets every ANCHOR_ variable a test might have set.
func clearAnchorEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"ANCHOR_CONFIG_PATH", "ANCHOR_PORT", "ANCHOR_READ_TIMEOUT",
		"ANCHOR_WRITE_TIMEOUT", "ANCHOR_SHUTDOWN_TIMEOUT", "ANCHOR_DB_PATH",
		"ANCHOR_API_KEY", "ANCHOR_BACKUP_INTERVAL", "ANCHOR_BACKUP_ENDPOINT",
		"ANCHOR_BACKUP_BUCKET", "ANCHOR_BACKUP_REGION", "ANCHOR_BACKUP_ACCESS_KEY",
		"ANCHOR_BACKUP_SECRET_KEY", "ANCHOR_BACKUP_USE_SSL", "ANCHOR_LOG_LEVEL",
		"ANCHOR_LOG_FORMAT", "ANCHOR_DEV_MODE",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearAnchorEnv(t)
	t.Setenv("ANCHOR_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Path != "data/anchor.db" {
		t.Errorf("Expected default db path, got %s", cfg.Database.Path)
	}
	if time.Duration(cfg.Worker.BackupInterval) != time.Hour {
		t.Errorf("Expected 1h backup interval, got %v", cfg.Worker.BackupInterval)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Expected info/json logging, got %s/%s", cfg.Log.Level, cfg.Log.Format)
	}
}

func TestLoad_RequiresAPIKey(t *testing.T) {
	clearAnchorEnv(t)

	if _, err := Load(); err == nil {
		t.Error("Expected error without ANCHOR_API_KEY")
	}
}

func TestLoad_DevModeSkipsValidation(t *testing.T) {
	clearAnchorEnv(t)
	t.Setenv("ANCHOR_DEV_MODE", "true")

	if _, err := Load(); err != nil {
		t.Errorf("Expected dev mode to skip API key requirement, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearAnchorEnv(t)
	t.Setenv("ANCHOR_API_KEY", "test-key")
	t.Setenv("ANCHOR_PORT", "9090")
	t.Setenv("ANCHOR_DB_PATH", "/tmp/other.db")
	t.Setenv("ANCHOR_BACKUP_INTERVAL", "30m")
	t.Setenv("ANCHOR_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("Expected overridden db path, got %s", cfg.Database.Path)
	}
	if time.Duration(cfg.Worker.BackupInterval) != 30*time.Minute {
		t.Errorf("Expected 30m interval, got %v", cfg.Worker.BackupInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearAnchorEnv(t)
	t.Setenv("ANCHOR_API_KEY", "test-key")

	path := filepath.Join(t.TempDir(), "anchor.yaml")
	yaml := `
server:
  port: 7070
  read_timeout: 10s
database:
  path: /var/lib/anchor/records.db
log:
  level: warn
  format: text
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Expected port 7070, got %d", cfg.Server.Port)
	}
	if time.Duration(cfg.Server.ReadTimeout) != 10*time.Second {
		t.Errorf("Expected 10s read timeout, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Database.Path != "/var/lib/anchor/records.db" {
		t.Errorf("Expected yaml db path, got %s", cfg.Database.Path)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Expected text format, got %s", cfg.Log.Format)
	}
	// Fields absent from the file keep their defaults.
	if time.Duration(cfg.Server.WriteTimeout) != 30*time.Second {
		t.Errorf("Expected default write timeout, got %v", cfg.Server.WriteTimeout)
	}
}

func TestLoadFromFile_EnvWinsOverYAML(t *testing.T) {
	clearAnchorEnv(t)
	t.Setenv("ANCHOR_API_KEY", "test-key")
	t.Setenv("ANCHOR_PORT", "6060")

	path := filepath.Join(t.TempDir(), "anchor.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7070\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 6060 {
		t.Errorf("Expected env override to win, got %d", cfg.Server.Port)
	}
}

func TestLoadFromFile_InvalidDuration(t *testing.T) {
	clearAnchorEnv(t)
	t.Setenv("ANCHOR_API_KEY", "test-key")

	path := filepath.Join(t.TempDir(), "anchor.yaml")
	if err := os.WriteFile(path, []byte("server:\n  read_timeout: nonsense\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Error("Expected error for invalid duration")
	}
}

func TestValidate_BackupRequiresEndpointAndCreds(t *testing.T) {
	clearAnchorEnv(t)
	t.Setenv("ANCHOR_API_KEY", "test-key")
	t.Setenv("ANCHOR_BACKUP_BUCKET", "anchor-backups")

	if _, err := Load(); err == nil {
		t.Error("Expected error when bucket set without endpoint")
	}

	t.Setenv("ANCHOR_BACKUP_ENDPOINT", "s3.example.com")
	if _, err := Load(); err == nil {
		t.Error("Expected error when bucket set without credentials")
	}

	t.Setenv("ANCHOR_BACKUP_ACCESS_KEY", "ak")
	t.Setenv("ANCHOR_BACKUP_SECRET_KEY", "sk")
	if _, err := Load(); err != nil {
		t.Errorf("Expected valid backup config to pass, got %v", err)
	}
}
