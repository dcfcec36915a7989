package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/device-manager/internal/device"
	"github.com/nerrad567/device-manager/internal/infrastructure/database"
)

const testSecret = "test-secret-0123456789-0123456789-abcdef"

// writeConfig writes a config that needs no external services.
func writeConfig(t *testing.T, dbPath string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

events:
  backend: none

influxdb:
  enabled: false

api:
  enabled: false

logging:
  level: error
  format: text
  output: stderr

psk:
  secret: "` + testSecret + `"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, []string{"--config", "/nonexistent/path/config.yaml"}); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingSecret verifies config validation stops startup.
func TestRun_MissingSecret(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("events:\n  backend: none\n"), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("DEVICEMANAGER_PSK_SECRET", "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, []string{"--config", configPath}); err == nil {
		t.Fatal("run() should fail without a psk secret")
	}
}

// TestRun_UnknownFlag verifies flag errors are returned, not fatal.
func TestRun_UnknownFlag(t *testing.T) {
	if err := run(context.Background(), []string{"--no-such-flag"}); err == nil {
		t.Fatal("run() should fail on an unknown flag")
	}
}

// TestRun_StartupAndShutdown runs the full wiring with no event bus and
// syncs a templates file.
func TestRun_StartupAndShutdown(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "devices.db")
	configPath := writeConfig(t, dbPath)

	templatesPath := filepath.Join(dir, "templates.yaml")
	templates := `
tenants:
  acme:
    - id: meter
      label: meter
      attrs:
        - {label: model, type: static, value_type: string, static_value: x1}
        - {label: relay, type: actuator, value_type: bool}
        - {label: secret, type: static, value_type: psk}
`
	if err := os.WriteFile(templatesPath, []byte(templates), 0o600); err != nil {
		t.Fatalf("failed to write templates: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx, []string{"--config", configPath, "--templates", templatesPath}); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	db, err := database.Open(context.Background(), database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	tmpl, err := device.NewSQLiteTemplateStore(db.DB).GetTemplate(context.Background(), "acme", "meter")
	if err != nil {
		t.Fatalf("GetTemplate() error = %v", err)
	}
	if len(tmpl.Attrs) != 3 {
		t.Errorf("template attrs = %d, want 3", len(tmpl.Attrs))
	}
}

// TestRun_BadTemplates verifies a broken templates file stops startup.
func TestRun_BadTemplates(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, filepath.Join(dir, "devices.db"))

	templatesPath := filepath.Join(dir, "templates.yaml")
	bad := "tenants:\n  acme:\n    - id: meter\n      label: meter\n      attrs:\n        - {label: x, type: bogus}\n"
	if err := os.WriteFile(templatesPath, []byte(bad), 0o600); err != nil {
		t.Fatalf("failed to write templates: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, []string{"--config", configPath, "--templates", templatesPath}); err == nil {
		t.Fatal("run() should fail on an invalid template")
	}
}

// TestGetConfigPath verifies the environment override and the default.
func TestGetConfigPath(t *testing.T) {
	t.Setenv("DEVICEMANAGER_CONFIG", "")
	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}

	t.Setenv("DEVICEMANAGER_CONFIG", "/custom/path/config.yaml")
	if path := getConfigPath(); path != "/custom/path/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", path)
	}
}

// TestParseFlags verifies --config wins over the environment.
func TestParseFlags(t *testing.T) {
	t.Setenv("DEVICEMANAGER_CONFIG", "/from/env.yaml")

	opts, err := parseFlags([]string{"-c", "/from/flag.yaml", "--templates", "t.yaml"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "/from/flag.yaml" || opts.templatesPath != "t.yaml" {
		t.Errorf("parseFlags() = %+v", opts)
	}

	opts, err = parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.configPath != "/from/env.yaml" {
		t.Errorf("configPath = %q, want env value", opts.configPath)
	}
}
