package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meridianfi/nestvault/keycrypt"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL == "" {
		t.Error("Expected a default NATS URL")
	}
	if cfg.Derivation.CredentialParams != keycrypt.ParamsCredentialV2 {
		t.Errorf("Expected default credential params %s, got %s",
			keycrypt.ParamsCredentialV2, cfg.Derivation.CredentialParams)
	}
	if cfg.Fallback.Params != keycrypt.ParamsLegacyV1 {
		t.Errorf("Expected default fallback params %s, got %s",
			keycrypt.ParamsLegacyV1, cfg.Fallback.Params)
	}
	if cfg.Fields.LegacyPlaintext {
		t.Error("Expected legacy plaintext reads to be off by default")
	}
	if cfg.StoreKey.Source != "env" {
		t.Errorf("Expected env store key source, got %s", cfg.StoreKey.Source)
	}
	if !cfg.Audit.Publish {
		t.Error("Expected audit publishing on by default")
	}
	if cfg.Rewrap.Cleanup.Enabled {
		t.Error("Expected cleanup off by default")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Failed on missing file: %v", err)
	}
	if cfg.Keystore.Path != DefaultConfig().Keystore.Path {
		t.Errorf("Expected default keystore path, got %s", cfg.Keystore.Path)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
nats:
  url: nats://localhost:4222
keystore:
  path: /tmp/test-keystore.db
derivation:
  credential_params: pbkdf2-sha256-100k
fields:
  legacy_plaintext: true
rewrap:
  workers: 2
  cleanup:
    enabled: true
    min_retention_days: 3
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.LogLevel)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("Unexpected NATS URL %s", cfg.NATS.URL)
	}
	if cfg.Keystore.Path != "/tmp/test-keystore.db" {
		t.Errorf("Unexpected keystore path %s", cfg.Keystore.Path)
	}
	if cfg.Derivation.CredentialParams != keycrypt.ParamsLegacyV1 {
		t.Errorf("Unexpected credential params %s", cfg.Derivation.CredentialParams)
	}
	if !cfg.Fields.LegacyPlaintext {
		t.Error("Expected legacy plaintext reads enabled")
	}
	if cfg.Rewrap.Workers != 2 {
		t.Errorf("Expected 2 rewrap workers, got %d", cfg.Rewrap.Workers)
	}
	if !cfg.Rewrap.Cleanup.Enabled || cfg.Rewrap.Cleanup.MinRetentionDays != 3 {
		t.Errorf("Unexpected cleanup config %+v", cfg.Rewrap.Cleanup)
	}

	// Untouched fields keep their defaults
	if cfg.NATS.MaxReconnects != -1 {
		t.Errorf("Expected default max reconnects, got %d", cfg.NATS.MaxReconnects)
	}
	if cfg.Service.Workers != 8 {
		t.Errorf("Expected default service workers, got %d", cfg.Service.Workers)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("nats:\n  url: nats://from-file:4222\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("NESTVAULT_NATS_URL", "nats://from-env:4222")
	t.Setenv("NESTVAULT_KEYSTORE_PATH", "/tmp/env-keystore.db")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.NATS.URL != "nats://from-env:4222" {
		t.Errorf("Expected env override to win, got %s", cfg.NATS.URL)
	}
	if cfg.Keystore.Path != "/tmp/env-keystore.db" {
		t.Errorf("Expected env keystore path, got %s", cfg.Keystore.Path)
	}
}
