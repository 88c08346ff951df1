package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOKENKEEPER_ENCRYPTION_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.RefreshBuffer != 10*time.Minute {
		t.Fatalf("expected 10m refresh buffer, got %v", cfg.RefreshBuffer)
	}
	if cfg.IdPTimeout != 30*time.Second {
		t.Fatalf("expected 30s idp timeout, got %v", cfg.IdPTimeout)
	}
	if cfg.AuthorityBase != "https://login.microsoftonline.com" {
		t.Fatalf("unexpected authority base %q", cfg.AuthorityBase)
	}
	if len(cfg.Scopes) == 0 {
		t.Fatal("expected default scopes")
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TOKENKEEPER_ENCRYPTION_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  path: /var/lib/tokenkeeper/accounts.db
encryption:
  key: file-key
oauth:
  authority_base: https://login.example.test
  timeout_seconds: 5
  scopes: [offline_access, Mail.Read]
token:
  refresh_buffer_minutes: 3
server:
  listen_addr: ":9090"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.DatabasePath != "/var/lib/tokenkeeper/accounts.db" {
		t.Fatalf("unexpected db path %q", cfg.DatabasePath)
	}
	if cfg.EncryptionKey != "file-key" {
		t.Fatalf("unexpected key %q", cfg.EncryptionKey)
	}
	if cfg.IdPTimeout != 5*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.IdPTimeout)
	}
	if cfg.RefreshBuffer != 3*time.Minute {
		t.Fatalf("unexpected buffer %v", cfg.RefreshBuffer)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("encryption:\n  key: file-key\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TOKENKEEPER_ENCRYPTION_KEY", "env-key")
	t.Setenv("TOKENKEEPER_REFRESH_BUFFER_MINUTES", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EncryptionKey != "env-key" {
		t.Fatalf("expected env key to win, got %q", cfg.EncryptionKey)
	}
	if cfg.RefreshBuffer != 7*time.Minute {
		t.Fatalf("expected 7m buffer, got %v", cfg.RefreshBuffer)
	}
}

func TestMissingEncryptionKey(t *testing.T) {
	t.Setenv("TOKENKEEPER_ENCRYPTION_KEY", "")

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error when encryption key is missing")
	}
}
