package model

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Sync.PageSize != 100 {
		t.Errorf("PageSize = %d, want 100", cfg.Sync.PageSize)
	}
	if cfg.Sync.PrefetchPages != 3 {
		t.Errorf("PrefetchPages = %d, want 3", cfg.Sync.PrefetchPages)
	}
	if cfg.Sync.PollIntervalSec != 30 {
		t.Errorf("PollIntervalSec = %d, want 30", cfg.Sync.PollIntervalSec)
	}
	if cfg.Sync.GCAfterSec != 300 {
		t.Errorf("GCAfterSec = %d, want 300", cfg.Sync.GCAfterSec)
	}
	if cfg.Account.Protocol != "jmap" {
		t.Errorf("Protocol = %q, want jmap", cfg.Account.Protocol)
	}
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
account:
  protocol: imap
  host: imap.example.com
  username: alice
sync:
  page_size: 25
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Account.Protocol != "imap" || cfg.Account.Host != "imap.example.com" {
		t.Errorf("account = %+v", cfg.Account)
	}
	if cfg.Sync.PageSize != 25 {
		t.Errorf("PageSize = %d, want 25", cfg.Sync.PageSize)
	}
	// Untouched keys keep their defaults.
	if cfg.Sync.SwitchDebounceMs != 50 {
		t.Errorf("SwitchDebounceMs = %d, want 50", cfg.Sync.SwitchDebounceMs)
	}
}

func TestLoadConfig_RejectsUnknownProtocol(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("account:\n  protocol: pop3\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultAppConfig()
	cfg.Account.Username = "bob"
	cfg.Sync.PageSize = 50

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Account.Username != "bob" {
		t.Errorf("Username = %q, want bob", loaded.Account.Username)
	}
	if loaded.Sync.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", loaded.Sync.PageSize)
	}
}
