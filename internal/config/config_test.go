package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldnote/specd/internal/config"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.Defaults()
	if cfg.DataRoot != want.DataRoot {
		t.Errorf("DataRoot = %q, want %q", cfg.DataRoot, want.DataRoot)
	}
	if cfg.BroadcastBufferSize != want.BroadcastBufferSize {
		t.Errorf("BroadcastBufferSize = %d, want %d", cfg.BroadcastBufferSize, want.BroadcastBufferSize)
	}
	if cfg.SnapshotInterval != 5*time.Minute {
		t.Errorf("SnapshotInterval = %v, want 5m", cfg.SnapshotInterval)
	}
}

func TestLoadPartialFileOnlyOverridesSetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specd.yaml")
	yamlContent := "data_root: /var/lib/specd\nmailbox_bound: 128\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataRoot != "/var/lib/specd" {
		t.Errorf("DataRoot = %q, want /var/lib/specd", cfg.DataRoot)
	}
	if cfg.MailboxBound != 128 {
		t.Errorf("MailboxBound = %d, want 128", cfg.MailboxBound)
	}
	// Untouched fields must keep their default values.
	want := config.Defaults()
	if cfg.BroadcastBufferSize != want.BroadcastBufferSize {
		t.Errorf("BroadcastBufferSize = %d, want default %d", cfg.BroadcastBufferSize, want.BroadcastBufferSize)
	}
	if cfg.Snapshot.EventThreshold != want.Snapshot.EventThreshold {
		t.Errorf("Snapshot.EventThreshold = %d, want default %d", cfg.Snapshot.EventThreshold, want.Snapshot.EventThreshold)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specd.yaml")
	if err := os.WriteFile(path, []byte("data_root: /from/file\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("SPECD_DATA_ROOT", "/from/env")
	t.Setenv("SPECD_MAILBOX_BOUND", "256")
	t.Setenv("SPECD_SNAPSHOT_INTERVAL", "90s")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataRoot != "/from/env" {
		t.Errorf("DataRoot = %q, want /from/env (env should win)", cfg.DataRoot)
	}
	if cfg.MailboxBound != 256 {
		t.Errorf("MailboxBound = %d, want 256", cfg.MailboxBound)
	}
	if cfg.SnapshotInterval != 90*time.Second {
		t.Errorf("SnapshotInterval = %v, want 90s", cfg.SnapshotInterval)
	}
}

func TestLoadRejectsInvalidSnapshotInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specd.yaml")
	if err := os.WriteFile(path, []byte("snapshot:\n  interval: not-a-duration\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected Load to reject an invalid snapshot.interval")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "specd.yaml")
	if err := os.WriteFile(path, []byte("data_root: [unterminated\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected Load to reject malformed YAML")
	}
}
