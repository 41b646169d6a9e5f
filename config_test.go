package readings

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigAppliesDefaultsForZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: /var/lib/readings\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DataDir != "/var/lib/readings" {
		t.Fatalf("DataDir = %q, want overridden value", cfg.DataDir)
	}
	if cfg.Queue.Threshold != DefaultConfig().Queue.Threshold {
		t.Fatalf("Queue.Threshold = %d, want default", cfg.Queue.Threshold)
	}
}

func TestLoadConfigOverridesNestedGroups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
data_dir: /data
queue:
  threshold: 42
  flush_timeout: 30s
purge:
  age_hours: 72
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Queue.Threshold != 42 {
		t.Fatalf("Queue.Threshold = %d, want 42", cfg.Queue.Threshold)
	}
	if cfg.Queue.FlushTimeout != 30*time.Second {
		t.Fatalf("Queue.FlushTimeout = %v, want 30s", cfg.Queue.FlushTimeout)
	}
	if cfg.Purge.AgeHours != 72 {
		t.Fatalf("Purge.AgeHours = %d, want 72", cfg.Purge.AgeHours)
	}
	if cfg.Management.TokenSeed == "" {
		t.Fatal("TokenSeed should default to ServiceName when unset")
	}
}
