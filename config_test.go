package jobcore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobcore.yaml")
	data := []byte("thread_workers: 8\njournal_path: /tmp/events.jsonl\ndefault_policy:\n  timeout: 90s\n  max_retries: 2\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ThreadWorkers != 8 {
		t.Errorf("thread_workers = %d, want 8", cfg.ThreadWorkers)
	}
	if cfg.JournalPath != "/tmp/events.jsonl" {
		t.Errorf("journal_path = %q", cfg.JournalPath)
	}
	if cfg.DefaultPolicy.Timeout != 90*time.Second || cfg.DefaultPolicy.MaxRetries != 2 {
		t.Errorf("default_policy = %+v", cfg.DefaultPolicy)
	}

	// Fields absent from the file keep their defaults.
	def := DefaultConfig()
	if cfg.ProcessWorkers != def.ProcessWorkers {
		t.Errorf("process_workers = %d, want default %d", cfg.ProcessWorkers, def.ProcessWorkers)
	}
	if cfg.JournalMaxBytes != def.JournalMaxBytes {
		t.Errorf("journal_max_bytes = %d, want default %d", cfg.JournalMaxBytes, def.JournalMaxBytes)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if cfg.ThreadWorkers != DefaultConfig().ThreadWorkers {
		t.Error("defaults not returned alongside the error")
	}
}

func TestPolicyNormalize(t *testing.T) {
	p := Policy{Timeout: -time.Second, MaxRetries: -3, Backoff: 0, Jitter: 2.0}.Normalize()
	if p.Timeout != 0 {
		t.Errorf("timeout = %v", p.Timeout)
	}
	if p.MaxRetries != 0 || p.MaxAttempts() != 1 {
		t.Errorf("retries = %d, attempts = %d", p.MaxRetries, p.MaxAttempts())
	}
	if p.Backoff <= 0 {
		t.Errorf("backoff = %v", p.Backoff)
	}
	if p.Jitter < 0 || p.Jitter > 0.9 {
		t.Errorf("jitter = %v", p.Jitter)
	}
}
