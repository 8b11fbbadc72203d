package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.AppInfo.AppName != "loom" {
		t.Fatalf("default app name: %q", cfg.AppInfo.AppName)
	}
	if cfg.Scheduler.PollInterval.Std() != time.Minute {
		t.Fatalf("default scheduler poll interval: %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Runtime.MailboxSize != 256 {
		t.Fatalf("default mailbox size: %d", cfg.Runtime.MailboxSize)
	}
}

func TestLoadAppliesFileValuesAndFillsGaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
app_info:
  app_name: loom-test
jobs:
  poll_interval: 50ms
  retention_count: 7
runtime:
  call_timeout: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppInfo.AppName != "loom-test" {
		t.Fatalf("app name not applied: %q", cfg.AppInfo.AppName)
	}
	if cfg.Jobs.PollInterval.Std() != 50*time.Millisecond {
		t.Fatalf("jobs poll interval: %v", cfg.Jobs.PollInterval)
	}
	if cfg.Jobs.RetentionCount != 7 {
		t.Fatalf("retention count: %d", cfg.Jobs.RetentionCount)
	}
	if cfg.Runtime.CallTimeout.Std() != 2*time.Second {
		t.Fatalf("call timeout: %v", cfg.Runtime.CallTimeout)
	}
	// Unset sections still get defaults.
	if cfg.Jobs.BackoffBase.Std() != time.Second {
		t.Fatalf("backoff base default: %v", cfg.Jobs.BackoffBase)
	}
	if cfg.HTTPServer.Port != 8080 {
		t.Fatalf("http port default: %d", cfg.HTTPServer.Port)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestHTTPServerAddress(t *testing.T) {
	s := HTTPServerConfig{Host: "127.0.0.1", Port: 9000}
	if got := s.Address(); got != "127.0.0.1:9000" {
		t.Fatalf("address: %q", got)
	}
}
