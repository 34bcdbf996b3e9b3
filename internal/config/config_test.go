package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18790" {
		t.Fatalf("BindAddr = %s", cfg.BindAddr)
	}
	if got := cfg.PollInterval(); got != 10*time.Second {
		t.Fatalf("PollInterval = %v", got)
	}
	if got := cfg.Deadline(); got != 6*time.Minute {
		t.Fatalf("Deadline = %v", got)
	}
	if cfg.Cache.StatusTTLSeconds != 30 || cfg.Cache.CostsTTLSeconds != 60 {
		t.Fatalf("cache TTL defaults wrong: %+v", cfg.Cache)
	}
}

func TestLoadFrom_TenantsAndNormalize(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
bind_addr: "127.0.0.1:9999"
tenants:
  - id: acme
    gateway_url: "http://127.0.0.1:18789"
    gateway_token: "tok"
`)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	tc, ok := cfg.Tenant("acme")
	if !ok {
		t.Fatal("tenant acme missing")
	}
	want := filepath.Join(dir, "transcripts", "acme")
	if tc.TranscriptDir != want {
		t.Fatalf("TranscriptDir = %s, want %s", tc.TranscriptDir, want)
	}
	if _, ok := cfg.Tenant("ghost"); ok {
		t.Fatal("unknown tenant resolved")
	}
}

func TestLoadFrom_RejectsDuplicateTenants(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
tenants:
  - id: acme
    gateway_url: "http://a"
  - id: acme
    gateway_url: "http://b"
`)
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("duplicate tenant ids accepted")
	}
}

func TestLoadFrom_RejectsDeadlineUnderPollInterval(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
exec:
  poll_interval_seconds: 30
  deadline_seconds: 20
`)
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("deadline <= poll interval accepted")
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAWDECK_BIND_ADDR", "0.0.0.0:7777")
	t.Setenv("CLAWDECK_DEADLINE_SECONDS", "120")
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:7777" {
		t.Fatalf("env override ignored: %s", cfg.BindAddr)
	}
	if cfg.Exec.DeadlineSeconds != 120 {
		t.Fatalf("deadline override ignored: %d", cfg.Exec.DeadlineSeconds)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Fingerprint() != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	other := cfg
	other.BindAddr = "changed"
	if cfg.Fingerprint() == other.Fingerprint() {
		t.Fatal("fingerprint ignores bind addr")
	}
}
