package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HIVEGATE_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis on empty home")
	}
	if cfg.BindAddr != "127.0.0.1:18890" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.RateLimit.Limit != 20 || cfg.RateLimit.WindowSeconds != 60 || cfg.RateLimit.MaxKeys != 2048 {
		t.Fatalf("rate limit defaults = %+v", cfg.RateLimit)
	}
	if cfg.Hooks.BasePath != "/hooks" {
		t.Fatalf("hooks base path = %q", cfg.Hooks.BasePath)
	}
	if cfg.BroadcastQueueDepth != 64 {
		t.Fatalf("broadcast queue depth = %d", cfg.BroadcastQueueDepth)
	}
	if cfg.OTel.Exporter != "none" {
		t.Fatalf("otel exporter = %q", cfg.OTel.Exporter)
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HIVEGATE_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9999"
log_level: debug
auth:
  token: file-token
  trusted_proxies: ["10.0.0.0/8"]
rate_limit:
  limit: 5
  window_seconds: 30
hooks:
  base_path: webhooks/
  token: hook-secret
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HIVEGATE_TOKEN", "env-token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false when config.yaml exists")
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	// Env wins over file.
	if cfg.Auth.Token != "env-token" {
		t.Fatalf("auth token = %q, want env-token", cfg.Auth.Token)
	}
	if cfg.RateLimit.Limit != 5 || cfg.RateLimit.WindowSeconds != 30 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	// Base path is normalized to a leading slash, no trailing slash.
	if cfg.Hooks.BasePath != "/webhooks" {
		t.Fatalf("hooks base path = %q", cfg.Hooks.BasePath)
	}
	if len(cfg.Auth.TrustedProxies) != 1 || cfg.Auth.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("trusted proxies = %v", cfg.Auth.TrustedProxies)
	}
}

func TestLoad_RejectsBadMappingAction(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HIVEGATE_HOME", home)

	yaml := `
hooks:
  mappings:
    - path: gh
      action: explode
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown mapping action")
	}
}

func TestLoad_RejectsBadExporter(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HIVEGATE_HOME", home)

	yaml := `
otel:
  exporter: jaeger
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown otel exporter")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("equal configs must share a fingerprint")
	}
	b.BindAddr = "0.0.0.0:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different configs must differ in fingerprint")
	}
}

func TestSetValue_PreservesOtherKeys(t *testing.T) {
	home := t.TempDir()
	path := ConfigPath(home)
	if err := os.WriteFile(path, []byte("bind_addr: \"1.2.3.4:5\"\nlog_level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(home, "log_level", "debug"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}

	raw, err := loadRawConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if raw["log_level"] != "debug" {
		t.Fatalf("log_level = %v", raw["log_level"])
	}
	if raw["bind_addr"] != "1.2.3.4:5" {
		t.Fatalf("bind_addr was not preserved: %v", raw["bind_addr"])
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" 10.0.0.0/8, ,192.168.0.0/16 ")
	if len(got) != 2 || got[0] != "10.0.0.0/8" || got[1] != "192.168.0.0/16" {
		t.Fatalf("splitCSV = %v", got)
	}
}
