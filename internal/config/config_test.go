package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "controlplane.yml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
listenAddr: ":9090"
storage:
  driver: postgres
  dsnEnv: DATABASE_URL
rateLimit:
  tenantLimit: 30
  tenantWindow: 30s
  globalLimit: 500
  globalWindow: 1m
approval:
  ttl: 24h
webhooks:
  github: GITHUB_WEBHOOK_SECRET
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSNEnv != "DATABASE_URL" {
		t.Errorf("Storage = %+v, want driver=postgres dsnEnv=DATABASE_URL", cfg.Storage)
	}
	if cfg.RateLimit.TenantLimit != 30 || cfg.RateLimit.TenantWindow != 30*time.Second {
		t.Errorf("RateLimit = %+v, want tenantLimit=30 tenantWindow=30s", cfg.RateLimit)
	}
	if cfg.Approval.TTL != 24*time.Hour {
		t.Errorf("Approval.TTL = %v, want 24h", cfg.Approval.TTL)
	}
	if cfg.Webhooks["github"] != "GITHUB_WEBHOOK_SECRET" {
		t.Errorf("Webhooks[github] = %q, want GITHUB_WEBHOOK_SECRET", cfg.Webhooks["github"])
	}
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr default = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.RateLimit.TenantLimit != 60 {
		t.Errorf("RateLimit.TenantLimit default = %d, want 60", cfg.RateLimit.TenantLimit)
	}
	if cfg.RateLimit.TenantWindow != time.Minute {
		t.Errorf("RateLimit.TenantWindow default = %v, want 1m", cfg.RateLimit.TenantWindow)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err == nil {
		t.Fatal("Load() of a missing file returned nil error")
	}
}

func TestLoadMalformedYAMLReturnsError(t *testing.T) {
	path := writeConfig(t, "listenAddr: [unterminated\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() of malformed YAML returned nil error")
	}
}

func TestResolveSecretRequiredButUnsetReturnsError(t *testing.T) {
	os.Unsetenv("CONTROLPLANE_TEST_SECRET_UNSET")
	_, err := ResolveSecret("CONTROLPLANE_TEST_SECRET_UNSET", true)
	if err == nil {
		t.Fatal("ResolveSecret() for an unset required var returned nil error")
	}
}

func TestResolveSecretOptionalUnsetReturnsEmpty(t *testing.T) {
	os.Unsetenv("CONTROLPLANE_TEST_SECRET_OPTIONAL")
	v, err := ResolveSecret("CONTROLPLANE_TEST_SECRET_OPTIONAL", false)
	if err != nil {
		t.Fatalf("ResolveSecret() error = %v", err)
	}
	if v != "" {
		t.Errorf("ResolveSecret() = %q, want empty string", v)
	}
}

func TestResolveSecretReturnsSetValue(t *testing.T) {
	t.Setenv("CONTROLPLANE_TEST_SECRET_SET", "shh")
	v, err := ResolveSecret("CONTROLPLANE_TEST_SECRET_SET", true)
	if err != nil {
		t.Fatalf("ResolveSecret() error = %v", err)
	}
	if v != "shh" {
		t.Errorf("ResolveSecret() = %q, want shh", v)
	}
}
