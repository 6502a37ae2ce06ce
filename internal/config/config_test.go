package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("VMVALIDATE_PORT")
	os.Unsetenv("VMVALIDATE_API_KEY")
	os.Unsetenv("VMVALIDATE_SANDBOX_WORKERS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.MaxWorkers != 4 {
		t.Errorf("expected 4 workers, got %d", cfg.MaxWorkers)
	}
	if cfg.AccessTokenEnvVar != "GOOGLE_OAUTH_ACCESS_TOKEN" {
		t.Errorf("unexpected default token env var: %s", cfg.AccessTokenEnvVar)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("VMVALIDATE_PORT", "9999")
	os.Setenv("VMVALIDATE_API_KEY", "test-key")
	os.Setenv("VMVALIDATE_SANDBOX_WORKERS", "8")
	defer func() {
		os.Unsetenv("VMVALIDATE_PORT")
		os.Unsetenv("VMVALIDATE_API_KEY")
		os.Unsetenv("VMVALIDATE_SANDBOX_WORKERS")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", cfg.APIKey)
	}
	if cfg.MaxWorkers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.MaxWorkers)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	os.Setenv("VMVALIDATE_PORT", "not-a-number")
	defer os.Unsetenv("VMVALIDATE_PORT")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
}

func TestRefreshSkewFloor(t *testing.T) {
	os.Setenv("VMVALIDATE_REFRESH_SKEW_S", "5")
	defer os.Unsetenv("VMVALIDATE_REFRESH_SKEW_S")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.RefreshSkewS != 30 {
		t.Errorf("expected refresh skew floored to 30, got %d", cfg.RefreshSkewS)
	}
}
