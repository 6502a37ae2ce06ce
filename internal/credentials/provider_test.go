package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alphacore/vmvalidate/internal/crypto"
)

func TestProvider_AdoptsEnvToken(t *testing.T) {
	t.Setenv("TEST_VMVALIDATE_TOKEN", "env-token-value")
	p := New(Config{EnvVar: "TEST_VMVALIDATE_TOKEN"})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer p.Stop()

	tok, err := p.GetToken()
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok != "env-token-value" {
		t.Fatalf("GetToken() = %q, want env-token-value", tok)
	}

	ready, _ := p.Ready()
	if !ready {
		t.Fatalf("Ready() = false, want true after adopting env token")
	}
}

func TestProvider_DevTokenIssuerMintsOnStart(t *testing.T) {
	p := New(Config{DevTokenSecret: "test-secret", DefaultTTL: time.Minute})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer p.Stop()

	tok, err := p.GetToken()
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok == "" {
		t.Fatalf("expected a minted dev token, got empty string")
	}
}

func TestProvider_NoSourceConfigured(t *testing.T) {
	p := New(Config{})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer p.Stop()

	ready, reason := p.Ready()
	if ready {
		t.Fatalf("Ready() = true, want false with no token source configured")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty not-ready reason")
	}
}

func TestProvider_ReadsAndDecryptsCredsFile(t *testing.T) {
	stored, err := crypto.Encrypt("file-token-value")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "creds")
	if err := os.WriteFile(path, []byte(stored), 0o600); err != nil {
		t.Fatalf("write creds file: %v", err)
	}

	p := New(Config{CredsFile: path, DefaultTTL: time.Minute})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer p.Stop()

	tok, err := p.GetToken()
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok != "file-token-value" {
		t.Fatalf("GetToken() = %q, want file-token-value", tok)
	}
}

func TestProvider_StartIsIdempotent(t *testing.T) {
	t.Setenv("TEST_VMVALIDATE_TOKEN_2", "idempotent-token")
	p := New(Config{EnvVar: "TEST_VMVALIDATE_TOKEN_2"})

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	defer p.Stop()

	tok, err := p.GetToken()
	if err != nil {
		t.Fatalf("GetToken() error: %v", err)
	}
	if tok != "idempotent-token" {
		t.Fatalf("GetToken() = %q, want idempotent-token", tok)
	}
}
