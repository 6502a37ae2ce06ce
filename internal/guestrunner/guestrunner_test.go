package guestrunner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRun_MissingToken_WritesErrorJSON(t *testing.T) {
	results := t.TempDir()
	env := Env{
		WorkDir:      t.TempDir(),
		ResultsDir:   results,
		ValidatorDir: t.TempDir(),
		TokenVarName: "VMVALIDATE_ACCESS_TOKEN",
		TokenValue:   "",
	}

	code := Run(env)
	if code != 1 {
		t.Fatalf("Run() = %d, want 1", code)
	}

	data, err := os.ReadFile(filepath.Join(results, "error.json"))
	if err != nil {
		t.Fatalf("read error.json: %v", err)
	}
	var parsed errorResult
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("unmarshal error.json: %v", err)
	}
	if parsed.Msg != "Missing token" {
		t.Fatalf("msg = %q, want %q", parsed.Msg, "Missing token")
	}
	if parsed.Score != 0 {
		t.Fatalf("score = %v, want 0", parsed.Score)
	}
}

func TestRun_MissingValidator_WritesErrorJSON(t *testing.T) {
	results := t.TempDir()
	env := Env{
		WorkDir:      t.TempDir(),
		ResultsDir:   results,
		ValidatorDir: t.TempDir(),
		SkipTF:       true,
		TokenVarName: "VMVALIDATE_ACCESS_TOKEN",
		TokenValue:   "sometoken",
	}

	code := Run(env)
	if code != 1 {
		t.Fatalf("Run() = %d, want 1", code)
	}

	if _, err := os.Stat(filepath.Join(results, "error.json")); err != nil {
		t.Fatalf("expected error.json to exist: %v", err)
	}
}

func TestRedact_StripsTokenSubstring(t *testing.T) {
	out := redact("request failed with token abc123secret in header", []string{"abc123secret"})
	if out != "request failed with token [REDACTED] in header" {
		t.Fatalf("redact() = %q", out)
	}
}

func TestTail_TruncatesToLastN(t *testing.T) {
	got := tail("0123456789", 4)
	if got != "6789" {
		t.Fatalf("tail() = %q, want %q", got, "6789")
	}
}

func TestTailLines_KeepsMaxLines(t *testing.T) {
	var tl tailLines
	tl.max = 2
	tl.Write([]byte("one\ntwo\nthree\n"))
	if got := tl.String(); got != "two\nthree" {
		t.Fatalf("tailLines.String() = %q", got)
	}
}
