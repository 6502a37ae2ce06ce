package netcheck

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPCode_DirectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	code := httpCode("http", host, "/", Config{}.withDefaults(), false)
	if code != "200" {
		t.Fatalf("httpCode() = %q, want 200", code)
	}
}

func TestHTTPCode_ConnectionFailureYieldsSentinel(t *testing.T) {
	code := httpCode("http", "127.0.0.1:1", "/", Config{HTTPTimeout: 0}.withDefaults(), false)
	if code != "000" {
		t.Fatalf("httpCode() = %q, want 000", code)
	}
}

func TestAllPassed(t *testing.T) {
	ok := []Assertion{{N: 1, Passed: true}, {N: 2, Passed: true}}
	if !AllPassed(ok) {
		t.Fatalf("AllPassed() = false, want true")
	}

	bad := []Assertion{{N: 1, Passed: true}, {N: 2, Passed: false}}
	if AllPassed(bad) {
		t.Fatalf("AllPassed() = true, want false")
	}
}

func TestFormatReport_OnlyListsFailures(t *testing.T) {
	results := []Assertion{
		{N: 1, Name: "ok check", Passed: true},
		{N: 2, Name: "bad check", Expected: "200", Got: "500", Passed: false},
	}
	report := FormatReport(results)
	if strings.Contains(report, "ok check") {
		t.Fatalf("report should not mention passing checks: %q", report)
	}
	if !strings.Contains(report, "bad check") {
		t.Fatalf("report missing failing check: %q", report)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.ProxyPort != 8888 {
		t.Fatalf("ProxyPort = %d, want 8888", c.ProxyPort)
	}
	if c.MetadataIP != "169.254.169.254" {
		t.Fatalf("MetadataIP = %q, want 169.254.169.254", c.MetadataIP)
	}
}
