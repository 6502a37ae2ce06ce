package netpolicy

import "testing"

func TestAllowList_ExactMatch(t *testing.T) {
	al := NewAllowList([]string{"example.com"})
	if !al.Allowed("example.com") {
		t.Fatalf("expected example.com to be allowed")
	}
	if al.Allowed("other.com") {
		t.Fatalf("expected other.com to be blocked")
	}
}

func TestAllowList_WildcardSuffix(t *testing.T) {
	al := NewAllowList([]string{"*.googleapis.com"})
	if !al.Allowed("compute.googleapis.com") {
		t.Fatalf("expected compute.googleapis.com to be allowed by wildcard")
	}
	if al.Allowed("googleapis.com.evil.com") {
		t.Fatalf("expected googleapis.com.evil.com to be blocked")
	}
}

func TestAllowList_GlobalWildcard(t *testing.T) {
	al := NewAllowList([]string{"*"})
	if !al.Allowed("anything.example") {
		t.Fatalf("expected global wildcard to allow everything")
	}
}

func TestAllowList_Set_ReplacesPatterns(t *testing.T) {
	al := NewAllowList([]string{"example.com"})
	al.Set([]string{"other.com"})
	if al.Allowed("example.com") {
		t.Fatalf("expected example.com to no longer be allowed after Set")
	}
	if !al.Allowed("other.com") {
		t.Fatalf("expected other.com to be allowed after Set")
	}
}

func TestAllowList_EmptyDeniesEverything(t *testing.T) {
	al := NewAllowList(nil)
	if al.Allowed("example.com") {
		t.Fatalf("expected empty allowlist to deny everything")
	}
}
