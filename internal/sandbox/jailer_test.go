package sandbox

import "testing"

func TestJailerConfig_UIDsDistinctPerSlot(t *testing.T) {
	a := JailerConfig{Slot: 0}
	b := JailerConfig{Slot: 1}
	if a.UID() == b.UID() {
		t.Fatalf("expected distinct uids per slot, both got %d", a.UID())
	}
	if a.UID() != a.GID() {
		t.Fatalf("expected 1:1 uid/gid mapping")
	}
}

func TestJailerConfig_ChrootDir(t *testing.T) {
	c := JailerConfig{
		ChrootBase:     "/srv/jailer",
		FirecrackerBin: "/usr/bin/firecracker",
		JobID:          "job-123",
	}
	want := "/srv/jailer/firecracker/job-123/root"
	if got := c.ChrootDir(); got != want {
		t.Fatalf("ChrootDir() = %q, want %q", got, want)
	}
	if got, want := c.APISocketPath(), want+"/api.sock"; got != want {
		t.Fatalf("APISocketPath() = %q, want %q", got, want)
	}
}
