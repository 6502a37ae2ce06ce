package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// uidBase is the first uid handed to a jailed Firecracker process. Slot s
// gets uid/gid uidBase+s, so concurrent jobs never share a uid, matching the
// pairwise-distinct-uid invariant.
const uidBase = 532000

// JailerConfig describes how to spawn Firecracker under the jailer for one
// job's slot.
type JailerConfig struct {
	JailerBin      string
	FirecrackerBin string
	ChrootBase     string
	JobID          string
	Slot           int
}

// UID is the ephemeral uid/gid the jailer drops privileges to for this
// slot.
func (c JailerConfig) UID() int { return uidBase + c.Slot }

// GID is equal to UID; the jailer is configured with a 1:1 uid/gid mapping.
func (c JailerConfig) GID() int { return c.UID() }

// ChrootDir is the path the jailer places the chroot at:
// <chroot-base>/<exec-file-basename>/<id>/root.
func (c JailerConfig) ChrootDir() string {
	return filepath.Join(c.ChrootBase, filepath.Base(c.FirecrackerBin), c.JobID, "root")
}

// WaitForChroot polls until the jailer has created the chroot directory,
// which happens moments after it forks, before it execs Firecracker.
func (c JailerConfig) WaitForChroot(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.ChrootDir()); err == nil {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	return fmt.Errorf("jailer chroot %s not created after %v", c.ChrootDir(), timeout)
}

// APISocketPath is the Firecracker control socket path as seen from the
// host, once the jailer chroot exists.
func (c JailerConfig) APISocketPath() string {
	return filepath.Join(c.ChrootDir(), "api.sock")
}

// PrepareSlotCgroup creates (or reuses) a cgroup v2 leaf for this slot and
// applies a conservative memory ceiling, so a runaway guest cannot starve
// its neighbors while still inside the host's systemd delegate hierarchy.
// Best-effort: a host without cgroup v2 delegation enabled logs and
// continues, since the jailer itself still enforces uid isolation.
func PrepareSlotCgroup(cgroupRoot string, slot int, memLimitMB int) error {
	if cgroupRoot == "" {
		return nil
	}
	dir := filepath.Join(cgroupRoot, fmt.Sprintf("vmvalidate-slot-%d", slot))
	if err := unix.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create cgroup %s: %w", dir, err)
	}
	limit := strconv.Itoa(memLimitMB*1024*1024) + "\n"
	if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(limit), 0644); err != nil {
		return fmt.Errorf("set memory.max for slot %d: %w", slot, err)
	}
	return nil
}

// SpawnJailed starts the jailer, which in turn execs Firecracker chrooted
// under cfg.ChrootDir with privileges dropped to cfg.UID()/cfg.GID(). The
// Firecracker control socket is created inside the chroot and is never
// exposed to the guest — only the host's launcher, via cfg.APISocketPath(),
// can reach it.
func SpawnJailed(cfg JailerConfig, stdout, stderr *RedactingWriter) (*exec.Cmd, error) {
	if err := unix.Access(cfg.JailerBin, unix.X_OK); err != nil {
		return nil, fmt.Errorf("jailer binary %s not executable: %w", cfg.JailerBin, err)
	}

	args := []string{
		"--id", cfg.JobID,
		"--uid", strconv.Itoa(cfg.UID()),
		"--gid", strconv.Itoa(cfg.GID()),
		"--chroot-base-dir", cfg.ChrootBase,
		"--exec-file", cfg.FirecrackerBin,
		"--",
		"--api-sock", "/api.sock",
	}

	cmd := exec.Command(cfg.JailerBin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start jailer: %w", err)
	}
	return cmd, nil
}

// TeardownChroot removes a job's jailer chroot tree. Idempotent: a missing
// directory is not an error, so calling teardown twice (once on the normal
// path, once from a deferred recovery) never fails.
func TeardownChroot(cfg JailerConfig) error {
	root := filepath.Join(cfg.ChrootBase, filepath.Base(cfg.FirecrackerBin), cfg.JobID)
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("remove chroot %s: %w", root, err)
	}
	return nil
}
