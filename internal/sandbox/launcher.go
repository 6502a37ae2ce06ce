// Package sandbox implements the Sandbox Launcher: it drives one Firecracker
// microVM from spawn to reap and always produces a JobResult, never an
// error that escapes to its caller except for host bugs that violate an
// internal invariant.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alphacore/vmvalidate/internal/firecracker"
	"github.com/alphacore/vmvalidate/pkg/types"
)

// Config holds the host-local paths and resource defaults the launcher
// needs for every job it runs.
type Config struct {
	FirecrackerBin   string
	JailerBin        string
	KernelPath       string
	RootfsImagesDir  string
	RootfsFlavor     string
	JailerChrootBase string
	CgroupRoot       string

	GuestRunnerBin string
	NetcheckBin    string

	VCPUCount         int
	MemSizeMiB        int
	DefaultMemLimitMB int

	ProxyPort    int
	DNSPort      int
	LaunchGraceS int
}

// Launcher drives one Firecracker microVM per call to Launch.
type Launcher struct {
	cfg Config
}

// NewLauncher constructs a Launcher from a resolved config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.VCPUCount <= 0 {
		cfg.VCPUCount = 1
	}
	if cfg.MemSizeMiB <= 0 {
		cfg.MemSizeMiB = 512
	}
	if cfg.DefaultMemLimitMB <= 0 {
		cfg.DefaultMemLimitMB = cfg.MemSizeMiB
	}
	if cfg.LaunchGraceS <= 0 {
		cfg.LaunchGraceS = 5
	}
	return &Launcher{cfg: cfg}
}

// Launch runs job in slot, writing its redacted console output to logPath,
// and returns a terminal JobResult. It never returns a non-nil error for a
// guest- or launch-side failure — those are folded into the result's
// summary per the failure taxonomy; a non-nil error indicates a host bug
// (an InternalError per §7) that the caller should log and still treat the
// job as failed.
func (l *Launcher) Launch(ctx context.Context, job *types.Job, slot int, logPath string) (*types.JobResult, error) {
	var rollbacks []func()
	defer func() {
		for i := len(rollbacks) - 1; i >= 0; i-- {
			rollbacks[i]()
		}
	}()

	// Phase 1: scratch setup.
	scratchDir, err := os.MkdirTemp("", "vmvalidate-"+job.JobID+"-")
	if err != nil {
		return failResult(fmt.Sprintf("scratch setup failed: %v", err), logPath), nil
	}
	rollbacks = append(rollbacks, func() { os.RemoveAll(scratchDir) })

	manifestJSON, err := json.Marshal(job.TaskManifest)
	if err != nil {
		return failResult(fmt.Sprintf("invalid task manifest: %v", err), logPath), nil
	}

	// Phase 2: rootfs preparation.
	flavor := l.cfg.RootfsFlavor
	baseImage, err := firecracker.ResolveBaseImage(l.cfg.RootfsImagesDir, flavor)
	if err != nil {
		return failResult(fmt.Sprintf("resolve base rootfs: %v", err), logPath), nil
	}
	rootfsPath := filepath.Join(scratchDir, "rootfs.ext4")
	if err := firecracker.PrepareRootfs(baseImage, rootfsPath); err != nil {
		return failResult(fmt.Sprintf("prepare rootfs: %v", err), logPath), nil
	}

	// Phase 3: workspace injection (rootfs mounted only for the duration of
	// this phase; never held open while the guest owns the image).
	guestCredsPath, err := l.injectWorkspace(scratchDir, rootfsPath, job, manifestJSON)
	if err != nil {
		return failResult(fmt.Sprintf("workspace injection failed: %v", err), logPath), nil
	}

	// Phase 4: resource allocation.
	netCfg := firecracker.SlotNetworkFor(slot)
	if err := firecracker.CreateTAP(netCfg); err != nil {
		return failResult("no slot", logPath), nil
	}
	rollbacks = append(rollbacks, func() { firecracker.DeleteTAP(netCfg.TAPName) })

	if err := firecracker.ApplySlotEgressRules(netCfg, firecracker.PolicyConfig{
		ProxyPort: l.cfg.ProxyPort,
		DNSPort:   l.cfg.DNSPort,
	}); err != nil {
		return failResult("no slot", logPath), nil
	}
	rollbacks = append(rollbacks, func() { firecracker.RemoveSlotEgressRules(netCfg) })

	// Phase 5: jailer launch.
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return failResult(fmt.Sprintf("open log file: %v", err), logPath), nil
	}
	rollbacks = append(rollbacks, func() { logFile.Close() })

	secrets := make([]string, 0, len(job.Credentials))
	for _, v := range job.Credentials {
		secrets = append(secrets, v)
	}
	relay := NewRedactingWriter(logFile, secrets, 200)

	jailerCfg := JailerConfig{
		JailerBin:      l.cfg.JailerBin,
		FirecrackerBin: l.cfg.FirecrackerBin,
		ChrootBase:     l.cfg.JailerChrootBase,
		JobID:          job.JobID,
		Slot:           slot,
	}

	if err := PrepareSlotCgroup(l.cfg.CgroupRoot, slot, l.cfg.DefaultMemLimitMB); err != nil {
		log.Printf("sandbox: %s: cgroup limit not applied: %v", job.JobID, err)
	}

	cmd, err := SpawnJailed(jailerCfg, relay, relay)
	if err != nil {
		return failResult(fmt.Sprintf("jailer launch failed: %v", err), logPath), nil
	}
	rollbacks = append(rollbacks, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	})
	rollbacks = append(rollbacks, func() {
		if err := TeardownChroot(jailerCfg); err != nil {
			log.Printf("sandbox: %s: chroot teardown: %v", job.JobID, err)
		}
	})

	if err := jailerCfg.WaitForChroot(2 * time.Second); err != nil {
		tail := relay.Tail()
		_ = tail
		return failResult(fmt.Sprintf("jailer launch failed: %v", err), logPath), nil
	}

	chrootKernel := filepath.Join(jailerCfg.ChrootDir(), "vmlinux")
	chrootRootfs := filepath.Join(jailerCfg.ChrootDir(), "rootfs.ext4")
	if err := linkOrCopy(l.cfg.KernelPath, chrootKernel); err != nil {
		return failResult(fmt.Sprintf("stage kernel into chroot: %v", err), logPath), nil
	}
	if err := linkOrCopy(rootfsPath, chrootRootfs); err != nil {
		return failResult(fmt.Sprintf("stage rootfs into chroot: %v", err), logPath), nil
	}

	bootArgs := fmt.Sprintf("vmvalidate.job=%s", job.JobID)
	if guestCredsPath != "" {
		bootArgs += " vmvalidate.creds=" + guestCredsPath
	}
	if job.QuietKernel {
		bootArgs += " quiet"
	}

	vmCfg := firecracker.VMConfig{
		KernelPath:    "/vmlinux",
		RootfsPath:    "/rootfs.ext4",
		Network:       netCfg,
		VCPUCount:     l.cfg.VCPUCount,
		MemSizeMiB:    l.cfg.MemSizeMiB,
		GuestMAC:      firecracker.GenerateMAC(job.JobID),
		ExtraBootArgs: bootArgs,
	}

	if err := firecracker.ConfigureAndStart(jailerCfg.APISocketPath(), vmCfg); err != nil {
		tail := relay.Tail()
		msg := fmt.Sprintf("jailer launch failed: %v", err)
		if len(tail) > 0 {
			msg = fmt.Sprintf("%s (last output: %s)", msg, tail[len(tail)-1])
		}
		return failResult(msg, logPath), nil
	}

	// Phase 6 (I/O relay) is continuous: cmd.Stdout/Stderr both write
	// through relay for the lifetime of the process.

	// Phase 7: termination wait.
	returnCode := l.waitWithDeadline(ctx, cmd, time.Duration(job.TimeoutS)*time.Second)
	_ = relay.Flush()

	// Phase 8: result extraction.
	resultMount := filepath.Join(scratchDir, "mnt-result")
	var successJSON, errorJSON []byte
	if err := firecracker.MountRootfs(rootfsPath, resultMount); err != nil {
		log.Printf("sandbox: %s: mount for result extraction failed: %v", job.JobID, err)
	} else {
		successJSON, errorJSON = firecracker.ExtractResults(resultMount)
		if err := firecracker.UnmountRootfs(resultMount); err != nil {
			log.Printf("sandbox: %s: unmount after result extraction: %v", job.JobID, err)
		}
	}

	if len(successJSON) > 0 {
		successJSON = []byte(Redact(string(successJSON), secrets))
	}
	if len(errorJSON) > 0 {
		errorJSON = []byte(Redact(string(errorJSON), secrets))
	}

	result, err := BuildResult(returnCode, successJSON, errorJSON, relay.Tail(), logPath)
	if err != nil {
		return failResult(fmt.Sprintf("result parse error: %v", err), logPath), nil
	}

	// Phase 9 (teardown) runs via the deferred rollback stack above.
	return result, nil
}

func (l *Launcher) injectWorkspace(scratchDir, rootfsPath string, job *types.Job, manifestJSON []byte) (guestCredsPath string, err error) {
	mountPoint := filepath.Join(scratchDir, "mnt")
	if err := firecracker.MountRootfs(rootfsPath, mountPoint); err != nil {
		return "", err
	}
	defer func() {
		if uerr := firecracker.UnmountRootfs(mountPoint); uerr != nil {
			log.Printf("sandbox: %s: unmount after injection: %v", job.JobID, uerr)
		}
	}()

	if len(job.Credentials) > 0 {
		guestCredsPath, err = firecracker.WriteCredsFile(mountPoint, job.Credentials)
		if err != nil {
			return "", err
		}
	}

	if err := firecracker.InjectWorkspace(mountPoint, job.Workspace.ZipPath, job.Workspace.DirPath, manifestJSON, l.cfg.GuestRunnerBin, l.cfg.NetcheckBin); err != nil {
		return "", err
	}
	return guestCredsPath, nil
}

// waitWithDeadline waits for cmd to exit, enforcing timeout with a
// SIGTERM-then-SIGKILL escalation and a grace window, and returns the
// process's effective return code.
func (l *Launcher) waitWithDeadline(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) int {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return exitCode(err)
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	grace := time.Duration(l.cfg.LaunchGraceS) * time.Second
	select {
	case <-waitCh:
	case <-time.After(grace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitCh
	}
	return 1
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return 1
}

func failResult(msg, logPath string) *types.JobResult {
	return &types.JobResult{
		ReturnCode: 1,
		Summary:    map[string]any{"status": "fail", "msg": msg, "score": 0},
		LogPath:    logPath,
	}
}

func linkOrCopy(src, dest string) error {
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	return os.WriteFile(dest, data, 0644)
}
