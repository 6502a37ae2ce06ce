// Package firecracker wraps the Firecracker VMM: its control-socket API
// client, TAP/subnet allocation, and rootfs/workspace image preparation. The
// jailer-wrapped process itself is spawned by internal/sandbox, which treats
// this package as a mechanics library rather than an orchestrator.
package firecracker

import (
	"fmt"
	"time"
)

// VMConfig describes the resources a single job's VM needs wired up before
// StartInstance is called. The rootfs is the VM's only drive: it is a
// writable per-job clone that already has the workspace, task manifest, and
// guest runner binaries injected into it before boot (see
// internal/sandbox's rootfs-injection phase).
type VMConfig struct {
	KernelPath string
	RootfsPath string
	Network    *SlotNetwork
	VCPUCount  int
	MemSizeMiB int
	GuestMAC   string
	// ExtraBootArgs is appended verbatim to the generated kernel command
	// line, e.g. to pass a job ID through to the guest runner's environment.
	ExtraBootArgs string
}

// BuildBootArgs constructs the kernel command line for a job's VM: static
// guest networking (no DHCP, since the guest has no route to anything but
// the host-side DNS/proxy) plus whatever the caller appends.
func BuildBootArgs(cfg VMConfig) string {
	base := fmt.Sprintf(
		"keep_bootcon console=ttyS0 reboot=k panic=1 pci=off "+
			"ip=%s::%s:%s::eth0:off "+
			"init=/bin/init",
		cfg.Network.GuestIP, cfg.Network.HostIP, cfg.Network.Mask,
	)
	if cfg.ExtraBootArgs != "" {
		base = base + " " + cfg.ExtraBootArgs
	}
	return base
}

// ConfigureAndStart waits for the API socket of an already-spawned (jailed)
// Firecracker process to come up, pushes machine config, boot source,
// drives, and the network interface, then starts the instance. This is
// phase 5 of the sandbox launch sequence.
func ConfigureAndStart(apiSockPath string, cfg VMConfig) error {
	client := NewClient(apiSockPath)

	if err := client.WaitForSocket(5 * time.Second); err != nil {
		return fmt.Errorf("wait for API socket: %w", err)
	}
	if err := client.PutMachineConfig(cfg.VCPUCount, cfg.MemSizeMiB); err != nil {
		return fmt.Errorf("put machine config: %w", err)
	}
	if err := client.PutBootSource(cfg.KernelPath, BuildBootArgs(cfg)); err != nil {
		return fmt.Errorf("put boot source: %w", err)
	}
	if err := client.PutDrive("rootfs", cfg.RootfsPath, true, false); err != nil {
		return fmt.Errorf("put rootfs drive: %w", err)
	}
	if err := client.PutNetworkInterface("eth0", cfg.GuestMAC, cfg.Network.TAPName); err != nil {
		return fmt.Errorf("put network interface: %w", err)
	}
	if err := client.StartInstance(); err != nil {
		return fmt.Errorf("start instance: %w", err)
	}
	return nil
}

// GenerateMAC creates a deterministic MAC address from a job ID, so retried
// launches of the same job always present the same guest-visible address.
func GenerateMAC(jobID string) string {
	var b4, b5 byte
	if len(jobID) > 3 {
		b4 = jobID[3]
	}
	if len(jobID) > 0 {
		b5 = jobID[len(jobID)-1]
	}
	return fmt.Sprintf("AA:FC:00:00:%02x:%02x", b4, b5)
}
