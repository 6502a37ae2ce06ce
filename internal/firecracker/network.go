package firecracker

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
)

// SlotNetwork describes the deterministic host/guest networking for one
// worker pool slot. Slot s always gets tap-s and 172.16.s.0/30, so a crashed
// launcher can tear down stale state for a slot without any coordination.
type SlotNetwork struct {
	Slot    int
	TAPName string // "tap-{slot}"
	HostIP  string // 172.16.{slot}.1
	GuestIP string // 172.16.{slot}.2
	Mask    string // 255.255.255.252
	GuestCIDR string // "172.16.{slot}.2/30", used in the guest boot args
}

// SlotNetworkFor computes the deterministic network for a slot. It performs
// no system calls and never fails — slot is bounded by the worker pool size,
// always well under the 254 values a single /30-per-slot octet allows.
func SlotNetworkFor(slot int) *SlotNetwork {
	s := byte(slot % 254)
	return &SlotNetwork{
		Slot:      slot,
		TAPName:   fmt.Sprintf("tap-%d", slot),
		HostIP:    fmt.Sprintf("172.16.%d.1", s),
		GuestIP:   fmt.Sprintf("172.16.%d.2", s),
		Mask:      "255.255.255.252",
		GuestCIDR: fmt.Sprintf("172.16.%d.2/30", s),
	}
}

// CreateTAP creates and configures the slot's TAP device. Idempotent: if the
// device already exists from a crashed prior run on this slot, it is deleted
// and recreated so stale addressing never lingers.
func CreateTAP(n *SlotNetwork) error {
	_ = run("ip", "link", "del", n.TAPName) // clear any stale device from a prior run

	if err := run("ip", "tuntap", "add", "dev", n.TAPName, "mode", "tap"); err != nil {
		return fmt.Errorf("create tap %s: %w", n.TAPName, err)
	}
	addr := fmt.Sprintf("%s/30", n.HostIP)
	if err := run("ip", "addr", "add", addr, "dev", n.TAPName); err != nil {
		DeleteTAP(n.TAPName)
		return fmt.Errorf("assign ip to %s: %w", n.TAPName, err)
	}
	if err := run("ip", "link", "set", n.TAPName, "up"); err != nil {
		DeleteTAP(n.TAPName)
		return fmt.Errorf("bring up %s: %w", n.TAPName, err)
	}
	return nil
}

// DeleteTAP removes a TAP device. Best-effort; callers ignore the absence of
// a device they expected to exist.
func DeleteTAP(tapName string) {
	_ = run("ip", "link", "del", tapName)
}

// PolicyConfig describes the one host-side egress path a sandboxed guest is
// permitted to use: DNS resolution and an HTTP(S) forward proxy. Everything
// else, including the instance metadata address, is denied.
type PolicyConfig struct {
	ProxyPort int
	DNSPort   int
}

var policyMu sync.Mutex

// ApplySlotEgressRules installs the per-slot iptables rules: allow the
// guest's traffic to the host's DNS and proxy ports, drop everything else,
// and explicitly blackhole the cloud metadata address regardless of the
// default policy so a guest can never reach it even if a future rule change
// widens the allow list.
func ApplySlotEgressRules(n *SlotNetwork, pc PolicyConfig) error {
	policyMu.Lock()
	defer policyMu.Unlock()

	chain := fmt.Sprintf("SANDBOX-%d", n.Slot)
	_ = run("iptables", "-t", "filter", "-N", chain) // ignore "already exists"
	_ = run("iptables", "-t", "filter", "-F", chain)

	rules := [][]string{
		{"-s", n.GuestIP, "-d", "169.254.169.254", "-j", "DROP"},
		{"-s", n.GuestIP, "-p", "udp", "--dport", fmt.Sprintf("%d", pc.DNSPort), "-j", "ACCEPT"},
		{"-s", n.GuestIP, "-p", "tcp", "--dport", fmt.Sprintf("%d", pc.DNSPort), "-j", "ACCEPT"},
		{"-s", n.GuestIP, "-p", "tcp", "--dport", fmt.Sprintf("%d", pc.ProxyPort), "-j", "ACCEPT"},
		{"-s", n.GuestIP, "-j", "DROP"},
	}
	for _, r := range rules {
		args := append([]string{"-A", chain}, r...)
		if err := run("iptables", append([]string{"-t", "filter"}, args...)...); err != nil {
			return fmt.Errorf("install rule in %s: %w", chain, err)
		}
	}

	if err := run("iptables", "-t", "filter", "-C", "FORWARD", "-i", n.TAPName, "-j", chain); err != nil {
		if err := run("iptables", "-t", "filter", "-I", "FORWARD", "-i", n.TAPName, "-j", chain); err != nil {
			return fmt.Errorf("hook %s into FORWARD: %w", chain, err)
		}
	}
	return nil
}

// RemoveSlotEgressRules tears down the chain installed by
// ApplySlotEgressRules. Best-effort, called during slot cleanup.
func RemoveSlotEgressRules(n *SlotNetwork) {
	policyMu.Lock()
	defer policyMu.Unlock()

	chain := fmt.Sprintf("SANDBOX-%d", n.Slot)
	_ = run("iptables", "-t", "filter", "-D", "FORWARD", "-i", n.TAPName, "-j", chain)
	_ = run("iptables", "-t", "filter", "-F", chain)
	_ = run("iptables", "-t", "filter", "-X", chain)
}

// EnableForwarding turns on IPv4 forwarding for the sandbox subnets. Call
// once at host-core startup.
func EnableForwarding() error {
	if err := run("sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

// DetectDefaultInterface returns the name of the default outgoing network
// interface, used only by the operator-facing launcher CLI when printing
// diagnostics; not required for sandbox correctness.
func DetectDefaultInterface() string {
	out, err := exec.Command("ip", "route", "show", "default").CombinedOutput()
	if err != nil {
		return ""
	}
	fields := strings.Fields(string(out))
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// FindFreePort finds a free TCP port on the host loopback interface by
// binding port 0 and releasing it.
func FindFreePort() (int, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := lis.Addr().(*net.TCPAddr).Port
	lis.Close()
	return port, nil
}

// run executes a command and wraps any failure with its combined output.
func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
