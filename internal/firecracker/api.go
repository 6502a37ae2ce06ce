// Package firecracker provides a minimal client for the Firecracker VMM's
// control socket, and the host-side tap/subnet allocation the Sandbox
// Launcher needs to wire a guest's network interface before boot.
//
// The control socket is opened only by the launcher process on the host; it
// is never exposed to the guest (per the jailer's chroot, the socket path
// lives outside anything the guest filesystem can reach).
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// Client is a minimal HTTP client for the Firecracker API socket.
type Client struct {
	socketPath string
	httpClient *http.Client
}

// NewClient creates a client that talks to a Firecracker instance via its
// Unix domain API socket.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// WaitForSocket polls until the API socket file exists on disk.
func (c *Client) WaitForSocket(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(c.socketPath); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("firecracker API socket %s not ready after %v", c.socketPath, timeout)
}

// PutBootSource configures the kernel boot source.
func (c *Client) PutBootSource(kernelPath, bootArgs string) error {
	body := map[string]string{
		"kernel_image_path": kernelPath,
		"boot_args":         bootArgs,
	}
	return c.put("/boot-source", body)
}

// PutDrive attaches a block device (drive) to the VM.
func (c *Client) PutDrive(driveID, pathOnHost string, isRootDevice, isReadOnly bool) error {
	body := map[string]interface{}{
		"drive_id":       driveID,
		"path_on_host":   pathOnHost,
		"is_root_device": isRootDevice,
		"is_read_only":   isReadOnly,
	}
	return c.putWithID("/drives", driveID, body)
}

// PutNetworkInterface attaches a network interface backed by a host tap device.
func (c *Client) PutNetworkInterface(ifaceID, guestMAC, hostDevName string) error {
	body := map[string]interface{}{
		"iface_id":      ifaceID,
		"guest_mac":     guestMAC,
		"host_dev_name": hostDevName,
	}
	return c.putWithID("/network-interfaces", ifaceID, body)
}

// PutMachineConfig sets vCPU count and memory size.
func (c *Client) PutMachineConfig(vcpuCount, memSizeMib int) error {
	body := map[string]interface{}{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMib,
	}
	return c.put("/machine-config", body)
}

// StartInstance boots the configured VM.
func (c *Client) StartInstance() error {
	body := map[string]string{
		"action_type": "InstanceStart",
	}
	return c.put("/actions", body)
}

func (c *Client) put(path string, body interface{}) error {
	return c.doRequest(http.MethodPut, path, body)
}

func (c *Client) putWithID(basePath, id string, body interface{}) error {
	return c.doRequest(http.MethodPut, basePath+"/"+id, body)
}

func (c *Client) doRequest(method, path string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}

	req, err := http.NewRequest(method, "http://localhost"+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("firecracker API %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("firecracker API %s %s returned %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	return nil
}
