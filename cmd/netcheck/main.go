// Command netcheck runs the Guest Network Self-Check Probe and exits 0
// iff every assertion held.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/alphacore/vmvalidate/internal/netcheck"
)

func main() {
	hostIP := flag.String("host-ip", "", "host IP as seen from inside the VM")
	proxyPort := flag.Int("proxy-port", 8888, "forward proxy port")
	metadataIP := flag.String("metadata-ip", "169.254.169.254", "cloud metadata IP to probe")
	flag.Parse()

	if *hostIP == "" {
		fmt.Fprintln(os.Stderr, "netcheck: --host-ip is required")
		os.Exit(1)
	}

	cfg := netcheck.Config{HostIP: *hostIP, ProxyPort: *proxyPort, MetadataIP: *metadataIP}
	results := netcheck.Probe(cfg)

	if !netcheck.AllPassed(results) {
		fmt.Fprint(os.Stderr, netcheck.FormatReport(results))
		os.Exit(1)
	}
	os.Exit(0)
}
