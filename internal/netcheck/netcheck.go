// Package netcheck implements the Guest Network Self-Check Probe: a
// battery of DNS and HTTP assertions that prove the egress boundary
// (allowlist resolver + forward proxy) is intact before a workload is
// trusted to run inside the VM.
package netcheck

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config points the probe at the host-side network policy components.
type Config struct {
	HostIP       string // the host's address as seen from inside the VM
	ProxyPort    int    // forward proxy port, default 8888
	MetadataIP   string // default 169.254.169.254
	HTTPTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProxyPort == 0 {
		c.ProxyPort = 8888
	}
	if c.MetadataIP == "" {
		c.MetadataIP = "169.254.169.254"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	return c
}

func (c Config) proxyURL() string {
	return fmt.Sprintf("http://%s:%d", c.HostIP, c.ProxyPort)
}

// Assertion is the outcome of a single numbered check.
type Assertion struct {
	N        int
	Name     string
	Expected string
	Got      string
	Passed   bool
}

// Probe runs all 11 assertions and returns their results. The caller
// should treat any !Passed entry as a hard probe failure.
func Probe(cfg Config) []Assertion {
	cfg = cfg.withDefaults()

	results := make([]Assertion, 0, 11)
	add := func(n int, name, expected, got string, passed bool) {
		results = append(results, Assertion{N: n, Name: name, Expected: expected, Got: got, Passed: passed})
	}

	// 1: resolve an allowlisted domain, expect a real address.
	ip1 := resolve("googleapis.com")
	add(1, "resolve googleapis.com", "non-empty, not 0.0.0.0", ip1, ip1 != "" && ip1 != "0.0.0.0")

	// 2: resolve another allowlisted domain.
	ip2 := resolve("compute.googleapis.com")
	add(2, "resolve compute.googleapis.com", "non-empty, not 0.0.0.0", ip2, ip2 != "" && ip2 != "0.0.0.0")

	// 3: resolve a non-allowlisted domain, expect sinkhole or failure.
	ip3 := resolve("example.com")
	add(3, "resolve example.com", "empty or 0.0.0.0", ip3, ip3 == "" || ip3 == "0.0.0.0")

	// 4: HTTP GET the proxy's own port via the proxy, expect any response.
	code4 := httpCode("http", fmt.Sprintf("%s:%d", cfg.HostIP, cfg.ProxyPort), "/", cfg, true)
	add(4, "GET host-ip:8888/ via proxy", "any 3-digit code", code4, code4 != "000")

	// 5: HTTP GET host port 80 directly, expect connection failure.
	code5 := httpCode("http", fmt.Sprintf("%s:%d", cfg.HostIP, 80), "/", cfg, false)
	add(5, "GET host-ip:80/ without proxy", "000", code5, code5 == "000")

	// 6: HTTPS GET googleapis discovery without proxy, expect not 200.
	code6 := httpCode("https", "www.googleapis.com", "/discovery/v1/apis", cfg, false)
	add(6, "HTTPS googleapis discovery without proxy", "not 200", code6, code6 != "200")

	// 7: same target via proxy, expect exactly 200.
	code7 := httpCode("https", "www.googleapis.com", "/discovery/v1/apis", cfg, true)
	add(7, "HTTPS googleapis discovery via proxy", "200", code7, code7 == "200")

	// 8: HTTPS GET compute.googleapis.com via proxy, expect not 000.
	code8 := httpCode("https", "compute.googleapis.com", "/", cfg, true)
	add(8, "HTTPS compute.googleapis.com via proxy", "not 000", code8, code8 != "000")

	// 9: GET example.com via proxy, expect not 200 (blocked by allowlist).
	code9 := httpCode("http", "example.com", "/", cfg, true)
	add(9, "GET example.com via proxy", "not 200", code9, code9 != "200")

	// 10: GET metadata IP without proxy, expect connection failure.
	code10 := httpCode("http", cfg.MetadataIP, "/latest/meta-data", cfg, false)
	add(10, "GET metadata IP without proxy", "000", code10, code10 == "000")

	// 11: GET metadata IP via proxy, expect not 200 (not in allowlist).
	code11 := httpCode("http", cfg.MetadataIP, "/latest/meta-data", cfg, true)
	add(11, "GET metadata IP via proxy", "not 200", code11, code11 != "200")

	return results
}

// AllPassed reports whether every assertion held.
func AllPassed(results []Assertion) bool {
	for _, a := range results {
		if !a.Passed {
			return false
		}
	}
	return true
}

// resolve returns the first A record for host, or "" on any failure.
func resolve(host string) string {
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// httpCode performs one GET and returns a 3-digit status code, or "000"
// on any connection-level failure (the probe's defined sentinel).
func httpCode(scheme, hostport, path string, cfg Config, viaProxy bool) string {
	client := &http.Client{Timeout: cfg.HTTPTimeout}
	if viaProxy {
		proxyURL, err := url.Parse(cfg.proxyURL())
		if err != nil {
			return "000"
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	} else {
		client.Transport = &http.Transport{Proxy: nil}
	}

	target := fmt.Sprintf("%s://%s%s", scheme, hostport, path)
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return "000"
	}

	resp, err := client.Do(req)
	if err != nil {
		return "000"
	}
	defer resp.Body.Close()
	return fmt.Sprintf("%03d", resp.StatusCode)
}

// FormatReport renders assertions as a human-readable diagnostic block,
// one line per failure, matching the probe's "log a diagnostic" contract.
func FormatReport(results []Assertion) string {
	var sb strings.Builder
	for _, a := range results {
		if a.Passed {
			continue
		}
		fmt.Fprintf(&sb, "assertion %d (%s): expected %s, got %s\n", a.N, a.Name, a.Expected, a.Got)
	}
	return sb.String()
}
